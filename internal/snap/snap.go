// Package snap manages installed snaps: their lifecycle, the permissions
// granted at install time and the routing of handler requests into the
// execution service.
package snap

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/flemzord/snaphost/internal/snapperm"
)

// Sentinel errors.
var (
	// ErrDisabled is returned when a disabled snap is asked to run.
	ErrDisabled = errors.New("snap: disabled")
)

// Status is the runtime status of an installed snap.
type Status string

// Snap statuses.
const (
	StatusInstalled Status = "installed"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCrashed   Status = "crashed"
)

// Snap is an installed snap.
type Snap struct {
	ID                 string                     `json:"id"`
	Version            string                     `json:"version,omitempty"`
	Enabled            bool                       `json:"enabled"`
	Status             Status                     `json:"status"`
	InstalledAt        time.Time                  `json:"installed_at"`
	LastRequest        time.Time                  `json:"last_request,omitzero"`
	InitialPermissions map[string]json.RawMessage `json:"initial_permissions,omitempty"`

	sourceCode string
}

// InstallParams describes a snap to install or update.
type InstallParams struct {
	ID                 string
	Version            string
	SourceCode         string
	InitialPermissions map[string]json.RawMessage
}

// Request is a handler invocation routed to a snap.
type Request struct {
	SnapID  string           `json:"snap_id"`
	Origin  string           `json:"origin"`
	Handler snapperm.Handler `json:"handler"`
	Request json.RawMessage  `json:"request"`
}

// EventType names a lifecycle event.
type EventType string

// Lifecycle events.
const (
	EventInstalled EventType = "installed"
	EventUpdated   EventType = "updated"
	EventRemoved   EventType = "removed"
	EventEnabled   EventType = "enabled"
	EventDisabled  EventType = "disabled"
	EventStarted   EventType = "started"
	EventStopped   EventType = "stopped"
	EventCrashed   EventType = "crashed"
)

// Event is published after a lifecycle change has been applied.
type Event struct {
	Type   EventType
	SnapID string
}

type observers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Event)
}

func (o *observers) subscribe(fn func(Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fns == nil {
		o.fns = make(map[int]func(Event))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.fns, id)
	}
}

func (o *observers) publish(e Event) {
	o.mu.Lock()
	fns := make([]func(Event), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}
