package execution

import (
	"encoding/json"
	"sync"
)

// EventType names an execution event.
type EventType string

// Execution events.
const (
	EventOutboundRequest  EventType = "outboundRequest"
	EventOutboundResponse EventType = "outboundResponse"
	EventUnhandledError   EventType = "unhandledError"
)

// Event is published to subscribers. Err is set for unhandledError.
type Event struct {
	Type   EventType
	SnapID string
	JobID  string
	Data   json.RawMessage
	Err    error
}

// observers is a copy-on-publish list of event subscribers.
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
