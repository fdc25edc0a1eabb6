package snap

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/flemzord/snaphost/internal/clock"
	"github.com/flemzord/snaphost/internal/execution"
	"github.com/flemzord/snaphost/internal/permission"
	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/security"
	"github.com/flemzord/snaphost/internal/snapperm"
	"github.com/flemzord/snaphost/internal/timer"
)

// DefaultRequestTimeout bounds a handler request when the snap's
// endowment carries no maxRequestTime caveat.
const DefaultRequestTimeout = 60 * time.Second

// Executor is the subset of execution.Service the controller drives.
type Executor interface {
	ExecuteSnap(ctx context.Context, p execution.ExecuteSnapParams) (string, error)
	HandleRPCRequest(ctx context.Context, snapID string, req execution.SnapRPCRequest) (json.RawMessage, error)
	TerminateSnap(ctx context.Context, snapID string) error
	TerminateAllSnaps(ctx context.Context) error
	IsRunning(snapID string) bool
	Subscribe(fn func(execution.Event)) (unsubscribe func())
}

var _ Executor = (*execution.Service)(nil)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuditLogger records installs, removals and crashes.
func WithAuditLogger(a *security.AuditLogger) Option {
	return func(c *Controller) { c.audit = a }
}

// WithClock sets the clock for request timeouts and timestamps.
func WithClock(cl clock.Clock) Option {
	return func(c *Controller) {
		if cl != nil {
			c.clock = cl
		}
	}
}

// WithStateStore clears a snap's persisted state when it is removed.
func WithStateStore(s snapperm.StateStore) Option {
	return func(c *Controller) { c.state = s }
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// Controller owns the installed snaps.
type Controller struct {
	exec           Executor
	perms          *permission.Controller
	state          snapperm.StateStore
	logger         *slog.Logger
	audit          *security.AuditLogger
	clock          clock.Clock
	requestTimeout time.Duration
	events         observers
	starts         singleflight.Group
	unsubscribe    func()

	// opMu serializes install, update and remove.
	opMu sync.Mutex

	mu    sync.Mutex
	snaps map[string]*Snap
}

// NewController returns a controller running snaps on exec under the
// grants held by perms. Call Close to detach it from exec.
func NewController(exec Executor, perms *permission.Controller, opts ...Option) *Controller {
	c := &Controller{
		exec:           exec,
		perms:          perms,
		logger:         slog.Default(),
		clock:          clock.Real(),
		requestTimeout: DefaultRequestTimeout,
		snaps:          make(map[string]*Snap),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsubscribe = exec.Subscribe(c.handleExecutionEvent)
	return c
}

// Close stops listening to execution events.
func (c *Controller) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Subscribe registers fn for lifecycle events and returns a function that
// removes it. fn runs synchronously after the change is applied.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.events.subscribe(fn)
}

// Permissions returns the permission controller guarding the snaps.
func (c *Controller) Permissions() *permission.Controller {
	return c.perms
}

// Install grants the snap its initial permissions and records it, enabled.
// The onInstall lifecycle hook runs when the snap holds the lifecycle
// hooks endowment; its failure is logged and does not undo the install.
func (c *Controller) Install(ctx context.Context, p InstallParams) (Snap, error) {
	if err := checkParams(p); err != nil {
		return Snap{}, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if _, ok := c.lookup(p.ID); ok {
		return Snap{}, rpc.InvalidParams("snap %s is already installed", p.ID)
	}
	if err := c.grant(p.ID, p.InitialPermissions); err != nil {
		return Snap{}, err
	}

	s := &Snap{
		ID:                 p.ID,
		Version:            p.Version,
		Enabled:            true,
		Status:             StatusInstalled,
		InstalledAt:        c.clock.Now(),
		InitialPermissions: maps.Clone(p.InitialPermissions),
		sourceCode:         p.SourceCode,
	}
	c.mu.Lock()
	c.snaps[p.ID] = s
	c.mu.Unlock()

	c.audit.Log(security.AuditEvent{Type: security.EventSnapInstall, SnapID: p.ID, Detail: p.Version})
	c.logger.Info("snap: installed", "snap_id", p.ID, "version", p.Version)
	c.events.publish(Event{Type: EventInstalled, SnapID: p.ID})

	c.callLifecycleHook(ctx, p.ID, snapperm.OnInstall)
	return c.Get(p.ID)
}

// Update replaces the source and permissions of an installed snap. A
// running snap is stopped first. When the new permissions are rejected the
// previous grants are restored.
func (c *Controller) Update(ctx context.Context, p InstallParams) (Snap, error) {
	if err := checkParams(p); err != nil {
		return Snap{}, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if _, ok := c.lookup(p.ID); !ok {
		return Snap{}, notInstalled(p.ID)
	}
	if err := c.Stop(ctx, p.ID); err != nil {
		return Snap{}, err
	}

	previous := c.perms.GetPermissions(p.ID)
	c.perms.RevokeAllPermissions(p.ID)
	if err := c.grant(p.ID, p.InitialPermissions); err != nil {
		if _, rerr := c.perms.GrantPermissions(p.ID, asRequested(previous)); rerr != nil {
			c.logger.Error("snap: restoring permissions failed", "snap_id", p.ID, "error", rerr)
		}
		return Snap{}, err
	}

	c.mu.Lock()
	s := c.snaps[p.ID]
	s.Version = p.Version
	s.sourceCode = p.SourceCode
	s.InitialPermissions = maps.Clone(p.InitialPermissions)
	c.mu.Unlock()

	c.logger.Info("snap: updated", "snap_id", p.ID, "version", p.Version)
	c.events.publish(Event{Type: EventUpdated, SnapID: p.ID})

	c.callLifecycleHook(ctx, p.ID, snapperm.OnUpdate)
	return c.Get(p.ID)
}

// Remove stops the snap, revokes its permissions and forgets its state.
func (c *Controller) Remove(ctx context.Context, snapID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if _, ok := c.lookup(snapID); !ok {
		return notInstalled(snapID)
	}
	if err := c.Stop(ctx, snapID); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.snaps, snapID)
	c.mu.Unlock()

	c.perms.RevokeAllPermissions(snapID)
	if c.state != nil {
		if err := c.state.ClearSnapState(ctx, snapID); err != nil {
			c.logger.Warn("snap: clearing state failed", "snap_id", snapID, "error", err)
		}
	}

	c.audit.Log(security.AuditEvent{Type: security.EventSnapRemove, SnapID: snapID})
	c.logger.Info("snap: removed", "snap_id", snapID)
	c.events.publish(Event{Type: EventRemoved, SnapID: snapID})
	return nil
}

// Enable allows the snap to run again.
func (c *Controller) Enable(snapID string) error {
	c.mu.Lock()
	s, ok := c.snaps[snapID]
	if !ok {
		c.mu.Unlock()
		return notInstalled(snapID)
	}
	changed := !s.Enabled
	s.Enabled = true
	c.mu.Unlock()

	if changed {
		c.logger.Info("snap: enabled", "snap_id", snapID)
		c.events.publish(Event{Type: EventEnabled, SnapID: snapID})
	}
	return nil
}

// Disable stops the snap and refuses further requests until it is
// enabled again.
func (c *Controller) Disable(ctx context.Context, snapID string) error {
	c.mu.Lock()
	s, ok := c.snaps[snapID]
	if !ok {
		c.mu.Unlock()
		return notInstalled(snapID)
	}
	changed := s.Enabled
	s.Enabled = false
	c.mu.Unlock()

	if err := c.Stop(ctx, snapID); err != nil {
		return err
	}
	if changed {
		c.logger.Info("snap: disabled", "snap_id", snapID)
		c.events.publish(Event{Type: EventDisabled, SnapID: snapID})
	}
	return nil
}

// Start runs the snap if it is not running yet. Concurrent callers share
// one start.
func (c *Controller) Start(ctx context.Context, snapID string) error {
	_, err, _ := c.starts.Do(snapID, func() (any, error) {
		return nil, c.start(ctx, snapID)
	})
	return err
}

func (c *Controller) start(ctx context.Context, snapID string) error {
	c.mu.Lock()
	s, ok := c.snaps[snapID]
	if !ok {
		c.mu.Unlock()
		return notInstalled(snapID)
	}
	if !s.Enabled {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDisabled, snapID)
	}
	source := s.sourceCode
	c.mu.Unlock()

	if c.exec.IsRunning(snapID) {
		return nil
	}

	jobID, err := c.exec.ExecuteSnap(ctx, execution.ExecuteSnapParams{
		SnapID:     snapID,
		SourceCode: source,
		Endowments: c.perms.GetEndowments(snapID),
	})
	if err != nil {
		return fmt.Errorf("snap: start %s: %w", snapID, err)
	}

	c.setStatus(snapID, StatusRunning)
	c.logger.Debug("snap: started", "snap_id", snapID, "job_id", jobID)
	c.events.publish(Event{Type: EventStarted, SnapID: snapID})
	return nil
}

// Stop terminates the snap's job. Stopping a snap that is not running is
// a no-op.
func (c *Controller) Stop(ctx context.Context, snapID string) error {
	if _, ok := c.lookup(snapID); !ok {
		return notInstalled(snapID)
	}
	return c.stop(ctx, snapID, StatusStopped, EventStopped)
}

func (c *Controller) stop(ctx context.Context, snapID string, status Status, event EventType) error {
	wasRunning := c.exec.IsRunning(snapID)
	if err := c.exec.TerminateSnap(ctx, snapID); err != nil {
		return fmt.Errorf("snap: stop %s: %w", snapID, err)
	}
	if !wasRunning && status == StatusStopped {
		return nil
	}
	c.setStatus(snapID, status)
	c.events.publish(Event{Type: event, SnapID: snapID})
	return nil
}

// HandleRequest invokes a handler of an installed snap, starting it on
// demand. The snap must hold the endowment gating the handler, and the
// origin must pass the endowment's origin caveat. The request is bounded
// by the endowment's maxRequestTime; a snap that exceeds it is stopped.
func (c *Controller) HandleRequest(ctx context.Context, req Request) (json.RawMessage, error) {
	s, ok := c.lookup(req.SnapID)
	if !ok {
		return nil, notInstalled(req.SnapID)
	}
	if !s.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, req.SnapID)
	}

	target, ok := snapperm.HandlerEndowments[req.Handler]
	if !ok {
		return nil, rpc.InvalidParams("unknown handler %q", req.Handler)
	}
	perm, ok := c.perms.GetPermission(req.SnapID, target)
	if !ok {
		return nil, rpc.Unauthorized("%s is not permitted to use %s", req.SnapID, req.Handler)
	}
	origin, err := checkOrigin(perm, req)
	if err != nil {
		return nil, err
	}

	if err := c.Start(ctx, req.SnapID); err != nil {
		return nil, err
	}
	c.touch(req.SnapID)

	timeout := c.requestTimeout
	if d, ok := snapperm.MaxRequestTimeOf(perm); ok {
		timeout = d
	}
	rpcReq := execution.SnapRPCRequest{Origin: origin, Handler: req.Handler, Request: req.Request}
	result, err := timer.WithTimeoutDuration(ctx, timeout, c.clock, func(ctx context.Context) (json.RawMessage, error) {
		return c.exec.HandleRPCRequest(ctx, req.SnapID, rpcReq)
	})
	if errors.Is(err, timer.ErrTimedOut) {
		c.logger.Warn("snap: request timed out, stopping snap",
			"snap_id", req.SnapID, "handler", req.Handler, "timeout", timeout)
		go c.crash(req.SnapID, "request timed out")
		return nil, fmt.Errorf("snap: %s request to %s: %w", req.Handler, req.SnapID, err)
	}
	return result, err
}

// HandleSnapRequest adapts HandleRequest to the wallet_snap hook.
func (c *Controller) HandleSnapRequest(ctx context.Context, snapID, origin string, handler snapperm.Handler, request json.RawMessage) (any, error) {
	return c.HandleRequest(ctx, Request{SnapID: snapID, Origin: origin, Handler: handler, Request: request})
}

// Get returns the installed snap.
func (c *Controller) Get(snapID string) (Snap, error) {
	s, ok := c.lookup(snapID)
	if !ok {
		return Snap{}, notInstalled(snapID)
	}
	return s, nil
}

// List returns every installed snap sorted by ID.
func (c *Controller) List() []Snap {
	c.mu.Lock()
	out := make([]Snap, 0, len(c.snaps))
	for _, s := range c.snaps {
		out = append(out, c.copyOf(s))
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b Snap) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// RunnableSnaps returns the IDs of enabled snaps, sorted.
func (c *Controller) RunnableSnaps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, s := range c.snaps {
		if s.Enabled {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// StopAll terminates every running job concurrently and marks the snaps
// that were running as stopped. It returns the IDs it stopped.
func (c *Controller) StopAll(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	var running []string
	for id, s := range c.snaps {
		if s.Status == StatusRunning {
			running = append(running, id)
		}
	}
	c.mu.Unlock()
	slices.Sort(running)

	err := c.exec.TerminateAllSnaps(ctx)
	var stopped []string
	for _, id := range running {
		if c.exec.IsRunning(id) {
			continue
		}
		c.setStatus(id, StatusStopped)
		c.events.publish(Event{Type: EventStopped, SnapID: id})
		stopped = append(stopped, id)
	}
	if err != nil {
		return stopped, fmt.Errorf("snap: stop all: %w", err)
	}
	return stopped, nil
}

// InstalledSnaps returns the IDs of every installed snap, sorted.
func (c *Controller) InstalledSnaps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.snaps))
}

// StopIdle stops running snaps whose last request is older than maxIdle,
// except those holding the long-running endowment. It returns the IDs it
// stopped.
func (c *Controller) StopIdle(ctx context.Context, maxIdle time.Duration) []string {
	now := c.clock.Now()
	var idle []string
	c.mu.Lock()
	for id, s := range c.snaps {
		if s.Status == StatusRunning && now.Sub(s.LastRequest) > maxIdle {
			idle = append(idle, id)
		}
	}
	c.mu.Unlock()
	slices.Sort(idle)

	var stopped []string
	for _, id := range idle {
		if c.perms.HasPermission(id, snapperm.LongRunning) {
			continue
		}
		if err := c.Stop(ctx, id); err != nil {
			c.logger.Warn("snap: stopping idle snap failed", "snap_id", id, "error", err)
			continue
		}
		c.logger.Info("snap: stopped idle snap", "snap_id", id)
		stopped = append(stopped, id)
	}
	return stopped
}

// handleExecutionEvent runs on a job's read goroutine, so the crash
// teardown goes to its own goroutine.
func (c *Controller) handleExecutionEvent(e execution.Event) {
	if e.Type != execution.EventUnhandledError {
		return
	}
	reason := "unhandled error"
	if e.Err != nil {
		reason = e.Err.Error()
	}
	go c.crash(e.SnapID, reason)
}

func (c *Controller) crash(snapID, reason string) {
	if _, ok := c.lookup(snapID); !ok {
		return
	}
	c.logger.Error("snap: crashed", "snap_id", snapID, "error", reason)
	if err := c.stop(context.Background(), snapID, StatusCrashed, EventCrashed); err != nil {
		c.logger.Warn("snap: stopping crashed snap failed", "snap_id", snapID, "error", err)
	}
}

func (c *Controller) callLifecycleHook(ctx context.Context, snapID string, handler snapperm.Handler) {
	if !c.perms.HasPermission(snapID, snapperm.LifecycleHooks) {
		return
	}
	req, err := rpc.NewRequest(string(handler), nil)
	if err != nil {
		return
	}
	data, err := json.Marshal(req)
	if err != nil {
		return
	}
	if _, err := c.HandleRequest(ctx, Request{SnapID: snapID, Handler: handler, Request: data}); err != nil {
		c.logger.Warn("snap: lifecycle hook failed", "snap_id", snapID, "handler", handler, "error", err)
	}
}

func (c *Controller) grant(snapID string, initial map[string]json.RawMessage) error {
	requested, err := snapperm.ProcessSnapPermissions(c.perms.Registry(), initial)
	if err != nil {
		return err
	}
	_, err = c.perms.GrantPermissions(snapID, requested)
	return err
}

func (c *Controller) lookup(snapID string) (Snap, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.snaps[snapID]
	if !ok {
		return Snap{}, false
	}
	return c.copyOf(s), true
}

func (c *Controller) copyOf(s *Snap) Snap {
	cp := *s
	cp.InitialPermissions = maps.Clone(s.InitialPermissions)
	return cp
}

func (c *Controller) setStatus(snapID string, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.snaps[snapID]; ok {
		s.Status = status
	}
}

func (c *Controller) touch(snapID string) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.snaps[snapID]; ok {
		s.LastRequest = now
	}
}

// checkOrigin applies the origin caveat of the handler's endowment and
// returns the origin the snap gets to see.
func checkOrigin(perm permission.Permission, req Request) (string, error) {
	switch req.Handler {
	case snapperm.OnRPCRequest:
		cv, ok := perm.Caveat(snapperm.CaveatRPCOrigin)
		if !ok {
			return "", rpc.Unauthorized("%s has no rpcOrigin caveat", req.SnapID)
		}
		v, err := permission.DecodeValue[snapperm.RPCOrigin](cv)
		if err != nil {
			return "", err
		}
		if err := snapperm.CheckRPCOrigin(v, req.Origin, snapperm.IsValidSnapID(req.Origin)); err != nil {
			return "", rpc.Unauthorized("%s may not call %s of %s", req.Origin, req.Handler, req.SnapID)
		}
	case snapperm.OnKeyringRequest:
		cv, ok := perm.Caveat(snapperm.CaveatKeyringOrigin)
		if !ok {
			return "", rpc.Unauthorized("%s has no keyringOrigin caveat", req.SnapID)
		}
		v, err := permission.DecodeValue[snapperm.KeyringOrigin](cv)
		if err != nil {
			return "", err
		}
		if err := snapperm.CheckKeyringOrigin(v, req.Origin); err != nil {
			return "", rpc.Unauthorized("%s may not call %s of %s", req.Origin, req.Handler, req.SnapID)
		}
	case snapperm.OnTransaction:
		// The transaction origin is only disclosed when the snap asked
		// for it.
		cv, ok := perm.Caveat(snapperm.CaveatTransactionOrigin)
		if !ok {
			return "", nil
		}
		if allowed, err := permission.DecodeValue[bool](cv); err != nil || !allowed {
			return "", nil
		}
	}
	return req.Origin, nil
}

func checkParams(p InstallParams) error {
	if !snapperm.IsValidSnapID(p.ID) {
		return rpc.InvalidParams("invalid snap ID %q", p.ID)
	}
	if p.SourceCode == "" {
		return rpc.InvalidParams("snap %s has no source code", p.ID)
	}
	return nil
}

func notInstalled(snapID string) error {
	return rpc.ResourceNotFound("snap %s is not installed", snapID)
}

func asRequested(perms map[permission.TargetName]permission.Permission) map[permission.TargetName]permission.RequestedPermission {
	out := make(map[permission.TargetName]permission.RequestedPermission, len(perms))
	for target, p := range perms {
		out[target] = permission.RequestedPermission{Caveats: p.Caveats}
	}
	return out
}
