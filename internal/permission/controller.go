// Package permission implements a generic capability model: targets with
// typed caveats, validated when granted and re-enforced on every call by
// a chain of caveat decorators.
package permission

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/flemzord/snaphost/internal/clock"
	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/security"
)

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuditLogger records grants, revocations and denials.
func WithAuditLogger(a *security.AuditLogger) Option {
	return func(c *Controller) { c.audit = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock sets the clock used for grant dates.
func WithClock(cl clock.Clock) Option {
	return func(c *Controller) {
		if cl != nil {
			c.clock = cl
		}
	}
}

// Controller holds the permissions of every subject and mediates calls
// to restricted methods.
type Controller struct {
	registry *Registry
	hooks    Hooks
	logger   *slog.Logger
	audit    *security.AuditLogger
	metrics  *Metrics
	clock    clock.Clock

	mu       sync.RWMutex
	subjects map[string]map[TargetName]Permission

	methodsMu sync.Mutex
	methods   map[TargetName]Method
}

// NewController returns a controller over registry. hooks holds every
// host hook; each method factory receives only the hooks it names.
func NewController(registry *Registry, hooks Hooks, opts ...Option) *Controller {
	c := &Controller{
		registry: registry,
		hooks:    hooks,
		logger:   slog.Default(),
		clock:    clock.Real(),
		subjects: make(map[string]map[TargetName]Permission),
		methods:  make(map[TargetName]Method),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the registry the controller enforces.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// GrantPermissions validates every requested permission and, only if all
// pass, grants them to subject, replacing earlier grants of the same
// targets.
func (c *Controller) GrantPermissions(subject string, requested map[TargetName]RequestedPermission) (map[TargetName]Permission, error) {
	if subject == "" {
		return nil, rpc.InvalidParams("subject must not be empty")
	}

	now := c.clock.Now().UnixMilli()
	granted := make(map[TargetName]Permission, len(requested))
	for _, target := range sortedTargets(requested) {
		p := Permission{
			ID:      uuid.NewString(),
			Subject: subject,
			Target:  target,
			Caveats: cloneCaveats(requested[target].Caveats),
			Date:    now,
		}
		if err := c.validate(p); err != nil {
			return nil, err
		}
		granted[target] = p
	}

	c.mu.Lock()
	perms, ok := c.subjects[subject]
	if !ok {
		perms = make(map[TargetName]Permission, len(granted))
		c.subjects[subject] = perms
	}
	for target, p := range granted {
		perms[target] = p
	}
	c.mu.Unlock()

	for _, target := range sortedTargets(granted) {
		c.metrics.granted(target)
		c.audit.Log(security.AuditEvent{Type: security.EventPermissionGrant, SnapID: subject, Target: string(target)})
	}
	c.logger.Debug("permission: granted", "subject", subject, "targets", len(granted))

	out := make(map[TargetName]Permission, len(granted))
	for target, p := range granted {
		out[target] = p.clone()
	}
	return out, nil
}

// validate runs every grant-time check on p.
func (c *Controller) validate(p Permission) error {
	spec, ok := c.registry.Target(p.Target)
	if !ok {
		return rpc.MethodNotFound(string(p.Target))
	}

	seen := make(map[string]bool, len(p.Caveats))
	for _, cv := range p.Caveats {
		if !spec.allowsCaveat(cv.Type) {
			return rpc.InvalidParams("caveat %q is not allowed for %s", cv.Type, p.Target)
		}
		if seen[cv.Type] {
			return rpc.InvalidParams("duplicate %q caveat for %s", cv.Type, p.Target)
		}
		seen[cv.Type] = true

		cs, _ := c.registry.Caveat(cv.Type)
		if cs.Validator != nil {
			if err := cs.Validator(cv); err != nil {
				return asInvalidParams(err)
			}
		}
	}

	if spec.Validator != nil {
		if err := spec.Validator(p); err != nil {
			return asInvalidParams(err)
		}
	}
	return nil
}

// GetPermissions returns a copy of subject's permissions.
func (c *Controller) GetPermissions(subject string) map[TargetName]Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[TargetName]Permission, len(c.subjects[subject]))
	for target, p := range c.subjects[subject] {
		out[target] = p.clone()
	}
	return out
}

// GetPermission returns one permission.
func (c *Controller) GetPermission(subject string, target TargetName) (Permission, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.subjects[subject][target]
	return p.clone(), ok
}

// HasPermission reports whether subject holds target.
func (c *Controller) HasPermission(subject string, target TargetName) bool {
	_, ok := c.GetPermission(subject, target)
	return ok
}

// GetCaveat returns one caveat of a held permission.
func (c *Controller) GetCaveat(subject string, target TargetName, caveatType string) (Caveat, bool) {
	p, ok := c.GetPermission(subject, target)
	if !ok {
		return Caveat{}, false
	}
	return p.Caveat(caveatType)
}

// Subjects returns every subject holding at least one permission, sorted.
func (c *Controller) Subjects() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.subjects))
}

// RevokePermissions removes the given targets from subject. Targets the
// subject does not hold are ignored.
func (c *Controller) RevokePermissions(subject string, targets ...TargetName) {
	c.mu.Lock()
	perms := c.subjects[subject]
	var revoked []TargetName
	for _, target := range targets {
		if _, ok := perms[target]; ok {
			delete(perms, target)
			revoked = append(revoked, target)
		}
	}
	if len(perms) == 0 {
		delete(c.subjects, subject)
	}
	c.mu.Unlock()

	for _, target := range revoked {
		c.audit.Log(security.AuditEvent{Type: security.EventPermissionRevoke, SnapID: subject, Target: string(target)})
	}
}

// RevokeAllPermissions removes every permission subject holds.
func (c *Controller) RevokeAllPermissions(subject string) {
	c.mu.RLock()
	targets := slices.Collect(maps.Keys(c.subjects[subject]))
	c.mu.RUnlock()
	c.RevokePermissions(subject, targets...)
}

// UpdateCaveat replaces the value of an existing caveat. The caveat and
// permission validators run again; on failure nothing changes.
func (c *Controller) UpdateCaveat(subject string, target TargetName, caveatType string, value json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.subjects[subject][target]
	if !ok {
		return rpc.ResourceNotFound("%s has no %s permission", subject, target)
	}
	idx := slices.IndexFunc(p.Caveats, func(cv Caveat) bool { return cv.Type == caveatType })
	if idx < 0 {
		return rpc.ResourceNotFound("%s permission of %s has no %q caveat", target, subject, caveatType)
	}

	updated := p.clone()
	updated.Caveats[idx] = Caveat{Type: caveatType, Value: slices.Clone(value)}
	if err := c.validate(updated); err != nil {
		return err
	}
	c.subjects[subject][target] = updated
	return nil
}

// ExecuteRestrictedMethod calls req.Method on behalf of subject. The
// method is wrapped by the decorators of the caveats attached to the
// subject's permission, so the grant is re-checked on every call.
func (c *Controller) ExecuteRestrictedMethod(ctx context.Context, subject string, req rpc.Request) (any, error) {
	target := TargetName(req.Method)
	spec, ok := c.registry.Target(target)
	if !ok || spec.Type != RestrictedMethod {
		return nil, rpc.MethodNotFound(req.Method)
	}

	p, ok := c.GetPermission(subject, target)
	if !ok {
		c.deny(subject, target, "not_granted", "no permission")
		return nil, rpc.Unauthorized("%s is not permitted to call %s", subject, target)
	}

	method, err := c.method(spec)
	if err != nil {
		c.logger.Error("permission: building method failed", "target", target, "error", err)
		return nil, rpc.Internal("%s is unavailable", target)
	}

	mws := make([]Middleware, 0, len(p.Caveats))
	for _, cv := range p.Caveats {
		cs, _ := c.registry.Caveat(cv.Type)
		mws = append(mws, cs.middleware(cv))
	}

	req.Origin = subject
	result, err := Chain(mws...)(method)(ctx, req)
	if errors.Is(err, rpc.ErrUnauthorized) {
		c.deny(subject, target, "caveat", err.Error())
	}
	return result, err
}

// GetEndowments returns the sorted, de-duplicated global names granted to
// subject by its endowment permissions.
func (c *Controller) GetEndowments(subject string) []string {
	var names []string
	for target := range c.GetPermissions(subject) {
		spec, ok := c.registry.Target(target)
		if !ok || spec.Type != Endowment {
			continue
		}
		names = append(names, spec.EndowmentGetter()...)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

func (c *Controller) method(spec Specification) (Method, error) {
	c.methodsMu.Lock()
	defer c.methodsMu.Unlock()

	if m, ok := c.methods[spec.Target]; ok {
		return m, nil
	}
	hooks, err := SelectHooks(c.hooks, spec.HookNames)
	if err != nil {
		return nil, err
	}
	m, err := spec.MethodFactory(hooks)
	if err != nil {
		return nil, err
	}
	c.methods[spec.Target] = m
	return m, nil
}

func (c *Controller) deny(subject string, target TargetName, reason, detail string) {
	c.metrics.denied(target, reason)
	c.audit.Log(security.AuditEvent{
		Type:   security.EventPermissionDenied,
		SnapID: subject,
		Origin: subject,
		Target: string(target),
		Detail: detail,
	})
	c.logger.Warn("permission: call denied", "subject", subject, "target", target, "reason", reason)
}

func asInvalidParams(err error) error {
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return err
	}
	return rpc.InvalidParams("%s", err.Error())
}

func sortedTargets[V any](m map[TargetName]V) []TargetName {
	targets := slices.Collect(maps.Keys(m))
	slices.SortFunc(targets, func(a, b TargetName) int { return cmp.Compare(a, b) })
	return targets
}
