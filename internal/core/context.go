// Package core holds the snaphost module system: a registry of module
// types, the AppContext modules are provisioned with, and the App that
// drives their lifecycle.
package core

import (
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"
)

// AppContext is handed to every module during Provision. Modules publish
// and look up shared services through it.
type AppContext struct {
	// Logger carries a "module" attribute once scoped with ForModule.
	Logger *slog.Logger
	// DataDir holds persistent host data such as the state database.
	DataDir string

	module  ModuleID
	root    *slog.Logger
	configs map[string]yaml.Node
	svc     *serviceTable
}

type serviceTable struct {
	mu      sync.RWMutex
	entries map[string]serviceEntry
}

type serviceEntry struct {
	value any
	owner ModuleID
}

// NewAppContext returns a root context. A nil logger means slog.Default.
func NewAppContext(logger *slog.Logger, dataDir string) *AppContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppContext{
		Logger:  logger,
		DataDir: dataDir,
		root:    logger,
		svc:     &serviceTable{entries: map[string]serviceEntry{}},
	}
}

// WithModuleConfigs returns a copy that hands each module its YAML node,
// keyed by module ID.
func (ctx *AppContext) WithModuleConfigs(configs map[string]yaml.Node) *AppContext {
	cp := *ctx
	cp.configs = configs
	return &cp
}

// ForModule returns a context for one module. The service table is shared
// with ctx.
func (ctx *AppContext) ForModule(id ModuleID) *AppContext {
	cp := *ctx
	cp.module = id
	cp.Logger = ctx.root.With("module", string(id))
	return &cp
}

// RegisterService publishes svc under name, replacing any earlier value.
func (ctx *AppContext) RegisterService(name string, svc any) {
	ctx.svc.mu.Lock()
	prev, replaced := ctx.svc.entries[name]
	ctx.svc.entries[name] = serviceEntry{value: svc, owner: ctx.module}
	ctx.svc.mu.Unlock()

	if replaced && prev.owner != ctx.module {
		ctx.Logger.Warn("service replaced", "service", name, "previous_owner", string(prev.owner))
	}
}

// Service returns the value published under name.
func (ctx *AppContext) Service(name string) (any, bool) {
	ctx.svc.mu.RLock()
	defer ctx.svc.mu.RUnlock()
	e, ok := ctx.svc.entries[name]
	return e.value, ok
}

// ServiceOwner reports which module published name. Services published
// before any module loaded have an empty owner.
func (ctx *AppContext) ServiceOwner(name string) (ModuleID, bool) {
	ctx.svc.mu.RLock()
	defer ctx.svc.mu.RUnlock()
	e, ok := ctx.svc.entries[name]
	return e.owner, ok
}

// ServiceAs returns the service published under name, asserted to T.
func ServiceAs[T any](ctx *AppContext, name string) (T, error) {
	var zero T
	v, ok := ctx.Service(name)
	if !ok {
		return zero, fmt.Errorf("service %s not registered", name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("service %s has type %T, want %T", name, v, zero)
	}
	return t, nil
}

// Load phases reported by LoadError.
const (
	PhaseLookup    = "lookup"
	PhaseConfigure = "configure"
	PhaseProvision = "provision"
	PhaseValidate  = "validate"
)

// LoadError reports which phase of loading a module failed.
type LoadError struct {
	ID    string
	Phase string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("module %s: %s: %v", e.ID, e.Phase, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// LoadModule builds the module registered as id and runs Configure,
// Provision and Validate on it, skipping hooks it does not implement.
// Configure only runs when the configuration has a node for id.
func (ctx *AppContext) LoadModule(id string) (Module, error) {
	info, ok := LookupModule(id)
	if !ok {
		return nil, &LoadError{ID: id, Phase: PhaseLookup, Err: fmt.Errorf("no such module")}
	}
	mod := info.New()

	if c, ok := mod.(Configurable); ok {
		if node, ok := ctx.configs[id]; ok {
			if err := c.Configure(&node); err != nil {
				return nil, &LoadError{ID: id, Phase: PhaseConfigure, Err: err}
			}
		}
	}
	if p, ok := mod.(Provisioner); ok {
		if err := p.Provision(ctx.ForModule(info.ID)); err != nil {
			return nil, &LoadError{ID: id, Phase: PhaseProvision, Err: err}
		}
	}
	if v, ok := mod.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, &LoadError{ID: id, Phase: PhaseValidate, Err: err}
		}
	}
	return mod, nil
}
