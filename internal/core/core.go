package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// App owns the loaded modules and runs their lifecycle.
type App struct {
	ctx    *AppContext
	logger *slog.Logger
	loaded []*loadedModule
}

type loadedModule struct {
	id      ModuleID
	mod     Module
	running bool
}

// NewApp returns an App that loads modules with ctx.
func NewApp(ctx *AppContext) *App {
	return &App{ctx: ctx, logger: ctx.Logger.With("component", "core")}
}

// LoadModules loads ids in the given order. On failure the modules loaded
// so far are stopped, since Provision may already hold resources.
func (a *App) LoadModules(ids []string) error {
	for _, id := range ids {
		mod, err := a.ctx.LoadModule(id)
		if err != nil {
			a.release()
			return err
		}
		a.loaded = append(a.loaded, &loadedModule{id: ModuleID(id), mod: mod})
		a.logger.Debug("module loaded", "module", id)
	}
	a.logger.Info("modules loaded", "count", len(a.loaded))
	return nil
}

// Start starts modules in load order. When one fails, the ones already
// running are stopped before the error is returned.
func (a *App) Start() error {
	for _, lm := range a.loaded {
		s, ok := lm.mod.(Starter)
		if !ok {
			lm.running = true
			continue
		}
		if err := s.Start(); err != nil {
			a.logger.Error("module start failed", "module", string(lm.id), "error", err)
			ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
			_ = a.Stop(ctx)
			cancel()
			return fmt.Errorf("starting module %s: %w", lm.id, err)
		}
		lm.running = true
		a.logger.Debug("module started", "module", string(lm.id))
	}
	a.logger.Info("all modules started")
	return nil
}

// Stop stops running modules in reverse load order and joins their
// errors. Every module gets the chance to stop even when one fails.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	for _, lm := range slices.Backward(a.loaded) {
		if !lm.running {
			continue
		}
		lm.running = false
		s, ok := lm.mod.(Stopper)
		if !ok {
			continue
		}
		if err := s.Stop(ctx); err != nil {
			a.logger.Error("module stop failed", "module", string(lm.id), "error", err)
			errs = append(errs, fmt.Errorf("stopping module %s: %w", lm.id, err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) release() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()
	for _, lm := range slices.Backward(a.loaded) {
		if s, ok := lm.mod.(Stopper); ok {
			_ = s.Stop(ctx)
		}
	}
	a.loaded = nil
}

// Module returns the loaded instance of id.
func (a *App) Module(id ModuleID) (Module, bool) {
	i := slices.IndexFunc(a.loaded, func(lm *loadedModule) bool { return lm.id == id })
	if i < 0 {
		return nil, false
	}
	return a.loaded[i].mod, true
}

// IDs lists the loaded modules in load order.
func (a *App) IDs() []ModuleID {
	ids := make([]ModuleID, len(a.loaded))
	for i, lm := range a.loaded {
		ids[i] = lm.id
	}
	return ids
}

// Run starts the modules, waits for ctx to end and stops them within
// defaultStopTimeout.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout)
	defer cancel()
	return a.Stop(stopCtx)
}
