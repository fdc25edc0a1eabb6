package cronjob

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/security"
	"github.com/flemzord/snaphost/internal/snap"
)

// Service names published on the AppContext.
const (
	ServiceName = "cronjob.scheduler"
	// ServiceStore is looked up for persistent last runs.
	ServiceStore = "state.cronjobs"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Provisioner = (*Module)(nil)
	_ core.Starter     = (*Module)(nil)
	_ core.Stopper     = (*Module)(nil)
)

// Module runs the cronjob scheduler on top of the snap controller.
type Module struct {
	controller *Controller
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  ServiceName,
		New: func() core.Module { return &Module{} },
	}
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	snaps, err := core.ServiceAs[*snap.Controller](ctx, snap.ServiceName)
	if err != nil {
		return fmt.Errorf("cronjob: %w", err)
	}
	store, err := core.ServiceAs[Store](ctx, ServiceStore)
	if err != nil {
		ctx.Logger.Warn("cronjob: no state module loaded, last runs are not persisted")
		store = NewMemoryStore()
	}
	audit, _ := core.ServiceAs[*security.AuditLogger](ctx, core.ServiceAuditLogger)

	opts := []Option{
		WithLogger(ctx.Logger),
		WithStore(store),
		WithAuditLogger(audit),
	}
	if r, err := core.ServiceAs[prometheus.Registerer](ctx, core.ServiceMetricsRegistry); err == nil {
		opts = append(opts, WithMetrics(NewMetrics(r)))
	}

	m.controller = NewController(snaps, snaps.Permissions(), opts...)
	ctx.RegisterService(ServiceName, m.controller)
	return nil
}

// Start implements core.Starter.
func (m *Module) Start() error {
	m.controller.Start()
	return nil
}

// Stop implements core.Stopper.
func (m *Module) Stop(_ context.Context) error {
	if m.controller != nil {
		m.controller.Stop()
	}
	return nil
}
