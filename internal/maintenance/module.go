package maintenance

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/snap"
)

// ServiceName publishes the *Scheduler.
const ServiceName = "maintenance.scheduler"

// ServicePruner is looked up for the state prune job.
const ServicePruner = "state.sqlite"

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
	_ core.Starter      = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// ModuleConfig configures housekeeping.
type ModuleConfig struct {
	// IdleTimeout stops snaps without requests for this long. "0"
	// disables the job. Defaults to 10m.
	IdleTimeout   string `yaml:"idle_timeout"`
	IdleSchedule  string `yaml:"idle_schedule"`
	PruneSchedule string `yaml:"prune_schedule"`
}

func (c *ModuleConfig) defaults() {
	if c.IdleTimeout == "" {
		c.IdleTimeout = "10m"
	}
}

// Module runs the maintenance scheduler.
type Module struct {
	config    ModuleConfig
	idle      time.Duration
	scheduler *Scheduler
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  ServiceName,
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("maintenance: decode config: %w", err)
	}
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.config.defaults()
	idle, err := time.ParseDuration(m.config.IdleTimeout)
	if err != nil {
		return fmt.Errorf("maintenance: idle_timeout: %w", err)
	}
	m.idle = idle

	snaps, err := core.ServiceAs[*snap.Controller](ctx, snap.ServiceName)
	if err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	m.scheduler = NewScheduler(ctx.Logger)
	if idle > 0 {
		if err := m.scheduler.RegisterJob(&IdleSnapJob{
			Snaps:        snaps,
			MaxIdle:      idle,
			Logger:       ctx.Logger,
			ScheduleExpr: m.config.IdleSchedule,
		}); err != nil {
			return err
		}
	}
	if store, err := core.ServiceAs[Pruner](ctx, ServicePruner); err == nil {
		if err := m.scheduler.RegisterJob(&StatePruneJob{
			Store:        store,
			Snaps:        snaps,
			Logger:       ctx.Logger,
			ScheduleExpr: m.config.PruneSchedule,
		}); err != nil {
			return err
		}
	}

	ctx.RegisterService(ServiceName, m.scheduler)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if m.idle < 0 {
		return fmt.Errorf("maintenance: idle_timeout must not be negative, got %s", m.config.IdleTimeout)
	}
	return nil
}

// Start implements core.Starter.
func (m *Module) Start() error {
	return m.scheduler.Start()
}

// Stop implements core.Stopper.
func (m *Module) Stop(ctx context.Context) error {
	if m.scheduler == nil {
		return nil
	}
	return m.scheduler.Stop(ctx)
}
