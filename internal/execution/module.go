package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/security"
)

// Service names published on the AppContext.
const (
	ServiceName        = "execution.service"
	EnvironmentService = "execution.environment"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
	_ core.Stopper      = (*Module)(nil)
)

// ModuleConfig configures the execution service.
type ModuleConfig struct {
	InitTimeout        string `yaml:"init_timeout"`
	TerminationTimeout string `yaml:"termination_timeout"`
}

func (c *ModuleConfig) defaults() {
	if c.InitTimeout == "" {
		c.InitTimeout = DefaultInitTimeout.String()
	}
	if c.TerminationTimeout == "" {
		c.TerminationTimeout = DefaultTerminationTimeout.String()
	}
}

// Module provides the execution service to other modules. It needs an
// environment module loaded before it.
type Module struct {
	config  ModuleConfig
	service *Service
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
		return fmt.Errorf("execution: decode config: %w", err)
	}
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.config.defaults()
	initTimeout, err := time.ParseDuration(m.config.InitTimeout)
	if err != nil {
		return fmt.Errorf("execution: init_timeout: %w", err)
	}
	termTimeout, err := time.ParseDuration(m.config.TerminationTimeout)
	if err != nil {
		return fmt.Errorf("execution: termination_timeout: %w", err)
	}

	env, err := core.ServiceAs[Environment](ctx, EnvironmentService)
	if err != nil {
		return fmt.Errorf("execution: no environment module loaded: %w", err)
	}

	opts := []Option{
		WithLogger(ctx.Logger),
		WithInitTimeout(initTimeout),
		WithTerminationTimeout(termTimeout),
	}
	if reg, err := core.ServiceAs[prometheus.Registerer](ctx, core.ServiceMetricsRegistry); err == nil {
		opts = append(opts, WithMetrics(NewMetrics(reg)))
	}
	if audit, err := core.ServiceAs[*security.AuditLogger](ctx, core.ServiceAuditLogger); err == nil {
		opts = append(opts, WithAuditLogger(audit))
	}

	m.service = NewService(env, opts...)
	ctx.RegisterService(ServiceName, m.service)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	for name, v := range map[string]string{
		"init_timeout":        m.config.InitTimeout,
		"termination_timeout": m.config.TerminationTimeout,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			return fmt.Errorf("execution: %s must be a positive duration, got %q", name, v)
		}
	}
	return nil
}

// Stop implements core.Stopper. Every running job is terminated.
func (m *Module) Stop(ctx context.Context) error {
	if m.service == nil {
		return nil
	}
	return m.service.TerminateAllSnaps(ctx)
}

// Service returns the provisioned service.
func (m *Module) Service() *Service {
	return m.service
}
