package process

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/execution"
	"github.com/flemzord/snaphost/internal/security"
)

func init() {
	core.RegisterModule(&Module{})
}

var (
	_ core.Configurable = (*Module)(nil)
	_ core.Provisioner  = (*Module)(nil)
	_ core.Validator    = (*Module)(nil)
)

// Module registers a process Environment as the execution environment.
type Module struct {
	config Config
	env    *Environment
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "environment.process",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("process: decode config: %w", err)
	}
	m.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	creds, _ := core.ServiceAs[*security.CredentialStore](ctx, core.ServiceCredentials)
	env, err := New(m.config, ctx.Logger, creds)
	if err != nil {
		return err
	}
	if m.config.Container.Enabled && !security.IsDockerAvailable() {
		ctx.Logger.Warn("process: container isolation enabled but docker is not on PATH")
	}
	m.env = env
	ctx.RegisterService(execution.EnvironmentService, env)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	return m.config.Validate()
}
