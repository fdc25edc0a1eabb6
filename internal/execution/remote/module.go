package remote

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

// Module registers a remote Environment as the execution environment.
type Module struct {
	config Config
}

// ModuleInfo implements core.Module.
func (m *Module) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "environment.remote",
		New: func() core.Module { return &Module{} },
	}
}

// Configure implements core.Configurable.
func (m *Module) Configure(node *yaml.Node) error {
	if err := node.Decode(&m.config); err != nil {
		return fmt.Errorf("remote: decode config: %w", err)
	}
	m.config.defaults()
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	env, err := New(m.config, nil, ctx.Logger)
	if err != nil {
		return err
	}
	if m.config.Token != "" {
		if creds, err := core.ServiceAs[*security.CredentialStore](ctx, core.ServiceCredentials); err == nil {
			creds.Set("environment.remote.token", m.config.Token)
		}
	}
	ctx.RegisterService(execution.EnvironmentService, env)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	return m.config.Validate()
}
