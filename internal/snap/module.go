package snap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/snaphost/internal/config"
	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/execution"
	"github.com/flemzord/snaphost/internal/permission"
	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/security"
	"github.com/flemzord/snaphost/internal/snapperm"
)

// Service names published on the AppContext.
const (
	ServiceName = "snap.controller"
	// ServicePreinstalled holds the []config.LoadedSnap installed on Start.
	ServicePreinstalled = "snap.preinstalled"
	// ServiceStateStore is looked up for snap_manageState persistence.
	ServiceStateStore = "state.snaps"
)

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

// ModuleConfig configures the snap controller.
type ModuleConfig struct {
	// RequestTimeout bounds handler requests without a maxRequestTime caveat.
	RequestTimeout string `yaml:"request_timeout"`
}

func (c *ModuleConfig) defaults() {
	if c.RequestTimeout == "" {
		c.RequestTimeout = DefaultRequestTimeout.String()
	}
}

// Module wires the permission controller, the snap controller and the
// execution service together.
type Module struct {
	config       ModuleConfig
	controller   *Controller
	preinstalled []config.LoadedSnap
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
		return fmt.Errorf("snap: decode config: %w", err)
	}
	return nil
}

// Provision implements core.Provisioner.
func (m *Module) Provision(ctx *core.AppContext) error {
	m.config.defaults()
	timeout, err := time.ParseDuration(m.config.RequestTimeout)
	if err != nil {
		return fmt.Errorf("snap: request_timeout: %w", err)
	}

	exec, err := core.ServiceAs[*execution.Service](ctx, execution.ServiceName)
	if err != nil {
		return fmt.Errorf("snap: %w", err)
	}
	state, err := core.ServiceAs[snapperm.StateStore](ctx, ServiceStateStore)
	if err != nil {
		ctx.Logger.Warn("snap: no state module loaded, snap state is kept in memory")
		state = NewMemoryState()
	}
	limiter, err := core.ServiceAs[*security.RateLimiter](ctx, core.ServiceRateLimiter)
	if err != nil {
		limiter = security.NewRateLimiter(security.RateLimitConfig{})
	}
	audit, _ := core.ServiceAs[*security.AuditLogger](ctx, core.ServiceAuditLogger)

	reg, err := snapperm.NewRegistry()
	if err != nil {
		return fmt.Errorf("snap: %w", err)
	}

	var ctrl *Controller
	hooks := snapperm.HostHooks{
		HandleSnapRequest: func(ctx context.Context, snapID, origin string, handler snapperm.Handler, request json.RawMessage) (any, error) {
			return ctrl.HandleSnapRequest(ctx, snapID, origin, handler, request)
		},
		StateStore:       state,
		ShowNotification: logNotification(ctx.Logger),
		NotifyLimiter:    limiter,
		ShowDialog:       headlessDialog,
	}

	permOpts := []permission.Option{
		permission.WithLogger(ctx.Logger),
		permission.WithAuditLogger(audit),
	}
	if r, err := core.ServiceAs[prometheus.Registerer](ctx, core.ServiceMetricsRegistry); err == nil {
		permOpts = append(permOpts, permission.WithMetrics(permission.NewMetrics(r)))
	}
	perms := permission.NewController(reg, hooks.Map(), permOpts...)

	ctrl = NewController(exec, perms,
		WithLogger(ctx.Logger),
		WithAuditLogger(audit),
		WithStateStore(state),
		WithRequestTimeout(timeout),
	)
	exec.SetProvider(execution.PermissionProvider(perms))
	ctrl.Subscribe(func(e Event) {
		if e.Type == EventRemoved {
			limiter.Forget(e.SnapID)
		}
	})

	if pre, err := core.ServiceAs[[]config.LoadedSnap](ctx, ServicePreinstalled); err == nil {
		m.preinstalled = pre
	}

	m.controller = ctrl
	ctx.RegisterService(ServiceName, ctrl)
	return nil
}

// Validate implements core.Validator.
func (m *Module) Validate() error {
	if d, err := time.ParseDuration(m.config.RequestTimeout); err != nil || d <= 0 {
		return fmt.Errorf("snap: request_timeout must be a positive duration, got %q", m.config.RequestTimeout)
	}
	return nil
}

// Start implements core.Starter. Configured snaps are installed here so
// that modules started later see them.
func (m *Module) Start() error {
	ctx := context.Background()
	for _, s := range m.preinstalled {
		if _, err := m.controller.Install(ctx, InstallParams{
			ID:                 s.ID,
			Version:            s.Version,
			SourceCode:         s.SourceCode,
			InitialPermissions: s.InitialPermissions,
		}); err != nil {
			return fmt.Errorf("snap: installing %s: %w", s.ID, err)
		}
		if s.Disabled {
			if err := m.controller.Disable(ctx, s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop implements core.Stopper.
func (m *Module) Stop(_ context.Context) error {
	if m.controller != nil {
		m.controller.Close()
	}
	return nil
}

// Controller returns the provisioned controller.
func (m *Module) Controller() *Controller {
	return m.controller
}

func logNotification(logger *slog.Logger) snapperm.NotifyFunc {
	return func(_ context.Context, snapID string, n snapperm.Notification) error {
		logger.Info("snap: notification", "snap_id", snapID, "type", n.Type, "message", n.Message)
		return nil
	}
}

// headlessDialog answers snap_dialog on a host without a user interface.
func headlessDialog(_ context.Context, snapID string, d snapperm.Dialog) (any, error) {
	return nil, rpc.UserRejected("%s dialog from %s: no interactive user", d.Type, snapID)
}
