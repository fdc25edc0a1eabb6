// Package gateway exposes the snap host over HTTP: snap requests, snap
// administration, cronjob listing, health and Prometheus metrics. It binds
// to loopback by default and follows the module system pattern.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/cronjob"
	"github.com/flemzord/snaphost/internal/execution"
	"github.com/flemzord/snaphost/internal/security"
	"github.com/flemzord/snaphost/internal/snap"
)

func init() {
	core.RegisterModule(&Gateway{})
}

var (
	_ core.Configurable = (*Gateway)(nil)
	_ core.Provisioner  = (*Gateway)(nil)
	_ core.Validator    = (*Gateway)(nil)
	_ core.Starter      = (*Gateway)(nil)
	_ core.Stopper      = (*Gateway)(nil)
)

// Gateway is the HTTP gateway module. It is a leaf module: nothing
// imports it.
type Gateway struct {
	config    Config
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	snaps   *snap.Controller
	exec    *execution.Service
	cron    *cronjob.Controller // optional
	audit   *security.AuditLogger
	limiter *security.RateLimiter
	origins *security.OriginFilter
	metrics *Metrics
	gather  prometheus.Gatherer
}

// ModuleInfo implements core.Module.
func (g *Gateway) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{
		ID:  "gateway.http",
		New: func() core.Module { return &Gateway{} },
	}
}

// Configure implements core.Configurable.
func (g *Gateway) Configure(node *yaml.Node) error {
	if err := node.Decode(&g.config); err != nil {
		return err
	}
	g.config.defaults()
	return nil
}

// Provision implements core.Provisioner. The snap controller and the
// execution service are required; cronjobs, audit, rate limiting and
// metrics degrade gracefully when their modules are absent.
func (g *Gateway) Provision(ctx *core.AppContext) error {
	g.config.defaults()
	g.logger = ctx.Logger

	var err error
	if g.snaps, err = core.ServiceAs[*snap.Controller](ctx, snap.ServiceName); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if g.exec, err = core.ServiceAs[*execution.Service](ctx, execution.ServiceName); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if c, err := core.ServiceAs[*cronjob.Controller](ctx, cronjob.ServiceName); err == nil {
		g.cron = c
	}
	g.audit, _ = core.ServiceAs[*security.AuditLogger](ctx, core.ServiceAuditLogger)
	g.limiter, _ = core.ServiceAs[*security.RateLimiter](ctx, core.ServiceRateLimiter)
	g.origins = security.NewOriginFilter(g.config.Origins)

	// Secrets go to the credential store so the log redactor learns them.
	if creds, err := core.ServiceAs[*security.CredentialStore](ctx, core.ServiceCredentials); err == nil {
		if g.config.Auth.BearerToken != "" {
			creds.Set("gateway.bearer_token", g.config.Auth.BearerToken)
		}
		if g.config.Auth.BasicPass != "" {
			creds.Set("gateway.basic_pass", g.config.Auth.BasicPass)
		}
		for source, w := range g.config.Webhooks {
			if w.Secret != "" {
				creds.Set("gateway.webhook."+source, w.Secret)
			}
		}
	}

	if reg, err := core.ServiceAs[*prometheus.Registry](ctx, core.ServiceMetricsRegistry); err == nil {
		g.metrics = NewMetrics(reg)
		g.gather = reg
	}
	return nil
}

// Validate implements core.Validator.
func (g *Gateway) Validate() error {
	return g.config.check()
}

// Start implements core.Starter.
func (g *Gateway) Start() error {
	g.startedAt = time.Now()

	g.server = &http.Server{
		Addr:         g.config.Bind,
		Handler:      g.buildRouter(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.config.Bind)
	if err != nil {
		return errors.New("gateway: listen failed: " + err.Error())
	}

	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()

	return nil
}

// Stop implements core.Stopper. Graceful shutdown with configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	return g.server.Shutdown(shutdownCtx)
}
