package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/flemzord/snaphost/internal/cert"
	"github.com/flemzord/snaphost/internal/config"
	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/security"
	"github.com/flemzord/snaphost/internal/snap"
)

// wireServices registers the services modules look up during Provision:
// credentials, the metrics registry, audit log and rate limiter.
func (h *Host) wireServices(cfg *config.Config) error {
	h.appCtx.RegisterService(core.ServiceCredentials, h.creds)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	h.appCtx.RegisterService(core.ServiceMetricsRegistry, reg)

	sec := cfg.Security
	if sec == nil {
		sec = &config.SecurityConfig{}
	}

	auditCfg := security.AuditLoggerConfig{Redactor: h.redact, Registerer: reg}
	if sec.AuditLog != "" {
		path := sec.AuditLog
		if !filepath.IsAbs(path) {
			path = filepath.Join(h.appCtx.DataDir, path)
		}
		if err := security.ValidatePath(path); err != nil {
			return fmt.Errorf("app: security.audit_log: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("app: creating audit log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
		if err != nil {
			return fmt.Errorf("app: opening audit log: %w", err)
		}
		auditCfg.Writer = f
		h.closers = append(h.closers, func(context.Context) error { return f.Close() })
	}
	h.appCtx.RegisterService(core.ServiceAuditLogger, security.NewAuditLogger(auditCfg))

	limits := security.RateLimitConfig{
		NotificationsPerWindow: sec.NotificationsPerWindow,
		AuthAttemptsPerMin:     sec.AuthAttemptsPerMin,
	}
	if sec.NotificationWindow != "" {
		d, err := time.ParseDuration(sec.NotificationWindow)
		if err != nil {
			return fmt.Errorf("app: security.notification_window: %w", err)
		}
		limits.NotificationWindow = d
	}
	h.appCtx.RegisterService(core.ServiceRateLimiter, security.NewRateLimiter(limits))

	return nil
}

// loadSnaps reads the snaps listed in the config so the snap controller
// installs them on Start.
func (h *Host) loadSnaps(cfg *config.Config) error {
	loaded, err := readSnaps(cfg, filepath.Dir(h.cfgPath))
	if err != nil {
		return err
	}
	h.preinstalled = loaded
	if len(loaded) > 0 {
		h.appCtx.RegisterService(snap.ServicePreinstalled, loaded)
	}
	return nil
}

// readSnaps loads every configured snap and checks its signature.
// Relative sources resolve against baseDir.
func readSnaps(cfg *config.Config, baseDir string) ([]config.LoadedSnap, error) {
	var vcfg cert.VerifyConfig
	if cfg.Security != nil {
		vcfg = cert.VerifyConfig{
			RequireSigned: cfg.Security.RequireSignedSnaps,
			TrustedKeys:   cfg.Security.TrustedSnapKeys,
		}
	}
	verifier, err := cert.NewVerifier(vcfg)
	if err != nil {
		return nil, err
	}

	loaded := make([]config.LoadedSnap, 0, len(cfg.Snaps))
	for _, s := range cfg.Snaps {
		ls, err := config.LoadSnap(s, baseDir)
		if err != nil {
			return nil, err
		}
		if err := verifier.Verify(ls.ID, []byte(ls.SourceCode), ls.Signature); err != nil {
			return nil, err
		}
		loaded = append(loaded, ls)
	}
	return loaded, nil
}
