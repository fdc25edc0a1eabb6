// Package app provides the shared entry point for the snaphost binary and
// its system service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flemzord/snaphost/internal/config"
	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/reload"
	"github.com/flemzord/snaphost/internal/security"
)

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, ResolveConfigPath is called automatically.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// DataDir overrides the config's data_dir and the default.
	DataDir string

	// LogLevel overrides the config's log_level when non-empty.
	LogLevel string

	// LogOutput receives logs. Defaults to os.Stderr.
	LogOutput io.Writer
}

const shutdownTimeout = 10 * time.Second

// Host is a configured snaphost: every module loaded and provisioned,
// nothing started yet.
type Host struct {
	app     *core.App
	appCtx  *core.AppContext
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger
	creds   *security.CredentialStore
	redact  *security.Redactor
	closers []func(context.Context) error

	preinstalled []config.LoadedSnap
	reconciler   *reload.Reconciler
	stopWatch    func()
}

// New loads and validates the configuration, builds the shared services
// and loads every configured module.
func New(params RunParams) (*Host, error) {
	cfgPath := params.ConfigPath
	if cfgPath == "" {
		resolved, err := ResolveConfigPath()
		if err != nil {
			return nil, err
		}
		cfgPath = resolved
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	levelName := cfg.LogLevel
	if params.LogLevel != "" {
		levelName = params.LogLevel
	}
	level := slog.LevelInfo
	if levelName != "" {
		if level, err = config.ParseLogLevel(levelName); err != nil {
			return nil, err
		}
	}

	out := params.LogOutput
	if out == nil {
		out = os.Stderr
	}

	h := &Host{
		cfg:     cfg,
		cfgPath: cfgPath,
		creds:   security.NewCredentialStore(),
		redact:  security.NewRedactor(),
	}
	// Secrets modules register while provisioning are masked from then on.
	h.redact.Follow(h.creds)

	inner := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	h.logger = slog.New(security.NewRedactingHandler(inner, h.redact))

	dataDir := params.DataDir
	if dataDir == "" {
		dataDir = cfg.DataDir
	}
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("app: creating data dir: %w", err)
	}

	h.appCtx = core.NewAppContext(h.logger, dataDir).WithModuleConfigs(cfg.Modules)

	if err := h.wireServices(cfg); err != nil {
		h.close()
		return nil, err
	}
	if err := h.loadSnaps(cfg); err != nil {
		h.close()
		return nil, err
	}
	if cfg.Tracing != nil {
		shutdown, err := setupTracing(context.Background(), cfg.Tracing, params.Version)
		if err != nil {
			h.close()
			return nil, err
		}
		h.closers = append(h.closers, shutdown)
	}

	h.app = core.NewApp(h.appCtx)
	ids := config.Resolve(cfg)
	if err := h.app.LoadModules(ids); err != nil {
		h.close()
		return nil, err
	}

	h.logger.Info("snaphost configured",
		"version", params.Version,
		"config", cfgPath,
		"data_dir", dataDir,
		"modules", len(ids),
	)
	return h, nil
}

// Start starts every module and the config watcher.
func (h *Host) Start() error {
	if err := h.app.Start(); err != nil {
		h.close()
		return err
	}
	if err := h.startReload(h.cfg); err != nil {
		h.Stop()
		return err
	}
	return nil
}

// Stop stops the config watcher, every module in reverse order, and
// flushes tracing.
func (h *Host) Stop() {
	if h.stopWatch != nil {
		h.stopWatch()
		h.stopWatch = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := h.app.Stop(ctx); err != nil {
		h.logger.Warn("app: stopping modules", "error", err)
	}
	h.close()
	h.logger.Info("shutdown complete")
}

// Logger returns the host's root logger.
func (h *Host) Logger() *slog.Logger {
	return h.logger
}

// Modules returns the loaded module IDs in load order.
func (h *Host) Modules() []core.ModuleID {
	return h.app.IDs()
}

func (h *Host) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i](ctx))
	}
	h.closers = nil
	if err := errors.Join(errs...); err != nil && h.logger != nil {
		h.logger.Warn("app: closing resources", "error", err)
	}
}

// Run builds a Host, starts it and blocks until ctx is done or a shutdown
// signal is received.
func Run(ctx context.Context, params RunParams) error {
	h, err := New(params)
	if err != nil {
		return err
	}
	if err := h.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			h.logger.Info("SIGHUP received, reloading snaps")
			if err := h.Reload(ctx); err != nil {
				h.logger.Error("config reload failed", "error", err)
			}
		case <-ctx.Done():
			h.logger.Info("shutdown requested", "cause", context.Cause(ctx))
			h.Stop()
			return nil
		}
	}
}

// ResolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/snaphost/snaphost.yaml → ~/.config/snaphost/snaphost.yaml → ./snaphost.yaml
func ResolveConfigPath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "snaphost", "snaphost.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "snaphost", "snaphost.yaml"))
	}

	candidates = append(candidates, "snaphost.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no configuration file found (searched: %v)", candidates)
}

// DefaultDataDir returns the default persistent data directory.
// Uses $XDG_DATA_HOME/snaphost if set, otherwise ~/.local/share/snaphost per the XDG spec.
func DefaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok {
		return filepath.Join(dir, "snaphost")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "snaphost")
}
