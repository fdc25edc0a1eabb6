package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/flemzord/snaphost/internal/config"
	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/reload"
	"github.com/flemzord/snaphost/internal/snap"
)

// ErrReloadUnavailable is returned by Reload when no snap controller is
// loaded.
var ErrReloadUnavailable = errors.New("app: reload needs the snap.controller module")

// startReload prepares the reconciler and, when configured, the file
// watcher. Called once modules are started.
func (h *Host) startReload(cfg *config.Config) error {
	ctrl, err := core.ServiceAs[*snap.Controller](h.appCtx, snap.ServiceName)
	if err != nil {
		return nil
	}
	h.reconciler = reload.NewReconciler(ctrl, h.preinstalled, h.logger.With("component", "reload"))

	if cfg.Reload == nil || !cfg.Reload.Watch {
		return nil
	}
	var interval time.Duration
	if cfg.Reload.Interval != "" {
		if interval, err = time.ParseDuration(cfg.Reload.Interval); err != nil {
			return fmt.Errorf("app: reload.interval: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := reload.NewWatcher(h.cfgPath, interval)
	w.Start(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.Changes():
				if err := h.Reload(ctx); err != nil {
					h.logger.Error("config reload failed", "error", err)
				}
			}
		}
	}()
	h.stopWatch = func() {
		cancel()
		w.Stop()
		<-done
	}
	h.logger.Info("watching config for snap changes", "path", h.cfgPath)
	return nil
}

// Reload re-reads the config file and applies its snaps list. Module
// settings are not reloaded.
func (h *Host) Reload(ctx context.Context) error {
	if h.reconciler == nil {
		return ErrReloadUnavailable
	}
	cfg, err := config.Load(h.cfgPath)
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}
	snaps, err := readSnaps(cfg, filepath.Dir(h.cfgPath))
	if err != nil {
		return err
	}
	_, err = h.reconciler.Apply(ctx, snaps)
	return err
}
