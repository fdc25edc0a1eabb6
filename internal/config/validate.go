package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/snapperm"
)

// Validate checks the structural validity of a Config.
// It verifies the version field, checks that all referenced module IDs
// exist in the registry, requires one execution environment and the
// execution service, and checks the startup snaps.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if cfg.LogLevel != "" {
		if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
			errs = append(errs, err)
		}
	}

	if len(cfg.Modules) == 0 {
		errs = append(errs, errors.New("config: at least one module must be configured"))
	}

	var environments []string
	for id := range cfg.Modules {
		if _, ok := core.LookupModule(id); !ok {
			errs = append(errs, fmt.Errorf("config: unknown module %q", id))
		}
		if core.ModuleID(id).Namespace() == "environment" {
			environments = append(environments, id)
		}
	}
	if len(environments) != 1 {
		errs = append(errs, fmt.Errorf("config: exactly one environment module is required, got %d", len(environments)))
	}
	if _, ok := cfg.Modules["execution.service"]; !ok {
		errs = append(errs, errors.New("config: module \"execution.service\" is required"))
	}

	errs = append(errs, validateSnaps(cfg.Snaps)...)
	errs = append(errs, validateTracing(cfg.Tracing)...)
	errs = append(errs, validateSecurity(cfg.Security)...)
	if cfg.Reload != nil && cfg.Reload.Interval != "" {
		if d, err := time.ParseDuration(cfg.Reload.Interval); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("config: reload.interval must be a positive duration, got %q", cfg.Reload.Interval))
		}
	}

	return errors.Join(errs...)
}

// ParseLogLevel maps a config level name to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("config: invalid log_level %q", s)
	}
	return lvl, nil
}

func validateSnaps(snaps []SnapConfig) []error {
	var errs []error
	seen := make(map[string]bool, len(snaps))
	for i, s := range snaps {
		if !snapperm.IsValidSnapID(s.ID) {
			errs = append(errs, fmt.Errorf("config: snaps[%d]: invalid snap ID %q", i, s.ID))
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("config: snaps[%d]: duplicate snap ID %q", i, s.ID))
		}
		seen[s.ID] = true
		if s.Source == "" {
			errs = append(errs, fmt.Errorf("config: snaps[%d]: source is required", i))
		}
		if s.PermissionsFile != "" && len(s.InitialPermissions) > 0 {
			errs = append(errs, fmt.Errorf("config: snaps[%d]: initial_permissions and permissions_file are mutually exclusive", i))
		}
	}
	return errs
}

func validateTracing(t *TracingConfig) []error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.Endpoint == "" {
		errs = append(errs, errors.New("config: tracing.endpoint is required"))
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("config: tracing.sample_ratio must be within [0, 1], got %v", t.SampleRatio))
	}
	return errs
}

func validateSecurity(sec *SecurityConfig) []error {
	if sec == nil {
		return nil
	}
	var errs []error
	if sec.NotificationWindow != "" {
		if d, err := time.ParseDuration(sec.NotificationWindow); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("config: security.notification_window must be a positive duration, got %q", sec.NotificationWindow))
		}
	}
	if sec.NotificationsPerWindow < 0 {
		errs = append(errs, errors.New("config: security.notifications_per_window must not be negative"))
	}
	if sec.AuthAttemptsPerMin < 0 {
		errs = append(errs, errors.New("config: security.auth_attempts_per_min must not be negative"))
	}
	if sec.RequireSignedSnaps && len(sec.TrustedSnapKeys) == 0 {
		errs = append(errs, errors.New("config: security.require_signed_snaps needs at least one trusted_snap_keys entry"))
	}
	return errs
}
