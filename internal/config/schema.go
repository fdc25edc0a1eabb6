// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for snaphost.
package config

import "gopkg.in/yaml.v3"

// Config is the top-level configuration structure.
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level,omitempty"`

	// DataDir holds persistent module data. Defaults to $XDG_DATA_HOME/snaphost.
	DataDir string `yaml:"data_dir,omitempty"`

	// Modules maps module IDs to their raw YAML configuration.
	// Keys must match registered module IDs (e.g. "environment.process").
	Modules map[string]yaml.Node `yaml:"modules"`

	// Snaps are installed when the host starts.
	Snaps []SnapConfig `yaml:"snaps,omitempty"`

	// Tracing exports OpenTelemetry spans over OTLP/HTTP when set.
	Tracing *TracingConfig `yaml:"tracing,omitempty"`

	// Security holds audit and rate limit settings.
	Security *SecurityConfig `yaml:"security,omitempty"`

	// Reload controls re-applying Snaps while running.
	Reload *ReloadConfig `yaml:"reload,omitempty"`
}

// ReloadConfig controls the config file watcher. SIGHUP reloads snaps
// whether or not Watch is set.
type ReloadConfig struct {
	Watch    bool   `yaml:"watch"`
	Interval string `yaml:"interval,omitempty"`
}

// SnapConfig is a snap installed at startup.
type SnapConfig struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version,omitempty"`

	// Source is the path of the snap bundle, relative to the config file.
	Source string `yaml:"source"`

	// InitialPermissions maps permission targets to their requested value.
	InitialPermissions map[string]any `yaml:"initial_permissions,omitempty"`

	// PermissionsFile is a JSONC file holding the same map. It excludes
	// InitialPermissions.
	PermissionsFile string `yaml:"permissions_file,omitempty"`

	// Signature is the hex Ed25519 signature of the bundle, checked
	// against security.trusted_snap_keys.
	Signature string `yaml:"signature,omitempty"`

	// Disabled installs the snap without letting it run.
	Disabled bool `yaml:"disabled,omitempty"`
}

// TracingConfig configures the OTLP/HTTP span exporter.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure,omitempty"`
	ServiceName string  `yaml:"service_name,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// AuditLog is the JSONL audit file. Empty disables the audit log.
	AuditLog string `yaml:"audit_log,omitempty"`

	// NotificationsPerWindow and NotificationWindow rate limit snap_notify
	// per snap. Defaults: 2 per 5m.
	NotificationsPerWindow int    `yaml:"notifications_per_window,omitempty"`
	NotificationWindow     string `yaml:"notification_window,omitempty"`

	// AuthAttemptsPerMin limits failed gateway authentications per client.
	AuthAttemptsPerMin int `yaml:"auth_attempts_per_min,omitempty"`

	// TrustedSnapKeys are hex Ed25519 public keys accepted for snap
	// signatures. RequireSignedSnaps refuses unsigned startup snaps.
	TrustedSnapKeys    []string `yaml:"trusted_snap_keys,omitempty"`
	RequireSignedSnaps bool     `yaml:"require_signed_snaps,omitempty"`
}
