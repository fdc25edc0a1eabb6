package gateway

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/flemzord/snaphost/internal/security"
)

const (
	defaultBind            = "127.0.0.1:8080"
	defaultReadTimeout     = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	// Outlasts the default snap request timeout.
	defaultWriteTimeout = 90 * time.Second
)

// Config is the gateway.http module configuration.
type Config struct {
	Bind            string                      `yaml:"bind"`
	Auth            AuthConfig                  `yaml:"auth"`
	CORS            CORSConfig                  `yaml:"cors"`
	Origins         security.OriginFilterConfig `yaml:"origins"`
	Webhooks        map[string]WebhookSourceCfg `yaml:"webhooks"`
	MaxBodyBytes    int                         `yaml:"max_body_bytes"`
	MaxJSONDepth    int                         `yaml:"max_json_depth"`
	ReadTimeout     time.Duration               `yaml:"read_timeout"`
	WriteTimeout    time.Duration               `yaml:"write_timeout"`
	ShutdownTimeout time.Duration               `yaml:"shutdown_timeout"`
}

func (c *Config) defaults() {
	setDefault(&c.Bind, defaultBind)
	setDefault(&c.MaxBodyBytes, security.DefaultMaxMessageSize)
	setDefault(&c.MaxJSONDepth, security.DefaultMaxJSONDepth)
	setDefault(&c.ReadTimeout, defaultReadTimeout)
	setDefault(&c.WriteTimeout, defaultWriteTimeout)
	setDefault(&c.ShutdownTimeout, defaultShutdownTimeout)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// check reports every problem in c at once.
func (c *Config) check() error {
	var errs []error
	if _, err := net.ResolveTCPAddr("tcp", c.Bind); err != nil {
		errs = append(errs, fmt.Errorf("gateway: invalid bind address %q", c.Bind))
	}
	if (c.Auth.BasicUser == "") != (c.Auth.BasicPass == "") {
		errs = append(errs, errors.New("gateway: basic auth needs both basic_user and basic_pass"))
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"read_timeout", c.ReadTimeout},
		{"write_timeout", c.WriteTimeout},
		{"shutdown_timeout", c.ShutdownTimeout},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("gateway: %s must not be negative", d.name))
		}
	}
	if c.MaxBodyBytes < 0 || c.MaxJSONDepth < 0 {
		errs = append(errs, errors.New("gateway: max_body_bytes and max_json_depth must not be negative"))
	}
	for source, w := range c.Webhooks {
		if w.SnapID == "" {
			errs = append(errs, fmt.Errorf("gateway: webhook %s: snap_id is required", source))
		}
	}
	return errors.Join(errs...)
}

// AuthConfig guards /status and the /api routes. Without any method set
// those routes are not mounted.
type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
	BasicUser   string `yaml:"basic_user"`
	BasicPass   string `yaml:"basic_pass"`
}

func (a AuthConfig) IsConfigured() bool {
	return a.BearerToken != "" || (a.BasicUser != "" && a.BasicPass != "")
}

// CORSConfig enables browser access for the listed origins.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxAge         int      `yaml:"max_age"`
}

// WebhookSourceCfg routes one webhook source to a snap's onRpcRequest.
// Payloads must carry an X-Signature-256 HMAC when Secret is set.
type WebhookSourceCfg struct {
	SnapID string `yaml:"snap_id"`
	Method string `yaml:"method"`
	Secret string `yaml:"secret"`
}
