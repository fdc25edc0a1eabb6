// Package remote runs snap jobs on a remote executor reached over
// WebSocket. Each job is one connection to {url}/{jobID}; the binary
// message stream carries the multiplexed execution protocol.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/flemzord/snaphost/internal/execution"
)

// ErrUnknownHandle is returned by Destroy for handles it did not create.
var ErrUnknownHandle = errors.New("remote: unknown handle")

// Config points at the remote executor.
type Config struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	DialTimeout string `yaml:"dial_timeout"`
	// ReadLimit caps a single WebSocket message in bytes.
	ReadLimit int64 `yaml:"read_limit"`
}

func (c *Config) defaults() {
	if c.DialTimeout == "" {
		c.DialTimeout = "10s"
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4 << 20
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || c.URL == "" {
		return fmt.Errorf("remote: invalid url %q", c.URL)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("remote: unsupported url scheme %q", u.Scheme)
	}
	if _, err := time.ParseDuration(c.DialTimeout); err != nil {
		return fmt.Errorf("remote: invalid dial_timeout %q: %w", c.DialTimeout, err)
	}
	return nil
}

// Environment dials a remote executor for every job.
type Environment struct {
	cfg         Config
	dialTimeout time.Duration
	client      *http.Client
	logger      *slog.Logger
}

var _ execution.Environment = (*Environment)(nil)

// New returns an Environment for cfg. client may be nil.
func New(cfg Config, client *http.Client, logger *slog.Logger) (*Environment, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, _ := time.ParseDuration(cfg.DialTimeout)
	if logger == nil {
		logger = slog.Default()
	}
	return &Environment{cfg: cfg, dialTimeout: d, client: client, logger: logger}, nil
}

type session struct {
	jobID  string
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// Spawn opens the job's connection. ctx bounds the dial only.
func (e *Environment) Spawn(ctx context.Context, jobID string) (execution.Handle, io.ReadWriteCloser, error) {
	dialCtx, cancel := context.WithTimeout(ctx, e.dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPClient: e.client}
	if e.cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + e.cfg.Token}}
	}
	conn, _, err := websocket.Dial(dialCtx, jobURL(e.cfg.URL, jobID), opts)
	if err != nil {
		return nil, nil, fmt.Errorf("remote: dial job %s: %w", jobID, err)
	}
	conn.SetReadLimit(e.cfg.ReadLimit)

	// The stream lives until Destroy, not until the spawn request ends.
	streamCtx, streamCancel := context.WithCancel(context.Background())
	s := &session{jobID: jobID, conn: conn, cancel: streamCancel}
	e.logger.Debug("remote: job connected", "job_id", jobID)
	return s, websocket.NetConn(streamCtx, conn, websocket.MessageBinary), nil
}

// Destroy closes the job's connection. The remote executor tears the job
// down when its connection goes away.
func (e *Environment) Destroy(_ context.Context, h execution.Handle) error {
	s, ok := h.(*session)
	if !ok || s == nil {
		return ErrUnknownHandle
	}
	defer s.cancel()
	if err := s.conn.Close(websocket.StatusNormalClosure, "job terminated"); err != nil {
		e.logger.Debug("remote: close", "job_id", s.jobID, "error", err)
	}
	return nil
}

func jobURL(base, jobID string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(jobID)
}
