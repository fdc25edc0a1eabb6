package security

import (
	"bytes"
	"encoding/json"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventType names an audit event.
type EventType string

// Events at the trust boundary between the host and snaps.
const (
	EventPermissionGrant  EventType = "permission_grant"
	EventPermissionRevoke EventType = "permission_revoke"
	EventPermissionDenied EventType = "permission_denied"
	EventSnapInstall      EventType = "snap_install"
	EventSnapRemove       EventType = "snap_remove"
	EventSnapStart        EventType = "snap_start"
	EventSnapTerminate    EventType = "snap_terminate"
	EventUnhandledError   EventType = "unhandled_error"
	EventCronRun          EventType = "cron_run"
	EventAuthSuccess      EventType = "auth_success"
	EventAuthFailure      EventType = "auth_failure"
	EventRateLimit        EventType = "rate_limit"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	SnapID    string            `json:"snap_id,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	Origin    string            `json:"origin,omitempty"`
	Target    string            `json:"target,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditLoggerConfig configures NewAuditLogger. Every field is optional.
type AuditLoggerConfig struct {
	// Writer receives one JSON object per line.
	Writer io.Writer
	// Redactor masks Detail and Metadata values.
	Redactor *Redactor
	// OnEvent sees every event after redaction.
	OnEvent func(AuditEvent)
	// Registerer, when set, gets per-type event counters.
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// AuditLogger records security-relevant events. A nil *AuditLogger
// discards everything, so components hold one unconditionally.
type AuditLogger struct {
	cfg       AuditLoggerConfig
	mu        sync.Mutex
	failed    atomic.Int64
	events    *prometheus.CounterVec
	writeErrs prometheus.Counter
}

// NewAuditLogger returns a logger for cfg.
func NewAuditLogger(cfg AuditLoggerConfig) *AuditLogger {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := &AuditLogger{cfg: cfg}
	if cfg.Registerer != nil {
		f := promauto.With(cfg.Registerer)
		l.events = f.NewCounterVec(prometheus.CounterOpts{
			Name: "snaphost_audit_events_total",
			Help: "Audit events recorded, by type.",
		}, []string{"type"})
		l.writeErrs = f.NewCounter(prometheus.CounterOpts{
			Name: "snaphost_audit_write_errors_total",
			Help: "Audit events that could not be written.",
		})
	}
	return l
}

// Log stamps and records event. The caller's Metadata is left untouched.
func (l *AuditLogger) Log(event AuditEvent) {
	if l == nil {
		return
	}
	event.Timestamp = l.cfg.Now()
	if r := l.cfg.Redactor; r != nil {
		event.Detail = r.Redact(event.Detail)
		if event.Metadata != nil {
			md := make(map[string]string, len(event.Metadata))
			for k, v := range event.Metadata {
				md[k] = r.Redact(v)
			}
			event.Metadata = md
		}
	} else {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if l.events != nil {
		l.events.WithLabelValues(string(event.Type)).Inc()
	}

	var line []byte
	if l.cfg.Writer != nil {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(event)
		line = buf.Bytes()
	}

	// One lock orders the callback and the file identically.
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.OnEvent != nil {
		l.cfg.OnEvent(event)
	}
	if line != nil {
		if _, err := l.cfg.Writer.Write(line); err != nil {
			l.failed.Add(1)
			if l.writeErrs != nil {
				l.writeErrs.Inc()
			}
		}
	}
}

// WriteErrors returns how many events failed to reach the writer.
func (l *AuditLogger) WriteErrors() int64 {
	if l == nil {
		return 0
	}
	return l.failed.Load()
}
