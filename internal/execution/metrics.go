package execution

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the execution service's Prometheus collectors. A nil
// *Metrics records nothing.
type Metrics struct {
	running             prometheus.Gauge
	commands            *prometheus.CounterVec
	commandDuration     *prometheus.HistogramVec
	terminationTimeouts prometheus.Counter
	unhandledErrors     prometheus.Counter
}

// NewMetrics registers the execution collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		running: f.NewGauge(prometheus.GaugeOpts{
			Name: "snaphost_execution_running_jobs",
			Help: "Number of snap jobs currently running.",
		}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snaphost_execution_commands_total",
			Help: "Commands sent to snap jobs by method and outcome.",
		}, []string{"method", "outcome"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snaphost_execution_command_duration_seconds",
			Help:    "Round-trip time of commands sent to snap jobs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		terminationTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "snaphost_execution_termination_timeouts_total",
			Help: "Jobs that did not acknowledge terminate in time and were torn down.",
		}),
		unhandledErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "snaphost_execution_unhandled_errors_total",
			Help: "Unhandled errors reported by snap jobs.",
		}),
	}
}

func (m *Metrics) jobStarted() {
	if m != nil {
		m.running.Inc()
	}
}

func (m *Metrics) jobStopped() {
	if m != nil {
		m.running.Dec()
	}
}

func (m *Metrics) command(method string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.commands.WithLabelValues(method, outcome).Inc()
	m.commandDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) terminationTimeout() {
	if m != nil {
		m.terminationTimeouts.Inc()
	}
}

func (m *Metrics) unhandledError() {
	if m != nil {
		m.unhandledErrors.Inc()
	}
}
