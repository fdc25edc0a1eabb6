package cronjob

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scheduler's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	runs      *prometheus.CounterVec
	scheduled prometheus.Gauge
}

// NewMetrics registers the scheduler collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snaphost_cronjob_runs_total",
			Help: "Cronjob invocations by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		scheduled: f.NewGauge(prometheus.GaugeOpts{
			Name: "snaphost_cronjob_scheduled_timers",
			Help: "Cronjobs currently holding a live timer.",
		}),
	}
}

func (m *Metrics) run(trigger string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) setScheduled(n int) {
	if m != nil {
		m.scheduled.Set(float64(n))
	}
}
