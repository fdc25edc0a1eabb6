package permission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts grants and denials.
type Metrics struct {
	grants  *prometheus.CounterVec
	denials *prometheus.CounterVec
}

// NewMetrics creates the permission collectors on reg. A nil reg gives
// working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		grants: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snaphost",
			Subsystem: "permission",
			Name:      "grants_total",
			Help:      "Permissions granted, by target.",
		}, []string{"target"}),
		denials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snaphost",
			Subsystem: "permission",
			Name:      "denials_total",
			Help:      "Restricted method calls rejected, by target and reason.",
		}, []string{"target", "reason"}),
	}
}

func (m *Metrics) granted(target TargetName) {
	if m != nil {
		m.grants.WithLabelValues(string(target)).Inc()
	}
}

func (m *Metrics) denied(target TargetName, reason string) {
	if m != nil {
		m.denials.WithLabelValues(string(target), reason).Inc()
	}
}
