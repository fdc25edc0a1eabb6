package core

import "time"

// Services the host publishes before any module loads.
const (
	ServiceMetricsRegistry = "metrics.registry"
	ServiceAuditLogger     = "security.audit"
	ServiceCredentials     = "security.credentials"
	ServiceRateLimiter     = "security.ratelimiter"
)

const defaultStopTimeout = 30 * time.Second
