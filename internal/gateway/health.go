package gateway

import (
	"net/http"

	"github.com/flemzord/snaphost/internal/snap"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status  string   `json:"status"` // "ok" or "degraded"
	Snaps   int      `json:"snaps"`
	Running int      `json:"running"`
	Crashed []string `json:"crashed,omitempty"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 200 unless the audit log is failing to write, then 503.
// Crashed snaps are reported but do not degrade the host.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{Status: "ok"}

		for _, s := range g.snaps.List() {
			resp.Snaps++
			switch s.Status {
			case snap.StatusRunning:
				resp.Running++
			case snap.StatusCrashed:
				resp.Crashed = append(resp.Crashed, s.ID)
			}
		}

		code := http.StatusOK
		if g.audit != nil && g.audit.WriteErrors() > 0 {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}
