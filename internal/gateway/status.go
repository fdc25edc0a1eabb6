package gateway

import (
	"net/http"
	"time"

	"github.com/flemzord/snaphost/internal/execution"
	"github.com/flemzord/snaphost/internal/snap"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Uptime   time.Duration       `json:"uptime_seconds"`
	Snaps    map[snap.Status]int `json:"snaps"`
	Jobs     []execution.JobInfo `json:"jobs"`
	Cronjobs int                 `json:"cronjobs"`
}

// handleStatus returns an http.HandlerFunc for GET /status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Uptime: time.Since(g.startedAt).Truncate(time.Second) / time.Second,
			Snaps:  make(map[snap.Status]int),
			Jobs:   g.exec.Jobs(),
		}
		for _, s := range g.snaps.List() {
			resp.Snaps[s.Status]++
		}
		if g.cron != nil {
			if jobs, err := g.cron.GetAllJobs(r.Context()); err == nil {
				resp.Cronjobs = len(jobs)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
