package gateway

import (
	"net/http"

	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/internal/cronjob"
)

// moduleJSON is a serializable module info snapshot.
type moduleJSON struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// handleGetAllModules lists the compiled modules in load order, optionally
// restricted to one ?namespace=.
func (g *Gateway) handleGetAllModules() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mods := core.Modules()
		if ns := r.URL.Query().Get("namespace"); ns != "" {
			mods = core.ModulesIn(ns)
		}
		out := make([]moduleJSON, 0, len(mods))
		for _, m := range mods {
			out = append(out, moduleJSON{
				ID:        string(m.ID),
				Namespace: m.ID.Namespace(),
				Name:      m.ID.Name(),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleListCronjobs lists every scheduled job with its last run. Without
// the cronjob module the list is empty.
func (g *Gateway) handleListCronjobs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.cron == nil {
			writeJSON(w, http.StatusOK, []cronjob.JobInfo{})
			return
		}
		jobs, err := g.cron.GetAllJobs(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if jobs == nil {
			jobs = []cronjob.JobInfo{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

// handleListJobs lists running execution jobs.
func (g *Gateway) handleListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, g.exec.Jobs())
	}
}

// handleTerminateAll stops every running snap at once.
func (g *Gateway) handleTerminateAll() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stopped, err := g.snaps.StopAll(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if stopped == nil {
			stopped = []string{}
		}
		g.logger.Info("gateway: terminated all snaps", "count", len(stopped))
		writeJSON(w, http.StatusOK, map[string][]string{"stopped": stopped})
	}
}
