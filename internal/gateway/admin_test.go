package gateway

import (
	"net/http"
	"slices"
	"testing"

	"github.com/flemzord/snaphost/internal/cronjob"
	"github.com/flemzord/snaphost/internal/execution"
	"github.com/flemzord/snaphost/internal/execution/executiontest"
	"github.com/flemzord/snaphost/internal/snap"
)

func TestListCronjobs(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{}, executiontest.Script{})
	if jobs := decode[[]cronjob.JobInfo](t, tg.do(t, http.MethodGet, "/api/cronjobs", "")); len(jobs) != 0 {
		t.Errorf("jobs = %+v", jobs)
	}

	tg.install(t, "npm:a", map[string]string{
		"endowment:cronjob": `{"jobs":[{"expression":"0 * * * *","request":{"method":"hourly"}},{"expression":"@daily","request":{"method":"daily"}}]}`,
	})

	jobs := decode[[]cronjob.JobInfo](t, tg.do(t, http.MethodGet, "/api/cronjobs", ""))
	if len(jobs) != 2 {
		t.Fatalf("jobs = %+v", jobs)
	}
	if jobs[0].ID != "npm:a-0" || jobs[0].Request.Method != "hourly" || !jobs[0].LastRun.IsZero() {
		t.Errorf("first job = %+v", jobs[0])
	}
}

func TestListCronjobs_WithoutModule(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{}, executiontest.Script{})
	tg.cron = nil
	rr := tg.do(t, http.MethodGet, "/api/cronjobs", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "[]\n" {
		t.Errorf("status = %d, body = %q", rr.Code, rr.Body)
	}
}

func TestTerminateAll(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{}, executiontest.Script{})
	tg.install(t, "npm:a", rpcDapps)
	tg.install(t, "npm:b", rpcDapps)
	for _, id := range []string{"npm:a", "npm:b"} {
		if rr := tg.do(t, http.MethodPost, "/api/snaps/"+id+"/start", ""); rr.Code != http.StatusOK {
			t.Fatalf("start %s: %d %s", id, rr.Code, rr.Body)
		}
	}
	if jobs := decode[[]execution.JobInfo](t, tg.do(t, http.MethodGet, "/api/execution/jobs", "")); len(jobs) != 2 {
		t.Fatalf("jobs before = %+v", jobs)
	}

	rr := tg.do(t, http.MethodPost, "/api/execution/terminate-all", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	got := decode[map[string][]string](t, rr)
	if !slices.Equal(got["stopped"], []string{"npm:a", "npm:b"}) {
		t.Errorf("stopped = %v", got)
	}
	if jobs := decode[[]execution.JobInfo](t, tg.do(t, http.MethodGet, "/api/execution/jobs", "")); len(jobs) != 0 {
		t.Errorf("jobs after = %+v", jobs)
	}
	for _, s := range decode[[]snap.Snap](t, tg.do(t, http.MethodGet, "/api/snaps", "")) {
		if s.Status != snap.StatusStopped {
			t.Errorf("%s status = %s", s.ID, s.Status)
		}
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{}, executiontest.Script{})
	tg.install(t, "npm:a", rpcDapps)
	tg.install(t, "npm:b", rpcDapps)
	tg.do(t, http.MethodPost, "/api/snaps/npm:a/start", "")

	resp := decode[StatusResponse](t, tg.do(t, http.MethodGet, "/status", ""))
	if resp.Snaps[snap.StatusRunning] != 1 || resp.Snaps[snap.StatusInstalled] != 1 {
		t.Errorf("snaps = %v", resp.Snaps)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].SnapID != "npm:a" {
		t.Errorf("jobs = %+v", resp.Jobs)
	}
}

func TestListModules(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{}, executiontest.Script{})
	mods := decode[[]moduleJSON](t, tg.do(t, http.MethodGet, "/api/modules", ""))
	if !slices.ContainsFunc(mods, func(m moduleJSON) bool { return m.ID == "gateway.http" && m.Namespace == "gateway" }) {
		t.Errorf("modules = %+v", mods)
	}

	only := decode[[]moduleJSON](t, tg.do(t, http.MethodGet, "/api/modules?namespace=gateway", ""))
	for _, m := range only {
		if m.Namespace != "gateway" {
			t.Errorf("namespace filter leaked %s", m.ID)
		}
	}
	if len(only) == 0 || len(only) >= len(mods) {
		t.Errorf("filtered %d of %d modules", len(only), len(mods))
	}
}
