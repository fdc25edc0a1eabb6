package gateway

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/flemzord/snaphost/internal/execution/executiontest"
)

func TestMetrics_CountsByRoutePattern(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{}, executiontest.Script{})
	tg.install(t, "npm:a", rpcDapps)
	tg.do(t, http.MethodGet, "/api/snaps/npm:a", "")
	tg.do(t, http.MethodGet, "/api/snaps/npm:missing", "")

	rr := httptest.NewRecorder()
	tg.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`snaphost_gateway_requests_total\{code="200",method="GET",route="/api/snaps/\{id\}/?"\} 1`,
		`snaphost_gateway_requests_total\{code="404",method="GET",route="/api/snaps/\{id\}/?"\} 1`,
		`snaphost_gateway_request_duration_seconds_count\{route="/api/snaps/\{id\}/?"\} 2`,
	} {
		if !regexp.MustCompile(want).MatchString(body) {
			t.Errorf("metrics missing %s", want)
		}
	}
	if strings.Contains(body, "npm:a") {
		t.Error("snap ID leaked into labels")
	}
}

func TestMetrics_NotMountedWithoutRegistry(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{}, executiontest.Script{})
	tg.metrics, tg.gather = nil, nil
	handler := tg.buildRouter()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
