package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flemzord/snaphost/internal/clock"
	"github.com/flemzord/snaphost/internal/cronjob"
	"github.com/flemzord/snaphost/internal/execution"
	"github.com/flemzord/snaphost/internal/execution/executiontest"
	"github.com/flemzord/snaphost/internal/permission"
	"github.com/flemzord/snaphost/internal/security"
	"github.com/flemzord/snaphost/internal/snap"
	"github.com/flemzord/snaphost/internal/snapperm"
)

const testToken = "secret-token"

// testGateway is a Gateway over an in-memory execution environment.
type testGateway struct {
	*Gateway
	env     *executiontest.Environment
	handler http.Handler

	mu     sync.Mutex
	audits []security.AuditEvent
}

func newTestGateway(t *testing.T, cfg Config, script executiontest.Script) *testGateway {
	t.Helper()

	tg := &testGateway{env: executiontest.NewEnvironment(script)}
	exec := execution.NewService(tg.env,
		execution.WithInitTimeout(time.Second),
		execution.WithTerminationTimeout(50*time.Millisecond),
	)

	reg, err := snapperm.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	state := snap.NewMemoryState()
	var ctrl *snap.Controller
	hooks := snapperm.HostHooks{
		HandleSnapRequest: func(ctx context.Context, snapID, origin string, handler snapperm.Handler, request json.RawMessage) (any, error) {
			return ctrl.HandleSnapRequest(ctx, snapID, origin, handler, request)
		},
		StateStore: state,
	}
	perms := permission.NewController(reg, hooks.Map())
	ctrl = snap.NewController(exec, perms, snap.WithStateStore(state))
	exec.SetProvider(execution.PermissionProvider(perms))

	cron := cronjob.NewController(ctrl, perms, cronjob.WithClock(clock.Fake(time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC))))

	promReg := prometheus.NewRegistry()
	if cfg.Auth == (AuthConfig{}) {
		cfg.Auth = AuthConfig{BearerToken: testToken}
	}
	cfg.defaults()

	tg.Gateway = &Gateway{
		config:  cfg,
		logger:  slog.Default(),
		snaps:   ctrl,
		exec:    exec,
		cron:    cron,
		limiter: security.NewRateLimiter(security.RateLimitConfig{AuthAttemptsPerMin: 3}),
		origins: security.NewOriginFilter(cfg.Origins),
		metrics: NewMetrics(promReg),
		gather:  promReg,
		audit: security.NewAuditLogger(security.AuditLoggerConfig{
			OnEvent: func(e security.AuditEvent) {
				tg.mu.Lock()
				defer tg.mu.Unlock()
				tg.audits = append(tg.audits, e)
			},
		}),
	}
	tg.startedAt = time.Now()
	tg.handler = tg.buildRouter()

	t.Cleanup(func() {
		cron.Stop()
		ctrl.Close()
		_ = exec.TerminateAllSnaps(context.Background())
	})
	return tg
}

// install adds a snap with the given permissions, written as JSON.
func (tg *testGateway) install(t *testing.T, id string, perms map[string]string) {
	t.Helper()
	raw := make(map[string]json.RawMessage, len(perms))
	for k, v := range perms {
		raw[k] = json.RawMessage(v)
	}
	if _, err := tg.snaps.Install(context.Background(), snap.InstallParams{
		ID:                 id,
		Version:            "1.0.0",
		SourceCode:         "module.exports.onRpcRequest = () => {}",
		InitialPermissions: raw,
	}); err != nil {
		t.Fatalf("Install(%s): %v", id, err)
	}
}

// do sends an authenticated request and returns the recorder.
func (tg *testGateway) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	tg.handler.ServeHTTP(rr, req)
	return rr
}

func (tg *testGateway) auditTypes() []security.EventType {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	out := make([]security.EventType, 0, len(tg.audits))
	for _, e := range tg.audits {
		out = append(out, e.Type)
	}
	return out
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
	return v
}
