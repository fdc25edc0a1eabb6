package gateway

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/flemzord/snaphost/internal/execution/executiontest"
	"github.com/flemzord/snaphost/internal/security"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cfg   AuthConfig
		setup func(r *http.Request)
		want  int
	}{
		{
			name:  "valid bearer",
			cfg:   AuthConfig{BearerToken: "secret-token"},
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret-token") },
			want:  http.StatusOK,
		},
		{
			name:  "invalid bearer",
			cfg:   AuthConfig{BearerToken: "secret-token"},
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong-token") },
			want:  http.StatusUnauthorized,
		},
		{
			name:  "valid basic",
			cfg:   AuthConfig{BasicUser: "admin", BasicPass: "pass123"},
			setup: func(r *http.Request) { r.SetBasicAuth("admin", "pass123") },
			want:  http.StatusOK,
		},
		{
			name:  "invalid basic",
			cfg:   AuthConfig{BasicUser: "admin", BasicPass: "pass123"},
			setup: func(r *http.Request) { r.SetBasicAuth("admin", "wrongpass") },
			want:  http.StatusUnauthorized,
		},
		{
			name:  "basic against bearer-only config",
			cfg:   AuthConfig{BearerToken: "secret-token"},
			setup: func(r *http.Request) { r.SetBasicAuth("admin", "secret-token") },
			want:  http.StatusUnauthorized,
		},
		{
			name:  "missing header",
			cfg:   AuthConfig{BearerToken: "secret-token"},
			setup: func(*http.Request) {},
			want:  http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := authMiddleware(tt.cfg, nil, nil)(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			tt.setup(req)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAuthMiddleware_LimitsFailedAttempts(t *testing.T) {
	t.Parallel()

	var events []security.EventType
	audit := security.NewAuditLogger(security.AuditLoggerConfig{
		OnEvent: func(e security.AuditEvent) { events = append(events, e.Type) },
	})
	limiter := security.NewRateLimiter(security.RateLimitConfig{AuthAttemptsPerMin: 2})
	handler := authMiddleware(AuthConfig{BearerToken: "secret-token"}, audit, limiter)(okHandler())

	send := func(token, addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.RemoteAddr = addr
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	// Successful requests do not use up the budget.
	for range 5 {
		if code := send("secret-token", "10.0.0.1:1000"); code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
	}
	for range 2 {
		if code := send("guess", "10.0.0.1:1001"); code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", code)
		}
	}
	// The bucket is keyed by host, so a new port does not help, and the
	// right token is refused too.
	if code := send("secret-token", "10.0.0.1:1002"); code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", code)
	}
	if code := send("secret-token", "10.0.0.2:1000"); code != http.StatusOK {
		t.Errorf("other client status = %d", code)
	}

	if !slices.Contains(events, security.EventRateLimit) || !slices.Contains(events, security.EventAuthFailure) {
		t.Errorf("audit events = %v", events)
	}
}

func TestAPI_NotMountedWithoutAuth(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{}, executiontest.Script{})
	tg.config.Auth = AuthConfig{}
	handler := tg.buildRouter()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/snaps", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("health status = %d", rr.Code)
	}
}
