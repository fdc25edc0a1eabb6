package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/flemzord/snaphost/internal/execution/executiontest"
	"github.com/flemzord/snaphost/internal/permission"
	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/security"
	"github.com/flemzord/snaphost/internal/snap"
	"github.com/flemzord/snaphost/internal/snapperm"
)

var rpcDapps = map[string]string{"endowment:rpc": `{"dapps":true}`}

func TestSnapRequest_ReturnsResult(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{}, executiontest.Script{
		OnSnapRPC: func(_ context.Context, origin string, handler snapperm.Handler, _ json.RawMessage) (any, error) {
			return map[string]string{"origin": origin, "handler": string(handler)}, nil
		},
	})
	tg.install(t, "npm:a", rpcDapps)

	rr := tg.do(t, http.MethodPost, "/api/snaps/npm:a/request",
		`{"origin":"https://dapp.example","request":{"jsonrpc":"2.0","id":7,"method":"hello"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body)
	}
	msg := decode[rpc.Message](t, rr)
	if string(msg.ID) != "7" || msg.Error != nil {
		t.Errorf("response = %+v", msg)
	}
	if string(msg.Result) != `{"handler":"onRpcRequest","origin":"https://dapp.example"}` {
		t.Errorf("result = %s", msg.Result)
	}
	if s, _ := tg.snaps.Get("npm:a"); s.Status != snap.StatusRunning {
		t.Errorf("snap status = %s, want running", s.Status)
	}
}

func TestSnapRequest_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		body     string
		wantHTTP int
		wantCode int
	}{
		{"not installed", "/api/snaps/npm:missing/request", `{"origin":"https://a.example","request":{"id":1,"method":"x"}}`, http.StatusNotFound, rpc.CodeResourceNotFound},
		{"origin not allowed", "/api/snaps/npm:local/request", `{"origin":"https://a.example","request":{"id":1,"method":"x"}}`, http.StatusForbidden, rpc.CodeUnauthorized},
		{"handler not permitted", "/api/snaps/npm:a/request", `{"origin":"https://a.example","handler":"onTransaction","request":{"id":1,"method":"x"}}`, http.StatusForbidden, rpc.CodeUnauthorized},
		{"unknown handler", "/api/snaps/npm:a/request", `{"origin":"https://a.example","handler":"onSomething","request":{"id":1}}`, http.StatusBadRequest, rpc.CodeInvalidParams},
		{"missing request", "/api/snaps/npm:a/request", `{"origin":"https://a.example"}`, http.StatusBadRequest, rpc.CodeInvalidParams},
		{"malformed body", "/api/snaps/npm:a/request", `{"origin":`, http.StatusBadRequest, rpc.CodeParseError},
		{"too deep", "/api/snaps/npm:a/request", `{"request":` + strings.Repeat("[", 40) + strings.Repeat("]", 40) + `}`, http.StatusBadRequest, rpc.CodeParseError},
	}

	tg := newTestGateway(t, Config{}, executiontest.Script{})
	tg.install(t, "npm:a", rpcDapps)
	tg.install(t, "npm:local", map[string]string{"endowment:rpc": `{"snaps":true}`})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := tg.do(t, http.MethodPost, tt.path, tt.body)
			if rr.Code != tt.wantHTTP {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.wantHTTP, rr.Body)
			}
			msg := decode[rpc.Message](t, rr)
			if msg.Error == nil || msg.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %d", msg.Error, tt.wantCode)
			}
		})
	}

	if len(tg.env.Spawned()) != 0 {
		t.Errorf("rejected requests started snaps: %v", tg.env.Spawned())
	}
}

func TestSnapRequest_BodyTooLarge(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{MaxBodyBytes: 64}, executiontest.Script{})
	tg.install(t, "npm:a", rpcDapps)

	body := `{"origin":"https://a.example","request":{"id":1,"method":"` + strings.Repeat("x", 100) + `"}}`
	rr := tg.do(t, http.MethodPost, "/api/snaps/npm:a/request", body)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
}

func TestSnapRequest_SnapErrorIsForwarded(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{}, executiontest.Script{
		OnSnapRPC: func(context.Context, string, snapperm.Handler, json.RawMessage) (any, error) {
			return nil, rpc.InvalidParams("bad amount")
		},
	})
	tg.install(t, "npm:a", rpcDapps)

	rr := tg.do(t, http.MethodPost, "/api/snaps/npm:a/request", `{"origin":"https://a.example","request":{"id":"x","method":"send"}}`)
	msg := decode[rpc.Message](t, rr)
	if msg.Error == nil || !errors.Is(msg.Error, rpc.ErrInvalidParams) || msg.Error.Message != "bad amount" {
		t.Errorf("error = %+v", msg.Error)
	}
	if string(msg.ID) != `"x"` {
		t.Errorf("id = %s", msg.ID)
	}
}

func TestSnapRequest_OriginFilter(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{
		Origins: security.OriginFilterConfig{Allow: []string{"trusted.example"}},
	}, executiontest.Script{})
	tg.install(t, "npm:a", rpcDapps)

	rr := tg.do(t, http.MethodPost, "/api/snaps/npm:a/request", `{"origin":"https://evil.example","request":{"id":1,"method":"x"}}`)
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
	if !slices.Contains(tg.auditTypes(), security.EventPermissionDenied) {
		t.Errorf("audit = %v", tg.auditTypes())
	}

	rr = tg.do(t, http.MethodPost, "/api/snaps/npm:a/request", `{"origin":"https://app.trusted.example","request":{"id":1,"method":"x"}}`)
	if rr.Code != http.StatusOK {
		t.Errorf("allowed origin status = %d, body %s", rr.Code, rr.Body)
	}
}

func TestSnapAdmin_Lifecycle(t *testing.T) {
	t.Parallel()

	tg := newTestGateway(t, Config{}, executiontest.Script{})

	rr := tg.do(t, http.MethodPost, "/api/snaps",
		`{"id":"npm:a","version":"2.0.0","source_code":"module.exports = {}","initial_permissions":{"endowment:rpc":{"dapps":true}}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("install status = %d, body %s", rr.Code, rr.Body)
	}
	if s := decode[snap.Snap](t, rr); s.ID != "npm:a" || s.Version != "2.0.0" {
		t.Errorf("installed = %+v", s)
	}

	if rr := tg.do(t, http.MethodPost, "/api/snaps", `{"id":"not a snap id","source_code":"x"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("invalid install status = %d", rr.Code)
	}

	list := decode[[]snap.Snap](t, tg.do(t, http.MethodGet, "/api/snaps", ""))
	if len(list) != 1 || list[0].ID != "npm:a" {
		t.Errorf("list = %+v", list)
	}

	perms := decode[map[permission.TargetName]permission.Permission](t, tg.do(t, http.MethodGet, "/api/snaps/npm:a/permissions", ""))
	if _, ok := perms[snapperm.RPC]; !ok {
		t.Errorf("permissions = %v", perms)
	}

	rr = tg.do(t, http.MethodPost, "/api/snaps/npm:a/start", "")
	if s := decode[snap.Snap](t, rr); s.Status != snap.StatusRunning {
		t.Errorf("after start = %+v", s)
	}
	rr = tg.do(t, http.MethodPost, "/api/snaps/npm:a/stop", "")
	if s := decode[snap.Snap](t, rr); s.Status != snap.StatusStopped {
		t.Errorf("after stop = %+v", s)
	}

	rr = tg.do(t, http.MethodPost, "/api/snaps/npm:a/disable", "")
	if s := decode[snap.Snap](t, rr); s.Enabled {
		t.Errorf("after disable = %+v", s)
	}
	rr = tg.do(t, http.MethodPost, "/api/snaps/npm:a/request", `{"origin":"https://a.example","request":{"id":1,"method":"x"}}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("request to disabled snap status = %d", rr.Code)
	}
	tg.do(t, http.MethodPost, "/api/snaps/npm:a/enable", "")

	if rr := tg.do(t, http.MethodDelete, "/api/snaps/npm:a", ""); rr.Code != http.StatusNoContent {
		t.Errorf("remove status = %d", rr.Code)
	}
	if rr := tg.do(t, http.MethodGet, "/api/snaps/npm:a", ""); rr.Code != http.StatusNotFound {
		t.Errorf("get after remove status = %d", rr.Code)
	}
	if rr := tg.do(t, http.MethodGet, "/api/snaps/npm:a/permissions", ""); rr.Code != http.StatusNotFound {
		t.Errorf("permissions after remove status = %d", rr.Code)
	}
}
