package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestError_IsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("calling snap: %w", Unauthorized("path %s not permitted", "m/44'/1'"))

	if !errors.Is(err, ErrUnauthorized) {
		t.Fatal("wrapped Unauthorized should match ErrUnauthorized")
	}
	if errors.Is(err, ErrInvalidParams) {
		t.Fatal("Unauthorized must not match ErrInvalidParams")
	}
	if errors.Is(err, &Error{Code: CodeUnauthorized, Message: "other"}) {
		t.Fatal("a target with a message should match only that message")
	}
}

func TestConstructors_DefaultMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		code int
	}{
		{"parse", ParseError(""), CodeParseError},
		{"invalid request", InvalidRequest(""), CodeInvalidRequest},
		{"invalid params", InvalidParams(""), CodeInvalidParams},
		{"internal", Internal(""), CodeInternal},
		{"resource", ResourceNotFound(""), CodeResourceNotFound},
		{"limit", LimitExceeded(""), CodeLimitExceeded},
		{"rejected", UserRejected(""), CodeUserRejected},
		{"unauthorized", Unauthorized(""), CodeUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.err.Code != tt.code {
				t.Errorf("Code = %d, want %d", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("default message is empty")
			}
		})
	}
}

func TestMethodNotFound_CarriesMethod(t *testing.T) {
	t.Parallel()

	err := MethodNotFound("snap_unknown")
	data, ok := err.Data.(map[string]string)
	if !ok || data["method"] != "snap_unknown" {
		t.Fatalf("Data = %#v", err.Data)
	}
}

func TestFromError(t *testing.T) {
	t.Parallel()

	if FromError(nil) != nil {
		t.Fatal("FromError(nil) should be nil")
	}

	orig := InvalidParams("bad caveat")
	if got := FromError(fmt.Errorf("grant: %w", orig)); got != orig {
		t.Fatalf("FromError did not unwrap: %v", got)
	}

	got := FromError(errors.New("disk on fire"))
	if got.Code != CodeInternal || got.Message != "disk on fire" {
		t.Fatalf("got %+v", got)
	}
}

func TestDecode_Classifies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		raw          string
		request      bool
		notification bool
		response     bool
	}{
		{"request", `{"jsonrpc":"2.0","id":"a","method":"ping"}`, true, false, false},
		{"numeric id", `{"jsonrpc":"2.0","id":7,"method":"eth_chainId"}`, true, false, false},
		{"notification", `{"jsonrpc":"2.0","method":"UnhandledError","params":{}}`, false, true, false},
		{"result", `{"jsonrpc":"2.0","id":"a","result":"OK"}`, false, false, true},
		{"null result", `{"jsonrpc":"2.0","id":"a","result":null}`, false, false, true},
		{"error", `{"jsonrpc":"2.0","id":"a","error":{"code":-32603,"message":"x"}}`, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if m.IsRequest() != tt.request || m.IsNotification() != tt.notification || m.IsResponse() != tt.response {
				t.Errorf("request=%v notification=%v response=%v", m.IsRequest(), m.IsNotification(), m.IsResponse())
			}
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{`)); !errors.Is(err, ErrParse) {
		t.Errorf("truncated: err = %v, want ErrParse", err)
	}
	if _, err := Decode([]byte(`{"jsonrpc":"1.0","id":1,"method":"x"}`)); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("version: err = %v, want ErrInvalidRequest", err)
	}
	if _, err := Decode([]byte(`{"jsonrpc":"2.0"}`)); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty: err = %v, want ErrInvalidRequest", err)
	}
}

func TestNewRequest_UniqueIDs(t *testing.T) {
	t.Parallel()

	a, err := NewRequest("ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewRequest("ping", nil)
	if a.IDKey() == b.IDKey() {
		t.Fatal("request IDs collide")
	}
	if a.Params != nil {
		t.Fatalf("nil params encoded as %s", a.Params)
	}

	raw, _ := json.Marshal(a)
	back, err := Decode(raw)
	if err != nil || !back.IsRequest() || back.IDKey() != a.IDKey() {
		t.Fatalf("round trip: %v %+v", err, back)
	}
}

func TestNewErrorResponse_EchoesID(t *testing.T) {
	t.Parallel()

	id := json.RawMessage(`42`)
	m := NewErrorResponse(id, errors.New("boom"))
	raw, _ := json.Marshal(m)

	back, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if back.IDKey() != "42" || back.Error == nil || back.Error.Code != CodeInternal {
		t.Fatalf("got %s", raw)
	}
}

func TestUnmarshalParams(t *testing.T) {
	t.Parallel()

	var v struct {
		SnapID string `json:"snapId"`
	}
	if err := UnmarshalParams(nil, &v); err != nil {
		t.Fatalf("nil params: %v", err)
	}
	if err := UnmarshalParams(json.RawMessage(`null`), &v); err != nil {
		t.Fatalf("null params: %v", err)
	}
	if err := UnmarshalParams(json.RawMessage(`{"snapId":"npm:x"}`), &v); err != nil || v.SnapID != "npm:x" {
		t.Fatalf("got %v %+v", err, v)
	}
	if err := UnmarshalParams(json.RawMessage(`[1]`), &v); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("err = %v, want ErrInvalidParams", err)
	}
}
