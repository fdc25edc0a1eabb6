package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/security"
	"github.com/flemzord/snaphost/internal/snap"
	"github.com/flemzord/snaphost/internal/timer"
)

// errorResponse is the body of a failed API call.
type errorResponse struct {
	Error *rpc.Error `json:"error"`
}

// toRPCError maps err to the JSON-RPC error object sent to the caller and
// the HTTP status that goes with it.
func toRPCError(err error) (*rpc.Error, int) {
	switch {
	case errors.Is(err, timer.ErrTimedOut):
		return rpc.Internal("request timed out"), http.StatusGatewayTimeout
	case errors.Is(err, snap.ErrDisabled):
		return rpc.Unauthorized("%s", err.Error()), http.StatusConflict
	case errors.Is(err, security.ErrMessageTooLarge):
		return rpc.LimitExceeded("%s", err.Error()), http.StatusRequestEntityTooLarge
	case errors.Is(err, security.ErrJSONTooDeep), errors.Is(err, security.ErrInvalidJSON):
		return rpc.ParseError("%s", err.Error()), http.StatusBadRequest
	}

	e := rpc.FromError(err)
	switch e.Code {
	case rpc.CodeParseError, rpc.CodeInvalidRequest, rpc.CodeInvalidParams:
		return e, http.StatusBadRequest
	case rpc.CodeMethodNotFound, rpc.CodeResourceNotFound:
		return e, http.StatusNotFound
	case rpc.CodeUnauthorized, rpc.CodeUserRejected:
		return e, http.StatusForbidden
	case rpc.CodeLimitExceeded:
		return e, http.StatusTooManyRequests
	}
	return e, http.StatusInternalServerError
}

// writeError writes err as {"error": {...}}.
func writeError(w http.ResponseWriter, err error) {
	e, code := toRPCError(err)
	writeJSON(w, code, errorResponse{Error: e})
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
