package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/security"
	"github.com/flemzord/snaphost/internal/snap"
	"github.com/flemzord/snaphost/internal/snapperm"
)

// snapRequestBody is the body of POST /api/snaps/{id}/request.
type snapRequestBody struct {
	Origin  string           `json:"origin"`
	Handler snapperm.Handler `json:"handler,omitempty"` // default onRpcRequest
	Request json.RawMessage  `json:"request"`
}

// handleSnapRequest invokes a snap handler and answers with a JSON-RPC
// response carrying the inner request's ID.
func (g *Gateway) handleSnapRequest() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapID := chi.URLParam(r, "id")

		data, err := g.readBody(w, r)
		if err != nil {
			g.writeRPC(w, nil, nil, err)
			return
		}
		var body snapRequestBody
		if err := json.Unmarshal(data, &body); err != nil {
			g.writeRPC(w, nil, nil, rpc.ParseError("%s", err.Error()))
			return
		}
		if len(body.Request) == 0 {
			g.writeRPC(w, nil, nil, rpc.InvalidParams("request is required"))
			return
		}
		var inner struct {
			ID json.RawMessage `json:"id"`
		}
		_ = json.Unmarshal(body.Request, &inner)
		if body.Handler == "" {
			body.Handler = snapperm.OnRPCRequest
		}

		if err := g.checkOrigin(snapID, body.Origin); err != nil {
			g.writeRPC(w, inner.ID, nil, err)
			return
		}

		result, err := g.snaps.HandleRequest(r.Context(), snap.Request{
			SnapID:  snapID,
			Origin:  body.Origin,
			Handler: body.Handler,
			Request: body.Request,
		})
		g.writeRPC(w, inner.ID, result, err)
	}
}

// checkOrigin applies the gateway's origin filter. Snap IDs and empty
// origins are left to the snap's own caveats.
func (g *Gateway) checkOrigin(snapID, origin string) error {
	if origin == "" || snapperm.IsValidSnapID(origin) {
		return nil
	}
	if err := g.origins.Check(origin); err != nil {
		if g.audit != nil {
			g.audit.Log(security.AuditEvent{
				Type:   security.EventPermissionDenied,
				SnapID: snapID,
				Origin: origin,
				Detail: err.Error(),
			})
		}
		return rpc.Unauthorized("origin %s is not allowed", origin)
	}
	return nil
}

// writeRPC writes a JSON-RPC response with the result or the mapped error.
func (g *Gateway) writeRPC(w http.ResponseWriter, id json.RawMessage, result json.RawMessage, err error) {
	if err != nil {
		e, code := toRPCError(err)
		if code == http.StatusInternalServerError {
			g.logger.Error("gateway: snap request failed", "error", err)
		}
		writeJSON(w, code, rpc.NewErrorResponse(id, e))
		return
	}
	msg, err := rpc.NewResult(id, result)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, rpc.NewErrorResponse(id, err))
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// installBody is the body of POST /api/snaps.
type installBody struct {
	ID                 string                     `json:"id"`
	Version            string                     `json:"version"`
	SourceCode         string                     `json:"source_code"`
	InitialPermissions map[string]json.RawMessage `json:"initial_permissions"`
}

func (g *Gateway) handleInstallSnap() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := g.readBody(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		var body installBody
		if err := json.Unmarshal(data, &body); err != nil {
			writeError(w, rpc.ParseError("%s", err.Error()))
			return
		}
		s, err := g.snaps.Install(r.Context(), snap.InstallParams{
			ID:                 body.ID,
			Version:            body.Version,
			SourceCode:         body.SourceCode,
			InitialPermissions: body.InitialPermissions,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s)
	}
}

func (g *Gateway) handleListSnaps() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, g.snaps.List())
	}
}

func (g *Gateway) handleGetSnap() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := g.snaps.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func (g *Gateway) handleRemoveSnap() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.snaps.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (g *Gateway) handleSnapPermissions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := g.snaps.Get(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, g.snaps.Permissions().GetPermissions(id))
	}
}

func (g *Gateway) handleStartSnap() http.HandlerFunc {
	return g.snapAction(func(r *http.Request, id string) error {
		return g.snaps.Start(r.Context(), id)
	})
}

func (g *Gateway) handleStopSnap() http.HandlerFunc {
	return g.snapAction(func(r *http.Request, id string) error {
		return g.snaps.Stop(r.Context(), id)
	})
}

func (g *Gateway) handleEnableSnap() http.HandlerFunc {
	return g.snapAction(func(_ *http.Request, id string) error {
		return g.snaps.Enable(id)
	})
}

func (g *Gateway) handleDisableSnap() http.HandlerFunc {
	return g.snapAction(func(r *http.Request, id string) error {
		return g.snaps.Disable(r.Context(), id)
	})
}

// snapAction runs fn on the snap named in the URL and answers with the
// snap's new state.
func (g *Gateway) snapAction(fn func(r *http.Request, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r, id); err != nil {
			writeError(w, err)
			return
		}
		s, err := g.snaps.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}
