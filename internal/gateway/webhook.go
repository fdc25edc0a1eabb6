package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/snap"
	"github.com/flemzord/snaphost/internal/snapperm"
)

// webhookMethod is the JSON-RPC method used when a source sets none.
const webhookMethod = "webhook"

// handleWebhook forwards a signed webhook payload to the configured snap's
// onRpcRequest handler. The snap sees origin "webhook:<source>" and the
// payload as params.
func (g *Gateway) handleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source := chi.URLParam(r, "source")
		cfg, ok := g.config.Webhooks[source]
		if !ok {
			g.logger.Warn("webhook received for unregistered source", "source", source)
			http.Error(w, "unknown source", http.StatusNotFound)
			return
		}

		body, err := g.readBody(w, r)
		if err != nil {
			writeError(w, err)
			return
		}

		// Validate HMAC if secret is configured.
		if cfg.Secret != "" && !validateHMAC(body, r.Header.Get("X-Signature-256"), cfg.Secret) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		method := cfg.Method
		if method == "" {
			method = webhookMethod
		}
		var params any
		if len(body) > 0 {
			params = json.RawMessage(body)
		}
		msg, err := rpc.NewRequest(method, params)
		if err != nil {
			writeError(w, err)
			return
		}
		req, err := json.Marshal(msg)
		if err != nil {
			writeError(w, err)
			return
		}

		if _, err := g.snaps.HandleRequest(r.Context(), snap.Request{
			SnapID:  cfg.SnapID,
			Origin:  "webhook:" + source,
			Handler: snapperm.OnRPCRequest,
			Request: req,
		}); err != nil {
			g.logger.Error("webhook handler failed", "source", source, "snap_id", cfg.SnapID, "error", err)
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// validateHMAC checks HMAC-SHA256 signature in constant time.
func validateHMAC(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
