package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/flemzord/snaphost/internal/security"
)

// authMiddleware validates Bearer token or Basic auth credentials using
// constant-time comparison. Failed attempts count against the client's
// auth bucket; a client whose bucket is full is refused before its
// credentials are checked. Both auditLogger and rateLimiter may be nil.
func authMiddleware(cfg AuthConfig, auditLogger *security.AuditLogger, rateLimiter *security.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientKey(r)
			if rateLimiter != nil && rateLimiter.Exhausted(security.KindAuth, client) {
				emitAuthEvent(auditLogger, security.EventRateLimit, r, "too many failed authentications")
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}

			if method, ok := authenticate(cfg, r); ok {
				emitAuthEvent(auditLogger, security.EventAuthSuccess, r, method)
				next.ServeHTTP(w, r)
				return
			}

			if rateLimiter != nil {
				_ = rateLimiter.Allow(security.KindAuth, client)
			}
			detail := "invalid credentials"
			if r.Header.Get("Authorization") == "" {
				detail = "missing authorization header"
			}
			emitAuthEvent(auditLogger, security.EventAuthFailure, r, detail)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

// authenticate returns the method that accepted the request.
func authenticate(cfg AuthConfig, r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", false
	}

	if cfg.BearerToken != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok && constantTimeEqual(after, cfg.BearerToken) {
			return "bearer", true
		}
	}

	if cfg.BasicUser != "" && cfg.BasicPass != "" {
		user, pass, ok := r.BasicAuth()
		if ok && constantTimeEqual(user, cfg.BasicUser) && constantTimeEqual(pass, cfg.BasicPass) {
			return "basic", true
		}
	}
	return "", false
}

// clientKey is the remote host without port.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// emitAuthEvent logs an auth event to the audit logger if available.
func emitAuthEvent(logger *security.AuditLogger, eventType security.EventType, r *http.Request, detail string) {
	if logger == nil {
		return
	}
	logger.Log(security.AuditEvent{
		Type:   eventType,
		Detail: detail,
		Metadata: map[string]string{
			"remote_addr": r.RemoteAddr,
			"method":      r.Method,
			"path":        r.URL.Path,
		},
	})
}

// constantTimeEqual compares two strings in constant time.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
