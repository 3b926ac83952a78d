package adminauth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware authenticates the caller via a Bearer session JWT and stores
// the resulting Identity in the request context. Missing or invalid tokens
// leave the context unauthenticated rather than rejecting outright —
// RequireAuth enforces the reject, so unauthenticated ops-API probes like
// /ops/v1/healthz variants can still share the router.
func Middleware(sessionMgr *SessionManager, oidcAuth *OIDCAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				next.ServeHTTP(w, r)
				return
			}
			rawToken := strings.TrimSpace(authHeader[len("Bearer "):])

			var identity *Identity
			if sessionMgr != nil {
				if claims, err := sessionMgr.ValidateToken(rawToken); err == nil {
					identity = &Identity{Subject: claims.Subject, Email: claims.Email, Method: claims.Method}
				}
			}
			if identity == nil && oidcAuth != nil {
				if claims, err := oidcAuth.Authenticate(r.Context(), rawToken); err == nil {
					identity = &Identity{Subject: claims.Subject, Email: claims.Email, Method: MethodOIDC}
				} else {
					logger.Debug("adminauth: OIDC verification failed", "error", err)
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireAuth rejects requests with no authenticated identity.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			respondUnauthorized(w, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": message})
}
