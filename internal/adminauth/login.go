package adminauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// LoginRequest is the JSON body for POST /ops/v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for a successful login.
type LoginResponse struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

// AuthConfigResponse tells an operator console which auth methods are available.
type AuthConfigResponse struct {
	OIDCEnabled  bool `json:"oidc_enabled"`
	LocalEnabled bool `json:"local_enabled"`
}

// LoginHandler serves local email/password login, auth discovery, and the
// OIDC authorization-code flow for operators.
type LoginHandler struct {
	sessionMgr *SessionManager
	local      *LocalOperator
	oidc       *OIDCAuthenticator
	redis      *redis.Client
	logger     *slog.Logger
}

// NewLoginHandler creates a login handler. local and oidc may each be nil
// when that auth method is not configured; redis may be nil, in which case
// the OIDC state parameter falls back to an in-process map (single-instance
// deployments only — see Design Note in DESIGN.md).
func NewLoginHandler(sm *SessionManager, local *LocalOperator, oidc *OIDCAuthenticator, rdb *redis.Client, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{sessionMgr: sm, local: local, oidc: oidc, redis: rdb, logger: logger}
}

// HandleAuthConfig reports which login methods are configured.
func (h *LoginHandler) HandleAuthConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, AuthConfigResponse{
		OIDCEnabled:  h.oidc != nil,
		LocalEnabled: h.local != nil,
	})
}

// HandleLogin authenticates with email/password and issues a session JWT.
func (h *LoginHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if h.local == nil {
		respondJSONErr(w, http.StatusNotFound, "not_found", "local login is not configured")
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSONErr(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondJSONErr(w, http.StatusBadRequest, "bad_request", "email and password are required")
		return
	}

	if err := h.local.Authenticate(req.Email, req.Password); err != nil {
		h.logger.Warn("adminauth: local login failed", "email", req.Email, "error", err)
		respondJSONErr(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	token, err := h.sessionMgr.IssueToken(SessionClaims{Subject: req.Email, Email: req.Email, Method: MethodLocal})
	if err != nil {
		h.logger.Error("adminauth: issuing session token", "error", err)
		respondJSONErr(w, http.StatusInternalServerError, "internal", "failed to issue session")
		return
	}
	respondJSON(w, http.StatusOK, LoginResponse{Token: token, Email: req.Email})
}

// HandleOIDCLogin redirects the operator to the configured identity provider.
func (h *LoginHandler) HandleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	if h.oidc == nil {
		respondJSONErr(w, http.StatusNotFound, "not_found", "OIDC login is not configured")
		return
	}

	state, err := randomState()
	if err != nil {
		respondJSONErr(w, http.StatusInternalServerError, "internal", "failed to generate state")
		return
	}
	if err := h.storeState(r.Context(), state); err != nil {
		h.logger.Error("adminauth: storing OIDC state", "error", err)
		respondJSONErr(w, http.StatusInternalServerError, "internal", "failed to store state")
		return
	}

	http.Redirect(w, r, h.oidc.OAuth2Cfg.AuthCodeURL(state), http.StatusFound)
}

// HandleOIDCCallback completes the authorization-code flow and issues a
// session JWT scoped to the operator.
func (h *LoginHandler) HandleOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if h.oidc == nil {
		respondJSONErr(w, http.StatusNotFound, "not_found", "OIDC login is not configured")
		return
	}

	state := r.URL.Query().Get("state")
	if state == "" || !h.consumeState(r.Context(), state) {
		respondJSONErr(w, http.StatusBadRequest, "bad_request", "invalid or expired state")
		return
	}
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		respondJSONErr(w, http.StatusUnauthorized, "unauthorized", "authentication failed: "+errParam)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		respondJSONErr(w, http.StatusBadRequest, "bad_request", "missing code parameter")
		return
	}

	rawIDToken, err := h.oidc.ExchangeCode(r.Context(), code)
	if err != nil {
		h.logger.Warn("adminauth: OIDC exchange failed", "error", err)
		respondJSONErr(w, http.StatusUnauthorized, "unauthorized", "authentication failed")
		return
	}

	claims, err := h.oidc.Authenticate(r.Context(), rawIDToken)
	if err != nil {
		h.logger.Warn("adminauth: OIDC verification failed", "error", err)
		respondJSONErr(w, http.StatusUnauthorized, "unauthorized", "authentication failed")
		return
	}

	token, err := h.sessionMgr.IssueToken(SessionClaims{Subject: claims.Subject, Email: claims.Email, Method: MethodOIDC})
	if err != nil {
		h.logger.Error("adminauth: issuing session token", "error", err)
		respondJSONErr(w, http.StatusInternalServerError, "internal", "failed to issue session")
		return
	}
	respondJSON(w, http.StatusOK, LoginResponse{Token: token, Email: claims.Email})
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("adminauth: generating state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// inProcessStates backs OIDC state tracking when Redis is not configured.
// Single-instance only: a multi-replica ops API needs Redis for this.
var inProcessStates = map[string]time.Time{}

func (h *LoginHandler) storeState(ctx context.Context, state string) error {
	if h.redis != nil {
		return h.redis.Set(ctx, "adminauth:oidc_state:"+state, "1", 10*time.Minute).Err()
	}
	inProcessStates[state] = time.Now().Add(10 * time.Minute)
	return nil
}

func (h *LoginHandler) consumeState(ctx context.Context, state string) bool {
	if h.redis != nil {
		n, err := h.redis.GetDel(ctx, "adminauth:oidc_state:"+state).Result()
		return err == nil && n != ""
	}
	expiry, ok := inProcessStates[state]
	delete(inProcessStates, state)
	return ok && time.Now().Before(expiry)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondJSONErr(w http.ResponseWriter, status int, errCode, message string) {
	respondJSON(w, status, map[string]string{"error": errCode, "message": message})
}
