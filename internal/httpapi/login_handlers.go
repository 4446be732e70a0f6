package httpapi

import (
	"errors"
	"net/http"
	"time"

	"vypar.app/internal/audit"
	"vypar.app/internal/login"
	"vypar.app/internal/otp"
	"vypar.app/internal/token"
)

type loginStartRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type loginStartResponse struct {
	PendingSessionID string    `json:"pending_session_id"`
	ExpiresAt        time.Time `json:"expires_at"`
	DevCode          string    `json:"dev_code,omitempty"`
}

type loginConfirmRequest struct {
	PendingSessionID string `json:"pending_session_id"`
	Code             string `json:"code"`
}

type loginConfirmResponse struct {
	AccessToken      string         `json:"access_token"`
	RefreshToken     string         `json:"refresh_token"`
	AccessExpiresAt  time.Time      `json:"access_expires_at"`
	RefreshExpiresAt time.Time      `json:"refresh_expires_at"`
	Identity         token.Identity `json:"identity"`
}

type loginResendRequest struct {
	PendingSessionID string `json:"pending_session_id"`
}

type tokenRefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Phone == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "phone and password are required")
		return
	}

	res, err := a.login.Start(r.Context(), req.Phone, req.Password)
	if err != nil && !errors.Is(err, otp.ErrDeliveryFailed) {
		a.loginError(w, r, err)
		return
	}
	if errors.Is(err, otp.ErrDeliveryFailed) {
		// The session exists; the client can request a resend once the
		// provider recovers.
		_ = audit.LogEvent(r.Context(), "login.delivery_failed", map[string]any{"session_id": res.SessionID})
	}
	_ = audit.LogEvent(r.Context(), "login.start", map[string]any{"session_id": res.SessionID})

	writeJSON(w, http.StatusOK, loginStartResponse{
		PendingSessionID: res.SessionID,
		ExpiresAt:        res.ExpiresAt,
		DevCode:          res.DevCode,
	})
}

func (a *API) handleLoginConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.PendingSessionID == "" || req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "pending_session_id and code are required")
		return
	}

	res, err := a.login.Confirm(r.Context(), req.PendingSessionID, req.Code)
	if err != nil {
		a.loginError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "login.confirm", map[string]any{
		"session_id": req.PendingSessionID,
		"user_id":    res.Identity.UserID,
	})

	writeJSON(w, http.StatusOK, loginConfirmResponse{
		AccessToken:      res.Pair.AccessToken,
		RefreshToken:     res.Pair.RefreshToken,
		AccessExpiresAt:  res.Pair.AccessExpiresAt,
		RefreshExpiresAt: res.Pair.RefreshExpiresAt,
		Identity:         res.Identity,
	})
}

func (a *API) handleLoginResend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginResendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.PendingSessionID == "" {
		writeError(w, r, http.StatusBadRequest, "pending_session_id is required")
		return
	}

	if err := a.login.Resend(r.Context(), req.PendingSessionID); err != nil {
		a.loginError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "login.resend", map[string]any{"session_id": req.PendingSessionID})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRefreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		a.loginError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "token.refresh", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":       pair.AccessToken,
		"refresh_token":      pair.RefreshToken,
		"access_expires_at":  pair.AccessExpiresAt,
		"refresh_expires_at": pair.RefreshExpiresAt,
	})
}

// loginError maps the login and token error taxonomy onto HTTP statuses.
func (a *API) loginError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, login.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid phone or password")
	case errors.Is(err, login.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, "too many code requests, slow down")
	case errors.Is(err, login.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, "unknown login session")
	case errors.Is(err, login.ErrSessionExpired):
		writeError(w, r, http.StatusGone, "login session expired, start again")
	case errors.Is(err, login.ErrSessionConsumed):
		writeError(w, r, http.StatusConflict, "login session already used")
	case errors.Is(err, login.ErrOTPMismatch):
		writeError(w, r, http.StatusUnauthorized, "incorrect code")
	case errors.Is(err, login.ErrOTPExpired):
		writeError(w, r, http.StatusGone, "code expired, start again")
	case errors.Is(err, login.ErrAttemptsExceeded):
		writeError(w, r, http.StatusForbidden, "too many incorrect codes, start again")
	case errors.Is(err, otp.ErrDeliveryFailed):
		writeError(w, r, http.StatusBadGateway, "code delivery failed")
	case errors.Is(err, token.ErrTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "token expired")
	case errors.Is(err, token.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
