package login

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vypar.app/internal/ids"
	"vypar.app/internal/kv"
	"vypar.app/internal/obs"
	"vypar.app/internal/otp"
	"vypar.app/internal/ratelimit"
	"vypar.app/internal/token"
)

const defaultSessionTTL = 5 * time.Minute

// session is the stored pending-login record. Single use: once consumed or
// expired it can never mint tokens again.
type session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Phone     string    `json:"phone"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// StartResult is returned by a successful Start call.
type StartResult struct {
	SessionID string
	ExpiresAt time.Time

	// DevCode carries the issued code only when the dev echo is enabled at
	// startup (devotp build tag plus dev environment). Empty otherwise.
	DevCode string
}

// ConfirmResult bundles the minted tokens with the verified identity.
type ConfirmResult struct {
	Pair     token.Pair
	Identity token.Identity
}

// Service tracks login attempts that passed password verification and are
// awaiting code confirmation.
type Service struct {
	sessions   kv.Store
	codes      *otp.Store
	tokens     *token.Issuer
	limiter    *ratelimit.Limiter
	creds      CredentialChecker
	sessionTTL time.Duration
	devEcho    bool
	now        func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithSessionTTL overrides the pending-session lifetime. Keep it at or below
// the code TTL, otherwise a live session can hold a dead code.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithDevCodeEcho enables returning the issued code from Start. The caller
// must gate this on the devotp build tag; see cmd/api.
func WithDevCodeEcho(enabled bool) Option {
	return func(s *Service) { s.devEcho = enabled }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the pending-session manager.
func NewService(sessions kv.Store, codes *otp.Store, tokens *token.Issuer, limiter *ratelimit.Limiter, creds CredentialChecker, opts ...Option) (*Service, error) {
	if sessions == nil || codes == nil || tokens == nil || limiter == nil || creds == nil {
		return nil, errors.New("login: all collaborators are required")
	}
	s := &Service{
		sessions:   sessions,
		codes:      codes,
		tokens:     tokens,
		limiter:    limiter,
		creds:      creds,
		sessionTTL: defaultSessionTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start verifies the password, then creates a pending session and issues a
// one-time code gated by the per-phone rate limit. When rate limited, no
// session is created.
func (s *Service) Start(ctx context.Context, phone, password string) (StartResult, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" || password == "" {
		return StartResult{}, ErrInvalidCredentials
	}

	identity, err := s.creds.Check(ctx, phone, password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return StartResult{}, ErrInvalidCredentials
		}
		return StartResult{}, fmt.Errorf("login: credential check: %w", err)
	}

	dec, err := s.limiter.Allow(ctx, "otp:"+phone)
	if err != nil {
		return StartResult{}, fmt.Errorf("login: rate limit: %w", err)
	}
	if !dec.Allowed {
		obs.CountLoginSession("rate_limited")
		return StartResult{}, ErrRateLimited
	}

	code, err := s.codes.Issue(ctx, phone)
	if err != nil && !errors.Is(err, otp.ErrDeliveryFailed) {
		return StartResult{}, err
	}
	deliveryErr := err

	now := s.now().UTC()
	rec := session{
		ID:        ids.New(),
		UserID:    identity.UserID,
		Phone:     phone,
		Role:      identity.Role,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.putSession(ctx, rec); err != nil {
		return StartResult{}, err
	}
	obs.CountLoginSession("created")

	res := StartResult{SessionID: rec.ID, ExpiresAt: rec.ExpiresAt}
	if s.devEcho {
		res.DevCode = code
	}
	if deliveryErr != nil {
		// Session and code exist; the client can ask for a resend.
		return res, deliveryErr
	}
	return res, nil
}

// Confirm checks the submitted code for the pending session and, exactly
// once, mints a token pair. Mismatches keep the session pending until the
// code's attempt budget runs out.
func (s *Service) Confirm(ctx context.Context, sessionID, code string) (ConfirmResult, error) {
	rec, err := s.getSession(ctx, sessionID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if rec.Consumed {
		return ConfirmResult{}, ErrSessionConsumed
	}
	if s.now().After(rec.ExpiresAt) {
		_ = s.sessions.Delete(ctx, sessionKey(sessionID))
		obs.CountLoginSession("expired")
		return ConfirmResult{}, ErrSessionExpired
	}

	outcome, err := s.codes.Verify(ctx, rec.Phone, code)
	if err != nil {
		return ConfirmResult{}, err
	}
	switch outcome {
	case otp.Accepted:
		// fall through to consume
	case otp.Mismatch:
		return ConfirmResult{}, ErrOTPMismatch
	case otp.AttemptsExceeded:
		// The retry budget is gone: the session can never succeed, kill it.
		_ = s.sessions.Delete(ctx, sessionKey(sessionID))
		obs.CountLoginSession("attempts_exceeded")
		return ConfirmResult{}, ErrAttemptsExceeded
	case otp.Expired, otp.NotFound:
		_ = s.sessions.Delete(ctx, sessionKey(sessionID))
		obs.CountLoginSession("expired")
		return ConfirmResult{}, ErrOTPExpired
	default:
		return ConfirmResult{}, fmt.Errorf("login: unexpected verification outcome %v", outcome)
	}

	if err := s.consumeSession(ctx, sessionID); err != nil {
		return ConfirmResult{}, err
	}
	obs.CountLoginSession("confirmed")

	identity := token.Identity{UserID: rec.UserID, Phone: rec.Phone, Role: rec.Role}
	pair, err := s.tokens.Issue(identity)
	if err != nil {
		return ConfirmResult{}, err
	}
	return ConfirmResult{Pair: pair, Identity: identity}, nil
}

// Resend re-issues a code for the session's phone through the same
// rate-limited path. It never creates a new session.
func (s *Service) Resend(ctx context.Context, sessionID string) error {
	rec, err := s.getSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.Consumed {
		return ErrSessionConsumed
	}
	if s.now().After(rec.ExpiresAt) {
		_ = s.sessions.Delete(ctx, sessionKey(sessionID))
		return ErrSessionExpired
	}

	dec, err := s.limiter.Allow(ctx, "otp:"+rec.Phone)
	if err != nil {
		return fmt.Errorf("login: rate limit: %w", err)
	}
	if !dec.Allowed {
		return ErrRateLimited
	}
	_, err = s.codes.Issue(ctx, rec.Phone)
	return err
}

func (s *Service) putSession(ctx context.Context, rec session) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// Consumed sessions stay readable until the TTL margin passes so a
	// replayed confirm reports "already consumed" rather than "not found".
	if err := s.sessions.Set(ctx, sessionKey(rec.ID), raw, s.sessionTTL+time.Minute); err != nil {
		return fmt.Errorf("login: store session: %w", err)
	}
	return nil
}

func (s *Service) getSession(ctx context.Context, sessionID string) (session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return session{}, ErrSessionNotFound
	}
	raw, found, err := s.sessions.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return session{}, fmt.Errorf("login: load session: %w", err)
	}
	if !found {
		return session{}, ErrSessionNotFound
	}
	var rec session
	if err := json.Unmarshal(raw, &rec); err != nil {
		return session{}, fmt.Errorf("login: decode session: %w", err)
	}
	return rec, nil
}

// consumeSession flips the consumed flag exactly once; a concurrent winner
// makes the loser fail with ErrSessionConsumed.
func (s *Service) consumeSession(ctx context.Context, sessionID string) error {
	return s.sessions.Update(ctx, sessionKey(sessionID), s.sessionTTL+time.Minute, func(old []byte, found bool) ([]byte, bool, error) {
		if !found {
			return nil, false, ErrSessionNotFound
		}
		var rec session
		if err := json.Unmarshal(old, &rec); err != nil {
			return nil, false, fmt.Errorf("login: decode session: %w", err)
		}
		if rec.Consumed {
			return nil, false, ErrSessionConsumed
		}
		rec.Consumed = true
		next, err := json.Marshal(rec)
		if err != nil {
			return nil, false, err
		}
		return next, true, nil
	})
}

func sessionKey(id string) string {
	return "login:session:" + id
}
