package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"vypar.app/internal/kv"
	"vypar.app/internal/obs"
)

const (
	codeMin = 100000
	codeMax = 999999

	defaultTTL         = 5 * time.Minute
	defaultMaxAttempts = 3
	deliveryTimeout    = 5 * time.Second
)

// ErrDeliveryFailed indicates the code was stored but the notification sink
// could not deliver it. The caller may resend.
var ErrDeliveryFailed = errors.New("otp: delivery failed")

// Outcome is the result of a verification attempt.
type Outcome int

const (
	// Accepted means the code matched and was consumed.
	Accepted Outcome = iota
	// Mismatch means the code did not match; attempts were incremented.
	Mismatch
	// Expired means the stored code outlived its TTL and was removed.
	Expired
	// AttemptsExceeded means the retry budget was exhausted; the code is gone.
	AttemptsExceeded
	// NotFound means no live code exists for the phone.
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Mismatch:
		return "mismatch"
	case Expired:
		return "expired"
	case AttemptsExceeded:
		return "attempts_exceeded"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// record is the stored state for one phone. At most one live record per phone.
type record struct {
	Phone     string    `json:"phone"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

// Store generates, stores and verifies short-lived numeric codes per phone
// number with a bounded number of verification attempts.
type Store struct {
	store       kv.Store
	notifier    Notifier
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

// Option configures Store.
type Option func(*Store)

// WithTTL overrides the code lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMaxAttempts overrides the verification attempt budget.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithNotifier sets the delivery sink for issued codes.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewStore constructs a Store over the given key-value backend.
func NewStore(store kv.Store, opts ...Option) (*Store, error) {
	if store == nil {
		return nil, errors.New("otp: store is required")
	}
	s := &Store{
		store:       store,
		ttl:         defaultTTL,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue generates a uniformly random six-digit code for phone, replacing any
// previously issued code, and pushes it through the notification sink. On
// delivery failure the record is kept and ErrDeliveryFailed is returned so
// the caller can offer a resend.
func (s *Store) Issue(ctx context.Context, phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", errors.New("otp: phone is required")
	}

	code, err := randomCode()
	if err != nil {
		return "", fmt.Errorf("otp: generate code: %w", err)
	}
	rec := record{
		Phone:     phone,
		Code:      code,
		ExpiresAt: s.now().UTC().Add(s.ttl),
		Attempts:  0,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	// Keep the record slightly past its logical expiry so Verify can report
	// Expired instead of NotFound right after the TTL elapses.
	if err := s.store.Set(ctx, storageKey(phone), raw, s.ttl+time.Minute); err != nil {
		return "", fmt.Errorf("otp: store code: %w", err)
	}
	obs.CountOTPIssued()

	if s.notifier != nil {
		sendCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		defer cancel()
		if err := s.notifier.Send(sendCtx, phone, code); err != nil {
			return code, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
	}
	return code, nil
}

// Verify checks code against the live record for phone. The lookup,
// attempt increment and comparison run as one atomic unit per phone, so two
// concurrent calls can never both observe the same attempt count.
func (s *Store) Verify(ctx context.Context, phone, code string) (Outcome, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return NotFound, errors.New("otp: phone is required")
	}

	outcome := NotFound
	now := s.now().UTC()
	err := s.store.Update(ctx, storageKey(phone), s.ttl+time.Minute, func(old []byte, found bool) ([]byte, bool, error) {
		if !found {
			outcome = NotFound
			return nil, false, nil
		}
		var rec record
		if err := json.Unmarshal(old, &rec); err != nil {
			return nil, false, fmt.Errorf("otp: decode record: %w", err)
		}
		if now.After(rec.ExpiresAt) {
			outcome = Expired
			return nil, false, nil
		}
		if rec.Attempts >= s.maxAttempts {
			outcome = AttemptsExceeded
			return nil, false, nil
		}
		rec.Attempts++
		if constantTimeEqual(rec.Code, code) {
			outcome = Accepted
			return nil, false, nil
		}
		outcome = Mismatch
		next, err := json.Marshal(rec)
		if err != nil {
			return nil, false, err
		}
		return next, true, nil
	})
	if err != nil {
		return NotFound, err
	}
	obs.CountOTPVerify(outcome.String())
	return outcome, nil
}

// Invalidate removes any live code for phone.
func (s *Store) Invalidate(ctx context.Context, phone string) error {
	return s.store.Delete(ctx, storageKey(strings.TrimSpace(phone)))
}

func storageKey(phone string) string {
	return "otp:code:" + phone
}

// randomCode draws a uniform integer in [100000, 999999].
func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(codeMin+n.Int64(), 10), nil
}

// constantTimeEqual compares codes without short-circuiting on the first
// differing byte. Length is checked separately; code length is not secret.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
