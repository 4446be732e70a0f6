package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vypar.app/internal/kv"
)

// counter is the stored fixed-window state for one key.
type counter struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

// Decision reports the state of a key after an increment.
type Decision struct {
	Count     int
	Remaining int
	ResetAt   time.Time
	Allowed   bool
}

// Limiter is a fixed-window request counter keyed by an arbitrary string.
// Increments for the same key serialize through the store's Update primitive.
type Limiter struct {
	store   kv.Store
	window  time.Duration
	ceiling int
	now     func() time.Time
}

// Option configures Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New creates a limiter allowing up to ceiling increments per window.
func New(store kv.Store, window time.Duration, ceiling int, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	if window <= 0 {
		return nil, errors.New("ratelimit: window must be greater than zero")
	}
	if ceiling <= 0 {
		return nil, errors.New("ratelimit: ceiling must be greater than zero")
	}
	l := &Limiter{
		store:   store,
		window:  window,
		ceiling: ceiling,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow atomically increments the counter for key within the current window,
// resetting it first when the window has elapsed. The triggering request must
// be rejected when Allowed is false.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Decision{}, errors.New("ratelimit: key is required")
	}

	var c counter
	now := l.now().UTC()
	err := l.store.Update(ctx, l.storageKey(key), l.window+time.Minute, func(old []byte, found bool) ([]byte, bool, error) {
		c = counter{WindowStart: now, Count: 1}
		if found {
			var prev counter
			if err := json.Unmarshal(old, &prev); err != nil {
				return nil, false, fmt.Errorf("ratelimit: decode counter: %w", err)
			}
			if now.Sub(prev.WindowStart) < l.window {
				c = counter{WindowStart: prev.WindowStart, Count: prev.Count + 1}
			}
		}
		next, err := json.Marshal(c)
		if err != nil {
			return nil, false, err
		}
		return next, true, nil
	})
	if err != nil {
		return Decision{}, err
	}

	remaining := l.ceiling - c.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Count:     c.Count,
		Remaining: remaining,
		ResetAt:   c.WindowStart.Add(l.window),
		Allowed:   c.Count <= l.ceiling,
	}, nil
}

// Reset clears the counter immediately, e.g. after a logically free action.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("ratelimit: key is required")
	}
	return l.store.Delete(ctx, l.storageKey(key))
}

func (l *Limiter) storageKey(key string) string {
	return "ratelimit:" + key
}
