package payment

import (
	"context"
	"strings"
	"sync"
	"time"

	"vypar.app/internal/ids"
	"vypar.app/internal/obs"
)

// Service owns intent records and drives them through the gateway. Creation
// is idempotent per internal order id; a retried request returns the intent
// already registered instead of double-charging.
type Service struct {
	gw  Gateway
	now func() time.Time

	mu       sync.Mutex
	byOrder  map[string]*Intent       // internalOrderID -> intent
	inflight map[string]chan struct{} // internalOrderID -> pending gateway call
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wraps a gateway variant selected at startup.
func NewService(gw Gateway, opts ...ServiceOption) *Service {
	s := &Service{
		gw:       gw,
		now:      time.Now,
		byOrder:  make(map[string]*Intent),
		inflight: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers internalOrderID with the processor, or replays the
// existing intent for the same order. At most one gateway call is in flight
// per order id; concurrent creates for the same order wait for the owner and
// replay its intent, so the processor never sees a duplicate registration.
func (s *Service) Create(ctx context.Context, amount Money, internalOrderID string) (Intent, error) {
	internalOrderID = strings.TrimSpace(internalOrderID)
	if internalOrderID == "" || !amount.IsPositive() || strings.TrimSpace(amount.Currency) == "" {
		return Intent{}, ErrInvalidAmount
	}

	for {
		s.mu.Lock()
		if existing, ok := s.byOrder[internalOrderID]; ok {
			out := *existing
			s.mu.Unlock()
			return out, nil
		}
		owner, busy := s.inflight[internalOrderID]
		if !busy {
			done := make(chan struct{})
			s.inflight[internalOrderID] = done
			s.mu.Unlock()

			intent, err := s.register(ctx, amount, internalOrderID)

			s.mu.Lock()
			delete(s.inflight, internalOrderID)
			close(done)
			s.mu.Unlock()
			return intent, err
		}
		s.mu.Unlock()

		select {
		case <-owner:
			// Re-check: the owner either stored the intent or failed, in
			// which case this caller retries the gateway itself.
		case <-ctx.Done():
			return Intent{}, ctx.Err()
		}
	}
}

// register performs the gateway call and stores the resulting intent. The
// caller holds the in-flight slot for internalOrderID.
func (s *Service) register(ctx context.Context, amount Money, internalOrderID string) (Intent, error) {
	gatewayOrderID, err := s.gw.CreateOrder(ctx, amount, internalOrderID)
	if err != nil {
		return Intent{}, err
	}
	intent := &Intent{
		ID:              ids.New(),
		GatewayOrderID:  gatewayOrderID,
		InternalOrderID: internalOrderID,
		Amount:          amount,
		Status:          StatusCreated,
		CreatedAt:       s.now().UTC(),
	}
	s.mu.Lock()
	s.byOrder[internalOrderID] = intent
	s.mu.Unlock()
	return *intent, nil
}

// Confirm verifies the callback signature for an intent. Verified is
// reachable only through a successful signature check and is terminal; a
// failed check leaves the order unverified so a legitimate retry with a
// fresh signature can still succeed.
func (s *Service) Confirm(ctx context.Context, paymentID, internalOrderID, signature string) (bool, error) {
	key := strings.TrimSpace(internalOrderID)
	s.mu.Lock()
	_, ok := s.byOrder[key]
	s.mu.Unlock()
	if !ok {
		return false, ErrNotFound
	}

	verified := s.gw.VerifyPayment(ctx, paymentID, internalOrderID, signature)
	obs.CountPaymentVerify(resultLabel(verified))

	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.byOrder[key]
	if !ok {
		return false, ErrNotFound
	}
	if verified {
		intent.Status = StatusVerified
	} else if intent.Status != StatusVerified {
		intent.Status = StatusFailed
	}
	return verified, nil
}

// Get returns the intent for internalOrderID.
func (s *Service) Get(internalOrderID string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.byOrder[strings.TrimSpace(internalOrderID)]
	if !ok {
		return Intent{}, ErrNotFound
	}
	return *intent, nil
}

func resultLabel(verified bool) string {
	if verified {
		return "verified"
	}
	return "rejected"
}
