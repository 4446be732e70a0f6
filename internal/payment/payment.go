package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"
)

// Money is represented in the processor's smallest currency unit. No floats.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

func (m Money) IsPositive() bool { return m.Amount > 0 }

// Status of a payment intent. Transitions run one way: created can become
// verified or failed, failed can still become verified on a legitimate
// retry, and verified is terminal.
type Status string

const (
	StatusCreated  Status = "created"
	StatusVerified Status = "verified"
	StatusFailed   Status = "failed"
)

// Intent tracks an order registered with the payment processor.
type Intent struct {
	ID              string    `json:"id"`
	GatewayOrderID  string    `json:"gateway_order_id"`
	InternalOrderID string    `json:"internal_order_id"`
	Amount          Money     `json:"amount"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

var (
	// ErrGatewayUnavailable indicates a transport failure talking to the
	// processor; the caller retries with backoff.
	ErrGatewayUnavailable = errors.New("payment: gateway unavailable")
	ErrInvalidAmount      = errors.New("payment: invalid amount")
	ErrNotFound           = errors.New("payment: intent not found")
)

// Gateway is the capability set every payment backend provides. Callers
// depend only on this interface; the variant is selected once at startup.
type Gateway interface {
	// CreateOrder registers internalOrderID with the processor and returns
	// its order reference.
	CreateOrder(ctx context.Context, amount Money, internalOrderID string) (string, error)

	// VerifyPayment reports whether signature proves the callback for
	// paymentID/internalOrderID came from the processor. It never panics on
	// malformed input; any mismatch is simply false.
	VerifyPayment(ctx context.Context, paymentID, internalOrderID, signature string) bool
}

// Sign computes the callback signature: hex HMAC-SHA256 over
// internalOrderID + "|" + paymentID.
func Sign(secret []byte, internalOrderID, paymentID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(internalOrderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature recomputes the expected signature and compares without
// short-circuiting. Malformed signatures fail the length check and return
// false; nothing is thrown.
func verifySignature(secret []byte, internalOrderID, paymentID, signature string) bool {
	expected := Sign(secret, internalOrderID, paymentID)
	if len(expected) != len(signature) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
