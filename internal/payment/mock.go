package payment

import (
	"context"
	"strings"
)

// Mock synthesizes deterministic order references for local testing. It
// shares the signature scheme with the external variant so callback
// verification exercises the same code path.
type Mock struct {
	secret []byte
}

// NewMock creates the mock gateway with the shared callback secret.
func NewMock(secret []byte) *Mock {
	return &Mock{secret: secret}
}

func (m *Mock) CreateOrder(ctx context.Context, amount Money, internalOrderID string) (string, error) {
	if !amount.IsPositive() || strings.TrimSpace(amount.Currency) == "" {
		return "", ErrInvalidAmount
	}
	if strings.TrimSpace(internalOrderID) == "" {
		return "", ErrInvalidAmount
	}
	return "order_mock_" + internalOrderID, nil
}

func (m *Mock) VerifyPayment(ctx context.Context, paymentID, internalOrderID, signature string) bool {
	return verifySignature(m.secret, internalOrderID, paymentID, signature)
}
