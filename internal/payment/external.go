package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultRequestTimeout = 10 * time.Second

// External delegates order creation to an HTTP payment processor and
// verifies callbacks with the shared webhook secret. Order creation is the
// only networked call; signature verification is local.
type External struct {
	baseURL string
	keyID   string
	keySec  string
	secret  []byte
	client  *http.Client
}

// ExternalOption configures External.
type ExternalOption func(*External)

// WithHTTPClient overrides the HTTP client (useful for tests).
func WithHTTPClient(c *http.Client) ExternalOption {
	return func(e *External) {
		if c != nil {
			e.client = c
		}
	}
}

// NewExternal creates the processor-backed gateway. keyID/keySecret
// authenticate API calls; secret signs and verifies callbacks.
func NewExternal(baseURL, keyID, keySecret string, secret []byte, opts ...ExternalOption) (*External, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("payment: base url is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("payment: callback secret is required")
	}
	e := &External{
		baseURL: baseURL,
		keyID:   keyID,
		keySec:  keySecret,
		secret:  secret,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type createOrderRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type createOrderResponse struct {
	ID string `json:"id"`
}

func (e *External) CreateOrder(ctx context.Context, amount Money, internalOrderID string) (string, error) {
	if !amount.IsPositive() || strings.TrimSpace(amount.Currency) == "" {
		return "", ErrInvalidAmount
	}
	if strings.TrimSpace(internalOrderID) == "" {
		return "", ErrInvalidAmount
	}

	body, err := json.Marshal(createOrderRequest{
		Amount:   amount.Amount,
		Currency: amount.Currency,
		Receipt:  internalOrderID,
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(e.keyID, e.keySec)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: processor returned %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	var out createOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", fmt.Errorf("%w: empty order reference", ErrGatewayUnavailable)
	}
	return out.ID, nil
}

func (e *External) VerifyPayment(ctx context.Context, paymentID, internalOrderID, signature string) bool {
	return verifySignature(e.secret, internalOrderID, paymentID, signature)
}
