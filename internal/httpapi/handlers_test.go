package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"vypar.app/internal/kv"
	"vypar.app/internal/login"
	"vypar.app/internal/otp"
	"vypar.app/internal/payment"
	"vypar.app/internal/ratelimit"
	"vypar.app/internal/token"
)

const (
	testPhone    = "+919876543210"
	testPassword = "correctpw"
)

var paymentSecret = []byte("callback-secret")

// codeSink captures issued codes instead of sending SMS.
type codeSink struct {
	mu   sync.Mutex
	last map[string]string
}

func (c *codeSink) Send(ctx context.Context, phone, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[phone] = code
	return nil
}

func (c *codeSink) codeFor(phone string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[phone]
}

type testEnv struct {
	srv   *httptest.Server
	codes *codeSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := kv.NewMemory()
	sink := &codeSink{last: make(map[string]string)}

	codes, err := otp.NewStore(store, otp.WithNotifier(sink))
	if err != nil {
		t.Fatalf("otp.NewStore: %v", err)
	}
	limiter, err := ratelimit.New(store, time.Minute, 3)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	issuer, err := token.NewIssuer([]byte("test-signing-secret"), store)
	if err != nil {
		t.Fatalf("token.NewIssuer: %v", err)
	}
	creds := login.NewStaticCredentials()
	if err := creds.Add("user-1", testPhone, testPassword, "customer"); err != nil {
		t.Fatalf("creds.Add: %v", err)
	}
	loginSvc, err := login.NewService(store, codes, issuer, limiter, creds)
	if err != nil {
		t.Fatalf("login.NewService: %v", err)
	}
	paySvc := payment.NewService(payment.NewMock(paymentSecret))

	api := New(ReadyProbe{}, "test", loginSvc, paySvc, issuer)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, codes: sink}
}

// post sends a JSON body and decodes the JSON response.
func (e *testEnv) post(t *testing.T, path, bearer string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, decoded
}

// startLogin drives a successful /v1/login/start and returns the session id.
func (e *testEnv) startLogin(t *testing.T) string {
	t.Helper()
	code, body := e.post(t, "/v1/login/start", "", map[string]any{
		"phone":    testPhone,
		"password": testPassword,
	})
	if code != http.StatusOK {
		t.Fatalf("login start: status %d body %v", code, body)
	}
	sid, _ := body["pending_session_id"].(string)
	if sid == "" {
		t.Fatalf("missing pending_session_id: %v", body)
	}
	return sid
}

func TestLoginStartRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t)
	code, body := env.post(t, "/v1/login/start", "", map[string]any{
		"phone":    testPhone,
		"password": "wrongpw",
	})
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %v", code, body)
	}
}

func TestLoginConfirmFlow(t *testing.T) {
	env := newTestEnv(t)
	sid := env.startLogin(t)

	// A wrong code is a mismatch, the session survives.
	status, body := env.post(t, "/v1/login/confirm", "", map[string]any{
		"pending_session_id": sid,
		"code":               "000000",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("wrong code: expected 401, got %d: %v", status, body)
	}

	status, body = env.post(t, "/v1/login/confirm", "", map[string]any{
		"pending_session_id": sid,
		"code":               env.codes.codeFor(testPhone),
	})
	if status != http.StatusOK {
		t.Fatalf("confirm: expected 200, got %d: %v", status, body)
	}
	access, _ := body["access_token"].(string)
	refresh, _ := body["refresh_token"].(string)
	if access == "" || refresh == "" {
		t.Fatalf("missing tokens in response: %v", body)
	}

	// Replay: the session is single use.
	status, body = env.post(t, "/v1/login/confirm", "", map[string]any{
		"pending_session_id": sid,
		"code":               env.codes.codeFor(testPhone),
	})
	if status != http.StatusConflict {
		t.Fatalf("replay: expected 409, got %d: %v", status, body)
	}
}

func TestLoginConfirmUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.post(t, "/v1/login/confirm", "", map[string]any{
		"pending_session_id": "no-such-session",
		"code":               "123456",
	})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %v", status, body)
	}
}

func TestLoginStartRateLimited(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.startLogin(t)
	}
	code, body := env.post(t, "/v1/login/start", "", map[string]any{
		"phone":    testPhone,
		"password": testPassword,
	})
	if code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %v", code, body)
	}
}

func TestLoginResend(t *testing.T) {
	env := newTestEnv(t)
	sid := env.startLogin(t)

	status, body := env.post(t, "/v1/login/resend", "", map[string]any{
		"pending_session_id": sid,
	})
	if status != http.StatusOK {
		t.Fatalf("resend: expected 200, got %d: %v", status, body)
	}
	second := env.codes.codeFor(testPhone)
	if second == "" {
		t.Fatal("resend delivered no code")
	}

	// The latest issued code is the live one.
	status, _ = env.post(t, "/v1/login/confirm", "", map[string]any{
		"pending_session_id": sid,
		"code":               second,
	})
	if status != http.StatusOK {
		t.Fatalf("confirm after resend: expected 200, got %d", status)
	}
}

func TestTokenRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	sid := env.startLogin(t)
	status, body := env.post(t, "/v1/login/confirm", "", map[string]any{
		"pending_session_id": sid,
		"code":               env.codes.codeFor(testPhone),
	})
	if status != http.StatusOK {
		t.Fatalf("confirm: %d %v", status, body)
	}
	refresh := body["refresh_token"].(string)

	status, body = env.post(t, "/v1/token/refresh", "", map[string]any{"refresh_token": refresh})
	if status != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %v", status, body)
	}
	rotated, _ := body["refresh_token"].(string)
	if rotated == "" || rotated == refresh {
		t.Fatalf("refresh token was not rotated: %v", body)
	}

	// The spent token can never mint a second pair.
	status, body = env.post(t, "/v1/token/refresh", "", map[string]any{"refresh_token": refresh})
	if status != http.StatusUnauthorized {
		t.Fatalf("spent refresh: expected 401, got %d: %v", status, body)
	}
}

func TestPaymentRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.post(t, "/v1/payments", "", map[string]any{
		"internal_order_id": "order_1",
		"amount":            49900,
		"currency":          "INR",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %v", status, body)
	}
}

func TestPaymentCreateAndConfirm(t *testing.T) {
	env := newTestEnv(t)
	sid := env.startLogin(t)
	status, body := env.post(t, "/v1/login/confirm", "", map[string]any{
		"pending_session_id": sid,
		"code":               env.codes.codeFor(testPhone),
	})
	if status != http.StatusOK {
		t.Fatalf("confirm: %d %v", status, body)
	}
	access := body["access_token"].(string)

	status, body = env.post(t, "/v1/payments", access, map[string]any{
		"internal_order_id": "order_1",
		"amount":            49900,
		"currency":          "INR",
	})
	if status != http.StatusCreated {
		t.Fatalf("payment create: expected 201, got %d: %v", status, body)
	}
	if body["status"] != "created" {
		t.Fatalf("unexpected intent status: %v", body)
	}

	sig := payment.Sign(paymentSecret, "order_1", "pay_1")
	status, body = env.post(t, "/v1/payments/confirm", access, map[string]any{
		"payment_id":        "pay_1",
		"internal_order_id": "order_1",
		"signature":         sig,
	})
	if status != http.StatusOK {
		t.Fatalf("payment confirm: expected 200, got %d: %v", status, body)
	}
	if body["verified"] != true {
		t.Fatalf("expected verified=true: %v", body)
	}

	// A tampered signature is rejected without an error.
	status, body = env.post(t, "/v1/payments/confirm", access, map[string]any{
		"payment_id":        "pay_1",
		"internal_order_id": "order_1",
		"signature":         "deadbeef",
	})
	if status != http.StatusOK || body["verified"] != false {
		t.Fatalf("tampered signature: got %d %v", status, body)
	}
}

func TestHealthAndInfo(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp, err := env.srv.Client().Get(env.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.srv.Client().Get(env.srv.URL + "/v1/nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	resp, err := env.srv.Client().Get(env.srv.URL + "/v1/login/start")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodPost {
		t.Fatalf("unexpected Allow header: %q", allow)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req-42" {
		t.Fatalf("expected echoed request id, got %q", got)
	}

	resp2, err := env.srv.Client().Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp2.Body.Close()
	if resp2.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id")
	}
}
