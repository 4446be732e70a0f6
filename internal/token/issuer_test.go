package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vypar.app/internal/kv"
)

var testIdentity = Identity{UserID: "user-42", Phone: "+919876543210", Role: "customer"}

func newTestIssuer(t *testing.T, opts ...Option) *Issuer {
	t.Helper()
	i, err := NewIssuer([]byte("test-secret"), kv.NewMemory(), opts...)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return i
}

func TestIssueAndValidateAccess(t *testing.T) {
	i := newTestIssuer(t)

	pair, err := i.Issue(testIdentity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
	if !pair.AccessExpiresAt.Before(pair.RefreshExpiresAt) {
		t.Fatalf("access expiry %v must precede refresh expiry %v", pair.AccessExpiresAt, pair.RefreshExpiresAt)
	}

	got, err := i.ValidateAccess(pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if got != testIdentity {
		t.Fatalf("identity round trip: got %+v", got)
	}
}

func TestAccessTTLMustBeShorter(t *testing.T) {
	_, err := NewIssuer([]byte("s"), kv.NewMemory(),
		WithAccessTTL(time.Hour), WithRefreshTTL(time.Hour))
	if err == nil {
		t.Fatal("expected constructor to reject access ttl >= refresh ttl")
	}
}

func TestRefreshTokenIsNotAnAccessToken(t *testing.T) {
	i := newTestIssuer(t)
	pair, err := i.Issue(testIdentity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := i.ValidateAccess(pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token must not validate as access, got %v", err)
	}
}

func TestTamperedTokenRejected(t *testing.T) {
	i := newTestIssuer(t)
	pair, err := i.Issue(testIdentity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	parts := strings.Split(pair.AccessToken, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := i.ValidateAccess(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := i.ValidateAccess("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestExpiredAccessToken(t *testing.T) {
	now := time.Now()
	i := newTestIssuer(t, WithClock(func() time.Time { return now }))

	pair, err := i.Issue(testIdentity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	now = now.Add(16 * time.Minute)
	if _, err := i.ValidateAccess(pair.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	ctx := context.Background()
	i := newTestIssuer(t)

	pair, err := i.Issue(testIdentity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	next, err := i.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.AccessToken == "" || next.RefreshToken == "" {
		t.Fatal("expected fresh pair")
	}
	got, err := i.ValidateAccess(next.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess after refresh: %v", err)
	}
	if got != testIdentity {
		t.Fatalf("identity lost across rotation: %+v", got)
	}

	// Rotation invalidates the spent refresh token.
	if _, err := i.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected spent refresh token rejected, got %v", err)
	}
	// The rotated token still works once.
	if _, err := i.Refresh(ctx, next.RefreshToken); err != nil {
		t.Fatalf("rotated refresh token should work: %v", err)
	}
}

func TestConcurrentRefreshMintsOnePair(t *testing.T) {
	ctx := context.Background()
	i := newTestIssuer(t)

	pair, err := i.Issue(testIdentity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	const workers = 16
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := i.Refresh(ctx, pair.RefreshToken)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrInvalidToken):
			default:
				t.Errorf("unexpected refresh error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := succeeded.Load(); got != 1 {
		t.Fatalf("refresh token is single use, %d of %d calls minted a pair", got, workers)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	i := newTestIssuer(t)
	pair, err := i.Issue(testIdentity)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := i.Refresh(context.Background(), pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestContextIdentity(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), testIdentity)
	got, ok := IdentityFromContext(ctx)
	if !ok || got != testIdentity {
		t.Fatalf("identity round trip failed: %+v ok=%v", got, ok)
	}
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatal("empty context must not carry an identity")
	}
}
