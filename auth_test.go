package linkup

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenReuseWithinTTL(t *testing.T) {
	mock := testClock()
	gw := newGateway(t, mock.Now())
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := newTestClient(t, srv.URL, mock)

	first, err := c.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	mock.Add(30 * time.Minute)
	second, err := c.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatal("token changed within TTL")
	}
	if logins, _, _ := gw.counts(); logins != 1 {
		t.Fatalf("logins = %d, want 1", logins)
	}

	// Past the TTL the next call logs in again.
	mock.Add(21 * time.Minute)
	if _, err := c.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if logins, _, _ := gw.counts(); logins != 2 {
		t.Fatalf("logins = %d after TTL expiry, want 2", logins)
	}
}

func TestTokenDeadlineFollowsJWTExpiry(t *testing.T) {
	mock := testClock()
	gw := newGateway(t, mock.Now())

	// The gateway hands out a real JWT that expires in 10 minutes, well
	// before the configured 50 minute TTL. The deadline must follow the
	// claim (minus the safety margin), not the TTL.
	claims := jwt.MapClaims{
		"exp": jwt.NewNumericDate(mock.Now().Add(10 * time.Minute)),
		"sub": "session",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	gw.token = signed

	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := newTestClient(t, srv.URL, mock)

	if _, err := c.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	mock.Add(9 * time.Minute)
	if _, err := c.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if logins, _, _ := gw.counts(); logins != 1 {
		t.Fatalf("logins = %d before the exp margin, want 1", logins)
	}

	mock.Add(time.Minute)
	if _, err := c.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if logins, _, _ := gw.counts(); logins != 2 {
		t.Fatalf("logins = %d after the exp claim passed, want 2", logins)
	}
}

func TestTokenLoginRateLimitedRetriesOnce(t *testing.T) {
	mock := testClock()
	gw := newGateway(t, mock.Now())
	gw.loginQueue = []int{429}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := newTestClient(t, srv.URL, mock)

	if _, err := c.Token(context.Background()); err != nil {
		t.Fatalf("one rate-limited login should be retried: %v", err)
	}
	if logins, _, _ := gw.counts(); logins != 2 {
		t.Fatalf("logins = %d, want 2", logins)
	}
	if got := c.throttle.Failures(); got != 0 {
		t.Fatalf("failures = %d after recovery", got)
	}
}

func TestTokenLoginRateLimitedTwiceSurfaces(t *testing.T) {
	mock := testClock()
	gw := newGateway(t, mock.Now())
	gw.loginQueue = []int{429, 430}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := newTestClient(t, srv.URL, mock)

	_, err := c.Token(context.Background())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
	if !IsRateLimitError(err) {
		t.Fatal("IsRateLimitError should report true")
	}
	// The retry is bounded inside a single Token call.
	if logins, _, _ := gw.counts(); logins != 2 {
		t.Fatalf("logins = %d, want exactly 2", logins)
	}
}

func TestTokenInvalidCredentialsNotRetried(t *testing.T) {
	mock := testClock()
	gw := newGateway(t, mock.Now())
	gw.loginQueue = []int{401}
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := newTestClient(t, srv.URL, mock)

	_, err := c.Token(context.Background())
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("got %v, want ErrInvalidCredentials", err)
	}
	if logins, _, _ := gw.counts(); logins != 1 {
		t.Fatalf("logins = %d, bad credentials must not be retried", logins)
	}
	// A definitive rejection is not an upstream health problem.
	if got := c.throttle.Failures(); got != 0 {
		t.Fatalf("failures = %d, want 0", got)
	}
}

func TestTokenMissingInResponse(t *testing.T) {
	mock := testClock()
	gw := newGateway(t, mock.Now())
	gw.token = "" // login succeeds but carries no token
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := newTestClient(t, srv.URL, mock)

	_, err := c.Token(context.Background())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("got %v, want ErrMalformedResponse", err)
	}
}

func TestTokenInvalidateForcesRelogin(t *testing.T) {
	mock := testClock()
	gw := newGateway(t, mock.Now())
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := newTestClient(t, srv.URL, mock)

	if _, err := c.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.auth.Invalidate()
	if _, err := c.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if logins, _, _ := gw.counts(); logins != 2 {
		t.Fatalf("logins = %d after Invalidate, want 2", logins)
	}
}

func TestTokenConcurrentCallersShareOneLogin(t *testing.T) {
	mock := testClock()
	gw := newGateway(t, mock.Now())
	srv := httptest.NewServer(gw)
	defer srv.Close()
	c := newTestClient(t, srv.URL, mock)

	const callers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = c.Token(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if logins, _, _ := gw.counts(); logins != 1 {
		t.Fatalf("logins = %d, want 1", logins)
	}
}
