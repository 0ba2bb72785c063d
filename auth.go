package linkup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

// loginAttempts bounds the rate-limit retry loop inside a single token
// request. Anything beyond one retry is left to the fetch layer.
const loginAttempts = 2

// tokenExpiryMargin is shaved off a token's own exp claim so we re-login
// slightly before the gateway would start rejecting it.
const tokenExpiryMargin = 30 * time.Second

// authManager owns the bearer token lifecycle. A token is reused until its
// deadline passes, then exactly one caller performs the re-login while the
// rest wait on the mutex.
type authManager struct {
	api      *apiClient
	throttle *throttler
	clk      clock.Clock
	logger   *slog.Logger

	email    string
	password string
	ttl      time.Duration

	mu       sync.RWMutex
	token    string
	deadline time.Time
}

func newAuthManager(api *apiClient, throttle *throttler, clk clock.Clock, logger *slog.Logger, email, password string, ttl time.Duration) *authManager {
	return &authManager{
		api:      api,
		throttle: throttle,
		clk:      clk,
		logger:   logger,
		email:    email,
		password: password,
		ttl:      ttl,
	}
}

// Token returns a valid bearer token, logging in only when the cached one
// has expired. Concurrent callers share a single login.
func (m *authManager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	if m.token != "" && m.clk.Now().Before(m.deadline) {
		tok := m.token
		m.mu.RUnlock()
		return tok, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have logged in while we waited for the write lock.
	if m.token != "" && m.clk.Now().Before(m.deadline) {
		return m.token, nil
	}

	token, err := m.login(ctx)
	if err != nil {
		return "", err
	}
	m.token = token
	m.deadline = m.tokenDeadline(token)
	m.logger.Debug("token refreshed", "deadline", m.deadline)
	return token, nil
}

// login performs the credential exchange, retrying once when the gateway
// rate-limits the attempt. Invalid credentials are fatal and bypass the
// backoff machine entirely.
func (m *authManager) login(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; attempt < loginAttempts; attempt++ {
		if attempt > 0 {
			delay := m.throttle.Delay()
			m.logger.Warn("login rate limited, backing off", "delay", delay, "attempt", attempt+1)
			if err := m.throttle.sleep(ctx, delay); err != nil {
				return "", err
			}
		}
		if err := m.throttle.WaitTurn(ctx); err != nil {
			return "", err
		}

		token, err := m.api.login(ctx, m.email, m.password)
		if err == nil {
			m.throttle.RecordOutcome(true)
			return token, nil
		}
		if errors.Is(err, ErrInvalidCredentials) {
			return "", err
		}
		m.throttle.RecordOutcome(false)
		if errors.Is(err, ErrRateLimited) {
			lastErr = err
			continue
		}
		return "", err
	}
	return "", lastErr
}

// tokenDeadline picks the earlier of the configured TTL and the token's own
// exp claim (minus a safety margin). The token is parsed without signature
// verification; we only ever read the expiry, never trust the contents.
func (m *authManager) tokenDeadline(token string) time.Time {
	now := m.clk.Now()
	deadline := now.Add(m.ttl)

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return deadline
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return deadline
	}
	if d := exp.Time.Add(-tokenExpiryMargin); d.After(now) && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// Invalidate drops the cached token so the next Token call logs in again.
// Used when a bearer endpoint rejects a token before its deadline.
func (m *authManager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.deadline = time.Time{}
	m.mu.Unlock()
}
