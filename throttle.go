package linkup

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// throttler spaces upstream requests and tracks backoff across failures.
// It enforces a minimum interval between consecutive attempts and, after
// repeated failures, an escalating penalty delay. All time arithmetic goes
// through the injected clock so tests can drive it deterministically.
type throttler struct {
	clk              clock.Clock
	minInterval      time.Duration
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	penaltyThreshold int

	mu       sync.Mutex
	next     time.Time     // next allowed request slot
	backoff  time.Duration // doubles per failure, resets on success
	failures int           // consecutive failure count
}

func newThrottler(clk clock.Clock, minInterval, initialBackoff, maxBackoff time.Duration, penaltyThreshold int) *throttler {
	return &throttler{
		clk:              clk,
		minInterval:      minInterval,
		initialBackoff:   initialBackoff,
		maxBackoff:       maxBackoff,
		penaltyThreshold: penaltyThreshold,
		backoff:          initialBackoff,
	}
}

// WaitTurn blocks until the next request slot is available. Each caller
// claims a distinct slot, so concurrent callers queue without busy-waiting.
// Once the consecutive failure count passes the penalty threshold, an extra
// failures*initialBackoff delay (capped at maxBackoff) is added in front of
// the slot.
func (t *throttler) WaitTurn(ctx context.Context) error {
	t.mu.Lock()
	now := t.clk.Now()
	var penalty time.Duration
	if t.penaltyThreshold > 0 && t.failures > t.penaltyThreshold {
		penalty = time.Duration(t.failures) * t.initialBackoff
		if penalty > t.maxBackoff {
			penalty = t.maxBackoff
		}
	}
	earliest := now.Add(penalty)
	if earliest.Before(t.next) {
		earliest = t.next
	}
	wait := earliest.Sub(now)
	t.next = earliest.Add(t.minInterval)
	t.mu.Unlock()

	return t.sleep(ctx, wait)
}

// RecordOutcome feeds the result of an attempt into the backoff machine.
// Success resets the progression to initialBackoff; failure doubles it up to
// maxBackoff.
func (t *throttler) RecordOutcome(success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if success {
		t.failures = 0
		t.backoff = t.initialBackoff
		return
	}
	t.failures++
	t.backoff *= 2
	if t.backoff > t.maxBackoff {
		t.backoff = t.maxBackoff
	}
}

// Delay returns the wait the current failure streak demands before the next
// attempt. It is zero while the throttler is healthy.
func (t *throttler) Delay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures == 0 {
		return 0
	}
	return t.backoff
}

// Failures returns the consecutive failure count, for logging.
func (t *throttler) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// sleep waits d on the injected clock, honoring context cancellation.
func (t *throttler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := t.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
