package linkup

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// flightKey is the single-flight key; a client serves one account, so every
// caller shares one flight.
const flightKey = "readings"

// fetchResult is what a flight hands back to its callers. refreshHint tells
// the caller that triggered the flight to kick a background refresh once the
// flight has fully unwound.
type fetchResult struct {
	readings    []Reading
	refreshHint bool
}

// Readings returns the latest valid reading set, chronologically ordered.
//
// A fresh cache entry is served without network traffic. A stale or missing
// entry triggers one upstream fetch no matter how many callers arrive
// concurrently; all of them share that fetch's outcome. When upstream fails,
// cached data within the grace window is served instead of an error. Set
// forceRefresh to bypass the fresh-cache fast path; a force call that
// arrives while a fetch is already in flight still attaches to it.
func (c *Client) Readings(ctx context.Context, forceRefresh bool) ([]Reading, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	v, err, _ := c.flight.Do(flightKey, func() (interface{}, error) {
		return c.sharedFetch(ctx, forceRefresh)
	})
	if err != nil {
		return nil, err
	}
	res := v.(fetchResult)
	if res.refreshHint {
		c.kickBackgroundRefresh()
	}
	return res.readings, nil
}

// Latest returns the most recent reading. forceRefresh is passed through to
// Readings.
func (c *Client) Latest(ctx context.Context, forceRefresh bool) (Reading, error) {
	readings, err := c.Readings(ctx, forceRefresh)
	if err != nil {
		return Reading{}, err
	}
	if len(readings) == 0 {
		return Reading{}, ErrEmptyDataset
	}
	return readings[len(readings)-1], nil
}

// Clear drops the cached readings, the resolved patient identifier, and the
// bearer token. Meant for logout; the next Readings call starts cold.
func (c *Client) Clear(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.auth.Invalidate()
	c.patients.Delete(patientIDKey)
	return c.cache.Clear(ctx)
}

// sharedFetch is the decision loop that runs inside the flight. Exactly one
// instance runs at a time; concurrent callers are parked on the flight.
func (c *Client) sharedFetch(ctx context.Context, force bool) (fetchResult, error) {
	entry, err := c.cache.Read(ctx)
	if err != nil {
		c.logger.Warn("cache read failed", "error", err)
		entry = nil
	}

	now := c.clk.Now()
	if !force && entry != nil && entry.IsFresh(now, c.freshWindow) {
		age := entry.Age(now)
		hint := float64(age) >= refreshAheadFraction*float64(c.freshWindow)
		return fetchResult{readings: entry.Readings, refreshHint: hint}, nil
	}

	for {
		readings, err := c.fetchOnce(ctx)
		if err == nil {
			fetchedAt := c.clk.Now()
			if werr := c.cache.Write(ctx, CacheEntry{Readings: readings, FetchedAt: fetchedAt}); werr != nil {
				// The in-memory result is still good; persistence trouble
				// must not fail the fetch.
				c.logger.Warn("cache write failed", "error", werr)
			}
			return fetchResult{readings: readings}, nil
		}

		if errors.Is(err, ErrInvalidCredentials) {
			// Fatal. The caller has to re-prompt for credentials; stale
			// data would only mask that.
			return fetchResult{}, err
		}

		rateLimited := errors.Is(err, ErrRateLimited)
		if entry != nil && entry.IsUsable(c.clk.Now(), c.graceWindow(rateLimited)) {
			c.logger.Warn("serving stale readings after fetch failure",
				"age", entry.Age(c.clk.Now()), "rateLimited", rateLimited, "error", err)
			return fetchResult{readings: entry.Readings}, nil
		}
		if !rateLimited {
			return fetchResult{}, err
		}

		// Rate limited with nothing usable to serve: keep retrying with the
		// growing backoff until upstream relents or the context dies.
		delay := c.throttle.Delay()
		c.logger.Warn("rate limited with no usable cache, retrying",
			"delay", delay, "failures", c.throttle.Failures())
		if serr := c.throttle.sleep(ctx, delay); serr != nil {
			return fetchResult{}, serr
		}
	}
}

// fetchOnce performs one full upstream attempt: slot wait, token,
// connections (memoized), graph, validation. A token rejected before its
// deadline is replaced once and the sequence retried within the same
// attempt.
func (c *Client) fetchOnce(ctx context.Context) ([]Reading, error) {
	if err := c.throttle.WaitTurn(ctx); err != nil {
		return nil, err
	}
	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	items, err := c.fetchGraphItems(ctx, token)
	if errors.Is(err, errTokenRejected) {
		c.logger.Info("bearer token rejected, re-authenticating")
		c.auth.Invalidate()
		token, err = c.auth.Token(ctx)
		if err != nil {
			return nil, err
		}
		items, err = c.fetchGraphItems(ctx, token)
	}
	if err != nil {
		c.throttle.RecordOutcome(false)
		return nil, err
	}
	c.throttle.RecordOutcome(true)

	return c.filterReadings(items)
}

// fetchGraphItems resolves the patient identifier and pulls the trailing
// one-day graph window.
func (c *Client) fetchGraphItems(ctx context.Context, token string) ([]graphItem, error) {
	patientID, err := c.patientID(ctx, token)
	if err != nil {
		return nil, err
	}
	end := c.clk.Now()
	start := end.AddDate(0, 0, -1)
	return c.api.graph(ctx, token, patientID, start, end)
}

// patientID returns the monitored connection's identifier, hitting the
// connections endpoint only when the memo has expired.
func (c *Client) patientID(ctx context.Context, token string) (string, error) {
	if v, ok := c.patients.Get(patientIDKey); ok {
		return v.(string), nil
	}
	id, err := c.api.connections(ctx, token)
	if err != nil {
		return "", err
	}
	c.patients.SetDefault(patientIDKey, id)
	return id, nil
}

// filterReadings validates raw graph elements, drops the unusable ones, and
// orders the survivors chronologically. Zero survivors fail the fetch.
func (c *Client) filterReadings(items []graphItem) ([]Reading, error) {
	readings := make([]Reading, 0, len(items))
	dropped := 0
	for _, it := range items {
		r, err := parseReading(it, c.highMgPerDl, c.lowMgPerDl)
		if err != nil {
			dropped++
			c.logger.Debug("dropping invalid reading", "error", err)
			continue
		}
		readings = append(readings, r)
	}
	if dropped > 0 {
		c.logger.Warn("dropped invalid readings", "dropped", dropped, "kept", len(readings))
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("%w: %d elements received", ErrEmptyDataset, len(items))
	}
	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
	return readings, nil
}

// kickBackgroundRefresh starts a detached refresh unless one is already
// running. It reuses the normal flight, so it can never race a foreground
// fetch into a second upstream call, and its failures are logged, never
// surfaced.
func (c *Client) kickBackgroundRefresh() {
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.refreshing.Store(false)
		_, err, _ := c.flight.Do(flightKey, func() (interface{}, error) {
			return c.sharedFetch(context.Background(), true)
		})
		if err != nil {
			c.logger.Warn("background refresh failed", "error", err)
		}
	}()
}
