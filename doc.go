// Package linkup provides a resilient Go client for the LibreLinkUp cloud API.
//
// LibreLinkUp is the sharing service behind the FreeStyle Libre continuous
// glucose monitors: a follower account can read the wearer's recent sensor
// readings through a small REST API. The provider throttles aggressively, so
// this package is built around staying polite to it: one upstream fetch at a
// time, a minimum spacing between requests, exponential backoff after
// failures, and a durable TTL cache that keeps the last good reading set
// available when the network or the provider is not.
//
// Features
//   - Bearer token lifecycle with automatic re-login on expiry (token TTL
//     plus inspection of the token's own exp claim)
//   - Single-flight fetching: concurrent callers share one upstream call
//   - Global request throttling with exponential, capped backoff
//   - Durable cache with fresh / stale-but-usable / expired states and
//     stale fallback on upstream failure
//   - Pluggable storage (file, memory, Redis) and injectable clock for
//     deterministic tests
//
// The surface is small: Readings returns the latest valid reading set (from
// cache when fresh, from the network otherwise), Latest returns just the most
// recent reading, and Clear drops all cached state. Everything else (retries,
// backoff, token renewal, stale fallback) happens behind those calls.
package linkup
