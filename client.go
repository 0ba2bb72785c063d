package linkup

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/librewatch/linkup/store"
)

const (
	// DefaultTokenTTL is how long a bearer token is reused before re-login.
	DefaultTokenTTL = 50 * time.Minute
	// DefaultMinRequestInterval spaces consecutive upstream attempts.
	DefaultMinRequestInterval = 30 * time.Second
	// DefaultInitialBackoff seeds the failure backoff progression.
	DefaultInitialBackoff = time.Second
	// DefaultMaxBackoff caps the failure backoff progression.
	DefaultMaxBackoff = 15 * time.Minute
	// DefaultFreshWindow is how long a cached reading set is served without
	// touching upstream.
	DefaultFreshWindow = 4 * time.Minute
	// DefaultErrorGraceMultiplier scales the fresh window into the stale
	// grace window used when upstream fails.
	DefaultErrorGraceMultiplier = 3
	// DefaultRateLimitGraceMultiplier is the tighter multiplier applied
	// while upstream is rate limiting us.
	DefaultRateLimitGraceMultiplier = 2
	// DefaultHighThreshold marks readings as high, in mg/dL.
	DefaultHighThreshold = 180.0
	// DefaultLowThreshold marks readings as low, in mg/dL.
	DefaultLowThreshold = 70.0
	// DefaultFailurePenaltyThreshold is the consecutive failure count after
	// which request slots carry an extra penalty delay.
	DefaultFailurePenaltyThreshold = 5
	// DefaultConnectionTTL is how long the resolved patient identifier is
	// reused before the connections endpoint is consulted again.
	DefaultConnectionTTL = time.Hour

	// refreshAheadFraction of the fresh window after which a served cache
	// hit also kicks a background refresh.
	refreshAheadFraction = 0.75

	patientIDKey = "connection"
)

// Client is a resilient fetch layer over the LibreLinkUp gateway. It owns
// the token lifecycle, request throttling, the single-flight fetch path, and
// the persistent reading cache. All methods are safe for concurrent use.
type Client struct {
	email    string
	password string

	baseURL    string
	httpClient *http.Client
	userAgent  string
	backend    Store
	clk        clock.Clock
	logger     *slog.Logger

	tokenTTL         time.Duration
	minInterval      time.Duration
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	freshWindow      time.Duration
	connectionTTL    time.Duration
	errorGrace       int
	rateLimitGrace   int
	highMgPerDl      float64
	lowMgPerDl       float64
	penaltyThreshold int

	api      *apiClient
	auth     *authManager
	throttle *throttler
	cache    *readingCache
	patients *gocache.Cache

	flight     singleflight.Group
	refreshing atomic.Bool
}

// Option mutates the client during construction.
type Option func(*Client)

// New builds a client for one LibreLinkUp follower account. Email and
// password are required; everything else has workable defaults (in-memory
// cache store, system clock, slog default logger).
func New(email, password string, opts ...Option) (*Client, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, ErrMissingCredentials
	}

	c := &Client{
		email:    email,
		password: password,

		baseURL:   DefaultBaseURL,
		userAgent: buildDefaultUserAgent(),

		tokenTTL:         DefaultTokenTTL,
		minInterval:      DefaultMinRequestInterval,
		initialBackoff:   DefaultInitialBackoff,
		maxBackoff:       DefaultMaxBackoff,
		freshWindow:      DefaultFreshWindow,
		connectionTTL:    DefaultConnectionTTL,
		errorGrace:       DefaultErrorGraceMultiplier,
		rateLimitGrace:   DefaultRateLimitGraceMultiplier,
		highMgPerDl:      DefaultHighThreshold,
		lowMgPerDl:       DefaultLowThreshold,
		penaltyThreshold: DefaultFailurePenaltyThreshold,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if c.backend == nil {
		c.backend = store.NewMemory()
	}
	if c.clk == nil {
		c.clk = clock.New()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.baseURL = sanitizeBaseURL(c.baseURL)
	if c.initialBackoff < 0 {
		c.initialBackoff = DefaultInitialBackoff
	}
	if c.maxBackoff < c.initialBackoff {
		c.maxBackoff = c.initialBackoff
	}
	if c.freshWindow <= 0 {
		c.freshWindow = DefaultFreshWindow
	}
	if c.connectionTTL <= 0 {
		c.connectionTTL = DefaultConnectionTTL
	}

	c.api = &apiClient{
		baseURL:   c.baseURL,
		http:      c.httpClient,
		userAgent: c.userAgent,
		logger:    c.logger,
	}
	c.throttle = newThrottler(c.clk, c.minInterval, c.initialBackoff, c.maxBackoff, c.penaltyThreshold)
	c.auth = newAuthManager(c.api, c.throttle, c.clk, c.logger, c.email, c.password, c.tokenTTL)
	c.cache = newReadingCache(c.backend, c.logger)
	c.patients = gocache.New(c.connectionTTL, 10*time.Minute)
	return c, nil
}

// WithBaseURL overrides the gateway host (useful for regional gateways and
// tests). No trailing slash required.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithHTTPClient installs a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUserAgent sets a custom User-Agent string.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithStore installs a durable cache backend, e.g. store.NewFile or
// store.NewRedis. The default keeps readings in process memory only.
func WithStore(s Store) Option {
	return func(c *Client) { c.backend = s }
}

// WithClock injects the clock used for TTL, freshness, and backoff
// arithmetic. Tests pass clock.NewMock().
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clk = clk }
}

// WithLogger sets the structured logger. The client logs throttling,
// fallbacks, and cache trouble; it never logs credentials or tokens.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithTokenTTL overrides how long a token is reused before re-login.
func WithTokenTTL(d time.Duration) Option {
	return func(c *Client) { c.tokenTTL = d }
}

// WithMinRequestInterval overrides the spacing between upstream attempts.
// Zero disables spacing.
func WithMinRequestInterval(d time.Duration) Option {
	return func(c *Client) { c.minInterval = d }
}

// WithBackoff overrides the failure backoff progression bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// WithFreshWindow overrides how long cached readings are served without an
// upstream fetch.
func WithFreshWindow(d time.Duration) Option {
	return func(c *Client) { c.freshWindow = d }
}

// WithConnectionTTL overrides how long the resolved patient identifier is
// reused before the connections endpoint is consulted again.
func WithConnectionTTL(d time.Duration) Option {
	return func(c *Client) { c.connectionTTL = d }
}

// WithGraceMultipliers overrides the stale-fallback windows, expressed as
// multiples of the fresh window: errorGrace applies to generic failures,
// rateLimitGrace while upstream rate-limits us.
func WithGraceMultipliers(errorGrace, rateLimitGrace int) Option {
	return func(c *Client) {
		c.errorGrace = errorGrace
		c.rateLimitGrace = rateLimitGrace
	}
}

// WithGlucoseThresholds overrides the high/low flags' bounds, in mg/dL.
func WithGlucoseThresholds(high, low float64) Option {
	return func(c *Client) {
		c.highMgPerDl = high
		c.lowMgPerDl = low
	}
}

// WithFailurePenalty overrides the consecutive failure count after which
// request slots carry an extra penalty delay. Zero disables the penalty.
func WithFailurePenalty(threshold int) Option {
	return func(c *Client) { c.penaltyThreshold = threshold }
}

func sanitizeBaseURL(baseURL string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return DefaultBaseURL
	}
	return strings.TrimRight(baseURL, "/")
}

// Token returns a valid bearer token, logging in only when the cached one
// has expired. Exposed for callers that talk to gateway endpoints this
// package does not cover.
func (c *Client) Token(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.auth.Token(ctx)
}

// graceWindow is the stale-fallback horizon for the given failure mode.
func (c *Client) graceWindow(rateLimited bool) time.Duration {
	mult := c.errorGrace
	if rateLimited {
		mult = c.rateLimitGrace
	}
	return time.Duration(mult) * c.freshWindow
}
