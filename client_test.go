package linkup

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	testPatientID = "7f9ad1a4-6b1e-4e0a-9a3a-2f8c5d1e0b42"
	testToken     = "fake-bearer-token"
)

// gateway is an in-memory LibreLinkUp lookalike. Per-endpoint status queues
// script failures: each request pops one status, an empty queue means 200.
type gateway struct {
	t *testing.T

	mu         sync.Mutex
	logins     int
	conns      int
	graphs     int
	loginQueue []int
	connQueue  []int
	graphQueue []int

	token     string
	patientID string
	items     []map[string]interface{}
}

func newGateway(t *testing.T, now time.Time) *gateway {
	return &gateway{
		t:         t,
		token:     testToken,
		patientID: testPatientID,
		items: []map[string]interface{}{
			graphElement(now.Add(-10*time.Minute), 100),
			graphElement(now.Add(-5*time.Minute), 120),
			graphElement(now.Add(-1*time.Minute), 140),
		},
	}
}

// graphElement builds one raw graphData element the way the gateway encodes
// it: a 12-hour local timestamp and the value in both units.
func graphElement(ts time.Time, mgdl float64) map[string]interface{} {
	return map[string]interface{}{
		"Timestamp":      ts.Format("1/2/2006 3:04:05 PM"),
		"Value":          mgdl / mmolToMgPerDl,
		"ValueInMgPerDl": mgdl,
	}
}

func (g *gateway) counts() (logins, conns, graphs int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.logins, g.conns, g.graphs
}

func pop(queue *[]int) int {
	if len(*queue) == 0 {
		return 0
	}
	status := (*queue)[0]
	*queue = (*queue)[1:]
	return status
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if got := r.Header.Get("product"); got != productHeader {
		g.t.Errorf("product header = %q", got)
	}
	if got := r.Header.Get("version"); got != versionHeader {
		g.t.Errorf("version header = %q", got)
	}

	switch {
	case r.URL.Path == loginEndpoint:
		g.logins++
		if status := pop(&g.loginQueue); status != 0 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"message":"login refused"}`)
			return
		}
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.t.Errorf("decode login body: %v", err)
		}
		if req.Email == "" || req.Password == "" {
			g.t.Errorf("login body missing credentials: %+v", req)
		}
		fmt.Fprintf(w, `{"data":{"authTicket":{"token":%q}}}`, g.token)

	case r.URL.Path == connectionsEndpoint:
		g.conns++
		if !g.authorized(r, w) {
			return
		}
		if status := pop(&g.connQueue); status != 0 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"message":"connections refused"}`)
			return
		}
		fmt.Fprintf(w, `{"data":[{"patientId":%q,"firstName":"Pat"}]}`, g.patientID)

	case strings.HasSuffix(r.URL.Path, "/graph"):
		g.graphs++
		if !g.authorized(r, w) {
			return
		}
		if got, want := r.URL.Path, fmt.Sprintf(graphEndpointFmt, g.patientID); got != want {
			g.t.Errorf("graph path = %q, want %q", got, want)
		}
		if got := r.URL.Query().Get("period"); got != "day" {
			g.t.Errorf("graph period = %q", got)
		}
		if status := pop(&g.graphQueue); status != 0 {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"message":"graph refused"}`)
			return
		}
		payload := map[string]interface{}{
			"data": map[string]interface{}{"graphData": g.items},
		}
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			g.t.Errorf("encode graph payload: %v", err)
		}

	default:
		g.t.Errorf("unexpected request path %q", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}
}

func (g *gateway) authorized(r *http.Request, w http.ResponseWriter) bool {
	if got := r.Header.Get("Authorization"); got != "Bearer "+g.token {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"notAuthenticated"}`)
		return false
	}
	return true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 4, 10, 0, 0, 0, time.Local))
	return mock
}

// newTestClient builds a client against the fake gateway with throttling and
// backoff delays zeroed so tests never wait on timers.
func newTestClient(t *testing.T, baseURL string, mock *clock.Mock, extra ...Option) *Client {
	t.Helper()
	opts := append([]Option{
		WithBaseURL(baseURL),
		WithClock(mock),
		WithLogger(discardLogger()),
		WithMinRequestInterval(0),
		WithBackoff(0, 0),
	}, extra...)
	c, err := New("follower@example.com", "hunter2", opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(" ", "pw"); err != ErrMissingCredentials {
		t.Fatalf("empty email: got %v", err)
	}
	if _, err := New("user@example.com", ""); err != ErrMissingCredentials {
		t.Fatalf("empty password: got %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	c, err := New("user@example.com", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if c.baseURL != DefaultBaseURL {
		t.Fatalf("baseURL = %q", c.baseURL)
	}
	if c.httpClient == nil || c.backend == nil || c.clk == nil || c.logger == nil {
		t.Fatal("defaults not filled in")
	}
	if c.freshWindow != DefaultFreshWindow || c.tokenTTL != DefaultTokenTTL {
		t.Fatalf("windows: fresh=%v ttl=%v", c.freshWindow, c.tokenTTL)
	}
	if got := c.graceWindow(false); got != 3*DefaultFreshWindow {
		t.Fatalf("error grace = %v", got)
	}
	if got := c.graceWindow(true); got != 2*DefaultFreshWindow {
		t.Fatalf("rate limit grace = %v", got)
	}
}

func TestSanitizeBaseURL(t *testing.T) {
	if got := sanitizeBaseURL("https://example.com/"); got != "https://example.com" {
		t.Fatalf("got %q", got)
	}
	if got := sanitizeBaseURL("  "); got != DefaultBaseURL {
		t.Fatalf("got %q", got)
	}
}

func TestNilOptionIgnored(t *testing.T) {
	if _, err := New("user@example.com", "pw", nil, WithUserAgent("custom/1.0")); err != nil {
		t.Fatal(err)
	}
}
