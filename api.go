package linkup

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBaseURL is the default LibreLinkUp gateway. Endpoints are under /llu/*.
	DefaultBaseURL = "https://api.libreview.io"

	loginEndpoint       = "/llu/auth/login"
	connectionsEndpoint = "/llu/connections"
	graphEndpointFmt    = "/llu/connections/%s/graph"

	// The gateway rejects requests without the official app identity headers.
	productHeader = "llu.ios"
	versionHeader = "4.12.0"

	userAgentProduct    = "linkup-go"
	userAgentVersion    = "1.0"
	defaultHTTPTimeout  = 30 * time.Second
	loginTimeout        = 10 * time.Second
	maxResponseBodySize = 4 << 20 // 4 MiB guard
)

// loginRequest is the credential payload for /llu/auth/login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Data struct {
		AuthTicket struct {
			Token    string `json:"token"`
			Expires  int64  `json:"expires"`
			Duration int64  `json:"duration"`
		} `json:"authTicket"`
	} `json:"data"`
}

// connection is one monitored patient from /llu/connections.
type connection struct {
	PatientID string `json:"patientId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type connectionsResponse struct {
	Data []connection `json:"data"`
}

// graphItem is one raw reading element of data.graphData. Field names are
// upstream's, capitals included. GlucoseUnits is a pointer because older
// gateway versions omit it.
type graphItem struct {
	Timestamp      string  `json:"Timestamp"`
	Value          float64 `json:"Value"`
	ValueInMgPerDl float64 `json:"ValueInMgPerDl"`
	GlucoseUnits   *int    `json:"GlucoseUnits"`
}

type graphResponse struct {
	Data struct {
		GraphData []graphItem `json:"graphData"`
	} `json:"data"`
}

// apiClient is the bare HTTP surface of the gateway. It holds no token,
// throttle, or cache state; callers pass the bearer token per request.
type apiClient struct {
	baseURL   string
	http      *http.Client
	userAgent string
	logger    *slog.Logger
}

// do executes one request and returns the status code plus the decompressed
// body. Only transport-level failures produce a non-nil error; HTTP error
// statuses are left to the caller to classify per endpoint.
func (a *apiClient) do(ctx context.Context, method, endpoint, token string, payload interface{}) (int, []byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("linkup: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	url := a.baseURL + endpoint
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("linkup: build request: %w", err)
	}
	req.Header.Set("product", productHeader)
	req.Header.Set("version", versionHeader)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if ua := strings.TrimSpace(a.userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("linkup: execute request: %w", err)
	}
	defer resp.Body.Close()

	// Setting Accept-Encoding ourselves disables the transport's transparent
	// decompression, so unwrap gzip here when the gateway used it.
	var reader io.Reader = resp.Body
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Encoding")), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("linkup: open gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	raw, err := io.ReadAll(io.LimitReader(reader, maxResponseBodySize))
	if err != nil {
		return 0, nil, fmt.Errorf("linkup: read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// login exchanges credentials for a bearer token. A 401/403 is fatal
// (ErrInvalidCredentials); a missing token in a 2xx body is treated as a
// malformed response. The call carries its own timeout independent of the
// caller's context.
func (a *apiClient) login(ctx context.Context, email, password string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	status, raw, err := a.do(ctx, http.MethodPost, loginEndpoint, "", loginRequest{Email: email, Password: password})
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "", fmt.Errorf("%w: %w", ErrInvalidCredentials, buildAPIError(loginEndpoint, status, raw))
	case isRateLimitStatus(status):
		return "", fmt.Errorf("%w: %w", ErrRateLimited, buildAPIError(loginEndpoint, status, raw))
	case status < 200 || status >= 300:
		return "", buildAPIError(loginEndpoint, status, raw)
	}

	var out loginResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode login: %w", ErrMalformedResponse, err)
	}
	token := strings.TrimSpace(out.Data.AuthTicket.Token)
	if token == "" {
		return "", fmt.Errorf("%w: login response carries no token", ErrMalformedResponse)
	}
	a.logger.Debug("login succeeded", "endpoint", loginEndpoint)
	return token, nil
}

// classifyBearerStatus maps a non-2xx status on a token-authenticated
// endpoint to the library's error taxonomy.
func classifyBearerStatus(endpoint string, status int, raw []byte) error {
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", errTokenRejected, buildAPIError(endpoint, status, raw))
	case isRateLimitStatus(status):
		return fmt.Errorf("%w: %w", ErrRateLimited, buildAPIError(endpoint, status, raw))
	}
	return buildAPIError(endpoint, status, raw)
}

// connections resolves the patient identifier of the first monitored
// connection. Accounts without a connection yield ErrNoConnection.
func (a *apiClient) connections(ctx context.Context, token string) (string, error) {
	status, raw, err := a.do(ctx, http.MethodGet, connectionsEndpoint, token, nil)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", classifyBearerStatus(connectionsEndpoint, status, raw)
	}

	var out connectionsResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode connections: %w", ErrMalformedResponse, err)
	}
	if len(out.Data) == 0 {
		return "", ErrNoConnection
	}
	id := strings.TrimSpace(out.Data[0].PatientID)
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("%w: patient id %q is not a UUID", ErrMalformedResponse, id)
	}
	return id, nil
}

// graph fetches the trailing graph window for a patient. start and end bound
// the requested period as calendar dates.
func (a *apiClient) graph(ctx context.Context, token, patientID string, start, end time.Time) ([]graphItem, error) {
	endpoint := fmt.Sprintf(graphEndpointFmt, patientID)
	query := fmt.Sprintf("?period=day&startDate=%s&endDate=%s",
		start.Format("2006-01-02"), end.Format("2006-01-02"))

	status, raw, err := a.do(ctx, http.MethodGet, endpoint+query, token, nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, classifyBearerStatus(endpoint, status, raw)
	}

	var out graphResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode graph: %w", ErrMalformedResponse, err)
	}
	if out.Data.GraphData == nil {
		return nil, fmt.Errorf("%w: graph response carries no graphData", ErrMalformedResponse)
	}
	return out.Data.GraphData, nil
}

func buildDefaultUserAgent() string {
	goVer := strings.TrimPrefix(runtime.Version(), "go")
	if goVer == "" {
		goVer = runtime.Version()
	}
	return fmt.Sprintf("%s/%s (Go%s; %s/%s)",
		userAgentProduct, userAgentVersion, goVer, runtime.GOOS, runtime.GOARCH)
}
