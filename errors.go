package linkup

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrMissingCredentials indicates email and password are required.
	ErrMissingCredentials = errors.New("linkup: email and password are required")
	// ErrInvalidCredentials indicates the login endpoint rejected the account
	// credentials (HTTP 401). This is fatal: it is never retried and the
	// surrounding application should prompt for re-entry.
	ErrInvalidCredentials = errors.New("linkup: invalid credentials")
	// ErrRateLimited indicates the provider throttled the request (HTTP 429
	// or 430). The client retries these internally with growing backoff.
	ErrRateLimited = errors.New("linkup: rate limited by upstream")
	// ErrMalformedResponse indicates a 2xx response whose body did not carry
	// the expected fields.
	ErrMalformedResponse = errors.New("linkup: malformed upstream response")
	// ErrEmptyDataset indicates the graph endpoint returned no valid readings
	// after filtering.
	ErrEmptyDataset = errors.New("linkup: upstream returned no valid readings")
	// ErrNoConnection indicates the account follows no patient connection.
	ErrNoConnection = errors.New("linkup: no monitored connection for this account")

	// errTokenRejected marks a 401 from a bearer-authenticated endpoint. The
	// fetcher treats it as a token expiry: it invalidates the cached token and
	// retries once with a fresh login.
	errTokenRejected = errors.New("linkup: upstream rejected auth token")
)

// APIError captures non-2xx responses from the LibreLinkUp gateway. The
// service returns JSON envelopes for most errors but plain text for some
// gateway-level rejections.
type APIError struct {
	// StatusCode keeps the HTTP status observed for the request.
	StatusCode int
	// Endpoint is the request path that produced the error.
	Endpoint string
	// Message is a human-readable message from the server or synthesized from body.
	Message string
	// RawBody keeps the original payload for debugging.
	RawBody []byte
}

func (e *APIError) Error() string {
	b := strings.Builder{}
	b.WriteString("linkup: API error (status=")
	b.WriteString(strconv.Itoa(e.StatusCode))
	if e.Endpoint != "" {
		b.WriteString(", endpoint=")
		b.WriteString(e.Endpoint)
	}
	b.WriteString(")")
	if m := strings.TrimSpace(e.Message); m != "" {
		b.WriteString(": ")
		b.WriteString(m)
	}
	return b.String()
}

// IsRateLimitError reports whether err represents provider throttling
// (HTTP 429 Too Many Requests, or 430 which this provider also uses).
func IsRateLimitError(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var ae *APIError
	return errors.As(err, &ae) && isRateLimitStatus(ae.StatusCode)
}

// IsAuthError reports whether err represents an authentication or
// authorization failure (bad credentials or a rejected token).
func IsAuthError(err error) bool {
	if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, errTokenRejected) {
		return true
	}
	var ae *APIError
	return errors.As(err, &ae) && (ae.StatusCode == 401 || ae.StatusCode == 403)
}

func isRateLimitStatus(status int) bool {
	return status == 429 || status == 430
}

func buildAPIError(endpoint string, status int, body []byte) error {
	trimmed := strings.TrimSpace(string(body))
	ae := &APIError{StatusCode: status, Endpoint: endpoint, RawBody: body, Message: trimmed}

	// Attempt JSON decoding if body looks like JSON
	if isJSONObject(trimmed) {
		if obj := tryParseJSON(body); obj != nil {
			extractErrorMessage(ae, obj, trimmed)
		}
	}
	return ae
}

// isJSONObject checks if a string looks like a JSON object
func isJSONObject(s string) bool {
	return len(s) > 0 && strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// tryParseJSON attempts to unmarshal body into a map, returning nil on failure
func tryParseJSON(body []byte) map[string]interface{} {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err == nil {
		return obj
	}
	return nil
}

// extractErrorMessage populates the APIError message from a parsed JSON
// object. The gateway uses either a top-level "message" string or an "error"
// object carrying its own "message".
func extractErrorMessage(ae *APIError, obj map[string]interface{}, fallback string) {
	if v, ok := obj["message"].(string); ok && v != "" {
		ae.Message = v
		return
	}
	switch v := obj["error"].(type) {
	case string:
		if v != "" {
			ae.Message = v
			return
		}
	case map[string]interface{}:
		if m, ok := v["message"].(string); ok && m != "" {
			ae.Message = m
			return
		}
	}
	ae.Message = fallback
}
