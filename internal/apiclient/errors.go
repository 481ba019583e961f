package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoRefreshToken indicates a 401 could not be recovered because no refresh token is stored.
	ErrNoRefreshToken = errors.New("apiclient.no_refresh_token")
	// ErrRefreshFailed indicates the refresh endpoint rejected the refresh token or was unreachable.
	ErrRefreshFailed = errors.New("apiclient.refresh_failed")
	// ErrEmptyAccessToken indicates the refresh endpoint answered without an access token.
	ErrEmptyAccessToken = errors.New("apiclient.refresh_empty_access_token")
	// ErrMissingBaseURL indicates the client was constructed without a backend location.
	ErrMissingBaseURL = errors.New("apiclient.missing_base_url")
)

// HTTPError is returned for every non-2xx backend response that reaches the
// caller. Message holds the backend-provided reason and may be empty.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (httpErr *HTTPError) Error() string {
	message := httpErr.Message
	if strings.TrimSpace(message) == "" {
		message = http.StatusText(httpErr.StatusCode)
	}
	if message == "" {
		message = "unexpected status"
	}
	return fmt.Sprintf("apiclient.http_status.%d: %s", httpErr.StatusCode, message)
}

// StatusCode extracts the HTTP status of err, or 0 when err carries none.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// Message returns the backend-provided message carried by err, or fallback.
func Message(err error, fallback string) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && strings.TrimSpace(httpErr.Message) != "" {
		return httpErr.Message
	}
	return fallback
}

func newHTTPError(statusCode int, body []byte) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Message:    extractMessage(body),
		Body:       body,
	}
}

func extractMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		if strings.TrimSpace(payload.Message) != "" {
			return payload.Message
		}
		if strings.TrimSpace(payload.Error) != "" {
			return payload.Error
		}
	}
	return ""
}
