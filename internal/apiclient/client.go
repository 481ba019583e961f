package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRefreshPath is the token-refresh endpoint.
	DefaultRefreshPath = "/auth/refresh"
	// DefaultTimeout bounds a single HTTP round-trip.
	DefaultTimeout = 15 * time.Second

	maxErrorBodyBytes = 64 << 10
)

// TokenStore is the subset of the session manager the client relies on.
type TokenStore interface {
	AccessToken(ctx context.Context) string
	RefreshToken(ctx context.Context) string
	SetAccessToken(ctx context.Context, token string)
	SetRefreshToken(ctx context.Context, token string)
	ClearAll(ctx context.Context)
}

// Redirector sends the application to its login entry point after the
// session became unrecoverable.
type Redirector interface {
	RedirectToLogin(ctx context.Context, reason string)
}

// RedirectFunc adapts a function to Redirector.
type RedirectFunc func(ctx context.Context, reason string)

// RedirectToLogin calls the wrapped function.
func (redirect RedirectFunc) RedirectToLogin(ctx context.Context, reason string) {
	redirect(ctx, reason)
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	RefreshPath string
	HTTPClient  *http.Client
	Logger      *zap.Logger
	Metrics     MetricsRecorder
	Redirector  Redirector
	// CoalesceRefresh lets concurrent 401s share one refresh call per refresh token.
	CoalesceRefresh bool
}

// Request describes one backend call. Path is relative to the base URL and
// already escaped. Body is JSON-encoded when non-nil.
// SkipRefresh returns a 401 to the caller as-is; credential endpoints use it
// because their 401 means rejected credentials, not an expired token.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        any
	Header      http.Header
	SkipRefresh bool
}

// Attempt is a Request in flight. AlreadyRetried is set once the request has
// been re-issued after a refresh and prevents a second recovery.
type Attempt struct {
	Request        Request
	AlreadyRetried bool
	BearerToken    string
}

// Client attaches bearer credentials to backend calls and recovers from an
// expired access token by refreshing once and retrying once.
type Client struct {
	baseURL         *url.URL
	refreshPath     string
	httpClient      *http.Client
	sessions        TokenStore
	logger          *zap.Logger
	metrics         MetricsRecorder
	redirector      Redirector
	coalesceRefresh bool
	refreshGroup    singleflight.Group
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// New constructs a Client over the given token store.
func New(sessions TokenStore, options Options) (*Client, error) {
	if sessions == nil {
		panic("token store is required")
	}
	if strings.TrimSpace(options.BaseURL) == "" {
		return nil, fmt.Errorf("apiclient.new: %w", ErrMissingBaseURL)
	}
	baseURL, parseErr := url.Parse(strings.TrimRight(options.BaseURL, "/"))
	if parseErr != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("apiclient.new: invalid base url %q", options.BaseURL)
	}
	refreshPath := options.RefreshPath
	if strings.TrimSpace(refreshPath) == "" {
		refreshPath = DefaultRefreshPath
	}
	httpClient := options.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := options.Metrics
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	redirector := options.Redirector
	if redirector == nil {
		redirector = RedirectFunc(func(ctx context.Context, reason string) {})
	}
	return &Client{
		baseURL:         baseURL,
		refreshPath:     refreshPath,
		httpClient:      httpClient,
		sessions:        sessions,
		logger:          logger,
		metrics:         metrics,
		redirector:      redirector,
		coalesceRefresh: options.CoalesceRefresh,
	}, nil
}

// Get issues a GET request and decodes the JSON response into out.
func (client *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return client.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

// Post issues a POST request with a JSON body and decodes the response into out.
func (client *Client) Post(ctx context.Context, path string, body any, out any) error {
	return client.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

// Do sends request and decodes a successful JSON body into out when out is
// non-nil. A 401 is recovered at most once; every other failure is returned
// unchanged, non-2xx statuses as *HTTPError.
func (client *Client) Do(ctx context.Context, request Request, out any) error {
	return client.execute(ctx, Attempt{
		Request:     request,
		BearerToken: client.sessions.AccessToken(ctx),
	}, out)
}

func (client *Client) execute(ctx context.Context, attempt Attempt, out any) error {
	statusCode, body, sendErr := client.send(ctx, attempt)
	if sendErr != nil {
		return sendErr
	}
	if statusCode == http.StatusUnauthorized && !attempt.AlreadyRetried && !attempt.Request.SkipRefresh {
		return client.recoverUnauthorized(ctx, attempt, newHTTPError(statusCode, body), out)
	}
	if statusCode < 200 || statusCode > 299 {
		return newHTTPError(statusCode, body)
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if decodeErr := json.Unmarshal(body, out); decodeErr != nil {
		return fmt.Errorf("apiclient.decode %s %s: %w", attempt.Request.Method, attempt.Request.Path, decodeErr)
	}
	return nil
}

func (client *Client) recoverUnauthorized(ctx context.Context, attempt Attempt, original *HTTPError, out any) error {
	attempt.AlreadyRetried = true

	refreshToken := client.sessions.RefreshToken(ctx)
	if refreshToken == "" {
		client.metrics.Increment(EventRefreshMissingToken)
		client.forceLogout(ctx, "refresh token missing")
		return fmt.Errorf("apiclient.unauthorized: %w: %w", ErrNoRefreshToken, original)
	}

	accessToken, refreshErr := client.refreshAccessToken(ctx, refreshToken)
	if refreshErr != nil {
		client.metrics.Increment(EventRefreshFailure)
		client.logger.Info("access token refresh failed",
			zap.String("code", "apiclient.refresh.failed"),
			zap.String("path", attempt.Request.Path),
			zap.Error(refreshErr))
		client.forceLogout(ctx, "refresh failed")
		return refreshErr
	}
	client.metrics.Increment(EventRefreshSuccess)

	attempt.BearerToken = accessToken
	client.metrics.Increment(EventRequestRetried)
	return client.execute(ctx, attempt, out)
}

func (client *Client) refreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	if !client.coalesceRefresh {
		return client.callRefresh(ctx, refreshToken)
	}
	result, err, _ := client.refreshGroup.Do(refreshToken, func() (any, error) {
		return client.callRefresh(ctx, refreshToken)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// callRefresh exchanges the refresh token for a new access token and stores
// it. The refresh call itself never enters the recovery path.
func (client *Client) callRefresh(ctx context.Context, refreshToken string) (string, error) {
	statusCode, body, sendErr := client.send(ctx, Attempt{
		Request: Request{
			Method: http.MethodPost,
			Path:   client.refreshPath,
			Body:   refreshRequest{RefreshToken: refreshToken},
		},
		AlreadyRetried: true,
	})
	if sendErr != nil {
		return "", fmt.Errorf("apiclient.refresh: %w: %w", ErrRefreshFailed, sendErr)
	}
	if statusCode < 200 || statusCode > 299 {
		return "", fmt.Errorf("apiclient.refresh: %w: %w", ErrRefreshFailed, newHTTPError(statusCode, body))
	}
	var payload refreshResponse
	if decodeErr := json.Unmarshal(body, &payload); decodeErr != nil {
		return "", fmt.Errorf("apiclient.refresh: %w: %w", ErrRefreshFailed, decodeErr)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return "", fmt.Errorf("apiclient.refresh: %w: %w", ErrRefreshFailed, ErrEmptyAccessToken)
	}
	client.sessions.SetAccessToken(ctx, payload.AccessToken)
	if strings.TrimSpace(payload.RefreshToken) != "" {
		client.sessions.SetRefreshToken(ctx, payload.RefreshToken)
	}
	return payload.AccessToken, nil
}

func (client *Client) forceLogout(ctx context.Context, reason string) {
	client.metrics.Increment(EventForcedLogout)
	client.sessions.ClearAll(ctx)
	client.logger.Warn("session unrecoverable; redirecting to login",
		zap.String("code", "apiclient.session.forced_logout"),
		zap.String("reason", reason))
	client.redirector.RedirectToLogin(ctx, reason)
}

func (client *Client) send(ctx context.Context, attempt Attempt) (int, []byte, error) {
	request := attempt.Request
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if request.Body != nil {
		encoded, encodeErr := json.Marshal(request.Body)
		if encodeErr != nil {
			return 0, nil, fmt.Errorf("apiclient.encode %s %s: %w", method, request.Path, encodeErr)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpRequest, buildErr := http.NewRequestWithContext(ctx, method, client.resolve(request), bodyReader)
	if buildErr != nil {
		return 0, nil, fmt.Errorf("apiclient.build %s %s: %w", method, request.Path, buildErr)
	}
	for name, values := range request.Header {
		for _, value := range values {
			httpRequest.Header.Add(name, value)
		}
	}
	httpRequest.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if attempt.BearerToken != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+attempt.BearerToken)
	}

	response, doErr := client.httpClient.Do(httpRequest)
	if doErr != nil {
		return 0, nil, fmt.Errorf("apiclient.send %s %s: %w", method, request.Path, doErr)
	}
	defer func() { _ = response.Body.Close() }()

	limit := int64(-1)
	if response.StatusCode < 200 || response.StatusCode > 299 {
		limit = maxErrorBodyBytes
	}
	var reader io.Reader = response.Body
	if limit > 0 {
		reader = io.LimitReader(response.Body, limit)
	}
	body, readErr := io.ReadAll(reader)
	if readErr != nil {
		return 0, nil, fmt.Errorf("apiclient.read %s %s: %w", method, request.Path, readErr)
	}

	client.logger.Debug("api call",
		zap.String("method", method),
		zap.String("path", request.Path),
		zap.Int("status", response.StatusCode),
		zap.Bool("retried", attempt.AlreadyRetried))
	return response.StatusCode, body, nil
}

// resolve joins the escaped request path onto the base URL. Escaped
// separators such as %2F stay inside their segment.
func (client *Client) resolve(request Request) string {
	target := *client.baseURL
	escapedPath := client.baseURL.EscapedPath() + "/" + strings.TrimLeft(request.Path, "/")
	if decodedPath, unescapeErr := url.PathUnescape(escapedPath); unescapeErr == nil {
		target.Path = decodedPath
		target.RawPath = escapedPath
	} else {
		target.Path = escapedPath
		target.RawPath = ""
	}
	if len(request.Query) > 0 {
		target.RawQuery = request.Query.Encode()
	}
	return target.String()
}
