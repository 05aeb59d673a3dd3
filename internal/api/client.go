// Package api is the client for the HeLiCare REST backend. Every response
// is wrapped in a {message, data} envelope; requests carry the bearer token
// of the stored session.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	appLog "helicare/internal/log"
	"helicare/internal/metrics"
	"helicare/internal/session"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 16 << 20
)

// errServerStatus marks a 5xx answer so the breaker counts it as a failure.
var errServerStatus = errors.New("backend server error")

// Notifier receives every failure the user should be told about: all
// non-2xx answers except 422, plus requests that got no answer. It is the
// service-side counterpart of the client's global toast.
type Notifier interface {
	Notify(err *APIError)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(err *APIError)

func (f NotifierFunc) Notify(err *APIError) { f(err) }

// logNotifier is the default Notifier.
type logNotifier struct{}

func (logNotifier) Notify(err *APIError) {
	appLog.Error("backend request failed", err,
		"status", err.Status,
		"method", err.Method,
		"path", err.Path,
		"request_id", err.RequestID,
	)
}

// BreakerSettings tunes the circuit breaker in front of the backend.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Timeout  time.Duration
	Sessions *session.Store
	Notifier Notifier
	Cache    *ResponseCache
	Breaker  BreakerSettings
	Metrics  *metrics.Metrics

	// HTTPClient overrides the default client; Timeout is ignored then.
	HTTPClient *http.Client
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	sessions   *session.Store
	notifier   Notifier
	cache      *ResponseCache
	breaker    *gobreaker.CircuitBreaker
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New builds a Client.
func New(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewStore("")
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = logNotifier{}
	}

	c := &Client{
		baseURL:    base,
		httpClient: hc,
		sessions:   sessions,
		notifier:   notifier,
		cache:      opts.Cache,
		metrics:    opts.Metrics,
		now:        time.Now,
	}
	c.breaker = newBreaker("backend", opts.Breaker, opts.Metrics)
	return c
}

// Sessions exposes the session store the client reads its token from.
func (c *Client) Sessions() *session.Store { return c.sessions }

func newBreaker(name string, s BreakerSettings, m *metrics.Metrics) *gobreaker.CircuitBreaker {
	if s.MaxRequests == 0 {
		s.MaxRequests = 3
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	m.SetBreakerState(name, 0)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			appLog.Info("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			m.SetBreakerState(name, breakerStateValue(to))
		},
	})
}

func breakerStateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// request describes one backend call.
type request struct {
	method string
	path   string
	// route is the metrics label; path when empty.
	route string
	query url.Values

	// jsonBody is marshalled as application/json when non-nil.
	jsonBody any

	// rawBody / contentType carry a pre-built body such as multipart.
	rawBody     []byte
	contentType string

	// cacheable GETs are conditional and fall back to the disk cache.
	cacheable bool

	// anonymous requests never carry the bearer token (login).
	anonymous bool
}

// rawResponse is what came back from the wire.
type rawResponse struct {
	status       int
	body         []byte
	etag         string
	lastModified string
}

// do performs req and decodes the envelope's data into out (which may be
// nil). It implements the error semantics shared by every endpoint.
func (c *Client) do(ctx context.Context, req request, out any) error {
	fullURL, err := c.url(req.path, req.query)
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	apiErr := func(status int, msg string, cause error) *APIError {
		return &APIError{
			Status:    status,
			Method:    req.method,
			Path:      req.path,
			Message:   msg,
			RequestID: requestID,
			Err:       cause,
		}
	}

	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.jsonBody != nil:
		data, err := json.Marshal(req.jsonBody)
		if err != nil {
			return fmt.Errorf("api: encode %s %s: %w", req.method, req.path, err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	case req.rawBody != nil:
		body = bytes.NewReader(req.rawBody)
		contentType = req.contentType
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, fullURL, body)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", req.method, req.path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	userKey := ""
	if !req.anonymous {
		if token := c.sessions.Token(c.now()); token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
		if sess, ok := c.sessions.Current(); ok {
			userKey = sess.Profile.UserID
		}
	}

	useCache := req.cacheable && req.method == http.MethodGet && c.cache != nil
	var (
		cachedBody []byte
		haveCache  bool
	)
	if useCache {
		var meta cacheEntry
		meta, cachedBody, haveCache = c.cache.Load(fullURL, userKey)
		if haveCache {
			if meta.ETag != "" {
				httpReq.Header.Set("If-None-Match", meta.ETag)
			}
			if meta.LastModified != "" {
				httpReq.Header.Set("If-Modified-Since", meta.LastModified)
			}
		}
	}

	started := c.now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(httpReq)
	})
	raw, _ := result.(*rawResponse)

	status := 0
	if raw != nil {
		status = raw.status
	}
	route := req.route
	if route == "" {
		route = req.path
	}
	c.metrics.ObserveBackend(req.method, route, status, c.now().Sub(started))

	if raw == nil {
		// No answer at all: transport error or open breaker.
		if haveCache {
			appLog.Error("backend unreachable, using cached body", err, "path", req.path)
			c.metrics.CacheFallback()
			return decodeEnvelope(cachedBody, out)
		}
		e := apiErr(0, "", err)
		c.notifier.Notify(e)
		return e
	}

	switch {
	case raw.status == http.StatusNotModified && haveCache:
		appLog.Debug("backend not modified; using cache", "path", req.path)
		return decodeEnvelope(cachedBody, out)

	case raw.status >= 200 && raw.status < 300:
		if useCache {
			if err := c.cache.Store(fullURL, userKey, raw.etag, raw.lastModified, raw.body); err != nil {
				appLog.Error("api cache save failed", err, "path", req.path)
			}
		}
		if err := decodeEnvelope(raw.body, out); err != nil {
			return apiErr(raw.status, "invalid response body", err)
		}
		return nil

	case raw.status >= 500 && haveCache:
		appLog.Error("backend non-OK, using cached body", errServerStatus, "path", req.path, "status", raw.status)
		c.metrics.CacheFallback()
		return decodeEnvelope(cachedBody, out)
	}

	msg, fields := parseErrorBody(raw.body)

	if raw.status == http.StatusUnprocessableEntity {
		// Form-level errors: shown next to fields, not toasted.
		return &ValidationError{APIError: *apiErr(raw.status, msg, nil), Fields: fields}
	}

	e := apiErr(raw.status, msg, nil)
	if raw.status == http.StatusUnauthorized {
		if err := c.sessions.Clear(); err != nil {
			appLog.Error("failed to clear session after 401", err)
		}
		appLog.Info("session cleared after 401", "path", req.path)
	}
	c.notifier.Notify(e)
	return e
}

// send executes one HTTP round trip. 5xx answers are returned together with
// errServerStatus so the breaker counts them; 4xx are the caller's problem
// and count as successes.
func (c *Client) send(req *http.Request) (*rawResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	raw := &rawResponse{
		status:       resp.StatusCode,
		body:         body,
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}
	if resp.StatusCode >= 500 {
		return raw, errServerStatus
	}
	return raw, nil
}

func (c *Client) url(path string, query url.Values) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("api: base URL is empty")
	}
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u, nil
}

// decodeEnvelope unwraps {message, data} into out.
func decodeEnvelope(body []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var env struct {
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
