// Package retryhttp issues outbound HTTP calls with bounded retries,
// full-jitter exponential backoff and Retry-After handling. Backoff state is
// shared per target URL so concurrent callers against the same endpoint
// wait out the same window instead of stampeding it.
package retryhttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"
)

const defaultMaxRetries = 3

// ErrMaxRetries is returned when every allowed attempt got a retryable
// outcome.
var ErrMaxRetries = errors.New("max retries reached")

// Metrics receives retry events. *metrics.Metrics implements it.
type Metrics interface {
	RetryScheduled(host string, status int)
	RetriesExhausted(host string)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMaxRetries sets the default number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRandom replaces the [0,1) source used for jitter.
func WithRandom(random func() float64) Option {
	return func(c *Client) {
		c.random = random
	}
}

// WithClock replaces the time source and the wait function. sleep must
// return ctx.Err() if ctx ends before d has elapsed.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithMetrics reports retries to m.
func WithMetrics(m Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// Client is a retrying HTTP client. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	maxRetries int
	logger     *slog.Logger
	random     func() float64
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	metrics    Metrics
	states     *stateStore
}

// New creates a Client. Call Close to stop the retry-state sweeper.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		maxRetries: defaultMaxRetries,
		logger:     slog.Default(),
		random:     rand.Float64,
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.states = newStateStore()
	return c
}

// Close releases the client's background resources.
func (c *Client) Close() {
	c.states.close()
}

// Request describes one logical call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// ReadTimeout bounds each attempt, zero means no per-attempt limit.
	ReadTimeout time.Duration
	// MaxRetries overrides the client default when positive. Negative
	// disables retries.
	MaxRetries int
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// State returns the pending retry state for url, if any.
func (c *Client) State(url string) (RetryState, bool) {
	return c.states.get(url)
}

// Do performs req, retrying retryable outcomes. The returned response is
// the first non-retryable one; if every attempt was retryable the error
// wraps ErrMaxRetries.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	maxRetries := c.maxRetries
	switch {
	case req.MaxRetries > 0:
		maxRetries = req.MaxRetries
	case req.MaxRetries < 0:
		maxRetries = 0
	}
	last := maxRetries + 1
	key := req.URL
	host := hostOf(req.URL)

	attempt := 1
	if st, ok := c.states.get(key); ok {
		attempt = min(st.Attempt+1, last)
	}

	var (
		lastStatus int
		lastErr    error
	)
	for ; attempt <= last; attempt++ {
		if err := c.waitTurn(ctx, key); err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, req)
		status := StatusNetworkError
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		} else {
			status = resp.StatusCode
		}
		lastStatus = status

		if !IsRetryable(status) {
			c.states.delete(key)
			return resp, nil
		}
		if attempt == last {
			c.states.delete(key)
			break
		}

		delay := Backoff(attempt)
		if resp != nil {
			if ra, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ok {
				delay = ra
			}
		}
		c.states.update(key, attempt, delay, c.now())
		if c.metrics != nil {
			c.metrics.RetryScheduled(host, status)
		}
		c.logger.Warn("upstream call retryable, backing off",
			slog.String("host", host),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", maxRetries),
			slog.Int("status", status),
			slog.Duration("delay", delay),
		)
	}

	if c.metrics != nil {
		c.metrics.RetriesExhausted(host)
	}
	c.logger.Error("upstream call failed after all retries",
		slog.String("host", host),
		slog.Int("status", lastStatus),
	)
	if lastErr != nil && lastStatus == StatusNetworkError {
		return nil, fmt.Errorf("%w: %s: %w", ErrMaxRetries, host, lastErr)
	}
	return nil, fmt.Errorf("%w: %s: last status %d", ErrMaxRetries, host, lastStatus)
}

// waitTurn sleeps out a pending backoff window for key, adding fresh jitter
// so callers sharing the window spread out.
func (c *Client) waitTurn(ctx context.Context, key string) error {
	st, ok := c.states.get(key)
	if !ok {
		return nil
	}
	remaining := st.NextAllowed.Sub(c.now())
	if remaining <= 0 {
		return nil
	}
	return c.sleep(ctx, remaining+FullJitter(st.Delay, c.random))
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	if req.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.ReadTimeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
