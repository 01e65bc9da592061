// Package helix is a small Helix REST client covering EventSub subscription
// management. It authenticates through an auth.Provider, refreshes once on
// 401, retries once on 503, waits out 429s until Ratelimit-Reset and backs
// off entirely behind a circuit breaker when the API keeps failing.
package helix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Guliveer/twitch-eventsub-go/internal/auth"
	"github.com/Guliveer/twitch-eventsub-go/internal/constants"
	"github.com/Guliveer/twitch-eventsub-go/internal/logger"
	"github.com/Guliveer/twitch-eventsub-go/internal/observability"
)

// circuitBreaker tracks consecutive failures and backs off when the API
// keeps failing.
type circuitBreaker struct {
	mu               sync.Mutex
	consecutiveFails int
	cooldownUntil    time.Time
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	cb.consecutiveFails = 0
	cb.mu.Unlock()
}

// recordFailure increments the failure counter and, after 10 consecutive
// failures, opens the breaker for 30s per extra failure (capped at 5m).
func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	cb.consecutiveFails++
	if cb.consecutiveFails >= 10 {
		backoff := time.Duration(cb.consecutiveFails-9) * 30 * time.Second
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
		cb.cooldownUntil = time.Now().Add(backoff)
	}
	cb.mu.Unlock()
}

func (cb *circuitBreaker) shouldSkip() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return time.Now().Before(cb.cooldownUntil)
}

// Options configures a Client.
type Options struct {
	// BaseURL overrides the Helix base, e.g. for the twitch-cli mock server.
	BaseURL    string
	HTTPClient *http.Client
	Metrics    *observability.Metrics
}

// Client is the Helix HTTP client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	auth       auth.Provider
	log        *logger.Logger
	breaker    *circuitBreaker
	metrics    *observability.Metrics
}

// NewClient creates a Client with a pooled HTTP transport.
func NewClient(provider auth.Provider, opts Options, log *logger.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: constants.DefaultHTTPTimeout,
		}
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = constants.HelixURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		auth:       provider,
		log:        log,
		breaker:    &circuitBreaker{},
		metrics:    opts.Metrics,
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// do sends one logical Helix request. body is JSON-encoded when non-nil and
// the response is decoded into out when non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) (err error) {
	if c.breaker.shouldSkip() {
		c.log.Debug("Circuit breaker open, skipping request", "operation", op)
		return ErrCircuitOpen
	}

	ctx, span := observability.StartSpan(ctx, "helix."+op,
		attribute.String("http.method", method),
		attribute.String("helix.path", path))
	defer func() { observability.EndSpan(span, err) }()

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshaling %s request: %w", op, err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var refreshed, retried503, retried429 bool
	for {
		token, err := c.auth.AccessToken(ctx)
		if err != nil {
			return fmt.Errorf("getting access token for %s: %w", op, err)
		}

		status, respBody, header, err := c.send(ctx, op, method, endpoint, token, payload)
		if err != nil {
			c.breaker.recordFailure()
			return err
		}

		switch {
		case status == http.StatusUnauthorized && !refreshed:
			refreshed = true
			c.log.Debug("Helix returned 401, refreshing token", "operation", op)
			if _, rerr := c.auth.Refresh(ctx, token); rerr != nil {
				return fmt.Errorf("%w: refresh failed: %w", ErrUnauthorized, rerr)
			}
			continue
		case status == http.StatusServiceUnavailable && !retried503:
			retried503 = true
			c.log.Debug("Helix returned 503, retrying once", "operation", op)
			continue
		case status == http.StatusTooManyRequests && !retried429:
			retried429 = true
			wait := rateLimitWait(header, time.Now())
			c.log.Warn("Helix rate limit reached, waiting for reset",
				"operation", op, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if status >= 500 {
			c.breaker.recordFailure()
		} else {
			c.breaker.recordSuccess()
		}

		if status < 200 || status > 299 {
			apiErr := &APIError{Operation: op, StatusCode: status}
			var eb errorBody
			if json.Unmarshal(respBody, &eb) == nil {
				apiErr.Message = eb.Message
			}
			if apiErr.Message == "" {
				apiErr.Message = strings.TrimSpace(string(respBody))
			}
			return apiErr
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("parsing %s response: %w", op, err)
			}
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, op, method, endpoint, token string, payload []byte) (int, []byte, http.Header, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("creating %s request: %w", op, err)
	}
	req.Header.Set("Client-Id", c.auth.ClientID())
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveHelix(op, "error", time.Since(start))
		return 0, nil, nil, fmt.Errorf("sending %s request: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	c.metrics.ObserveHelix(op, strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading %s response: %w", op, err)
	}

	c.log.Debug("Helix request completed",
		"operation", op,
		"status", resp.StatusCode,
		"ratelimit_remaining", resp.Header.Get("Ratelimit-Remaining"))
	return resp.StatusCode, body, resp.Header, nil
}

// rateLimitWait returns how long to sleep for a 429 given the
// Ratelimit-Reset header (unix seconds). Without the header one second.
func rateLimitWait(h http.Header, now time.Time) time.Duration {
	reset, err := strconv.ParseInt(h.Get("Ratelimit-Reset"), 10, 64)
	if err != nil {
		return time.Second
	}
	wait := time.Unix(reset, 0).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// IsAuthError reports whether err means the credentials were rejected even
// after a refresh.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, auth.ErrInvalidRefreshToken) ||
		errors.Is(err, auth.ErrUnauthorized) ||
		errors.Is(err, auth.ErrNoRefresh)
}
