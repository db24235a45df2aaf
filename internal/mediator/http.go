// Package mediator provides HTTP webhook mediation
package mediator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.dispatchrouter.dev/internal/health"
	"go.dispatchrouter.dev/internal/metrics"
	"go.dispatchrouter.dev/internal/pool"
)

// errBreakerFailure is the sentinel gobreaker sees for outcomes that should
// count against a target's failure ratio. Only ERROR_CONNECTION and
// ERROR_SERVER count; ERROR_CONFIG means the connection itself worked, so it
// counts as a breaker success even though the message is not retried.
var errBreakerFailure = errors.New("mediation failure")

// HTTPMediator mediates messages via HTTP webhooks
type HTTPMediator struct {
	client *http.Client

	breakersMu     sync.Mutex
	breakers       map[string]*gobreaker.CircuitBreaker
	breakerEnabled bool
	breakerCfg     *HTTPMediatorConfig

	maxRetries       int
	baseBackoff      time.Duration
	defaultTimeout   time.Duration
	defaultAuthToken string
}

// HTTPVersion represents the HTTP protocol version to use
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production)
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// HTTPMediatorConfig configures the HTTP mediator
type HTTPMediatorConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// HTTPVersion controls which HTTP version to use
	// HTTP_2 (default for production) or HTTP_1_1 (recommended for dev)
	HTTPVersion HTTPVersion

	// MaxRetries for transient errors
	MaxRetries int

	// BaseBackoff for retry backoff (multiplied by attempt number)
	BaseBackoff time.Duration

	// CircuitBreaker settings
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32        // Requests allowed while half-open (and successes needed to close)
	CircuitBreakerInterval    time.Duration // Stats window
	CircuitBreakerRatio       float64       // Failure ratio to trip
	CircuitBreakerTimeout     time.Duration // Time in open state before half-open
	CircuitBreakerMinRequests uint32        // Min requests before evaluating ratio

	// DefaultAuthToken is used as the Authorization bearer token when a
	// MessagePointer arrives with no auth_token of its own. Resolved at
	// startup from the configured secrets provider; empty disables the
	// fallback and leaves the request unauthenticated.
	DefaultAuthToken string
}

// DefaultHTTPMediatorConfig returns sensible defaults for production.
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		Timeout:                   30 * time.Second,
		HTTPVersion:               HTTPVersion2, // HTTP/2 for production
		MaxRetries:                3,
		BaseBackoff:               time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// DevHTTPMediatorConfig returns config suitable for development
// Uses HTTP/1.1, recommended for local development
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1 // HTTP/1.1 for dev mode
	return cfg
}

// NewHTTPMediator creates a new HTTP mediator
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	// Create transport with base settings
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	// Configure HTTP version
	if cfg.HTTPVersion == HTTPVersion1 {
		// Force HTTP/1.1 by disabling HTTP/2
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		// Enable HTTP/2 (default for production)
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	// Create HTTP client with timeout
	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	mediator := &HTTPMediator{
		client:           client,
		maxRetries:       cfg.MaxRetries,
		baseBackoff:      cfg.BaseBackoff,
		defaultTimeout:   cfg.Timeout,
		defaultAuthToken: cfg.DefaultAuthToken,
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
		breakerEnabled:   cfg.CircuitBreakerEnabled,
		breakerCfg:       cfg,
	}

	return mediator
}

// getBreaker returns the circuit breaker for target, creating it on first
// use. Breakers are keyed per mediation target (spec: each downstream
// endpoint trips independently of every other).
func (m *HTTPMediator) getBreaker(target string) *gobreaker.CircuitBreaker {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()

	if b, ok := m.breakers[target]; ok {
		return b
	}

	cfg := m.breakerCfg
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: cfg.CircuitBreakerRequests,
		Interval:    cfg.CircuitBreakerInterval,
		Timeout:     cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.CircuitBreakerMinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.CircuitBreakerRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			var stateValue float64
			switch to {
			case gobreaker.StateClosed:
				stateValue = float64(metrics.CircuitBreakerClosed)
			case gobreaker.StateOpen:
				stateValue = float64(metrics.CircuitBreakerOpen)
				metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
			case gobreaker.StateHalfOpen:
				stateValue = float64(metrics.CircuitBreakerHalfOpen)
			}
			metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)
		},
	})
	m.breakers[target] = b
	return b
}

// GetAllCircuitBreakerStats returns a snapshot of every target's breaker
// state, satisfying health.CircuitBreakerGetter.
func (m *HTTPMediator) GetAllCircuitBreakerStats() map[string]*health.CircuitBreakerStats {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()

	stats := make(map[string]*health.CircuitBreakerStats, len(m.breakers))
	for target, b := range m.breakers {
		counts := b.Counts()
		var failureRate float64
		if counts.Requests > 0 {
			failureRate = float64(counts.TotalFailures) / float64(counts.Requests)
		}
		stats[target] = &health.CircuitBreakerStats{
			Name:            target,
			State:           b.State().String(),
			SuccessfulCalls: int64(counts.TotalSuccesses),
			FailedCalls:     int64(counts.TotalFailures),
			RejectedCalls:   0,
			FailureRate:     failureRate,
			BufferedCalls:   int(counts.Requests),
			BufferSize:      int(m.breakerCfg.CircuitBreakerRequests),
		}
	}
	return stats
}

// GetOpenCircuitBreakerCount returns how many target breakers are currently
// open or half-open.
func (m *HTTPMediator) GetOpenCircuitBreakerCount() int {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()

	count := 0
	for _, b := range m.breakers {
		if b.State() != gobreaker.StateClosed {
			count++
		}
	}
	return count
}

// GetCircuitBreakerState returns the current state of the named target's
// breaker, or "UNKNOWN" if no breaker has been created for it yet.
func (m *HTTPMediator) GetCircuitBreakerState(name string) string {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()

	b, ok := m.breakers[name]
	if !ok {
		return "UNKNOWN"
	}
	return b.State().String()
}

// ResetCircuitBreaker drops the breaker for a target so the next call starts
// Closed with fresh counts. Returns false if no breaker exists for the name.
func (m *HTTPMediator) ResetCircuitBreaker(name string) bool {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()

	if _, ok := m.breakers[name]; !ok {
		return false
	}
	delete(m.breakers, name)
	slog.Info("Circuit breaker reset", "target", name)
	return true
}

// ResetAllCircuitBreakers drops every target breaker.
func (m *HTTPMediator) ResetAllCircuitBreakers() {
	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()

	count := len(m.breakers)
	m.breakers = make(map[string]*gobreaker.CircuitBreaker)
	slog.Info("All circuit breakers reset", "count", count)
}

// Process processes a message through HTTP mediation
func (m *HTTPMediator) Process(msg *pool.MessagePointer) *pool.MediationOutcome {
	if msg == nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  errors.New("nil message"),
		}
	}

	targetURL := msg.MediationTarget
	if targetURL == "" {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  errors.New("no target URL"),
		}
	}

	// Execute through the per-target circuit breaker if enabled
	if m.breakerEnabled {
		breaker := m.getBreaker(targetURL)
		result, err := breaker.Execute(func() (interface{}, error) {
			outcome, _ := m.executeWithRetry(msg)
			if outcome.Result == pool.MediationResultErrorConnection || outcome.Result == pool.MediationResultErrorServer {
				return outcome, errBreakerFailure
			}
			return outcome, nil
		})

		if outcome, ok := result.(*pool.MediationOutcome); ok {
			return outcome
		}

		// Circuit breaker rejected the call outright (open / half-open limit)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			slog.Warn("Circuit breaker open",
				"messageId", msg.ID,
				"target", targetURL)
			return &pool.MediationOutcome{
				Result: pool.MediationResultErrorConnection,
				Error:  err,
			}
		}

		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConnection,
			Error:  err,
		}
	}

	// No circuit breaker, execute directly
	outcome, _ := m.executeWithRetry(msg)
	return outcome
}

// executeWithRetry executes the HTTP request with retry logic
func (m *HTTPMediator) executeWithRetry(msg *pool.MessagePointer) (*pool.MediationOutcome, error) {
	var lastOutcome *pool.MediationOutcome

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		outcome := m.executeOnce(msg, attempt)
		lastOutcome = outcome

		// Check if we should retry
		if outcome.Result == pool.MediationResultSuccess {
			return outcome, nil
		}

		if outcome.Result == pool.MediationResultErrorConfig {
			// Config errors (4xx) should not be retried
			return outcome, nil
		}

		// Check if retryable
		if !m.isRetryable(outcome) {
			return outcome, nil
		}

		// Wait before retry (backoff = attempt * baseBackoff)
		if attempt < m.maxRetries {
			backoff := time.Duration(attempt) * m.baseBackoff
			slog.Info("Retrying after backoff",
				"messageId", msg.ID,
				"attempt", attempt,
				"backoff", backoff)
			time.Sleep(backoff)
		}
	}

	// Return last outcome after all retries exhausted
	return lastOutcome, lastOutcome.Error
}

// executeOnce executes a single HTTP request
// POSTs {"messageId": "<id>"} to mediationTarget with a Bearer auth token.
func (m *HTTPMediator) executeOnce(msg *pool.MessagePointer, attempt int) *pool.MediationOutcome {
	targetURL := msg.MediationTarget

	// Determine timeout (default configured value, overridable per message)
	timeout := m.defaultTimeout
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Payload is just the message id; the target fetches full content itself.
	payload := fmt.Sprintf(`{"messageId":"%s"}`, msg.ID)

	// Create request
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(payload))
	if err != nil {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConfig,
			Error:  fmt.Errorf("failed to create request: %w", err),
		}
	}

	// Set headers
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// Set Bearer auth token, falling back to the provider-resolved default
	// when this message carried none of its own.
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	} else if m.defaultAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.defaultAuthToken)
	}

	// Add any additional custom headers
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	// Execute request
	slog.Debug("Executing HTTP request",
		"messageId", msg.ID,
		"target", targetURL,
		"attempt", attempt)

	startTime := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(startTime)

	// Track HTTP duration
	metrics.MediatorHTTPDuration.WithLabelValues(targetURL).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return m.handleError(msg, err)
	}
	defer resp.Body.Close()

	// Track HTTP request count by status
	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()

	// Read response body
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024)) // Limit to 64KB

	slog.Debug("HTTP response received",
		"messageId", msg.ID,
		"statusCode", resp.StatusCode,
		"bodyLen", len(body),
		"duration", duration)

	// Handle response
	return m.handleResponse(msg, resp.StatusCode, body)
}

// handleError handles HTTP errors
func (m *HTTPMediator) handleError(msg *pool.MessagePointer, err error) *pool.MediationOutcome {
	// Check for specific error types
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Request timeout",
			"messageId", msg.ID,
			"error", err)
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConnection,
			Error:  err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorProcess,
			Error:  err,
		}
	}

	// Check for network errors
	var netErr net.Error
	if errors.As(err, &netErr) {
		slog.Warn("Network error",
			"messageId", msg.ID,
			"error", err,
			"timeout", netErr.Timeout())
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConnection,
			Error:  err,
		}
	}

	// Check for connection refused, etc.
	if strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "no such host") ||
		strings.Contains(err.Error(), "dial tcp") {
		return &pool.MediationOutcome{
			Result: pool.MediationResultErrorConnection,
			Error:  err,
		}
	}

	// Default to process error
	return &pool.MediationOutcome{
		Result: pool.MediationResultErrorProcess,
		Error:  err,
	}
}

// handleResponse handles the HTTP response
func (m *HTTPMediator) handleResponse(msg *pool.MessagePointer, statusCode int, body []byte) *pool.MediationOutcome {
	// 2xx responses
	if statusCode >= 200 && statusCode < 300 {
		// Check for ack field in response
		ack := m.parseAckFromResponse(body)

		if ack != nil && !*ack {
			// ack=false means "not ready, try again later"
			delay := m.parseDelayFromResponse(body)
			slog.Info("Response ack=false, will retry",
				"messageId", msg.ID,
				"statusCode", statusCode)
			return &pool.MediationOutcome{
				Result:      pool.MediationResultErrorProcess,
				StatusCode:  statusCode,
				ResponseAck: ack,
				Delay:       delay,
			}
		}

		return &pool.MediationOutcome{
			Result:     pool.MediationResultSuccess,
			StatusCode: statusCode,
		}
	}

	// 429 Too Many Requests - transient, honor Retry-After
	if statusCode == 429 {
		delay := m.parseRetryAfter(body)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorProcess,
			StatusCode: statusCode,
			Delay:      delay,
		}
	}

	// 400 Bad Request - the payload was rejected, not the endpoint config;
	// treat as a processing error so it can be retried or redirected.
	if statusCode == 400 {
		slog.Warn("Bad request - will retry as process error",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorProcess,
			StatusCode: statusCode,
		}
	}

	// 501 Not Implemented - the target doesn't support mediation at all;
	// this is a configuration problem, not a transient failure.
	if statusCode == 501 {
		slog.Warn("Target not implemented - will not retry",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorConfig,
			StatusCode: statusCode,
		}
	}

	// Other 4xx client errors - configuration issue, don't retry
	if statusCode >= 400 && statusCode < 500 {
		slog.Warn("Client error - will not retry",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorConfig,
			StatusCode: statusCode,
		}
	}

	// 5xx server errors - transient, retry and count against the breaker
	if statusCode >= 500 {
		slog.Warn("Server error - will retry",
			"messageId", msg.ID,
			"statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     pool.MediationResultErrorServer,
			StatusCode: statusCode,
		}
	}

	// Other status codes - treat as process error
	return &pool.MediationOutcome{
		Result:     pool.MediationResultErrorProcess,
		StatusCode: statusCode,
	}
}

// parseAckFromResponse parses the ack field from a JSON response
func (m *HTTPMediator) parseAckFromResponse(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}

	var response struct {
		Ack *bool `json:"ack"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}

	return response.Ack
}

// parseDelayFromResponse parses the delaySeconds field from a JSON response
func (m *HTTPMediator) parseDelayFromResponse(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}

	var response struct {
		DelaySeconds *int `json:"delaySeconds"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}

	if response.DelaySeconds != nil && *response.DelaySeconds > 0 {
		d := time.Duration(*response.DelaySeconds) * time.Second
		return &d
	}

	return nil
}

// parseRetryAfter parses Retry-After from response (for 429)
func (m *HTTPMediator) parseRetryAfter(body []byte) *time.Duration {
	// Try to parse from body first
	if delay := m.parseDelayFromResponse(body); delay != nil {
		return delay
	}

	// Default delay for rate limiting
	d := 5 * time.Second
	return &d
}

// isRetryable determines if an outcome should be retried
func (m *HTTPMediator) isRetryable(outcome *pool.MediationOutcome) bool {
	switch outcome.Result {
	case pool.MediationResultErrorConnection, pool.MediationResultErrorServer, pool.MediationResultErrorProcess:
		return true
	default:
		return false
	}
}
