package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/storefront-payments/internal/gateway/circuitbreaker"
)

const (
	defaultInitiateRetries = 2
	defaultRetryDelay      = 500 * time.Millisecond
	maxIdempotencyKeyLen   = 255
)

// HTTPClient talks to the payment gateway's JSON API. It implements Client.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *circuitbreaker.CircuitBreaker
	logger     *slog.Logger

	initiateRetries int
	retryDelay      time.Duration
}

// HTTPClientOption customizes an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient overrides the underlying http.Client (e.g. for tests).
func WithHTTPClient(c *http.Client) HTTPClientOption {
	return func(h *HTTPClient) { h.httpClient = c }
}

// WithBreaker attaches a circuit breaker gating Initiate per payment method.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) HTTPClientOption {
	return func(h *HTTPClient) { h.breaker = cb }
}

// WithRetryDelay overrides the delay between initiate retries.
func WithRetryDelay(d time.Duration) HTTPClientOption {
	return func(h *HTTPClient) { h.retryDelay = d }
}

// NewHTTPClient creates a gateway client for the given base URL and API key.
func NewHTTPClient(baseURL, apiKey string, logger *slog.Logger, opts ...HTTPClientOption) *HTTPClient {
	if logger == nil {
		panic("logger cannot be nil")
	}
	h := &HTTPClient{
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		baseURL:         baseURL,
		apiKey:          apiKey,
		logger:          logger.With("component", "gateway"),
		initiateRetries: defaultInitiateRetries,
		retryDelay:      defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// idempotencyKey builds a unique key per initiate attempt so that the
// gateway can de-duplicate replays of the same HTTP call.
func idempotencyKey(payerID string) string {
	key := fmt.Sprintf("%s-%s", payerID, uuid.NewString())
	if len(key) > maxIdempotencyKeyLen {
		return key[:maxIdempotencyKeyLen]
	}
	return key
}

type gatewayErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Initiate starts a payment with the gateway. Network errors and 5xx/429
// responses are retried a bounded number of times with the same idempotency
// key semantics as the attempt; anything still failing after that is
// returned as an error and the orchestrator marks the attempt failed.
func (h *HTTPClient) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	method := string(req.Method)
	if h.breaker != nil && !h.breaker.Allow(method) {
		return InitiateResult{}, fmt.Errorf("%w: circuit open for %s", ErrProviderUnavailable, method)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("gateway: marshal initiate request: %w", err)
	}
	key := idempotencyKey(req.PayerID)

	var lastErr error
	for attempt := 0; attempt <= h.initiateRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return InitiateResult{}, fmt.Errorf("gateway: initiate aborted: %w", ctx.Err())
			case <-time.After(h.retryDelay):
			}
		}

		res, retryable, err := h.doInitiate(ctx, body, key)
		if err == nil {
			if h.breaker != nil {
				h.breaker.RecordSuccess(method)
			}
			return res, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		h.logger.Warn("initiate attempt failed, retrying",
			"attempt", attempt+1, "method", method, "error", err)
	}

	if h.breaker != nil {
		h.breaker.RecordFailure(method)
	}
	return InitiateResult{}, lastErr
}

// doInitiate performs one HTTP round trip. The second return value reports
// whether the failure is worth another attempt (network error, 5xx, 429).
func (h *HTTPClient) doInitiate(ctx context.Context, body []byte, key string) (InitiateResult, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return InitiateResult{}, false, fmt.Errorf("gateway: build initiate request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	httpReq.Header.Set("Idempotency-Key", key)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return InitiateResult{}, true, fmt.Errorf("gateway: initiate call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return InitiateResult{}, true, fmt.Errorf("gateway: read initiate response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return InitiateResult{}, true, normalizeError(resp.StatusCode, respBody)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return InitiateResult{}, false, normalizeError(resp.StatusCode, respBody)
	}

	var res InitiateResult
	if err := json.Unmarshal(respBody, &res); err != nil {
		return InitiateResult{}, false, fmt.Errorf("gateway: decode initiate response: %w", err)
	}
	if res.TransactionID == "" || !res.Status.Valid() {
		return InitiateResult{}, false, &APIError{
			Code:       "MALFORMED_RESPONSE",
			Message:    fmt.Sprintf("missing transactionId or unknown status %q", res.Status),
			HTTPStatus: resp.StatusCode,
		}
	}
	return res, false, nil
}

// CheckStatus fetches the current gateway-side status of a transaction. It
// never retries internally: the poller treats a failed check as "still
// pending" and tries again on the next tick.
func (h *HTTPClient) CheckStatus(ctx context.Context, transactionID string) (StatusResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/v1/transactions/"+transactionID, nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("gateway: build status request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return StatusResult{}, fmt.Errorf("gateway: status call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return StatusResult{}, fmt.Errorf("gateway: read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return StatusResult{}, normalizeError(resp.StatusCode, respBody)
	}

	var res StatusResult
	if err := json.Unmarshal(respBody, &res); err != nil {
		return StatusResult{}, fmt.Errorf("gateway: decode status response: %w", err)
	}
	if !res.Status.Valid() {
		return StatusResult{}, &APIError{
			Code:       "MALFORMED_RESPONSE",
			Message:    fmt.Sprintf("unknown status %q", res.Status),
			HTTPStatus: resp.StatusCode,
		}
	}
	return res, nil
}

// normalizeError maps a non-2xx gateway response into an APIError. The raw
// body is folded into the message for logs; callers never expose it.
func normalizeError(httpStatus int, body []byte) error {
	var parsed gatewayErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Code != "" {
		return &APIError{
			Code:       parsed.Error.Code,
			Message:    parsed.Error.Message,
			HTTPStatus: httpStatus,
		}
	}
	code := "GATEWAY_ERROR"
	switch {
	case httpStatus == http.StatusTooManyRequests:
		code = "RATE_LIMITED"
	case httpStatus >= http.StatusInternalServerError:
		code = "GATEWAY_UNAVAILABLE"
	case httpStatus == http.StatusUnprocessableEntity || httpStatus == http.StatusBadRequest:
		code = "VALIDATION_REJECTED"
	case httpStatus == http.StatusNotFound:
		code = "TRANSACTION_NOT_FOUND"
	}
	return &APIError{Code: code, Message: string(body), HTTPStatus: httpStatus}
}
