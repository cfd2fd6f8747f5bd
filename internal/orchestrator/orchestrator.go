// Package orchestrator drives one payment attempt from initiation through
// its terminal state: it initiates the payment with the gateway, owns the
// status poller while the gateway resolves asynchronously, classifies
// failures and timeouts, and fires the success/failure callback exactly once
// per Start/Retry lifecycle. An attempt generation counter makes results
// from superseded or cancelled lifecycles no-ops, so late poll responses can
// never produce a duplicate or post-cancellation callback.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/yourorg/storefront-payments/internal/gateway"
	"github.com/yourorg/storefront-payments/internal/metrics"
	"github.com/yourorg/storefront-payments/internal/poller"
	"github.com/yourorg/storefront-payments/internal/reporting"
	"github.com/yourorg/storefront-payments/internal/transaction"
)

// SuccessEvent is delivered to OnSuccess when the gateway confirms the
// payment. Consumed by the order finalizer collaborator.
type SuccessEvent struct {
	TransactionID string
	Provider      string
}

// FailureEvent is delivered to OnFailure on any terminal failure. Message is
// display-safe; RetryAvailable tells the caller whether offering a retry
// makes sense. Raw gateway payloads are never included.
type FailureEvent struct {
	Code           string
	Message        string
	RetryAvailable bool
}

// Failure codes surfaced on FailureEvent.
const (
	CodeInitiationError = "INITIATION_ERROR"
	CodeGatewayDeclined = "GATEWAY_DECLINED"
	CodeTimeout         = "TIMEOUT"
)

// Config carries the orchestration constants. These are behavioral
// contracts, not tuning knobs: support scripts reference the 3-minute
// timeout and the 3-retry bound.
type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	MaxRetries   int
}

// StartResult is returned by Start for the HTTP layer to render.
// RedirectTarget is present when the gateway requires out-of-band user
// interaction.
type StartResult struct {
	PaymentID      string `json:"paymentId"`
	TransactionID  string `json:"transactionId,omitempty"`
	Status         string `json:"status"`
	StatusMessage  string `json:"statusMessage"`
	RedirectTarget string `json:"redirectTarget,omitempty"`
}

// Orchestrator owns one TransactionState and the single poller attached to
// it. All state access goes through mu; callbacks are invoked outside the
// lock after the exactly-once flag is set.
type Orchestrator struct {
	paymentID string
	gateway   gateway.Client
	retries   *RetryController
	poller    *poller.Poller
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	recorder  *reporting.Collector

	onSuccess func(SuccessEvent)
	onFailure func(FailureEvent)

	mu      sync.Mutex
	txn     *transaction.State
	attempt uint64 // generation; bumped on Start, Retry, Cancel
	fired   bool   // callback already delivered for the current lifecycle
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRecorder attaches the retrospective reporting collector.
func WithRecorder(c *reporting.Collector) Option {
	return func(o *Orchestrator) { o.recorder = c }
}

// New creates an Orchestrator for one payment. Callbacks default to no-ops;
// wire them with OnSuccess/OnFailure before calling Start.
func New(gw gateway.Client, rc *RetryController, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if gw == nil {
		panic("gateway client cannot be nil")
	}
	if rc == nil {
		panic("retry controller cannot be nil")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}
	id := uuid.NewString()
	o := &Orchestrator{
		paymentID: id,
		gateway:   gw,
		retries:   rc,
		cfg:       cfg,
		logger:    logger.With("component", "orchestrator", "payment_id", id),
		onSuccess: func(SuccessEvent) {},
		onFailure: func(FailureEvent) {},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.poller = poller.New(cfg.PollInterval, cfg.PollTimeout, logger)
	return o
}

// PaymentID identifies this orchestrator instance to callers.
func (o *Orchestrator) PaymentID() string {
	return o.paymentID
}

// OnSuccess registers the success callback. Must be called before Start.
func (o *Orchestrator) OnSuccess(fn func(SuccessEvent)) {
	if fn != nil {
		o.onSuccess = fn
	}
}

// OnFailure registers the failure callback. Must be called before Start.
func (o *Orchestrator) OnFailure(fn func(FailureEvent)) {
	if fn != nil {
		o.onFailure = fn
	}
}

// Start initiates a payment. It returns ErrAttemptInProgress while a
// previous attempt is initiating or awaiting confirmation. A gateway-side
// rejection or network failure during initiation is not an error return: the
// attempt transitions to failed and OnFailure fires, mirroring every other
// terminal outcome. The returned snapshot reflects the post-initiation
// state, including any redirect target to surface for display.
func (o *Orchestrator) Start(ctx context.Context, req transaction.PaymentRequest) (*StartResult, error) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "Orchestrator.Start")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.txn != nil && (o.txn.Status == transaction.StatusInitiating || o.txn.Status == transaction.StatusAwaitingConfirmation) {
		o.mu.Unlock()
		return nil, ErrAttemptInProgress
	}
	o.poller.Stop()
	o.attempt++
	gen := o.attempt
	o.fired = false
	now := time.Now()
	st := transaction.NewState(req, now)
	_ = st.TransitionTo(transaction.StatusInitiating, "Contacting payment gateway", now)
	o.txn = st
	o.mu.Unlock()

	o.record(reporting.StatusStarted, "", "", "")
	if o.metrics != nil {
		o.metrics.InitiatedTotal.WithLabelValues(string(req.Method)).Inc()
	}

	initiateStart := time.Now()
	res, err := o.gateway.Initiate(ctx, gateway.InitiateRequest{
		PayerID:     req.PayerID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Method:      req.Method,
		OrderID:     req.OrderID,
		Description: req.Description,
	})
	if o.metrics != nil {
		o.metrics.InitiateDuration.Observe(time.Since(initiateStart).Seconds())
	}

	o.mu.Lock()
	if gen != o.attempt || o.txn == nil {
		// Cancelled or superseded while the initiate call was in flight.
		o.mu.Unlock()
		return nil, ErrAttemptInProgress
	}

	var fire func()
	switch {
	case err != nil:
		o.logger.Warn("payment initiation failed", "method", req.Method, "error", err)
		// The attempt never reached confirmation; there is no gateway-side
		// transaction to re-check, so no retry is offered.
		fire = o.failLocked(CodeInitiationError, metrics.ReasonInitiation,
			"We could not start this payment. Please try again.", false)

	case res.Status == gateway.StatusSuccess:
		o.txn.TransactionID = res.TransactionID
		fire = o.succeedLocked(gateway.StatusResult{Status: res.Status, Provider: string(req.Method)})

	case res.Status == gateway.StatusFailed:
		o.txn.TransactionID = res.TransactionID
		fire = o.failLocked(CodeGatewayDeclined, metrics.ReasonGateway,
			"The payment was declined. You can retry or use a different method.",
			o.retryAvailableLocked())

	default: // pending
		o.txn.TransactionID = res.TransactionID
		o.txn.RedirectTarget = res.RedirectTarget
		_ = o.txn.TransitionTo(transaction.StatusAwaitingConfirmation,
			"Awaiting payment confirmation", time.Now())
		o.startPollingLocked(gen)
	}
	snapshot := o.startResultLocked()
	o.mu.Unlock()

	if fire != nil {
		fire()
	}
	return snapshot, nil
}

// Retry re-arms polling for a failed attempt against the same gateway
// transaction. It never re-initiates a payment. Retries are bounded by
// MaxRetries and, when configured, the retry policy.
func (o *Orchestrator) Retry(ctx context.Context) error {
	_, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator.Retry")
	defer span.End()

	o.mu.Lock()
	if o.txn == nil {
		o.mu.Unlock()
		return ErrNoAttempt
	}
	if err := o.retries.Authorize(o.txn); err != nil {
		o.mu.Unlock()
		return err
	}
	o.attempt++
	gen := o.attempt
	o.fired = false
	o.txn.RetryCount++
	_ = o.txn.TransitionTo(transaction.StatusAwaitingConfirmation,
		"Re-checking payment status", time.Now())
	o.startPollingLocked(gen)
	method := o.txn.Method
	retryCount := o.txn.RetryCount
	o.mu.Unlock()

	o.logger.Info("retry granted", "retry_count", retryCount)
	o.record(reporting.StatusRetried, "", "", "")
	if o.metrics != nil {
		o.metrics.RetriesTotal.WithLabelValues(string(method)).Inc()
	}
	return nil
}

// Cancel silently tears the attempt down: the poller is cleared, the state
// is discarded, and no callback ever fires afterwards — even if a
// previously-issued status check resolves later. Always safe to call.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	hadActive := o.txn != nil && !o.txn.Status.Terminal() && o.txn.Status != transaction.StatusIdle && !o.fired
	o.attempt++ // invalidate any in-flight results
	o.fired = true
	o.txn = nil
	o.mu.Unlock()

	o.poller.Stop()
	if hadActive {
		o.logger.Info("payment attempt cancelled")
		if o.metrics != nil {
			o.metrics.CancelledTotal.Inc()
		}
	}
}

// Close releases the orchestrator's resources. Equivalent to Cancel.
func (o *Orchestrator) Close() {
	o.Cancel()
}

// Snapshot returns a copy of the current transaction state for display
// collaborators. The second return is false when no attempt exists.
func (o *Orchestrator) Snapshot() (transaction.State, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.txn == nil {
		return transaction.State{}, false
	}
	return o.txn.Snapshot(), true
}

// RetryAvailable reports whether a retry would currently be granted.
func (o *Orchestrator) RetryAvailable() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.txn == nil {
		return false
	}
	return o.retries.Authorize(o.txn) == nil
}

// startPollingLocked records the poll window start and arms the poller for
// the given generation. Caller holds o.mu.
func (o *Orchestrator) startPollingLocked(gen uint64) {
	o.txn.PollStartedAt = time.Now()
	txnID := o.txn.TransactionID
	// Polling outlives the originating HTTP request, so the loop runs on a
	// background context; Cancel/Stop is its shutdown path.
	o.poller.Start(context.Background(), txnID, o.checkStatus,
		func(res gateway.StatusResult) { o.applyTerminal(gen, res) },
		func() { o.applyTimeout(gen) },
	)
}

// checkStatus is the poller's CheckFunc with tick accounting.
func (o *Orchestrator) checkStatus(ctx context.Context, transactionID string) (gateway.StatusResult, error) {
	if o.metrics != nil {
		o.metrics.PollTicksTotal.Inc()
	}
	return o.gateway.CheckStatus(ctx, transactionID)
}

// applyTerminal applies a terminal gateway status observed by the poller.
// Results from a stale generation are dropped.
func (o *Orchestrator) applyTerminal(gen uint64, res gateway.StatusResult) {
	o.mu.Lock()
	if gen != o.attempt || o.fired || o.txn == nil {
		o.mu.Unlock()
		return
	}
	var fire func()
	if res.Status == gateway.StatusSuccess {
		fire = o.succeedLocked(res)
	} else {
		fire = o.failLocked(CodeGatewayDeclined, metrics.ReasonGateway,
			"The payment was declined. You can retry or use a different method.",
			o.retryAvailableLocked())
	}
	o.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// applyTimeout fails the attempt after the poll window elapsed without a
// terminal status, independent of what the gateway last reported.
func (o *Orchestrator) applyTimeout(gen uint64) {
	o.mu.Lock()
	if gen != o.attempt || o.fired || o.txn == nil {
		o.mu.Unlock()
		return
	}
	fire := o.failLocked(CodeTimeout, metrics.ReasonTimeout,
		"This payment is taking longer than expected. You can keep waiting or retry.",
		o.retryAvailableLocked())
	o.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// succeedLocked moves the attempt to succeeded and returns the callback to
// invoke after the lock is released. Caller holds o.mu; o.fired is set here
// so the callback cannot be delivered twice.
func (o *Orchestrator) succeedLocked(res gateway.StatusResult) func() {
	if err := o.txn.TransitionTo(transaction.StatusSucceeded, "Payment confirmed", time.Now()); err != nil {
		o.logger.Error("dropping success for illegal transition", "error", err)
		return nil
	}
	o.fired = true
	o.poller.Stop()

	ev := SuccessEvent{TransactionID: o.txn.TransactionID, Provider: res.Provider}
	method := string(o.txn.Method)
	cb := o.onSuccess
	return func() {
		o.logger.Info("payment succeeded", "transaction_id", ev.TransactionID, "provider", ev.Provider)
		o.record(reporting.StatusSucceeded, ev.TransactionID, "", "")
		if o.metrics != nil {
			o.metrics.SucceededTotal.WithLabelValues(method).Inc()
		}
		cb(ev)
	}
}

// failLocked moves the attempt to failed and returns the callback to invoke
// after the lock is released. Caller holds o.mu.
func (o *Orchestrator) failLocked(code, reason, message string, retryAvailable bool) func() {
	if err := o.txn.TransitionTo(transaction.StatusFailed, message, time.Now()); err != nil {
		o.logger.Error("dropping failure for illegal transition", "error", err)
		return nil
	}
	o.fired = true
	o.poller.Stop()

	ev := FailureEvent{Code: code, Message: message, RetryAvailable: retryAvailable}
	txnID := o.txn.TransactionID
	method := string(o.txn.Method)
	cb := o.onFailure
	return func() {
		o.logger.Warn("payment failed", "code", ev.Code, "retry_available", ev.RetryAvailable)
		o.record(reporting.StatusFailed, txnID, ev.Code, ev.Message)
		if o.metrics != nil {
			o.metrics.FailedTotal.WithLabelValues(method, reason).Inc()
		}
		cb(ev)
	}
}

// retryAvailableLocked evaluates the retry bound for the failure event's
// retry-available bit. Caller holds o.mu. The status check is skipped
// because the attempt is about to be marked failed.
func (o *Orchestrator) retryAvailableLocked() bool {
	return o.txn.TransactionID != "" && o.txn.RetryCount < o.retries.maxRetries
}

// startResultLocked builds the Start return value. Caller holds o.mu.
func (o *Orchestrator) startResultLocked() *StartResult {
	return &StartResult{
		PaymentID:      o.paymentID,
		TransactionID:  o.txn.TransactionID,
		Status:         o.txn.Status.String(),
		StatusMessage:  o.txn.StatusMessage,
		RedirectTarget: o.txn.RedirectTarget,
	}
}

// record appends a reporting entry if a collector is attached.
func (o *Orchestrator) record(status reporting.EventStatus, transactionID, errorCode, errorMessage string) {
	if o.recorder == nil {
		return
	}
	o.mu.Lock()
	var method, currency string
	var amount float64
	if o.txn != nil {
		method = string(o.txn.Method)
		currency = o.txn.Currency
		amount = o.txn.Amount
		if transactionID == "" {
			transactionID = o.txn.TransactionID
		}
	}
	o.mu.Unlock()

	o.recorder.Append(reporting.Entry{
		Timestamp:     time.Now(),
		PaymentID:     o.paymentID,
		TransactionID: transactionID,
		Method:        method,
		Status:        status,
		Amount:        amount,
		Currency:      currency,
		ErrorCode:     errorCode,
		ErrorMessage:  errorMessage,
	})
}
