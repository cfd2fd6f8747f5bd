package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/storefront-payments/internal/gateway"
	gatewaymock "github.com/yourorg/storefront-payments/internal/gateway/mock"
	"github.com/yourorg/storefront-payments/internal/metrics"
	"github.com/yourorg/storefront-payments/internal/orchestrator"
	"github.com/yourorg/storefront-payments/internal/policy"
	"github.com/yourorg/storefront-payments/internal/reporting"
	"github.com/yourorg/storefront-payments/internal/transaction"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() orchestrator.Config {
	return orchestrator.Config{
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  time.Second,
		MaxRetries:   3,
	}
}

func testRetryController(t *testing.T) *orchestrator.RetryController {
	t.Helper()
	enforcer, err := policy.NewRetryPolicyEnforcer(policy.DefaultRules())
	require.NoError(t, err)
	return orchestrator.NewRetryController(3, enforcer)
}

func paymentRequest() transaction.PaymentRequest {
	return transaction.PaymentRequest{
		PayerID:  "payer-1",
		Amount:   500,
		Currency: "KES",
		Method:   transaction.MethodMobileMoneyA,
	}
}

// harness wires an orchestrator to buffered callback channels.
type harness struct {
	orch      *orchestrator.Orchestrator
	successes chan orchestrator.SuccessEvent
	failures  chan orchestrator.FailureEvent
}

func newHarness(t *testing.T, gw gateway.Client, cfg orchestrator.Config, opts ...orchestrator.Option) *harness {
	t.Helper()
	h := &harness{
		orch:      orchestrator.New(gw, testRetryController(t), cfg, testLogger(), opts...),
		successes: make(chan orchestrator.SuccessEvent, 4),
		failures:  make(chan orchestrator.FailureEvent, 8),
	}
	h.orch.OnSuccess(func(ev orchestrator.SuccessEvent) { h.successes <- ev })
	h.orch.OnFailure(func(ev orchestrator.FailureEvent) { h.failures <- ev })
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) awaitSuccess(t *testing.T) orchestrator.SuccessEvent {
	t.Helper()
	select {
	case ev := <-h.successes:
		return ev
	case ev := <-h.failures:
		t.Fatalf("expected success, got failure %+v", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("success callback never fired")
	}
	return orchestrator.SuccessEvent{}
}

func (h *harness) awaitFailure(t *testing.T) orchestrator.FailureEvent {
	t.Helper()
	select {
	case ev := <-h.failures:
		return ev
	case ev := <-h.successes:
		t.Fatalf("expected failure, got success %+v", ev)
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback never fired")
	}
	return orchestrator.FailureEvent{}
}

func TestNew_PanicsOnNilCollaborators(t *testing.T) {
	rc := testRetryController(t)
	gw := gatewaymock.New()
	assert.Panics(t, func() { orchestrator.New(nil, rc, testConfig(), testLogger()) })
	assert.Panics(t, func() { orchestrator.New(gw, nil, testConfig(), testLogger()) })
	assert.Panics(t, func() { orchestrator.New(gw, rc, testConfig(), nil) })
}

func TestStart_RejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, gatewaymock.New(), testConfig())
	req := paymentRequest()
	req.Amount = -1
	_, err := h.orch.Start(context.Background(), req)
	require.Error(t, err)
}

// Scenario: initiate returns pending, three polls return pending, pending,
// success. The success callback fires exactly once and polling stops.
func TestStart_PendingThenConfirmed(t *testing.T) {
	gw := gatewaymock.New()
	var checks atomic.Int32
	gw.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{TransactionID: "T1", Status: gateway.StatusPending}, nil
	}
	gw.CheckStatusFunc = func(ctx context.Context, id string) (gateway.StatusResult, error) {
		require.Equal(t, "T1", id)
		if checks.Add(1) < 3 {
			return gateway.StatusResult{Status: gateway.StatusPending, Provider: "mobile-money-a"}, nil
		}
		return gateway.StatusResult{Status: gateway.StatusSuccess, Provider: "mobile-money-a"}, nil
	}

	h := newHarness(t, gw, testConfig())
	res, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)
	assert.Equal(t, "T1", res.TransactionID)
	assert.Equal(t, "awaiting_confirmation", res.Status)

	ev := h.awaitSuccess(t)
	assert.Equal(t, "T1", ev.TransactionID)
	assert.Equal(t, "mobile-money-a", ev.Provider)

	checksAtSuccess := checks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, checksAtSuccess, checks.Load(), "polling must stop after the terminal tick")
	assert.Len(t, h.successes, 0, "success must fire exactly once")
	assert.Len(t, h.failures, 0, "failure must not fire for a succeeded attempt")

	snapshot, ok := h.orch.Snapshot()
	require.True(t, ok)
	assert.Equal(t, transaction.StatusSucceeded, snapshot.Status)
}

func TestStart_SurfacesRedirectTarget(t *testing.T) {
	gw := gatewaymock.New() // default behavior returns a redirect target

	h := newHarness(t, gw, testConfig())
	res, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)
	assert.Contains(t, res.RedirectTarget, "https://gateway.example/session/")
	h.awaitSuccess(t)
}

func TestStart_ImmediateSuccessSkipsPolling(t *testing.T) {
	gw := gatewaymock.New()
	var checks atomic.Int32
	gw.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{TransactionID: "T-sync", Status: gateway.StatusSuccess}, nil
	}
	gw.CheckStatusFunc = func(ctx context.Context, id string) (gateway.StatusResult, error) {
		checks.Add(1)
		return gateway.StatusResult{}, nil
	}

	h := newHarness(t, gw, testConfig())
	res, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)
	assert.Equal(t, "succeeded", res.Status)

	ev := h.awaitSuccess(t)
	assert.Equal(t, "T-sync", ev.TransactionID)
	assert.Equal(t, "mobile-money-a", ev.Provider, "provider falls back to the requested method")

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, checks.Load(), "no poll ticks for a synchronously confirmed payment")
}

// Scenario: initiate fails with a network error. The failure callback fires
// immediately, no polling ever starts, and there is nothing to retry.
func TestStart_InitiationError(t *testing.T) {
	gw := gatewaymock.New()
	var checks atomic.Int32
	gw.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{}, errors.New("connection refused")
	}
	gw.CheckStatusFunc = func(ctx context.Context, id string) (gateway.StatusResult, error) {
		checks.Add(1)
		return gateway.StatusResult{}, nil
	}

	h := newHarness(t, gw, testConfig())
	res, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err, "initiation failure is a terminal outcome, not a caller error")
	assert.Equal(t, "failed", res.Status)

	ev := h.awaitFailure(t)
	assert.Equal(t, orchestrator.CodeInitiationError, ev.Code)
	assert.False(t, ev.RetryAvailable, "no gateway transaction exists to re-check")

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, checks.Load(), "no polling after an initiation error")

	err = h.orch.Retry(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrNoTransaction)
}

func TestStart_GatewayDeclinesSynchronously(t *testing.T) {
	gw := gatewaymock.New()
	gw.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{TransactionID: "T-declined", Status: gateway.StatusFailed}, nil
	}

	h := newHarness(t, gw, testConfig())
	res, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)
	assert.Equal(t, "failed", res.Status)

	ev := h.awaitFailure(t)
	assert.Equal(t, orchestrator.CodeGatewayDeclined, ev.Code)
	assert.True(t, ev.RetryAvailable, "a declined transaction can be re-checked")
}

// Scenario: every poll returns pending until the window elapses. The attempt
// fails with a timeout-specific message at about pollStartedAt+timeout.
func TestPolling_Timeout(t *testing.T) {
	gw := gatewaymock.New()
	gw.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{TransactionID: "T-slow", Status: gateway.StatusPending}, nil
	}
	gw.CheckStatusFunc = func(ctx context.Context, id string) (gateway.StatusResult, error) {
		return gateway.StatusResult{Status: gateway.StatusPending, Provider: "mobile-money-a"}, nil
	}

	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollTimeout = 45 * time.Millisecond
	h := newHarness(t, gw, cfg)

	started := time.Now()
	_, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)

	ev := h.awaitFailure(t)
	elapsed := time.Since(started)
	assert.Equal(t, orchestrator.CodeTimeout, ev.Code)
	assert.Contains(t, ev.Message, "longer than expected")
	assert.True(t, ev.RetryAvailable)
	assert.Less(t, elapsed, cfg.PollTimeout+5*cfg.PollInterval, "timeout must fire near the window edge")

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, h.failures, 0, "timeout failure must fire exactly once")
}

// Scenario: a failed attempt is retried four times in a row. The first three
// re-arm polling against the same transaction; the fourth is rejected.
func TestRetry_Bound(t *testing.T) {
	gw := gatewaymock.New()
	var checkedIDs atomic.Value
	gw.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{TransactionID: "T-retry", Status: gateway.StatusFailed}, nil
	}
	gw.CheckStatusFunc = func(ctx context.Context, id string) (gateway.StatusResult, error) {
		checkedIDs.Store(id)
		return gateway.StatusResult{Status: gateway.StatusFailed, Provider: "mobile-money-a"}, nil
	}

	h := newHarness(t, gw, testConfig())
	_, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)
	h.awaitFailure(t)

	for i := 1; i <= 3; i++ {
		require.NoError(t, h.orch.Retry(context.Background()), "retry %d should be granted", i)
		snapshot, ok := h.orch.Snapshot()
		require.True(t, ok)
		assert.Equal(t, i, snapshot.RetryCount)
		ev := h.awaitFailure(t)
		if i == 3 {
			assert.False(t, ev.RetryAvailable, "last granted retry exhausts the bound")
		}
	}

	require.Equal(t, "T-retry", checkedIDs.Load(), "retries re-check the same gateway transaction")

	err = h.orch.Retry(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrRetriesExhausted)
	snapshot, ok := h.orch.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 3, snapshot.RetryCount, "rejected retry must not mutate the attempt")
	assert.Equal(t, transaction.StatusFailed, snapshot.Status)
}

func TestRetry_AfterSuccessIsRejected(t *testing.T) {
	gw := gatewaymock.New()
	gw.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{TransactionID: "T-ok", Status: gateway.StatusSuccess}, nil
	}

	h := newHarness(t, gw, testConfig())
	_, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)
	h.awaitSuccess(t)

	err = h.orch.Retry(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrRetryNotAllowed)
}

func TestRetry_CanSucceed(t *testing.T) {
	gw := gatewaymock.New()
	var retried atomic.Bool
	gw.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{TransactionID: "T-second-chance", Status: gateway.StatusFailed}, nil
	}
	gw.CheckStatusFunc = func(ctx context.Context, id string) (gateway.StatusResult, error) {
		if retried.Load() {
			return gateway.StatusResult{Status: gateway.StatusSuccess, Provider: "card"}, nil
		}
		return gateway.StatusResult{Status: gateway.StatusFailed, Provider: "card"}, nil
	}

	h := newHarness(t, gw, testConfig())
	_, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)
	h.awaitFailure(t)

	retried.Store(true)
	require.NoError(t, h.orch.Retry(context.Background()))
	ev := h.awaitSuccess(t)
	assert.Equal(t, "T-second-chance", ev.TransactionID)
}

func TestStart_RejectedWhileAttemptInProgress(t *testing.T) {
	gw := gatewaymock.New()
	gw.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{TransactionID: "T-busy", Status: gateway.StatusPending}, nil
	}
	gw.CheckStatusFunc = func(ctx context.Context, id string) (gateway.StatusResult, error) {
		return gateway.StatusResult{Status: gateway.StatusPending}, nil
	}

	h := newHarness(t, gw, testConfig())
	_, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)

	_, err = h.orch.Start(context.Background(), paymentRequest())
	require.ErrorIs(t, err, orchestrator.ErrAttemptInProgress)
}

func TestStart_NewAttemptAfterTerminalResetsRetries(t *testing.T) {
	gw := gatewaymock.New()
	gw.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{TransactionID: "T-a", Status: gateway.StatusFailed}, nil
	}
	gw.CheckStatusFunc = func(ctx context.Context, id string) (gateway.StatusResult, error) {
		return gateway.StatusResult{Status: gateway.StatusFailed, Provider: "mobile-money-a"}, nil
	}

	h := newHarness(t, gw, testConfig())
	_, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)
	h.awaitFailure(t)
	require.NoError(t, h.orch.Retry(context.Background()))
	h.awaitFailure(t)

	_, err = h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)
	h.awaitFailure(t)

	snapshot, ok := h.orch.Snapshot()
	require.True(t, ok)
	assert.Zero(t, snapshot.RetryCount, "a new start supersedes the attempt and resets the retry count")
}

// Cancellation is terminal and silent: no callback fires, even when a
// status check issued before Cancel resolves afterwards.
func TestCancel_SilencesLateResults(t *testing.T) {
	gw := gatewaymock.New()
	checkStarted := make(chan struct{}, 1)
	release := make(chan struct{})
	gw.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{TransactionID: "T-cancel", Status: gateway.StatusPending}, nil
	}
	gw.CheckStatusFunc = func(ctx context.Context, id string) (gateway.StatusResult, error) {
		select {
		case checkStarted <- struct{}{}:
		default:
		}
		<-release
		return gateway.StatusResult{Status: gateway.StatusSuccess, Provider: "card"}, nil
	}

	h := newHarness(t, gw, testConfig())
	_, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)

	<-checkStarted
	h.orch.Cancel()
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.successes, 0, "no success after cancel")
	assert.Len(t, h.failures, 0, "no failure after cancel")

	_, ok := h.orch.Snapshot()
	assert.False(t, ok, "cancel discards the transaction state")
}

func TestCancel_IsAlwaysSafe(t *testing.T) {
	h := newHarness(t, gatewaymock.New(), testConfig())
	h.orch.Cancel()
	h.orch.Cancel()

	_, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err, "cancel must not wedge the orchestrator")
}

func TestOrchestrator_RecordsAndCounts(t *testing.T) {
	gw := gatewaymock.New()
	gw.ConfirmAfter = 1

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	collector := reporting.NewCollector()

	h := newHarness(t, gw, testConfig(),
		orchestrator.WithMetrics(m), orchestrator.WithRecorder(collector))
	_, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)
	h.awaitSuccess(t)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.InitiatedTotal.WithLabelValues("mobile-money-a")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.SucceededTotal.WithLabelValues("mobile-money-a")))

	entries := collector.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, reporting.StatusStarted, entries[0].Status)
	assert.Equal(t, reporting.StatusSucceeded, entries[1].Status)
	assert.Equal(t, h.orch.PaymentID(), entries[0].PaymentID)
}

func TestRetryAvailable(t *testing.T) {
	gw := gatewaymock.New()
	gw.InitiateFunc = func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
		return gateway.InitiateResult{TransactionID: "T-ra", Status: gateway.StatusFailed}, nil
	}

	h := newHarness(t, gw, testConfig())
	assert.False(t, h.orch.RetryAvailable(), "nothing to retry before the first start")

	_, err := h.orch.Start(context.Background(), paymentRequest())
	require.NoError(t, err)
	h.awaitFailure(t)
	assert.True(t, h.orch.RetryAvailable())
}
