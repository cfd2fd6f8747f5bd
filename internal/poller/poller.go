// Package poller owns the recurring status-check timer for a payment
// attempt. Exactly one loop runs per Poller at any instant: Start always
// stops the previous loop before arming a new one, and every exit path
// (terminal status, timeout, cancellation) releases the ticker.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yourorg/storefront-payments/internal/gateway"
)

// CheckFunc fetches the gateway-side status of a transaction.
type CheckFunc func(ctx context.Context, transactionID string) (gateway.StatusResult, error)

// Poller drives status checks on a fixed interval until a terminal status or
// the timeout window is reached. The interval is a fixed constant per
// instance, never adaptive.
type Poller struct {
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running int
}

// New creates a Poller with the given tick interval and timeout window.
func New(interval, timeout time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		panic("poll interval must be positive")
	}
	if timeout <= 0 {
		panic("poll timeout must be positive")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &Poller{
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "poller"),
	}
}

// Start begins polling transactionID. Any previous loop is stopped first, so
// two concurrent tickers for one attempt are impossible. onTerminal fires at
// most once with the terminal gateway status; onTimeout fires at most once
// when the window elapses without one. Neither fires after Stop.
func (p *Poller) Start(
	ctx context.Context,
	transactionID string,
	check CheckFunc,
	onTerminal func(gateway.StatusResult),
	onTimeout func(),
) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running++
	p.mu.Unlock()

	go p.loop(loopCtx, transactionID, check, onTerminal, onTimeout)
}

// Stop clears the active timer, if any. In-flight status checks are not
// interrupted mid-call, but their results are discarded: the loop re-checks
// its context before delivering any callback.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// ActiveLoops reports how many poll loops are currently running. Used by
// tests to assert the single-timer invariant.
func (p *Poller) ActiveLoops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(
	ctx context.Context,
	transactionID string,
	check CheckFunc,
	onTerminal func(gateway.StatusResult),
	onTimeout func(),
) {
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	// The timeout is a pure function of wall-clock time since the poll
	// started, evaluated on each tick. Cancelling the loop therefore also
	// cancels the timeout.
	startedAt := time.Now()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if time.Since(startedAt) > p.timeout {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("poll window elapsed without terminal status",
				"transaction_id", transactionID, "timeout", p.timeout)
			onTimeout()
			return
		}

		res, err := check(ctx, transactionID)
		if ctx.Err() != nil {
			// Cancelled while the check was in flight; the result is stale.
			return
		}
		if err != nil {
			// Transient check failure: a single flaky network call must not
			// abort an otherwise-succeeding payment.
			p.logger.Warn("status check failed, will retry on next tick",
				"transaction_id", transactionID, "error", err)
			continue
		}
		if res.Status != gateway.StatusPending {
			onTerminal(res)
			return
		}
	}
}
