package orchestrator

import (
	"errors"
	"fmt"

	"github.com/yourorg/storefront-payments/internal/policy"
	"github.com/yourorg/storefront-payments/internal/transaction"
)

var (
	// ErrAttemptInProgress is returned by Start while a previous attempt is
	// still initiating or awaiting confirmation. Guards against duplicate
	// gateway charges for the same user action.
	ErrAttemptInProgress = errors.New("orchestrator: a payment attempt is already in progress")

	// ErrNoAttempt is returned by Retry when no attempt exists to retry.
	ErrNoAttempt = errors.New("orchestrator: no payment attempt to retry")

	// ErrNoTransaction is returned by Retry when the failed attempt never
	// obtained a gateway transaction; there is nothing to re-check and the
	// caller must Start again.
	ErrNoTransaction = errors.New("orchestrator: attempt has no gateway transaction to re-check")

	// ErrRetriesExhausted is returned once the retry bound is reached.
	ErrRetriesExhausted = errors.New("orchestrator: max retries reached")

	// ErrRetryNotAllowed is returned when the attempt is not in a retryable
	// state or the retry policy denies it.
	ErrRetryNotAllowed = errors.New("orchestrator: retry not allowed")
)

// RetryController bounds retry invocations per attempt. The structural bound
// (RetryCount < maxRetries) always applies; a configured policy can only
// deny retries the bound would have granted.
type RetryController struct {
	maxRetries int
	enforcer   *policy.RetryPolicyEnforcer
}

// NewRetryController creates a RetryController. enforcer may be nil, in
// which case only the structural bound applies.
func NewRetryController(maxRetries int, enforcer *policy.RetryPolicyEnforcer) *RetryController {
	if maxRetries < 0 {
		panic("maxRetries cannot be negative")
	}
	return &RetryController{maxRetries: maxRetries, enforcer: enforcer}
}

// Authorize reports whether the failed attempt may be retried. It does not
// mutate the state; the orchestrator applies the transition after a grant.
func (rc *RetryController) Authorize(st *transaction.State) error {
	if st.Status != transaction.StatusFailed {
		return fmt.Errorf("%w: attempt is %s, not failed", ErrRetryNotAllowed, st.Status)
	}
	if st.TransactionID == "" {
		return ErrNoTransaction
	}
	if st.RetryCount >= rc.maxRetries {
		return ErrRetriesExhausted
	}
	if rc.enforcer == nil {
		return nil
	}

	params := map[string]interface{}{
		"retry_count":     st.RetryCount,
		"max_retries":     rc.maxRetries,
		"has_transaction": st.TransactionID != "",
		"method":          string(st.Method),
		"amount":          st.Amount,
		"currency":        st.Currency,
	}
	decision, err := rc.enforcer.Evaluate(params)
	if err != nil {
		return fmt.Errorf("%w: policy evaluation failed: %v", ErrRetryNotAllowed, err)
	}
	if !decision.AllowRetry {
		return fmt.Errorf("%w: denied by rule %q", ErrRetryNotAllowed, decision.Reason)
	}
	return nil
}
