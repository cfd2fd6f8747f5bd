// Package gateway defines the client contract for the external payment
// gateway and normalizes its responses and failures into a common shape.
// All provider-specific concerns live behind the Client interface: request
// serialization, idempotency keys, bounded retries on initiation, and error
// mapping. Nothing above this package ever sees a raw gateway payload.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourorg/storefront-payments/internal/transaction"
)

// Status is the gateway's wire status for a transaction.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a status this client knows how to handle.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusSuccess || s == StatusFailed
}

// InitiateRequest is the payload sent to the gateway to start a payment.
type InitiateRequest struct {
	PayerID     string             `json:"payerId"`
	Amount      float64            `json:"amount"`
	Currency    string             `json:"currency"`
	Method      transaction.Method `json:"method"`
	OrderID     string             `json:"orderId,omitempty"`
	Description string             `json:"description,omitempty"`
}

// InitiateResult is the normalized outcome of a successful initiate call.
// RedirectTarget is present only when the gateway requires out-of-band user
// interaction (a URL to navigate to, or an embeddable session reference).
type InitiateResult struct {
	TransactionID  string `json:"transactionId"`
	Status         Status `json:"status"`
	RedirectTarget string `json:"redirectTarget,omitempty"`
}

// StatusResult is the normalized outcome of a status check.
type StatusResult struct {
	Status   Status `json:"status"`
	Provider string `json:"provider"`
}

// Client is the interface implemented by gateway adapters.
//
// Initiate returns an error on network failure or validation rejection; the
// orchestrator treats any such error as an immediate failure with no retry
// scheduling (the attempt never reached confirmation). CheckStatus is
// side-effect-free from the caller's perspective; transient failures are the
// poller's to ignore, not this package's to hide.
type Client interface {
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)
	CheckStatus(ctx context.Context, transactionID string) (StatusResult, error)
}

// ErrProviderUnavailable is returned by Initiate when the circuit for the
// requested payment method is open.
var ErrProviderUnavailable = errors.New("gateway: provider temporarily unavailable")

// APIError is a normalized gateway-side rejection. Code is a stable
// machine-readable string; Message is for logs only and is never surfaced to
// payers verbatim.
type APIError struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %s (HTTP %d): %s", e.Code, e.HTTPStatus, e.Message)
}
