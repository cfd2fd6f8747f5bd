// Package order defines the collaborator that turns a confirmed payment
// into an order record. The orchestrator knows nothing about order schema
// and never retries finalization; failures past this boundary belong to the
// collaborator.
package order

import (
	"context"
	"log/slog"
)

// Confirmation is handed to the finalizer exactly once per successful
// payment attempt.
type Confirmation struct {
	TransactionID string
	Provider      string
	OrderID       string
	PayerID       string
	Amount        float64
	Currency      string
}

// Finalizer creates or confirms the order record for a confirmed payment.
type Finalizer interface {
	FinalizeOrder(ctx context.Context, c Confirmation) error
}

// LogFinalizer logs confirmations. Stands in for the storefront's order
// service in dev mode and tests.
type LogFinalizer struct {
	logger *slog.Logger
}

// NewLogFinalizer creates a LogFinalizer.
func NewLogFinalizer(logger *slog.Logger) *LogFinalizer {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &LogFinalizer{logger: logger.With("component", "order-finalizer")}
}

// FinalizeOrder implements Finalizer.
func (f *LogFinalizer) FinalizeOrder(ctx context.Context, c Confirmation) error {
	f.logger.Info("finalizing order for confirmed payment",
		"transaction_id", c.TransactionID,
		"provider", c.Provider,
		"order_id", c.OrderID,
		"amount", c.Amount,
		"currency", c.Currency,
	)
	return nil
}
