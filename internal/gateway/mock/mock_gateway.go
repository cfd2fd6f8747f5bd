// Package mock provides a scriptable in-memory gateway.Client used by tests
// and by the server's dev mode.
package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/yourorg/storefront-payments/internal/gateway"
)

// Gateway is a mock implementation of gateway.Client. Tests override
// InitiateFunc/CheckStatusFunc; without overrides it behaves like a gateway
// that accepts every payment and confirms it after ConfirmAfter checks.
type Gateway struct {
	InitiateFunc    func(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error)
	CheckStatusFunc func(ctx context.Context, transactionID string) (gateway.StatusResult, error)

	// ConfirmAfter is the number of pending status checks before the default
	// behavior reports success. Zero confirms on the first check.
	ConfirmAfter int

	mu      sync.Mutex
	checks  map[string]int
	methods map[string]string
}

// New creates a mock gateway with default accept-then-confirm behavior.
func New() *Gateway {
	return &Gateway{
		ConfirmAfter: 2,
		checks:       make(map[string]int),
		methods:      make(map[string]string),
	}
}

// Initiate implements gateway.Client.
func (g *Gateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (gateway.InitiateResult, error) {
	if g.InitiateFunc != nil {
		return g.InitiateFunc(ctx, req)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	txnID := "txn_mock_" + uuid.NewString()
	g.methods[txnID] = string(req.Method)
	return gateway.InitiateResult{
		TransactionID:  txnID,
		Status:         gateway.StatusPending,
		RedirectTarget: "https://gateway.example/session/" + txnID,
	}, nil
}

// CheckStatus implements gateway.Client.
func (g *Gateway) CheckStatus(ctx context.Context, transactionID string) (gateway.StatusResult, error) {
	if g.CheckStatusFunc != nil {
		return g.CheckStatusFunc(ctx, transactionID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	provider := g.methods[transactionID]
	g.checks[transactionID]++
	if g.checks[transactionID] <= g.ConfirmAfter {
		return gateway.StatusResult{Status: gateway.StatusPending, Provider: provider}, nil
	}
	return gateway.StatusResult{Status: gateway.StatusSuccess, Provider: provider}, nil
}

// Checks returns how many status checks have been issued for a transaction.
func (g *Gateway) Checks(transactionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checks[transactionID]
}
