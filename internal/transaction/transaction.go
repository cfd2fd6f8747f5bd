// Package transaction defines the value objects and the state record for a
// single payment attempt: the immutable PaymentRequest handed to the
// orchestrator, the Status tagged type, and the TransactionState mutated by
// poll ticks and retries. Transition legality is encoded in an explicit
// table so that illegal moves (e.g. Succeeded -> AwaitingConfirmation) are
// rejected rather than silently applied.
package transaction

import (
	"fmt"
	"time"
)

// MaxRetries bounds Retry invocations per attempt. Operator-facing contract;
// support scripts reference "3 retries".
const MaxRetries = 3

// Method identifies the payment instrument the payer selected.
type Method string

const (
	MethodMobileMoneyA Method = "mobile-money-a"
	MethodMobileMoneyB Method = "mobile-money-b"
	MethodCard         Method = "card"
	MethodBank         Method = "bank"
)

// Valid reports whether m is one of the supported payment methods.
func (m Method) Valid() bool {
	switch m {
	case MethodMobileMoneyA, MethodMobileMoneyB, MethodCard, MethodBank:
		return true
	}
	return false
}

// PaymentRequest is the immutable input to Orchestrator.Start. Amount is in
// major units (minor-unit-free decimal); Currency is an ISO 4217 alpha code.
// OrderID is optional and only set once an order draft exists.
type PaymentRequest struct {
	PayerID     string  `json:"payerId"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	OrderID     string  `json:"orderId,omitempty"`
	Description string  `json:"description,omitempty"`
	Method      Method  `json:"method"`
}

// Validate checks the request constraints that do not require the gateway.
func (r PaymentRequest) Validate() error {
	if r.PayerID == "" {
		return fmt.Errorf("transaction: payerId is required")
	}
	if r.Amount <= 0 {
		return fmt.Errorf("transaction: amount must be positive, got %v", r.Amount)
	}
	if len(r.Currency) != 3 {
		return fmt.Errorf("transaction: currency must be a 3-letter ISO code, got %q", r.Currency)
	}
	if !r.Method.Valid() {
		return fmt.Errorf("transaction: unsupported payment method %q", r.Method)
	}
	return nil
}

// Status is the attempt state machine's tag.
type Status int

const (
	StatusIdle Status = iota
	StatusInitiating
	StatusAwaitingConfirmation
	StatusSucceeded
	StatusFailed
)

var statusNames = map[Status]string{
	StatusIdle:                 "idle",
	StatusInitiating:           "initiating",
	StatusAwaitingConfirmation: "awaiting_confirmation",
	StatusSucceeded:            "succeeded",
	StatusFailed:               "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether the attempt has resolved. No automatic transition
// leaves a terminal state; only an explicit retry or a new start does.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// validTransitions is the legality table. Failed -> AwaitingConfirmation is
// the retry path and the only way back out of a terminal state.
var validTransitions = map[Status][]Status{
	StatusIdle:                 {StatusInitiating},
	StatusInitiating:           {StatusAwaitingConfirmation, StatusSucceeded, StatusFailed},
	StatusAwaitingConfirmation: {StatusSucceeded, StatusFailed},
	StatusSucceeded:            {},
	StatusFailed:               {StatusAwaitingConfirmation},
}

// CanTransition reports whether moving from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// State is the mutable record of one in-flight payment attempt. It is owned
// exclusively by one orchestrator instance; the orchestrator's mutex guards
// every access, so the struct itself carries no lock.
type State struct {
	TransactionID  string
	Status         Status
	RedirectTarget string
	RetryCount     int
	PollStartedAt  time.Time
	StatusMessage  string

	Method   Method
	Amount   float64
	Currency string
	OrderID  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewState creates the record for a fresh attempt. RetryCount starts at zero;
// it only ever resets when a brand-new Start supersedes the attempt.
func NewState(req PaymentRequest, now time.Time) *State {
	return &State{
		Status:        StatusIdle,
		StatusMessage: "Preparing payment",
		Method:        req.Method,
		Amount:        req.Amount,
		Currency:      req.Currency,
		OrderID:       req.OrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// TransitionTo applies a legal status change and updates the display message.
func (s *State) TransitionTo(next Status, message string, now time.Time) error {
	if !CanTransition(s.Status, next) {
		return fmt.Errorf("transaction: illegal transition %s -> %s", s.Status, next)
	}
	s.Status = next
	s.StatusMessage = message
	s.UpdatedAt = now
	return nil
}

// Snapshot returns a copy safe to hand to display collaborators.
func (s *State) Snapshot() State {
	return *s
}
