// Package reporting aggregates payment attempt events into retrospective
// reports for the vendor back-office. The back-office is a read-only
// consumer; nothing here feeds back into orchestration decisions.
package reporting

import (
	"sync"
	"time"
)

// EventStatus classifies one attempt lifecycle event.
type EventStatus string

const (
	StatusStarted   EventStatus = "STARTED"
	StatusSucceeded EventStatus = "SUCCEEDED"
	StatusFailed    EventStatus = "FAILED"
	StatusRetried   EventStatus = "RETRIED"
)

// Entry records a single event from a payment attempt lifecycle.
type Entry struct {
	Timestamp     time.Time   `json:"timestamp"`
	PaymentID     string      `json:"paymentId"`
	TransactionID string      `json:"transactionId,omitempty"`
	Method        string      `json:"method"`
	Status        EventStatus `json:"status"`
	Amount        float64     `json:"amount"`
	Currency      string      `json:"currency"`
	ErrorCode     string      `json:"errorCode,omitempty"`
	ErrorMessage  string      `json:"errorMessage,omitempty"`
}

// Collector accumulates entries from concurrent orchestrators.
type Collector struct {
	mu      sync.Mutex
	entries []Entry
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Append records one entry.
func (c *Collector) Append(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

// Snapshot returns a copy of the collected entries.
func (c *Collector) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Report summarizes payment activity over a set of entries.
type Report struct {
	TotalAttempts        int              `json:"totalAttempts"`
	SuccessfulPayments   int              `json:"successfulPayments"`
	FailedPayments       int              `json:"failedPayments"`
	RetriedAttempts      int              `json:"retriedAttempts"`
	TotalAmountConfirmed float64          `json:"totalAmountConfirmed"`
	AmountByCurrency     map[string]float64 `json:"amountByCurrency"`
	ErrorBreakdown       map[string]int   `json:"errorBreakdown"`
	MethodUsage          map[string]int   `json:"methodUsage"`
	DateFrom             time.Time        `json:"dateFrom"`
	DateTo               time.Time        `json:"dateTo"`
}

// Generate produces a Report from entries. Attempts are counted from STARTED
// events; amounts are summed for SUCCEEDED events only.
func Generate(entries []Entry) *Report {
	report := &Report{
		AmountByCurrency: make(map[string]float64),
		ErrorBreakdown:   make(map[string]int),
		MethodUsage:      make(map[string]int),
	}
	if len(entries) == 0 {
		return report
	}

	report.DateFrom = entries[0].Timestamp
	report.DateTo = entries[0].Timestamp
	for _, e := range entries {
		if e.Timestamp.Before(report.DateFrom) {
			report.DateFrom = e.Timestamp
		}
		if e.Timestamp.After(report.DateTo) {
			report.DateTo = e.Timestamp
		}
		if e.Method != "" {
			report.MethodUsage[e.Method]++
		}

		switch e.Status {
		case StatusStarted:
			report.TotalAttempts++
		case StatusSucceeded:
			report.SuccessfulPayments++
			report.TotalAmountConfirmed += e.Amount
			report.AmountByCurrency[e.Currency] += e.Amount
		case StatusFailed:
			report.FailedPayments++
			if e.ErrorCode != "" {
				report.ErrorBreakdown[e.ErrorCode]++
			}
		case StatusRetried:
			report.RetriedAttempts++
		}
	}
	return report
}
