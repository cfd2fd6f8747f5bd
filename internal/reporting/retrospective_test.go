package reporting_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/storefront-payments/internal/reporting"
)

func TestCollector_AppendAndSnapshot(t *testing.T) {
	c := reporting.NewCollector()
	assert.Empty(t, c.Snapshot())

	c.Append(reporting.Entry{PaymentID: "p1", Status: reporting.StatusStarted})
	c.Append(reporting.Entry{PaymentID: "p1", Status: reporting.StatusSucceeded})

	entries := c.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, reporting.StatusStarted, entries[0].Status)

	entries[0].PaymentID = "mutated"
	assert.Equal(t, "p1", c.Snapshot()[0].PaymentID, "snapshot must be a copy")
}

func TestCollector_ConcurrentAppends(t *testing.T) {
	c := reporting.NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Append(reporting.Entry{Status: reporting.StatusStarted})
		}()
	}
	wg.Wait()
	assert.Len(t, c.Snapshot(), 20)
}

func TestGenerate(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entries := []reporting.Entry{
		{Timestamp: base, PaymentID: "p1", Method: "card", Status: reporting.StatusStarted, Amount: 100, Currency: "USD"},
		{Timestamp: base.Add(5 * time.Second), PaymentID: "p1", Method: "card", Status: reporting.StatusSucceeded, Amount: 100, Currency: "USD"},
		{Timestamp: base.Add(time.Minute), PaymentID: "p2", Method: "mobile-money-a", Status: reporting.StatusStarted, Amount: 750, Currency: "KES"},
		{Timestamp: base.Add(2 * time.Minute), PaymentID: "p2", Method: "mobile-money-a", Status: reporting.StatusFailed, Amount: 750, Currency: "KES", ErrorCode: "TIMEOUT"},
		{Timestamp: base.Add(3 * time.Minute), PaymentID: "p2", Method: "mobile-money-a", Status: reporting.StatusRetried, Amount: 750, Currency: "KES"},
		{Timestamp: base.Add(4 * time.Minute), PaymentID: "p2", Method: "mobile-money-a", Status: reporting.StatusSucceeded, Amount: 750, Currency: "KES"},
	}

	report := reporting.Generate(entries)
	assert.Equal(t, 2, report.TotalAttempts)
	assert.Equal(t, 2, report.SuccessfulPayments)
	assert.Equal(t, 1, report.FailedPayments)
	assert.Equal(t, 1, report.RetriedAttempts)
	assert.Equal(t, float64(850), report.TotalAmountConfirmed)
	assert.Equal(t, float64(100), report.AmountByCurrency["USD"])
	assert.Equal(t, float64(750), report.AmountByCurrency["KES"])
	assert.Equal(t, 1, report.ErrorBreakdown["TIMEOUT"])
	assert.Equal(t, 2, report.MethodUsage["card"])
	assert.Equal(t, 4, report.MethodUsage["mobile-money-a"])
	assert.Equal(t, base, report.DateFrom)
	assert.Equal(t, base.Add(4*time.Minute), report.DateTo)
}

func TestGenerate_Empty(t *testing.T) {
	report := reporting.Generate(nil)
	require.NotNil(t, report)
	assert.Zero(t, report.TotalAttempts)
	assert.NotNil(t, report.AmountByCurrency)
	assert.NotNil(t, report.ErrorBreakdown)
	assert.True(t, report.DateFrom.IsZero())
}
