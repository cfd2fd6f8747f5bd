package circuitbreaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/storefront-payments/internal/gateway/circuitbreaker"
)

const (
	testMethod    = "mobile-money-a"
	anotherMethod = "card"
)

func TestNew(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		cb := circuitbreaker.New(circuitbreaker.Config{})
		require.NotNil(t, cb)
		assert.True(t, cb.Allow(testMethod), "should allow by default")

		// Default threshold is 5 consecutive failures.
		for i := 0; i < 4; i++ {
			cb.RecordFailure(testMethod)
		}
		assert.True(t, cb.Allow(testMethod), "should still be closed after 4 failures")
		cb.RecordFailure(testMethod)
		assert.False(t, cb.Allow(testMethod), "should be open after 5 failures")
	})

	t.Run("custom config", func(t *testing.T) {
		cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2})
		cb.RecordFailure(testMethod)
		assert.True(t, cb.Allow(testMethod))
		cb.RecordFailure(testMethod)
		assert.False(t, cb.Allow(testMethod))
	})
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	cfg := circuitbreaker.Config{
		FailureThreshold:         2,
		OpenStateTimeout:         30 * time.Millisecond,
		HalfOpenSuccessThreshold: 2,
	}

	t.Run("closed to open", func(t *testing.T) {
		cb := circuitbreaker.New(cfg)
		assert.Equal(t, circuitbreaker.Closed, cb.GetState(testMethod))

		cb.RecordFailure(testMethod)
		cb.RecordFailure(testMethod)
		assert.Equal(t, circuitbreaker.Open, cb.GetState(testMethod))
		assert.False(t, cb.Allow(testMethod))
	})

	t.Run("open to half-open after timeout", func(t *testing.T) {
		cb := circuitbreaker.New(cfg)
		cb.RecordFailure(testMethod)
		cb.RecordFailure(testMethod)
		require.False(t, cb.Allow(testMethod))

		time.Sleep(40 * time.Millisecond)
		assert.True(t, cb.Allow(testMethod), "probe should be allowed after the open window")
		assert.Equal(t, circuitbreaker.HalfOpen, cb.GetState(testMethod))
	})

	t.Run("half-open closes after successes", func(t *testing.T) {
		cb := circuitbreaker.New(cfg)
		cb.RecordFailure(testMethod)
		cb.RecordFailure(testMethod)
		time.Sleep(40 * time.Millisecond)
		require.True(t, cb.Allow(testMethod))

		cb.RecordSuccess(testMethod)
		assert.Equal(t, circuitbreaker.HalfOpen, cb.GetState(testMethod))
		cb.RecordSuccess(testMethod)
		assert.Equal(t, circuitbreaker.Closed, cb.GetState(testMethod))
	})

	t.Run("half-open reopens on failure", func(t *testing.T) {
		cb := circuitbreaker.New(cfg)
		cb.RecordFailure(testMethod)
		cb.RecordFailure(testMethod)
		time.Sleep(40 * time.Millisecond)
		require.True(t, cb.Allow(testMethod))

		cb.RecordFailure(testMethod)
		assert.Equal(t, circuitbreaker.Open, cb.GetState(testMethod))
		assert.False(t, cb.Allow(testMethod))
	})

	t.Run("success in closed resets failure streak", func(t *testing.T) {
		cb := circuitbreaker.New(cfg)
		cb.RecordFailure(testMethod)
		cb.RecordSuccess(testMethod)
		cb.RecordFailure(testMethod)
		assert.Equal(t, circuitbreaker.Closed, cb.GetState(testMethod))
	})
}

func TestCircuitBreaker_MethodsAreIndependent(t *testing.T) {
	cb := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1})
	cb.RecordFailure(testMethod)

	assert.False(t, cb.Allow(testMethod))
	assert.True(t, cb.Allow(anotherMethod), "one method's open circuit must not gate another")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", circuitbreaker.Closed.String())
	assert.Equal(t, "open", circuitbreaker.Open.String())
	assert.Equal(t, "half-open", circuitbreaker.HalfOpen.String())
}
