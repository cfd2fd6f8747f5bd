// Package metrics exposes Prometheus instruments for the payment
// orchestrator. Instruments are registered on an injected Registerer so
// tests can use a hermetic registry instead of the process-global one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the orchestrator's instruments.
type Metrics struct {
	InitiatedTotal   *prometheus.CounterVec
	SucceededTotal   *prometheus.CounterVec
	FailedTotal      *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	CancelledTotal   prometheus.Counter
	PollTicksTotal   prometheus.Counter
	InitiateDuration prometheus.Histogram
}

// New registers the orchestrator metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InitiatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_initiated_total",
			Help: "Payment attempts initiated with the gateway, by method.",
		}, []string{"method"}),
		SucceededTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_succeeded_total",
			Help: "Payment attempts confirmed successful, by method.",
		}, []string{"method"}),
		FailedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_failed_total",
			Help: "Payment attempts that ended in failure, by method and reason.",
		}, []string{"method", "reason"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_retries_total",
			Help: "Granted retry invocations, by method.",
		}, []string{"method"}),
		CancelledTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "payments_cancelled_total",
			Help: "Payment attempts cancelled before a terminal state.",
		}),
		PollTicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "payment_poll_ticks_total",
			Help: "Status-check poll ticks issued against the gateway.",
		}),
		InitiateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "payment_initiate_duration_seconds",
			Help:    "Latency of gateway initiate calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Failure reasons used as the "reason" label value.
const (
	ReasonInitiation = "initiation_error"
	ReasonGateway    = "gateway_reported"
	ReasonTimeout    = "timeout"
)
