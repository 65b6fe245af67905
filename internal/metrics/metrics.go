// Package metrics exposes Prometheus collectors for the reservation and
// payment flows. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rifapix"

type Metrics struct {
	// Reservation
	Selections   *prometheus.CounterVec
	Deselections prometheus.Counter

	// Sweeper
	NumbersExpired *prometheus.CounterVec
	Sweeps         prometheus.Counter

	// Payment
	ChargesIssued    *prometheus.CounterVec
	ChargesFinalized *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	LostNumbers      prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Selections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Number selection attempts by result.",
		}, []string{"result"}),
		Deselections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deselections_total",
			Help:      "Numbers released by their holder.",
		}),
		NumbersExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "numbers_expired_total",
			Help:      "Pending numbers freed by the sweeper, by resulting status.",
		}, []string{"status"}),
		Sweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed sweeper passes.",
		}),
		ChargesIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charges_issued_total",
			Help:      "Charge issue attempts by result.",
		}, []string{"result"}),
		ChargesFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charges_finalized_total",
			Help:      "Charge finalizations by outcome and the path that applied them.",
		}, []string{"outcome", "path"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_seconds",
			Help:      "Payment provider call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "result"}),
		LostNumbers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_payment_lost_numbers_total",
			Help:      "Numbers paid for after being re-reserved by someone else.",
		}),
	}
}

func (m *Metrics) Selected(result string) {
	if m == nil {
		return
	}
	m.Selections.WithLabelValues(result).Inc()
}

func (m *Metrics) Deselected() {
	if m == nil {
		return
	}
	m.Deselections.Inc()
}

func (m *Metrics) Expired(status string, n int) {
	if m == nil {
		return
	}
	m.NumbersExpired.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) Swept() {
	if m == nil {
		return
	}
	m.Sweeps.Inc()
}

func (m *Metrics) Issued(result string) {
	if m == nil {
		return
	}
	m.ChargesIssued.WithLabelValues(result).Inc()
}

func (m *Metrics) Finalized(outcome, path string) {
	if m == nil {
		return
	}
	m.ChargesFinalized.WithLabelValues(outcome, path).Inc()
}

func (m *Metrics) ObserveProvider(op string, err error, started time.Time) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ProviderLatency.WithLabelValues(op, result).Observe(time.Since(started).Seconds())
}

func (m *Metrics) Lost(n int) {
	if m == nil {
		return
	}
	m.LostNumbers.Add(float64(n))
}
