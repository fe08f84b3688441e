package metrics

import (
	"strconv"
	"time"

	"bookstore/internal/domain/model"
	"bookstore/internal/usecase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "bookstore"

// usecase.Metricsのprometheus実装。登録先はグローバルではなく自前のRegistry。
type Metrics struct {
	reg *prometheus.Registry

	reservationFailures *prometheus.CounterVec
	transitions         *prometheus.CounterVec
	rejectedTransitions *prometheus.CounterVec
	reconcileOutcomes   *prometheus.CounterVec
	sweepExpired        prometheus.Counter
	sweepReconciled     prometheus.Counter
	sweepDuration       prometheus.Histogram
}

var _ usecase.Metrics = (*Metrics)(nil)

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		reservationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stock", Name: "reservation_failures_total",
			Help: "Reservations refused for insufficient stock.",
		}, []string{"product_id"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "order", Name: "transitions_total",
			Help: "Applied order state transitions.",
		}, []string{"from", "to", "actor"}),
		rejectedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "order", Name: "rejected_transitions_total",
			Help: "Order transitions refused by the transition table or lost to a concurrent writer.",
		}, []string{"actor"}),
		reconcileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "payment", Name: "reconcile_outcomes_total",
			Help: "Payment reconciliation results by outcome.",
		}, []string{"outcome"}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "expired_total",
			Help: "Pending orders expired by the sweeper.",
		}),
		sweepReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "reconciled_total",
			Help: "Stale awaiting_payment orders re-checked against the gateway.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "run_seconds",
			Help:    "Duration of one sweep.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.reservationFailures,
		m.transitions,
		m.rejectedTransitions,
		m.reconcileOutcomes,
		m.sweepExpired,
		m.sweepReconciled,
		m.sweepDuration,
	)
	return m
}

// /metrics用
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.reg
}

func (m *Metrics) Registerer() prometheus.Registerer {
	return m.reg
}

func (m *Metrics) ReservationFailed(productID int64) {
	m.reservationFailures.WithLabelValues(strconv.FormatInt(productID, 10)).Inc()
}

func (m *Metrics) TransitionApplied(from, to model.OrderState, actor model.Actor) {
	m.transitions.WithLabelValues(string(from), string(to), string(actor)).Inc()
}

func (m *Metrics) TransitionRejected(actor model.Actor) {
	m.rejectedTransitions.WithLabelValues(string(actor)).Inc()
}

func (m *Metrics) ReconcileOutcome(outcome usecase.VerifyOutcome) {
	m.reconcileOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) SweepCompleted(expired int, reconciled int, took time.Duration) {
	m.sweepExpired.Add(float64(expired))
	m.sweepReconciled.Add(float64(reconciled))
	m.sweepDuration.Observe(took.Seconds())
}
