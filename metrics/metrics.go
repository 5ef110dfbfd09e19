package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	commonpb "github.com/code-payments/flipcash2-protobuf-api/generated/go/common/v1"
)

const namespace = "iap"

// Metrics counts purchase coordination outcomes. A nil *Metrics is a valid
// no-op, so coordinators can be built without a registry.
type Metrics struct {
	purchases  *prometheus.CounterVec
	lifecycle  *prometheus.CounterVec
	unexpected *prometheus.CounterVec
	finalized  *prometheus.CounterVec
	inProgress *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	purchases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purchases_total",
		Help:      "Total number of resolved purchase attempts by outcome.",
	}, []string{"platform", "outcome"})
	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lifecycle_transitions_total",
		Help:      "Total number of service lifecycle transitions by target state.",
	}, []string{"platform", "state"})
	unexpected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unexpected_notifications_total",
		Help:      "Total number of channel notifications without a matching pending request.",
	}, []string{"platform", "event"})
	finalized := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "finalized_transactions_total",
		Help:      "Total number of native transactions finalized with the channel.",
	}, []string{"platform", "state"})
	inProgress := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "purchases_in_progress",
		Help:      "Number of purchases currently awaiting a terminal event.",
	}, []string{"platform"})

	reg.MustRegister(purchases, lifecycle, unexpected, finalized, inProgress)

	return &Metrics{
		purchases:  purchases,
		lifecycle:  lifecycle,
		unexpected: unexpected,
		finalized:  finalized,
		inProgress: inProgress,
	}
}

func (m *Metrics) OnPurchaseStarted(platform commonpb.Platform) {
	if m == nil {
		return
	}
	m.inProgress.WithLabelValues(platform.String()).Inc()
}

func (m *Metrics) OnPurchaseResolved(platform commonpb.Platform, outcome string) {
	if m == nil {
		return
	}
	m.inProgress.WithLabelValues(platform.String()).Dec()
	m.purchases.WithLabelValues(platform.String(), outcome).Inc()
}

func (m *Metrics) OnLifecycleTransition(platform commonpb.Platform, state string) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(platform.String(), state).Inc()
}

func (m *Metrics) OnUnexpectedNotification(platform commonpb.Platform, event string) {
	if m == nil {
		return
	}
	m.unexpected.WithLabelValues(platform.String(), event).Inc()
}

func (m *Metrics) OnTransactionFinalized(platform commonpb.Platform, state string) {
	if m == nil {
		return
	}
	m.finalized.WithLabelValues(platform.String(), state).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
