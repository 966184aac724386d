package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "checkplease"

// Claim adjustment outcomes recorded by ObserveClaimAdjustment.
const (
	OutcomeApplied     = "applied"
	OutcomeNoop        = "noop"
	OutcomeOverClaim   = "over_claim"
	OutcomeConflict    = "conflict"
	OutcomeNotFound    = "not_found"
	OutcomeInvalid     = "invalid_input"
	OutcomeUnavailable = "store_unavailable"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	claimAdjustments *prometheus.CounterVec
	claimRetries     prometheus.Counter
	activeViewers    prometheus.Gauge
	feedEvents       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		claimAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "claim_adjustments_total",
			Help:      "Claim adjustments by outcome.",
		}, []string{"outcome"}),
		claimRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "claim_retries_total",
			Help:      "Claim read-modify-write cycles retried after a conflict or transient store error.",
		}),
		activeViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "session_viewers",
			Help:      "Session view synchronizers currently live.",
		}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "feed_events_total",
			Help:      "Change feed events applied by session synchronizers, by table.",
		}, []string{"table"}),
	}
	if registerer == nil {
		return metrics, nil
	}
	collectors := []prometheus.Collector{
		metrics.claimAdjustments,
		metrics.claimRetries,
		metrics.activeViewers,
		metrics.feedEvents,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

// ObserveClaimAdjustment counts one finished AdjustClaim call.
func (m *Metrics) ObserveClaimAdjustment(outcome string) {
	if m == nil {
		return
	}
	m.claimAdjustments.WithLabelValues(outcome).Inc()
}

// ObserveClaimRetry counts one retried claim cycle.
func (m *Metrics) ObserveClaimRetry() {
	if m == nil {
		return
	}
	m.claimRetries.Inc()
}

// ViewerConnected marks a synchronizer as live.
func (m *Metrics) ViewerConnected() {
	if m == nil {
		return
	}
	m.activeViewers.Inc()
}

// ViewerDisconnected marks a live synchronizer as gone.
func (m *Metrics) ViewerDisconnected() {
	if m == nil {
		return
	}
	m.activeViewers.Dec()
}

// ObserveFeedEvent counts one applied change feed event.
func (m *Metrics) ObserveFeedEvent(table string) {
	if m == nil {
		return
	}
	m.feedEvents.WithLabelValues(table).Inc()
}
