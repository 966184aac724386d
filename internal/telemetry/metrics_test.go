package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegisterAndRecord(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	if err != nil {
		t.Fatalf("failed to build metrics: %v", err)
	}

	metrics.ObserveClaimAdjustment(OutcomeApplied)
	metrics.ObserveClaimAdjustment(OutcomeOverClaim)
	metrics.ObserveClaimRetry()
	metrics.ViewerConnected()
	metrics.ObserveFeedEvent("items")

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	names := map[string]bool{}
	for _, family := range families {
		names[family.GetName()] = true
	}
	for _, expected := range []string{
		"checkplease_claim_adjustments_total",
		"checkplease_claim_retries_total",
		"checkplease_session_viewers",
		"checkplease_feed_events_total",
	} {
		if !names[expected] {
			t.Fatalf("expected metric family %s, got %v", expected, names)
		}
	}
}

func TestMetricsDuplicateRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := NewMetrics(registry); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := NewMetrics(registry); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveClaimAdjustment(OutcomeApplied)
	metrics.ObserveClaimRetry()
	metrics.ViewerConnected()
	metrics.ViewerDisconnected()
	metrics.ObserveFeedEvent("claims")
}
