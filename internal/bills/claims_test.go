package bills

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
	"github.com/MarcoPoloResearchLab/checkplease/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// flakyLedger serves a single item and fails the first claim writes with a configured error.
type flakyLedger struct {
	mu        sync.Mutex
	now       time.Time
	item      ledger.Item
	failures  int
	failWith  error
	applied   int
	attempted int
}

func newFlakyLedger(failures int, failWith error) *flakyLedger {
	now := time.Unix(1700000000, 0).UTC()
	return &flakyLedger{
		now:      now,
		failures: failures,
		failWith: failWith,
		item: ledger.Item{
			ItemID:            "item-1",
			BillID:            "bill-1",
			Name:              "Pizza",
			Price:             decimal.RequireFromString("12.00"),
			Quantity:          2,
			UnclaimedQuantity: 2,
		},
	}
}

func (l *flakyLedger) CreateBill(context.Context, ledger.Bill, []ledger.Item) error { return nil }

func (l *flakyLedger) InsertGuest(context.Context, ledger.Guest) error { return nil }

func (l *flakyLedger) GetBill(_ context.Context, billID string) (ledger.Bill, error) {
	return ledger.Bill{BillID: billID, TipPercentage: 15, ExpiresAt: l.now.Add(time.Hour)}, nil
}

func (l *flakyLedger) GetItem(context.Context, string) (ledger.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.item, nil
}

func (l *flakyLedger) GetGuest(_ context.Context, guestID string) (ledger.Guest, error) {
	return ledger.Guest{GuestID: guestID, BillID: "bill-1"}, nil
}

func (l *flakyLedger) FindClaim(context.Context, string, string) (ledger.Claim, error) {
	return ledger.Claim{}, ledger.ErrNotFound
}

func (l *flakyLedger) UpdateTipPercentage(context.Context, string, int) (ledger.Bill, error) {
	return ledger.Bill{}, ledger.ErrNotFound
}

func (l *flakyLedger) ApplyClaimChange(_ context.Context, change ledger.ClaimChange) (ledger.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempted++
	if l.failures > 0 {
		l.failures--
		return ledger.Item{}, l.failWith
	}
	if change.ExpectedUnclaimed != l.item.UnclaimedQuantity {
		return ledger.Item{}, ledger.ErrConflict
	}
	l.item.UnclaimedQuantity = change.NextUnclaimed
	l.applied++
	return l.item, nil
}

func newFlakyService(t *testing.T, store Ledger, maxAttempts int, registry *prometheus.Registry) *Service {
	t.Helper()
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		t.Fatalf("failed to build metrics: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Store:         store,
		Clock:         func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider:    ledger.NewUUIDProvider(),
		Metrics:       metrics,
		MaxAttempts:   maxAttempts,
		RetryInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		total := 0.0
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
		return total
	}
	return 0
}

func TestAdjustClaimRetriesConflicts(t *testing.T) {
	store := newFlakyLedger(2, ledger.ErrConflict)
	registry := prometheus.NewRegistry()
	service := newFlakyService(t, store, 3, registry)

	result, err := service.AdjustClaim(context.Background(), "item-1", "guest-1", 1)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if result.Item.UnclaimedQuantity != 1 {
		t.Fatalf("expected unclaimed 1, got %d", result.Item.UnclaimedQuantity)
	}
	if store.attempted != 3 || store.applied != 1 {
		t.Fatalf("expected 3 attempts and 1 write, got %d and %d", store.attempted, store.applied)
	}
	if retries := counterValue(t, registry, "checkplease_claim_retries_total"); retries != 2 {
		t.Fatalf("expected 2 retries recorded, got %v", retries)
	}
}

func TestAdjustClaimConflictAfterExhaustingAttempts(t *testing.T) {
	store := newFlakyLedger(10, ledger.ErrConflict)
	service := newFlakyService(t, store, 3, prometheus.NewRegistry())

	_, err := service.AdjustClaim(context.Background(), "item-1", "guest-1", 1)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "bills.adjust_claim.conflict" {
		t.Fatalf("unexpected service error %v", err)
	}
	if store.attempted != 3 || store.applied != 0 {
		t.Fatalf("expected 3 attempts and no write, got %d and %d", store.attempted, store.applied)
	}
}

func TestAdjustClaimRetriesTransientStoreErrors(t *testing.T) {
	store := newFlakyLedger(1, ledger.ErrUnavailable)
	service := newFlakyService(t, store, 3, prometheus.NewRegistry())

	if _, err := service.AdjustClaim(context.Background(), "item-1", "guest-1", 1); err != nil {
		t.Fatalf("expected success after transient failure, got %v", err)
	}

	store = newFlakyLedger(5, ledger.ErrUnavailable)
	service = newFlakyService(t, store, 2, prometheus.NewRegistry())
	if _, err := service.AdjustClaim(context.Background(), "item-1", "guest-1", 1); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestAdjustClaimDoesNotRetryOverClaim(t *testing.T) {
	store := newFlakyLedger(0, nil)
	service := newFlakyService(t, store, 3, prometheus.NewRegistry())

	_, err := service.AdjustClaim(context.Background(), "item-1", "guest-1", 3)
	var overClaim *OverClaimError
	if !errors.As(err, &overClaim) || overClaim.Available != 2 {
		t.Fatalf("expected over claim with 2 available, got %v", err)
	}
	if store.attempted != 0 {
		t.Fatalf("expected no write attempts, got %d", store.attempted)
	}
}

func TestAdjustClaimHonoursCancellation(t *testing.T) {
	store := newFlakyLedger(1000, ledger.ErrConflict)
	service := newFlakyService(t, store, 1000, prometheus.NewRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := service.AdjustClaim(ctx, "item-1", "guest-1", 1)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if store.applied != 0 {
		t.Fatalf("expected no write, got %d", store.applied)
	}
}
