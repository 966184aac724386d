package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/checkplease/internal/bills"
	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
	sqlite "github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const viewTimeout = 2 * time.Second

type harness struct {
	db      *gorm.DB
	feed    *ledger.Feed
	store   *ledger.Store
	service *bills.Service
	now     time.Time
}

func newHarness(t *testing.T) harness {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "session.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(ledger.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	clock := func() time.Time { return now }
	feed := ledger.NewFeed(16)
	t.Cleanup(feed.Close)
	store, err := ledger.NewStore(ledger.StoreConfig{Database: db, Publisher: feed, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	service, err := bills.NewService(bills.ServiceConfig{Store: store, Clock: clock, IDProvider: ledger.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return harness{db: db, feed: feed, store: store, service: service, now: now}
}

func (h harness) mustCreatePizzaBill(t *testing.T) (string, string) {
	t.Helper()
	billID, err := h.service.CreateBill(context.Background(), []bills.ItemInput{
		{Name: "Pizza", Price: decimal.RequireFromString("12.00"), Quantity: 2},
	}, 20)
	if err != nil {
		t.Fatalf("failed to create bill: %v", err)
	}
	items, err := h.store.ListItems(context.Background(), billID)
	if err != nil {
		t.Fatalf("failed to list items: %v", err)
	}
	return billID, items[0].ItemID
}

func (h harness) newSynchronizer(t *testing.T, billID string, clock func() time.Time) *Synchronizer {
	t.Helper()
	if clock == nil {
		clock = func() time.Time { return h.now }
	}
	synchronizer, err := NewSynchronizer(Config{Reader: h.store, Feed: h.feed, BillID: billID, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build synchronizer: %v", err)
	}
	return synchronizer
}

func startSynchronizer(t *testing.T, synchronizer *Synchronizer) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- synchronizer.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

// awaitView waits for a view satisfying accept, skipping intermediate ones.
func awaitView(t *testing.T, synchronizer *Synchronizer, accept func(View) bool) View {
	t.Helper()
	deadline := time.After(viewTimeout)
	for {
		select {
		case view := <-synchronizer.Updates():
			if accept(view) {
				return view
			}
		case <-deadline:
			t.Fatalf("expected matching view within %s", viewTimeout)
			return View{}
		}
	}
}

func TestSynchronizerConvergesOnClaims(t *testing.T) {
	h := newHarness(t)
	billID, pizzaID := h.mustCreatePizzaBill(t)
	synchronizer := h.newSynchronizer(t, billID, nil)
	startSynchronizer(t, synchronizer)

	initial := awaitView(t, synchronizer, func(view View) bool { return view.State == StateLive })
	if len(initial.Snapshot.Items) != 1 || initial.Settlement.Bill.Subtotal.StringFixed(2) != "24.00" {
		t.Fatalf("unexpected initial view %#v", initial.Snapshot)
	}

	guestID, err := h.service.JoinBill(context.Background(), billID, "Ana", "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	awaitView(t, synchronizer, func(view View) bool { return len(view.Snapshot.Guests) == 1 })

	if _, err := h.service.AdjustClaim(context.Background(), pizzaID, guestID, 1); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	view := awaitView(t, synchronizer, func(view View) bool {
		return len(view.Snapshot.Claims) == 1 && view.Snapshot.Items[0].UnclaimedQuantity == 1
	})
	if got := view.Settlement.Guests[0].Total.StringFixed(2); got != "14.40" {
		t.Fatalf("expected guest total 14.40, got %s", got)
	}

	if _, err := h.service.SetTipPercentage(context.Background(), billID, 10); err != nil {
		t.Fatalf("set tip failed: %v", err)
	}
	view = awaitView(t, synchronizer, func(view View) bool { return view.Snapshot.Bill.TipPercentage == 10 })
	if got := view.Settlement.Guests[0].TipAmount.StringFixed(2); got != "1.20" {
		t.Fatalf("expected guest tip 1.20, got %s", got)
	}
	if synchronizer.State() != StateLive {
		t.Fatalf("expected live state, got %s", synchronizer.State())
	}
}

func TestSynchronizerIgnoresOtherBills(t *testing.T) {
	h := newHarness(t)
	billID, _ := h.mustCreatePizzaBill(t)
	otherBill, otherPizza := h.mustCreatePizzaBill(t)
	synchronizer := h.newSynchronizer(t, billID, nil)
	startSynchronizer(t, synchronizer)
	awaitView(t, synchronizer, func(view View) bool { return view.State == StateLive })

	guestID, err := h.service.JoinBill(context.Background(), otherBill, "Eve", "")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if _, err := h.service.AdjustClaim(context.Background(), otherPizza, guestID, 2); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	select {
	case view := <-synchronizer.Updates():
		t.Fatalf("did not expect a view for another bill, got %#v", view.Snapshot)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSynchronizerMissingBill(t *testing.T) {
	h := newHarness(t)
	synchronizer := h.newSynchronizer(t, "missing", nil)

	err := synchronizer.Run(context.Background())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if synchronizer.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", synchronizer.State())
	}
	view := <-synchronizer.Updates()
	if view.State != StateDisconnected || !errors.Is(view.Err, ErrNotFound) {
		t.Fatalf("unexpected final view %#v", view)
	}
}

func TestSynchronizerExpiredBill(t *testing.T) {
	h := newHarness(t)
	billID, _ := h.mustCreatePizzaBill(t)
	synchronizer := h.newSynchronizer(t, billID, func() time.Time {
		return h.now.Add(bills.DefaultBillTTL + time.Second)
	})

	if err := synchronizer.Run(context.Background()); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestSynchronizerCancellationIsNotAnError(t *testing.T) {
	h := newHarness(t)
	billID, _ := h.mustCreatePizzaBill(t)
	synchronizer := h.newSynchronizer(t, billID, nil)
	cancel, done := startSynchronizer(t, synchronizer)
	awaitView(t, synchronizer, func(view View) bool { return view.State == StateLive })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil after cancellation, got %v", err)
		}
	case <-time.After(viewTimeout):
		t.Fatal("expected run to return after cancellation")
	}
	if synchronizer.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", synchronizer.State())
	}
}

func TestSynchronizerFeedClosed(t *testing.T) {
	h := newHarness(t)
	billID, _ := h.mustCreatePizzaBill(t)
	synchronizer := h.newSynchronizer(t, billID, nil)
	_, done := startSynchronizer(t, synchronizer)
	awaitView(t, synchronizer, func(view View) bool { return view.State == StateLive })

	h.feed.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrFeedClosed) {
			t.Fatalf("expected feed closed, got %v", err)
		}
	case <-time.After(viewTimeout):
		t.Fatal("expected run to return after feed close")
	}
	view := awaitView(t, synchronizer, func(view View) bool { return view.State == StateDisconnected })
	if len(view.Snapshot.Items) != 1 {
		t.Fatalf("expected last snapshot to be kept on disconnect")
	}
}

func TestSynchronizerResyncReloads(t *testing.T) {
	h := newHarness(t)
	billID, pizzaID := h.mustCreatePizzaBill(t)
	synchronizer := h.newSynchronizer(t, billID, nil)
	startSynchronizer(t, synchronizer)
	awaitView(t, synchronizer, func(view View) bool { return view.State == StateLive })

	// Write behind the feed's back, then deliver a single resync marker.
	quiet, err := ledger.NewStore(ledger.StoreConfig{Database: h.db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	guest := ledger.Guest{GuestID: "guest-quiet", BillID: billID, Name: "Quiet", Color: bills.DefaultColor, JoinedAt: h.now}
	if err := quiet.InsertGuest(context.Background(), guest); err != nil {
		t.Fatalf("failed to insert guest: %v", err)
	}
	h.feed.Publish(context.Background(), ledger.ChangeEvent{
		Table:    ledger.TableItems,
		Kind:     ledger.ChangeUpdate,
		BillID:   billID,
		RecordID: pizzaID,
		ItemID:   pizzaID,
		Resync:   true,
	})

	awaitView(t, synchronizer, func(view View) bool { return len(view.Snapshot.Guests) == 1 })
}

func TestSynchronizerRejectsConcurrentRun(t *testing.T) {
	h := newHarness(t)
	billID, _ := h.mustCreatePizzaBill(t)
	synchronizer := h.newSynchronizer(t, billID, nil)
	startSynchronizer(t, synchronizer)
	awaitView(t, synchronizer, func(view View) bool { return view.State == StateLive })

	if err := synchronizer.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %v", err)
	}
}
