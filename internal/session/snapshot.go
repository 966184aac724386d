package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
)

var (
	// ErrNotFound reports that the bill does not exist.
	ErrNotFound = errors.New("session: bill not found")
	// ErrExpired reports that the bill has passed its expiry.
	ErrExpired = errors.New("session: bill expired")
	// ErrFeedClosed reports that the change feed ended while the session was live.
	ErrFeedClosed = errors.New("session: change feed closed")
	// ErrAlreadyRunning reports a second concurrent Run on one synchronizer.
	ErrAlreadyRunning = errors.New("session: synchronizer already running")
)

// Reader is the read side of the ledger a session needs.
type Reader interface {
	GetBill(ctx context.Context, billID string) (ledger.Bill, error)
	ListItems(ctx context.Context, billID string) ([]ledger.Item, error)
	ListGuests(ctx context.Context, billID string) ([]ledger.Guest, error)
	ListClaims(ctx context.Context, itemIDs []string) ([]ledger.Claim, error)
}

// Snapshot is a consistent-enough copy of one bill's records.
type Snapshot struct {
	Bill   ledger.Bill
	Items  []ledger.Item
	Guests []ledger.Guest
	Claims []ledger.Claim
}

// ItemIDs lists the snapshot's item identifiers in item order.
func (s Snapshot) ItemIDs() []string {
	ids := make([]string, 0, len(s.Items))
	for _, item := range s.Items {
		ids = append(ids, item.ItemID)
	}
	return ids
}

// HasItem reports whether the item belongs to the snapshot's bill.
func (s Snapshot) HasItem(itemID string) bool {
	for _, item := range s.Items {
		if item.ItemID == itemID {
			return true
		}
	}
	return false
}

// Load reads the full state of a bill. It fails with ErrNotFound or ErrExpired
// when the bill cannot be viewed at now.
func Load(ctx context.Context, reader Reader, billID string, now time.Time) (Snapshot, error) {
	bill, err := loadBill(ctx, reader, billID, now)
	if err != nil {
		return Snapshot{}, err
	}
	items, err := reader.ListItems(ctx, billID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("session: load items: %w", err)
	}
	guests, err := reader.ListGuests(ctx, billID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("session: load guests: %w", err)
	}
	snapshot := Snapshot{Bill: bill, Items: items, Guests: guests}
	claims, err := reader.ListClaims(ctx, snapshot.ItemIDs())
	if err != nil {
		return Snapshot{}, fmt.Errorf("session: load claims: %w", err)
	}
	snapshot.Claims = claims
	return snapshot, nil
}

func loadBill(ctx context.Context, reader Reader, billID string, now time.Time) (ledger.Bill, error) {
	bill, err := reader.GetBill(ctx, billID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Bill{}, fmt.Errorf("%w: %s", ErrNotFound, billID)
	}
	if err != nil {
		return ledger.Bill{}, fmt.Errorf("session: load bill: %w", err)
	}
	if bill.Expired(now) {
		return ledger.Bill{}, fmt.Errorf("%w: %s", ErrExpired, billID)
	}
	return bill, nil
}
