package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	itemBatchSize = 100

	queryBillID           = "bill_id = ?"
	queryItemID           = "item_id = ?"
	queryGuestID          = "guest_id = ?"
	queryItemGuest        = "item_id = ? AND guest_id = ?"
	queryItemIDs          = "item_id IN ?"
	queryItemUnclaimed    = "item_id = ? AND unclaimed_quantity = ?"
	queryClaimQuantity    = "claim_id = ? AND quantity_claimed = ?"
	orderItems            = "created_at ASC, item_id ASC"
	orderGuests           = "joined_at ASC, guest_id ASC"
	orderClaims           = "created_at ASC, claim_id ASC"
	columnTipPercentage   = "tip_percentage"
	columnUnclaimed       = "unclaimed_quantity"
	columnQuantityClaimed = "quantity_claimed"
)

var (
	errMissingDatabase = errors.New("ledger: database handle is required")
	errInvalidChange   = errors.New("ledger: invalid claim change")
)

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database  *gorm.DB
	Publisher Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Store is the durable ledger for bills, items, guests and claims. Every committed
// mutation is announced to the configured Publisher after the transaction commits.
type Store struct {
	db        *gorm.DB
	publisher Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:        cfg.Database,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
	}, nil
}

// CreateBill inserts the bill and all of its items in one transaction.
func (s *Store) CreateBill(ctx context.Context, bill Bill, items []Item) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&bill).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.CreateInBatches(&items, itemBatchSize).Error
	})
	if err != nil {
		return translateError(err)
	}

	committedAt := s.clock().UTC()
	events := make([]ChangeEvent, 0, len(items)+1)
	events = append(events, ChangeEvent{
		Table:       TableBills,
		Kind:        ChangeInsert,
		BillID:      bill.BillID,
		RecordID:    bill.BillID,
		CommittedAt: committedAt,
	})
	for _, item := range items {
		events = append(events, ChangeEvent{
			Table:       TableItems,
			Kind:        ChangeInsert,
			BillID:      item.BillID,
			RecordID:    item.ItemID,
			ItemID:      item.ItemID,
			CommittedAt: committedAt,
		})
	}
	s.publish(ctx, events...)
	return nil
}

// InsertGuest persists a new guest.
func (s *Store) InsertGuest(ctx context.Context, guest Guest) error {
	if err := s.db.WithContext(ctx).Create(&guest).Error; err != nil {
		return translateError(err)
	}
	s.publish(ctx, ChangeEvent{
		Table:       TableGuests,
		Kind:        ChangeInsert,
		BillID:      guest.BillID,
		RecordID:    guest.GuestID,
		CommittedAt: s.clock().UTC(),
	})
	return nil
}

// GetBill loads a bill by identifier.
func (s *Store) GetBill(ctx context.Context, billID string) (Bill, error) {
	var bill Bill
	if err := s.db.WithContext(ctx).Where(queryBillID, billID).Take(&bill).Error; err != nil {
		return Bill{}, translateError(err)
	}
	return bill, nil
}

// GetItem loads an item by identifier.
func (s *Store) GetItem(ctx context.Context, itemID string) (Item, error) {
	var item Item
	if err := s.db.WithContext(ctx).Where(queryItemID, itemID).Take(&item).Error; err != nil {
		return Item{}, translateError(err)
	}
	return item, nil
}

// GetGuest loads a guest by identifier.
func (s *Store) GetGuest(ctx context.Context, guestID string) (Guest, error) {
	var guest Guest
	if err := s.db.WithContext(ctx).Where(queryGuestID, guestID).Take(&guest).Error; err != nil {
		return Guest{}, translateError(err)
	}
	return guest, nil
}

// FindClaim returns the guest's claim on an item, or ErrNotFound.
func (s *Store) FindClaim(ctx context.Context, itemID, guestID string) (Claim, error) {
	var claim Claim
	if err := s.db.WithContext(ctx).Where(queryItemGuest, itemID, guestID).Take(&claim).Error; err != nil {
		return Claim{}, translateError(err)
	}
	return claim, nil
}

// ListItems returns the bill's items in creation order.
func (s *Store) ListItems(ctx context.Context, billID string) ([]Item, error) {
	var items []Item
	if err := s.db.WithContext(ctx).Where(queryBillID, billID).Order(orderItems).Find(&items).Error; err != nil {
		return nil, translateError(err)
	}
	return items, nil
}

// ListGuests returns the bill's guests in join order.
func (s *Store) ListGuests(ctx context.Context, billID string) ([]Guest, error) {
	var guests []Guest
	if err := s.db.WithContext(ctx).Where(queryBillID, billID).Order(orderGuests).Find(&guests).Error; err != nil {
		return nil, translateError(err)
	}
	return guests, nil
}

// ListClaims returns every claim on the provided items.
func (s *Store) ListClaims(ctx context.Context, itemIDs []string) ([]Claim, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	var claims []Claim
	if err := s.db.WithContext(ctx).Where(queryItemIDs, itemIDs).Order(orderClaims).Find(&claims).Error; err != nil {
		return nil, translateError(err)
	}
	return claims, nil
}

// UpdateTipPercentage sets the bill's tip percentage and returns the updated bill.
func (s *Store) UpdateTipPercentage(ctx context.Context, billID string, percentage int) (Bill, error) {
	var bill Bill
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Bill{}).Where(queryBillID, billID).Update(columnTipPercentage, percentage)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where(queryBillID, billID).Take(&bill).Error
	})
	if err != nil {
		return Bill{}, translateError(err)
	}
	s.publish(ctx, ChangeEvent{
		Table:       TableBills,
		Kind:        ChangeUpdate,
		BillID:      bill.BillID,
		RecordID:    bill.BillID,
		CommittedAt: s.clock().UTC(),
	})
	return bill, nil
}

// ApplyClaimChange applies the claim write and the unclaimed_quantity swap atomically.
// It returns ErrConflict when either precondition no longer holds.
func (s *Store) ApplyClaimChange(ctx context.Context, change ClaimChange) (Item, error) {
	if err := validateClaimChange(change); err != nil {
		return Item{}, err
	}

	var item Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		swap := tx.Model(&Item{}).
			Where(queryItemUnclaimed, change.ItemID, change.ExpectedUnclaimed).
			Update(columnUnclaimed, change.NextUnclaimed)
		if swap.Error != nil {
			return swap.Error
		}
		if swap.RowsAffected == 0 {
			return ErrConflict
		}

		switch change.Operation {
		case ClaimOperationInsert:
			claim := change.Claim
			if err := tx.Create(&claim).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("%w: claim already exists", ErrConflict)
				}
				return err
			}
		case ClaimOperationUpdate:
			result := tx.Model(&Claim{}).
				Where(queryClaimQuantity, change.Claim.ClaimID, change.ExpectedClaimed).
				Update(columnQuantityClaimed, change.Claim.QuantityClaimed)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrConflict
			}
		case ClaimOperationDelete:
			result := tx.Where(queryClaimQuantity, change.Claim.ClaimID, change.ExpectedClaimed).Delete(&Claim{})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrConflict
			}
		}

		return tx.Where(queryItemID, change.ItemID).Take(&item).Error
	})
	if err != nil {
		translated := translateError(err)
		if !errors.Is(translated, ErrConflict) {
			s.logger.Warn("claim change failed",
				zap.String("item_id", change.ItemID),
				zap.String("claim_id", change.Claim.ClaimID),
				zap.String("operation", string(change.Operation)),
				zap.Error(err))
		}
		return Item{}, translated
	}

	committedAt := s.clock().UTC()
	s.publish(ctx,
		ChangeEvent{
			Table:       TableItems,
			Kind:        ChangeUpdate,
			BillID:      item.BillID,
			RecordID:    item.ItemID,
			ItemID:      item.ItemID,
			CommittedAt: committedAt,
		},
		ChangeEvent{
			Table:       TableClaims,
			Kind:        claimChangeKind(change.Operation),
			RecordID:    change.Claim.ClaimID,
			ItemID:      change.ItemID,
			CommittedAt: committedAt,
		},
	)
	return item, nil
}

func (s *Store) publish(ctx context.Context, events ...ChangeEvent) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	s.publisher.Publish(context.WithoutCancel(ctx), events...)
}

func validateClaimChange(change ClaimChange) error {
	if change.ItemID == "" || change.Claim.ClaimID == "" {
		return fmt.Errorf("%w: missing identifiers", errInvalidChange)
	}
	if change.NextUnclaimed < 0 {
		return fmt.Errorf("%w: negative unclaimed quantity", errInvalidChange)
	}
	switch change.Operation {
	case ClaimOperationInsert, ClaimOperationUpdate:
		if change.Claim.QuantityClaimed <= 0 {
			return fmt.Errorf("%w: non-positive claim quantity", errInvalidChange)
		}
	case ClaimOperationDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q", errInvalidChange, change.Operation)
	}
	return nil
}

func claimChangeKind(operation ClaimOperation) ChangeKind {
	switch operation {
	case ClaimOperationInsert:
		return ChangeInsert
	case ClaimOperationDelete:
		return ChangeDelete
	default:
		return ChangeUpdate
	}
}
