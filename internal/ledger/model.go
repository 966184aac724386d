package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bill is one shared billing session.
type Bill struct {
	BillID        string              `gorm:"column:bill_id;primaryKey;size:190;not null"`
	CreatedAt     time.Time           `gorm:"column:created_at;not null"`
	TotalAmount   decimal.NullDecimal `gorm:"column:total_amount;type:decimal(10,2)"`
	TipPercentage int                 `gorm:"column:tip_percentage;not null;default:15"`
	ExpiresAt     time.Time           `gorm:"column:expires_at;not null;index:idx_bills_expires_at"`
}

// TableName provides the explicit table binding for GORM.
func (Bill) TableName() string {
	return "bills"
}

// Expired reports whether the bill has passed its expiry timestamp at the provided instant.
func (b Bill) Expired(now time.Time) bool {
	return !b.ExpiresAt.After(now)
}

// Item is one claimable line entry. UnclaimedQuantity is only ever written through ApplyClaimChange.
type Item struct {
	ItemID            string          `gorm:"column:item_id;primaryKey;size:190;not null"`
	BillID            string          `gorm:"column:bill_id;size:190;not null;index:idx_items_bill,priority:1"`
	Name              string          `gorm:"column:name;size:320;not null"`
	Price             decimal.Decimal `gorm:"column:price;type:decimal(10,2);not null"`
	Quantity          int             `gorm:"column:quantity;not null;default:1"`
	UnclaimedQuantity int             `gorm:"column:unclaimed_quantity;not null"`
	CreatedAt         time.Time       `gorm:"column:created_at;not null;index:idx_items_bill,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "items"
}

// Guest is a self-declared participant of a bill.
type Guest struct {
	GuestID  string    `gorm:"column:guest_id;primaryKey;size:190;not null"`
	BillID   string    `gorm:"column:bill_id;size:190;not null;index:idx_guests_bill,priority:1"`
	Name     string    `gorm:"column:name;size:320;not null"`
	Color    string    `gorm:"column:color;size:32;not null"`
	JoinedAt time.Time `gorm:"column:joined_at;not null;index:idx_guests_bill,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Guest) TableName() string {
	return "guests"
}

// Claim records how many units of one item one guest holds.
type Claim struct {
	ClaimID         string    `gorm:"column:claim_id;primaryKey;size:190;not null"`
	ItemID          string    `gorm:"column:item_id;size:190;not null;uniqueIndex:idx_claims_item_guest,priority:1"`
	GuestID         string    `gorm:"column:guest_id;size:190;not null;uniqueIndex:idx_claims_item_guest,priority:2"`
	QuantityClaimed int       `gorm:"column:quantity_claimed;not null;default:1"`
	CreatedAt       time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Claim) TableName() string {
	return "claims"
}

// Models lists the persisted record types in migration order.
func Models() []any {
	return []any{&Bill{}, &Item{}, &Guest{}, &Claim{}}
}

// ClaimOperation enumerates the claim row writes a ClaimChange can carry.
type ClaimOperation string

const (
	// ClaimOperationInsert creates the guest's first claim on an item.
	ClaimOperationInsert ClaimOperation = "insert"
	// ClaimOperationUpdate sets a new quantity on an existing claim.
	ClaimOperationUpdate ClaimOperation = "update"
	// ClaimOperationDelete removes an existing claim.
	ClaimOperationDelete ClaimOperation = "delete"
)

// ClaimChange is a conditional patch: it applies only while the item still holds
// ExpectedUnclaimed units and, for update/delete, the claim still holds ExpectedClaimed units.
type ClaimChange struct {
	ItemID            string
	ExpectedUnclaimed int
	NextUnclaimed     int
	Operation         ClaimOperation
	Claim             Claim
	ExpectedClaimed   int
}
