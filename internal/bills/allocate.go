package bills

import "github.com/MarcoPoloResearchLab/checkplease/internal/ledger"

// adjustment is the outcome of planning one claim delta against a read of the item.
type adjustment struct {
	noop   bool
	change ledger.ClaimChange
}

// planAdjustment computes the conditional write that moves the guest's claim by delta.
// The check is against the item's unclaimed counter, so the write is only valid while
// that counter still equals the value read.
func planAdjustment(item ledger.Item, existing *ledger.Claim, delta int) (adjustment, error) {
	current := 0
	if existing != nil {
		current = existing.QuantityClaimed
	}

	// delta is compared against bounds before any sum so extreme values cannot overflow.
	if delta <= -current {
		if existing == nil {
			return adjustment{noop: true}, nil
		}
		return adjustment{change: ledger.ClaimChange{
			ItemID:            item.ItemID,
			ExpectedUnclaimed: item.UnclaimedQuantity,
			NextUnclaimed:     min(item.Quantity, item.UnclaimedQuantity+current),
			Operation:         ledger.ClaimOperationDelete,
			Claim:             *existing,
			ExpectedClaimed:   current,
		}}, nil
	}

	if delta > item.Quantity-current || delta > item.UnclaimedQuantity {
		return adjustment{}, &OverClaimError{
			ItemID:    item.ItemID,
			Requested: delta,
			Available: item.UnclaimedQuantity,
		}
	}
	target := current + delta

	change := ledger.ClaimChange{
		ItemID:            item.ItemID,
		ExpectedUnclaimed: item.UnclaimedQuantity,
		NextUnclaimed:     min(item.Quantity, item.UnclaimedQuantity-delta),
	}
	if existing == nil {
		change.Operation = ledger.ClaimOperationInsert
		change.Claim = ledger.Claim{ItemID: item.ItemID, QuantityClaimed: target}
		return adjustment{change: change}, nil
	}
	claim := *existing
	claim.QuantityClaimed = target
	change.Operation = ledger.ClaimOperationUpdate
	change.Claim = claim
	change.ExpectedClaimed = current
	return adjustment{change: change}, nil
}
