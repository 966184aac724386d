// Package settlement derives what every guest owes from a bill snapshot.
package settlement

import (
	"slices"

	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Line is one item share held by a guest.
type Line struct {
	ItemID    string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Amount    decimal.Decimal
}

// GuestSettlement is the running amount owed by one guest.
type GuestSettlement struct {
	GuestID   string
	Name      string
	Color     string
	Subtotal  decimal.Decimal
	TipAmount decimal.Decimal
	Total     decimal.Decimal
	Lines     []Line
}

// BillSettlement summarizes the whole bill.
type BillSettlement struct {
	TipPercentage   int
	Subtotal        decimal.Decimal
	TipAmount       decimal.Decimal
	Total           decimal.Decimal
	UnclaimedValue  decimal.Decimal
	ClaimedSubtotal decimal.Decimal
	ClaimedTip      decimal.Decimal
}

// Result is the settlement of one snapshot. Guests keep the order they were supplied in.
type Result struct {
	Bill   BillSettlement
	Guests []GuestSettlement
}

// Calculate computes bill and per-guest totals. Amounts are exact; callers round for display.
// Claims on unknown items or by unknown guests are ignored.
func Calculate(bill ledger.Bill, items []ledger.Item, guests []ledger.Guest, claims []ledger.Claim) Result {
	percentage := decimal.NewFromInt(int64(bill.TipPercentage))

	itemsByID := make(map[string]ledger.Item, len(items))
	itemOrder := make(map[string]int, len(items))
	subtotal := decimal.Zero
	unclaimed := decimal.Zero
	for index, item := range items {
		itemsByID[item.ItemID] = item
		itemOrder[item.ItemID] = index
		subtotal = subtotal.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		unclaimed = unclaimed.Add(item.Price.Mul(decimal.NewFromInt(int64(item.UnclaimedQuantity))))
	}
	tip := tipOn(subtotal, percentage)

	guestIndex := make(map[string]int, len(guests))
	settlements := make([]GuestSettlement, len(guests))
	for index, guest := range guests {
		guestIndex[guest.GuestID] = index
		settlements[index] = GuestSettlement{
			GuestID:   guest.GuestID,
			Name:      guest.Name,
			Color:     guest.Color,
			Subtotal:  decimal.Zero,
			TipAmount: decimal.Zero,
			Total:     decimal.Zero,
		}
	}

	for _, claim := range claims {
		item, ok := itemsByID[claim.ItemID]
		if !ok || claim.QuantityClaimed <= 0 {
			continue
		}
		index, ok := guestIndex[claim.GuestID]
		if !ok {
			continue
		}
		amount := item.Price.Mul(decimal.NewFromInt(int64(claim.QuantityClaimed)))
		settlements[index].Subtotal = settlements[index].Subtotal.Add(amount)
		settlements[index].Lines = append(settlements[index].Lines, Line{
			ItemID:    item.ItemID,
			Name:      item.Name,
			Quantity:  claim.QuantityClaimed,
			UnitPrice: item.Price,
			Amount:    amount,
		})
	}

	claimedTip := decimal.Zero
	for index := range settlements {
		guest := &settlements[index]
		sortLines(guest.Lines, itemOrder)
		if subtotal.IsPositive() {
			guest.TipAmount = tipOn(guest.Subtotal, percentage)
		}
		guest.Total = guest.Subtotal.Add(guest.TipAmount)
		claimedTip = claimedTip.Add(guest.TipAmount)
	}

	return Result{
		Bill: BillSettlement{
			TipPercentage:   bill.TipPercentage,
			Subtotal:        subtotal,
			TipAmount:       tip,
			Total:           subtotal.Add(tip),
			UnclaimedValue:  unclaimed,
			ClaimedSubtotal: subtotal.Sub(unclaimed),
			ClaimedTip:      claimedTip,
		},
		Guests: settlements,
	}
}

func tipOn(amount, percentage decimal.Decimal) decimal.Decimal {
	return amount.Mul(percentage).Div(hundred)
}

// sortLines orders lines by item position; claims arrive in creation order.
func sortLines(lines []Line, itemOrder map[string]int) {
	slices.SortStableFunc(lines, func(a, b Line) int {
		return itemOrder[a.ItemID] - itemOrder[b.ItemID]
	})
}
