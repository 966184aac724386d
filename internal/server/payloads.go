package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/checkplease/internal/bills"
	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
	"github.com/MarcoPoloResearchLab/checkplease/internal/receipt"
	"github.com/MarcoPoloResearchLab/checkplease/internal/session"
	"github.com/MarcoPoloResearchLab/checkplease/internal/settlement"
	"github.com/shopspring/decimal"
)

const moneyPlaces = 2

type itemRequestPayload struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity *int            `json:"quantity"`
}

type createBillRequestPayload struct {
	Items         []itemRequestPayload `json:"items"`
	TipPercentage *int                 `json:"tip_percentage"`
}

type createBillResponsePayload struct {
	BillID string `json:"bill_id"`
}

type joinBillRequestPayload struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type joinBillResponsePayload struct {
	GuestID string `json:"guest_id"`
}

type tipRequestPayload struct {
	TipPercentage *int `json:"tip_percentage"`
}

type claimRequestPayload struct {
	GuestID string `json:"guest_id"`
	Delta   *int   `json:"delta"`
}

type claimResponsePayload struct {
	Item    itemPayload   `json:"item"`
	Claim   *claimPayload `json:"claim"`
	Changed bool          `json:"changed"`
}

type receiptRequestPayload struct {
	Text string `json:"text"`
}

type receiptResponsePayload struct {
	Items []candidatePayload `json:"items"`
}

type candidatePayload struct {
	Name     string `json:"name"`
	Price    string `json:"price"`
	Quantity int    `json:"quantity"`
}

type billPayload struct {
	BillID        string    `json:"bill_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	TipPercentage int       `json:"tip_percentage"`
	TotalAmount   *string   `json:"total_amount"`
}

type itemPayload struct {
	ItemID            string `json:"item_id"`
	BillID            string `json:"bill_id"`
	Name              string `json:"name"`
	Price             string `json:"price"`
	Quantity          int    `json:"quantity"`
	UnclaimedQuantity int    `json:"unclaimed_quantity"`
}

type guestPayload struct {
	GuestID  string    `json:"guest_id"`
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joined_at"`
}

type claimPayload struct {
	ClaimID         string `json:"claim_id"`
	ItemID          string `json:"item_id"`
	GuestID         string `json:"guest_id"`
	QuantityClaimed int    `json:"quantity_claimed"`
}

type billSettlementPayload struct {
	TipPercentage   int    `json:"tip_percentage"`
	Subtotal        string `json:"subtotal"`
	TipAmount       string `json:"tip_amount"`
	Total           string `json:"total"`
	UnclaimedValue  string `json:"unclaimed_value"`
	ClaimedSubtotal string `json:"claimed_subtotal"`
	ClaimedTip      string `json:"claimed_tip"`
}

type guestLinePayload struct {
	ItemID    string `json:"item_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Amount    string `json:"amount"`
}

type guestSettlementPayload struct {
	GuestID   string             `json:"guest_id"`
	Name      string             `json:"name"`
	Color     string             `json:"color"`
	Subtotal  string             `json:"subtotal"`
	TipAmount string             `json:"tip_amount"`
	Total     string             `json:"total"`
	Lines     []guestLinePayload `json:"lines"`
}

type settlementPayload struct {
	Bill   billSettlementPayload    `json:"bill"`
	Guests []guestSettlementPayload `json:"guests"`
}

type billViewPayload struct {
	State      string            `json:"state,omitempty"`
	Bill       billPayload       `json:"bill"`
	Items      []itemPayload     `json:"items"`
	Guests     []guestPayload    `json:"guests"`
	Claims     []claimPayload    `json:"claims"`
	Settlement settlementPayload `json:"settlement"`
}

type sessionClosedPayload struct {
	Reason string `json:"reason"`
}

type heartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

func money(value decimal.Decimal) string {
	return value.StringFixed(moneyPlaces)
}

func newItemInputs(items []itemRequestPayload) []bills.ItemInput {
	inputs := make([]bills.ItemInput, 0, len(items))
	for _, item := range items {
		quantity := 1
		if item.Quantity != nil {
			quantity = *item.Quantity
		}
		inputs = append(inputs, bills.ItemInput{Name: item.Name, Price: item.Price, Quantity: quantity})
	}
	return inputs
}

func newBillPayload(bill ledger.Bill) billPayload {
	payload := billPayload{
		BillID:        bill.BillID,
		CreatedAt:     bill.CreatedAt.UTC(),
		ExpiresAt:     bill.ExpiresAt.UTC(),
		TipPercentage: bill.TipPercentage,
	}
	if bill.TotalAmount.Valid {
		total := money(bill.TotalAmount.Decimal)
		payload.TotalAmount = &total
	}
	return payload
}

func newItemPayload(item ledger.Item) itemPayload {
	return itemPayload{
		ItemID:            item.ItemID,
		BillID:            item.BillID,
		Name:              item.Name,
		Price:             money(item.Price),
		Quantity:          item.Quantity,
		UnclaimedQuantity: item.UnclaimedQuantity,
	}
}

func newClaimPayload(claim ledger.Claim) claimPayload {
	return claimPayload{
		ClaimID:         claim.ClaimID,
		ItemID:          claim.ItemID,
		GuestID:         claim.GuestID,
		QuantityClaimed: claim.QuantityClaimed,
	}
}

func newClaimResponsePayload(result bills.ClaimResult) claimResponsePayload {
	response := claimResponsePayload{Item: newItemPayload(result.Item), Changed: result.Changed}
	if result.Claim != nil {
		claim := newClaimPayload(*result.Claim)
		response.Claim = &claim
	}
	return response
}

func newReceiptResponsePayload(candidates []receipt.Candidate) receiptResponsePayload {
	response := receiptResponsePayload{Items: make([]candidatePayload, 0, len(candidates))}
	for _, candidate := range candidates {
		response.Items = append(response.Items, candidatePayload{
			Name:     candidate.Name,
			Price:    money(candidate.Price),
			Quantity: candidate.Quantity,
		})
	}
	return response
}

func newBillViewPayload(state session.State, snapshot session.Snapshot, result settlement.Result) billViewPayload {
	payload := billViewPayload{
		State:  string(state),
		Bill:   newBillPayload(snapshot.Bill),
		Items:  make([]itemPayload, 0, len(snapshot.Items)),
		Guests: make([]guestPayload, 0, len(snapshot.Guests)),
		Claims: make([]claimPayload, 0, len(snapshot.Claims)),
		Settlement: settlementPayload{
			Bill: billSettlementPayload{
				TipPercentage:   result.Bill.TipPercentage,
				Subtotal:        money(result.Bill.Subtotal),
				TipAmount:       money(result.Bill.TipAmount),
				Total:           money(result.Bill.Total),
				UnclaimedValue:  money(result.Bill.UnclaimedValue),
				ClaimedSubtotal: money(result.Bill.ClaimedSubtotal),
				ClaimedTip:      money(result.Bill.ClaimedTip),
			},
			Guests: make([]guestSettlementPayload, 0, len(result.Guests)),
		},
	}
	for _, item := range snapshot.Items {
		payload.Items = append(payload.Items, newItemPayload(item))
	}
	for _, guest := range snapshot.Guests {
		payload.Guests = append(payload.Guests, guestPayload{
			GuestID:  guest.GuestID,
			Name:     guest.Name,
			Color:    guest.Color,
			JoinedAt: guest.JoinedAt.UTC(),
		})
	}
	for _, claim := range snapshot.Claims {
		payload.Claims = append(payload.Claims, newClaimPayload(claim))
	}
	for _, guest := range result.Guests {
		lines := make([]guestLinePayload, 0, len(guest.Lines))
		for _, line := range guest.Lines {
			lines = append(lines, guestLinePayload{
				ItemID:    line.ItemID,
				Name:      line.Name,
				Quantity:  line.Quantity,
				UnitPrice: money(line.UnitPrice),
				Amount:    money(line.Amount),
			})
		}
		payload.Settlement.Guests = append(payload.Settlement.Guests, guestSettlementPayload{
			GuestID:   guest.GuestID,
			Name:      guest.Name,
			Color:     guest.Color,
			Subtotal:  money(guest.Subtotal),
			TipAmount: money(guest.TipAmount),
			Total:     money(guest.Total),
			Lines:     lines,
		})
	}
	return payload
}
