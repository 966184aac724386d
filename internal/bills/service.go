// Package bills is the claim allocator: it creates bills, admits guests and serializes
// concurrent claim adjustments so an item is never over-committed.
package bills

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
	"github.com/MarcoPoloResearchLab/checkplease/internal/telemetry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultColor is assigned to guests joining without a color.
	DefaultColor = "#3B82F6"
	// DefaultBillTTL is how long a bill accepts guests and claims.
	DefaultBillTTL = 24 * time.Hour
	// DefaultMaxAttempts bounds the claim read-modify-write cycle.
	DefaultMaxAttempts = 3
	// DefaultRetryInterval is the first backoff step between claim attempts.
	DefaultRetryInterval = 25 * time.Millisecond

	maxNameLength  = 190
	maxColorLength = 32
	priceScale     = 2
	tracerName     = "checkplease/bills"
)

const (
	opServiceNew   = "bills.service.new"
	opCreateBill   = "bills.create_bill"
	opJoinBill     = "bills.join_bill"
	opSetTip       = "bills.set_tip_percentage"
	opAdjustClaim  = "bills.adjust_claim"
	noReason       = ""
	attrBillID     = "bill_id"
	attrItemID     = "item_id"
	attrGuestID    = "guest_id"
	attrClaimDelta = "claim.delta"
)

var (
	noOpLogger = zap.NewNop()
	// maxAmount is the largest value a decimal(10,2) money column holds.
	maxAmount = decimal.RequireFromString("99999999.99")
)

// Ledger is the storage the allocator depends on.
type Ledger interface {
	CreateBill(ctx context.Context, bill ledger.Bill, items []ledger.Item) error
	InsertGuest(ctx context.Context, guest ledger.Guest) error
	GetBill(ctx context.Context, billID string) (ledger.Bill, error)
	GetItem(ctx context.Context, itemID string) (ledger.Item, error)
	GetGuest(ctx context.Context, guestID string) (ledger.Guest, error)
	FindClaim(ctx context.Context, itemID, guestID string) (ledger.Claim, error)
	UpdateTipPercentage(ctx context.Context, billID string, percentage int) (ledger.Bill, error)
	ApplyClaimChange(ctx context.Context, change ledger.ClaimChange) (ledger.Item, error)
}

// ServiceConfig describes the dependencies of a Service.
type ServiceConfig struct {
	Store         Ledger
	Clock         func() time.Time
	IDProvider    ledger.IDProvider
	Logger        *zap.Logger
	Metrics       *telemetry.Metrics
	BillTTL       time.Duration
	MaxAttempts   int
	RetryInterval time.Duration
}

// ItemInput is one line item supplied at bill creation.
type ItemInput struct {
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// ClaimResult is the state after an AdjustClaim call. Claim is nil when the guest holds nothing.
// Changed is false when the call was a no-op.
type ClaimResult struct {
	Item    ledger.Item
	Claim   *ledger.Claim
	Changed bool
}

// Service implements the claim allocator operations.
type Service struct {
	store         Ledger
	clock         func() time.Time
	idProvider    ledger.IDProvider
	logger        *zap.Logger
	metrics       *telemetry.Metrics
	tracer        trace.Tracer
	billTTL       time.Duration
	maxAttempts   int
	retryInterval time.Duration
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	billTTL := cfg.BillTTL
	if billTTL <= 0 {
		billTTL = DefaultBillTTL
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}

	return &Service{
		store:         cfg.Store,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		metrics:       cfg.Metrics,
		tracer:        otel.Tracer(tracerName),
		billTTL:       billTTL,
		maxAttempts:   maxAttempts,
		retryInterval: retryInterval,
	}, nil
}

// CreateBill persists a bill with its items in one transaction and returns the bill id.
func (s *Service) CreateBill(ctx context.Context, items []ItemInput, tipPercentage int) (billID string, err error) {
	ctx, span := s.tracer.Start(ctx, opCreateBill, trace.WithAttributes(attribute.Int("bill.items", len(items))))
	defer func() { endSpan(span, err) }()

	if len(items) == 0 {
		return "", s.fail(opCreateBill, "empty_items", invalidInput("at least one item is required"))
	}
	if tipPercentage < 0 {
		return "", s.fail(opCreateBill, "negative_tip", invalidInput("tip percentage must not be negative"))
	}
	total := decimal.Zero
	for index := range items {
		if reason, cause := validateItem(items[index]); cause != nil {
			return "", s.fail(opCreateBill, reason, cause, zap.Int("item_index", index))
		}
		total = total.Add(items[index].Price.Mul(decimal.NewFromInt(int64(items[index].Quantity))))
		if total.GreaterThan(maxAmount) {
			return "", s.fail(opCreateBill, "total_too_large", invalidInput("bill total exceeds the supported amount"),
				zap.Int("item_index", index))
		}
	}

	billID, err = s.idProvider.NewID()
	if err != nil {
		return "", s.fail(opCreateBill, "id_generation_failed", err)
	}

	createdAt := s.clock().UTC()
	records := make([]ledger.Item, 0, len(items))
	for index, input := range items {
		itemID, err := s.idProvider.NewID()
		if err != nil {
			return "", s.fail(opCreateBill, "id_generation_failed", err)
		}
		price := input.Price.Round(priceScale)
		records = append(records, ledger.Item{
			ItemID:            itemID,
			BillID:            billID,
			Name:              strings.TrimSpace(input.Name),
			Price:             price,
			Quantity:          input.Quantity,
			UnclaimedQuantity: input.Quantity,
			// Distinct timestamps keep entry order stable on stores with coarse time columns.
			CreatedAt: createdAt.Add(time.Duration(index) * time.Microsecond),
		})
	}

	bill := ledger.Bill{
		BillID:        billID,
		CreatedAt:     createdAt,
		TotalAmount:   decimal.NewNullDecimal(total),
		TipPercentage: tipPercentage,
		ExpiresAt:     createdAt.Add(s.billTTL),
	}
	if err := s.store.CreateBill(ctx, bill, records); err != nil {
		reason, mapped := classifyStoreError(err)
		return "", s.fail(opCreateBill, reason, mapped, zap.String(attrBillID, billID))
	}
	span.SetAttributes(attribute.String(attrBillID, billID))
	return billID, nil
}

// JoinBill registers a guest on a live bill and returns the guest id.
func (s *Service) JoinBill(ctx context.Context, billID, name, color string) (guestID string, err error) {
	ctx, span := s.tracer.Start(ctx, opJoinBill, trace.WithAttributes(attribute.String(attrBillID, billID)))
	defer func() { endSpan(span, err) }()

	name = strings.TrimSpace(name)
	color = strings.TrimSpace(color)
	switch {
	case strings.TrimSpace(billID) == "":
		return "", s.fail(opJoinBill, "missing_bill_id", invalidInput("bill id is required"))
	case name == "":
		return "", s.fail(opJoinBill, "empty_name", invalidInput("guest name is required"))
	case utf8.RuneCountInString(name) > maxNameLength:
		return "", s.fail(opJoinBill, "name_too_long", invalidInput("guest name is too long"))
	case utf8.RuneCountInString(color) > maxColorLength:
		return "", s.fail(opJoinBill, "color_too_long", invalidInput("guest color is too long"))
	}
	if color == "" {
		color = DefaultColor
	}

	if _, err := s.liveBill(ctx, opJoinBill, billID); err != nil {
		return "", err
	}

	guestID, err = s.idProvider.NewID()
	if err != nil {
		return "", s.fail(opJoinBill, "id_generation_failed", err)
	}
	guest := ledger.Guest{
		GuestID:  guestID,
		BillID:   billID,
		Name:     name,
		Color:    color,
		JoinedAt: s.clock().UTC(),
	}
	if err := s.store.InsertGuest(ctx, guest); err != nil {
		reason, mapped := classifyStoreError(err)
		return "", s.fail(opJoinBill, reason, mapped, zap.String(attrBillID, billID))
	}
	span.SetAttributes(attribute.String(attrGuestID, guestID))
	return guestID, nil
}

// SetTipPercentage replaces the bill's tip percentage.
func (s *Service) SetTipPercentage(ctx context.Context, billID string, percentage int) (bill ledger.Bill, err error) {
	ctx, span := s.tracer.Start(ctx, opSetTip, trace.WithAttributes(
		attribute.String(attrBillID, billID),
		attribute.Int("bill.tip_percentage", percentage),
	))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(billID) == "" {
		return ledger.Bill{}, s.fail(opSetTip, "missing_bill_id", invalidInput("bill id is required"))
	}
	if percentage < 0 {
		return ledger.Bill{}, s.fail(opSetTip, "negative_tip", invalidInput("tip percentage must not be negative"))
	}

	if _, err := s.liveBill(ctx, opSetTip, billID); err != nil {
		return ledger.Bill{}, err
	}

	bill, err = s.store.UpdateTipPercentage(ctx, billID, percentage)
	if err != nil {
		reason, mapped := classifyStoreError(err)
		return ledger.Bill{}, s.fail(opSetTip, reason, mapped, zap.String(attrBillID, billID))
	}
	return bill, nil
}

// liveBill loads a bill and rejects it once expired.
func (s *Service) liveBill(ctx context.Context, operation, billID string) (ledger.Bill, error) {
	bill, err := s.store.GetBill(ctx, billID)
	if err != nil {
		reason, mapped := classifyStoreError(err)
		return ledger.Bill{}, s.fail(operation, "bill_"+reason, mapped, zap.String(attrBillID, billID))
	}
	if bill.Expired(s.clock()) {
		return ledger.Bill{}, s.fail(operation, "bill_expired", ErrNotFound,
			zap.String(attrBillID, billID),
			zap.Time("expires_at", bill.ExpiresAt))
	}
	return bill, nil
}

func validateItem(input ItemInput) (reason string, err error) {
	name := strings.TrimSpace(input.Name)
	switch {
	case name == "":
		return "empty_item_name", invalidInput("item name is required")
	case utf8.RuneCountInString(name) > maxNameLength:
		return "item_name_too_long", invalidInput("item name is too long")
	case !input.Price.IsPositive():
		return "non_positive_price", invalidInput("item price must be positive")
	case input.Price.GreaterThan(maxAmount):
		return "price_too_large", invalidInput("item price exceeds the supported amount")
	case !input.Price.Equal(input.Price.Round(priceScale)):
		return "price_precision", invalidInput("item price must have at most two decimal places")
	case input.Quantity <= 0:
		return "non_positive_quantity", invalidInput("item quantity must be positive")
	}
	return noReason, nil
}

// fail logs the failure once and wraps it with the operation code.
func (s *Service) fail(operation, reason string, cause error, fields ...zap.Field) error {
	s.logError(operation, reason, cause, fields...)
	return newServiceError(operation, reason, cause)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("bills service error", attrs...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
