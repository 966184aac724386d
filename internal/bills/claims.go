package bills

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
	"github.com/MarcoPoloResearchLab/checkplease/internal/telemetry"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxRetryInterval = time.Second

// AdjustClaim moves the guest's claim on an item by delta units. Positive deltas claim,
// negative deltas release. Releasing below zero deletes the claim; releasing with no claim
// is a no-op. Claims beyond the unclaimed quantity fail with *OverClaimError.
func (s *Service) AdjustClaim(ctx context.Context, itemID, guestID string, delta int) (result ClaimResult, err error) {
	ctx, span := s.tracer.Start(ctx, opAdjustClaim, trace.WithAttributes(
		attribute.String(attrItemID, itemID),
		attribute.String(attrGuestID, guestID),
		attribute.Int(attrClaimDelta, delta),
	))
	defer func() {
		s.metrics.ObserveClaimAdjustment(claimOutcome(result, err))
		endSpan(span, err)
	}()

	if strings.TrimSpace(itemID) == "" {
		return ClaimResult{}, s.fail(opAdjustClaim, "missing_item_id", invalidInput("item id is required"))
	}
	if strings.TrimSpace(guestID) == "" {
		return ClaimResult{}, s.fail(opAdjustClaim, "missing_guest_id", invalidInput("guest id is required"))
	}

	fields := []zap.Field{zap.String(attrItemID, itemID), zap.String(attrGuestID, guestID), zap.Int("delta", delta)}

	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		reason, mapped := classifyStoreError(err)
		return ClaimResult{}, s.fail(opAdjustClaim, "item_"+reason, mapped, fields...)
	}
	guest, err := s.store.GetGuest(ctx, guestID)
	if err != nil {
		reason, mapped := classifyStoreError(err)
		return ClaimResult{}, s.fail(opAdjustClaim, "guest_"+reason, mapped, fields...)
	}
	if guest.BillID != item.BillID {
		return ClaimResult{}, s.fail(opAdjustClaim, "guest_not_on_bill", ErrNotFound,
			append(fields, zap.String(attrBillID, item.BillID))...)
	}
	if _, err := s.liveBill(ctx, opAdjustClaim, item.BillID); err != nil {
		return ClaimResult{}, err
	}

	operation := func() (ClaimResult, error) {
		return s.attemptAdjustment(ctx, itemID, guestID, delta)
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.ObserveClaimRetry()
		s.loggerOrDefault().Debug("claim attempt retried",
			append(fields, zap.Duration("wait", wait), zap.Error(err))...)
	}

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = s.retryInterval
	exponential.MaxInterval = maxRetryInterval

	result, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(exponential),
		backoff.WithMaxTries(uint(s.maxAttempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var overClaim *OverClaimError
		if errors.As(err, &overClaim) {
			return ClaimResult{}, s.fail(opAdjustClaim, "over_claim", overClaim,
				append(fields, zap.Int("available", overClaim.Available))...)
		}
		reason, mapped := classifyStoreError(err)
		return ClaimResult{}, s.fail(opAdjustClaim, reason, mapped, fields...)
	}
	return result, nil
}

// attemptAdjustment runs one read-plan-write cycle. Conflicts and transient store errors
// are returned as-is so the caller retries; anything else is permanent.
func (s *Service) attemptAdjustment(ctx context.Context, itemID, guestID string, delta int) (ClaimResult, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return ClaimResult{}, retryable(err)
	}

	var existing *ledger.Claim
	claim, err := s.store.FindClaim(ctx, itemID, guestID)
	switch {
	case err == nil:
		existing = &claim
	case errors.Is(err, ledger.ErrNotFound):
	default:
		return ClaimResult{}, retryable(err)
	}

	if delta == 0 {
		return ClaimResult{Item: item, Claim: existing}, nil
	}

	plan, err := planAdjustment(item, existing, delta)
	if err != nil {
		return ClaimResult{}, backoff.Permanent(err)
	}
	if plan.noop {
		return ClaimResult{Item: item, Claim: existing}, nil
	}

	change := plan.change
	if change.Operation == ledger.ClaimOperationInsert {
		claimID, err := s.idProvider.NewID()
		if err != nil {
			return ClaimResult{}, backoff.Permanent(err)
		}
		change.Claim.ClaimID = claimID
		change.Claim.GuestID = guestID
		change.Claim.CreatedAt = s.clock().UTC()
	}

	updated, err := s.store.ApplyClaimChange(ctx, change)
	if err != nil {
		return ClaimResult{}, retryable(err)
	}

	result := ClaimResult{Item: updated, Changed: true}
	if change.Operation != ledger.ClaimOperationDelete {
		stored := change.Claim
		result.Claim = &stored
	}
	return result, nil
}

func retryable(err error) error {
	if errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrUnavailable) {
		return err
	}
	return backoff.Permanent(err)
}

func claimOutcome(result ClaimResult, err error) string {
	switch {
	case err == nil && !result.Changed:
		return telemetry.OutcomeNoop
	case err == nil:
		return telemetry.OutcomeApplied
	case errors.Is(err, ErrOverClaim):
		return telemetry.OutcomeOverClaim
	case errors.Is(err, ErrConflict):
		return telemetry.OutcomeConflict
	case errors.Is(err, ErrNotFound):
		return telemetry.OutcomeNotFound
	case errors.Is(err, ErrInvalidInput):
		return telemetry.OutcomeInvalid
	default:
		return telemetry.OutcomeUnavailable
	}
}
