package sponsorship

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Wellagora/wellagoracommunity-sub005/pkg/pricing"
)

// PaymentProcessor collects the buyer's share of the price. The core treats
// it as a black box with a success/error contract.
type PaymentProcessor interface {
	ProcessPayment(ctx context.Context, transactionID string, buyerID string, amountCents int64) error
}

// AccessGranter unlocks purchased content for the buyer. Also a black box.
type AccessGranter interface {
	GrantAccess(ctx context.Context, contentID string, buyerID string) error
}

// SponsorContext names the pool funding a purchase and how much of the price
// the sponsor covers.
type SponsorContext struct {
	AllocationID  string
	SponsorAmount int64
}

// PurchaseRequest describes one purchase attempt entering the orchestrator.
// Identity checks are assumed to have happened before this point.
type PurchaseRequest struct {
	ContentID      string
	BuyerID        string
	SellerID       string
	BasePriceCents int64
	Sponsor        *SponsorContext
	HoldTTL        time.Duration
	Metadata       string
}

// Failure reasons recorded on failed transactions. InsufficientCredits is
// reported distinctly so callers can offer the buyer the non-sponsored price
// instead of a generic error.
const (
	FailureReasonInsufficientCredits = "insufficient_credits"
	FailureReasonPaymentFailed       = "payment_failed"
	FailureReasonAccessGrantFailed   = "access_grant_failed"
	FailureReasonReservationFailed   = "reservation_failed"
)

// SettlementOrchestrator coordinates a purchase end to end: pricing,
// reservation, the external payment and access-grant steps, and the final
// capture or release. The external steps run strictly between Reserve and
// Capture/Release, outside any allocation lock.
type SettlementOrchestrator struct {
	store              Store
	ledger             *AllocationLedger
	reservations       *ReservationManager
	payments           PaymentProcessor
	access             AccessGranter
	platformFeePercent int64
	nowFn              func() time.Time
	logger             OperationLogger
}

// SettlementOption configures a SettlementOrchestrator.
type SettlementOption func(*SettlementOrchestrator)

// WithSettlementOperationLogger wires a logger that receives callbacks for
// every settlement operation.
func WithSettlementOperationLogger(logger OperationLogger) SettlementOption {
	return func(orchestrator *SettlementOrchestrator) {
		orchestrator.logger = logger
	}
}

// NewSettlementOrchestrator wires a SettlementOrchestrator.
func NewSettlementOrchestrator(
	store Store,
	ledger *AllocationLedger,
	reservations *ReservationManager,
	payments PaymentProcessor,
	access AccessGranter,
	platformFeePercent int64,
	now func() time.Time,
	options ...SettlementOption,
) (*SettlementOrchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: allocation ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if reservations == nil {
		return nil, fmt.Errorf("%w: reservation manager dependency is nil", ErrInvalidServiceConfig)
	}
	if payments == nil {
		return nil, fmt.Errorf("%w: payment processor dependency is nil", ErrInvalidServiceConfig)
	}
	if access == nil {
		return nil, fmt.Errorf("%w: access granter dependency is nil", ErrInvalidServiceConfig)
	}
	if platformFeePercent < 0 || platformFeePercent > 100 {
		return nil, fmt.Errorf("%w: platform fee percent out of range", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	orchestrator := &SettlementOrchestrator{
		store:              store,
		ledger:             ledger,
		reservations:       reservations,
		payments:           payments,
		access:             access,
		platformFeePercent: platformFeePercent,
		nowFn:              now,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// AttemptPurchase is the single entry point for completing a purchase. It
// always returns a transaction with a definitive terminal status alongside
// any error. ErrInsufficientCredits accompanies a failed transaction when the
// sponsor pool is exhausted; that outcome carries no external side effects.
func (orchestrator *SettlementOrchestrator) AttemptPurchase(ctx context.Context, request PurchaseRequest) (Transaction, error) {
	sponsorAmount := int64(0)
	if request.Sponsor != nil {
		sponsorAmount = request.Sponsor.SponsorAmount
	}
	breakdown, err := pricing.Compute(request.BasePriceCents, sponsorAmount, orchestrator.platformFeePercent)
	if err != nil {
		return Transaction{}, err
	}
	metadata, err := NormalizeMetadataJSON(request.Metadata)
	if err != nil {
		return Transaction{}, WrapError(operationPurchase, subjectTransaction, codeMetadata, err)
	}

	now := orchestrator.nowFn()
	transaction := Transaction{
		TransactionID: uuid.NewString(),
		ContentID:     request.ContentID,
		BuyerID:       request.BuyerID,
		SellerID:      request.SellerID,
		Pricing:       breakdown,
		Status:        TransactionStatusPending,
		MetadataJSON:  metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := orchestrator.store.CreateTransaction(ctx, transaction); err != nil {
		return Transaction{}, err
	}

	if request.Sponsor != nil && breakdown.SponsorAmount > 0 {
		amount, err := NewCreditAmount(breakdown.SponsorAmount)
		if err != nil {
			return orchestrator.fail(ctx, transaction, FailureReasonReservationFailed, err)
		}
		reservation, err := orchestrator.reservations.Reserve(ctx, request.Sponsor.AllocationID, request.BuyerID, amount, request.HoldTTL)
		if errors.Is(err, ErrInsufficientCredits) {
			return orchestrator.fail(ctx, transaction, FailureReasonInsufficientCredits, err)
		}
		if err != nil {
			return orchestrator.fail(ctx, transaction, FailureReasonReservationFailed, err)
		}
		transaction.ReservationID = reservation.ReservationID
	}

	// External steps happen after Reserve returned and before
	// Capture/Release, never under an allocation lock. A crash here leaves
	// the hold for the sweeper, which is why every hold carries a TTL.
	if breakdown.UserPays > 0 {
		if err := orchestrator.payments.ProcessPayment(ctx, transaction.TransactionID, request.BuyerID, breakdown.UserPays); err != nil {
			orchestrator.releaseHold(ctx, transaction)
			return orchestrator.fail(ctx, transaction, FailureReasonPaymentFailed, err)
		}
	}
	if err := orchestrator.access.GrantAccess(ctx, request.ContentID, request.BuyerID); err != nil {
		orchestrator.releaseHold(ctx, transaction)
		return orchestrator.fail(ctx, transaction, FailureReasonAccessGrantFailed, err)
	}

	if transaction.ReservationID != "" {
		if err := orchestrator.reservations.Capture(ctx, transaction.ReservationID); err != nil {
			orchestrator.releaseHold(ctx, transaction)
			return orchestrator.fail(ctx, transaction, FailureReasonReservationFailed, err)
		}
	}

	transaction.Status = TransactionStatusCompleted
	if err := orchestrator.store.UpdateTransactionStatus(ctx, transaction.TransactionID, TransactionStatusCompleted, ""); err != nil {
		return transaction, err
	}
	logOperation(ctx, orchestrator.logger, OperationLog{
		Operation:     operationPurchase,
		TransactionID: transaction.TransactionID,
		ReservationID: transaction.ReservationID,
		RequesterID:   request.BuyerID,
		Amount:        breakdown.BasePrice,
	})
	return transaction, nil
}

// Refund reverses a completed transaction: captured sponsor credits move
// from used back to available with a refund ledger entry, and the
// transaction becomes refunded. Refunding anything but a completed
// transaction returns ErrTransactionNotRefundable.
func (orchestrator *SettlementOrchestrator) Refund(ctx context.Context, transactionID string) (Transaction, error) {
	var refunded Transaction
	operationError := orchestrator.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		transaction, err := transactionStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if transaction.Status != TransactionStatusCompleted {
			return WrapError(operationRefund, subjectTransaction, codeStatus, ErrTransactionNotRefundable)
		}
		if transaction.ReservationID != "" {
			reservation, err := transactionStore.GetReservation(ctx, transaction.ReservationID)
			if err != nil {
				return err
			}
			allocation, err := transactionStore.GetAllocationForUpdate(ctx, reservation.AllocationID)
			if err != nil {
				return err
			}
			if _, err := orchestrator.ledger.applyRefund(ctx, transactionStore, allocation, reservation.AmountCredits, reservation.ReservationID, orchestrator.nowFn()); err != nil {
				return err
			}
		}
		if err := transactionStore.UpdateTransactionStatus(ctx, transaction.TransactionID, TransactionStatusRefunded, ""); err != nil {
			return err
		}
		transaction.Status = TransactionStatusRefunded
		refunded = transaction
		return nil
	})
	logOperation(ctx, orchestrator.logger, OperationLog{
		Operation:     operationRefund,
		TransactionID: transactionID,
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return refunded, nil
}

// Transaction returns a purchase attempt by id.
func (orchestrator *SettlementOrchestrator) Transaction(ctx context.Context, transactionID string) (Transaction, error) {
	return orchestrator.store.GetTransaction(ctx, transactionID)
}

// Quote exposes the deterministic pricing computation so every display
// surface settles on the same numbers.
func (orchestrator *SettlementOrchestrator) Quote(basePriceCents int64, sponsorAmountCents int64) (pricing.Breakdown, error) {
	return pricing.Compute(basePriceCents, sponsorAmountCents, orchestrator.platformFeePercent)
}

func (orchestrator *SettlementOrchestrator) releaseHold(ctx context.Context, transaction Transaction) {
	if transaction.ReservationID == "" {
		return
	}
	// Release is idempotent; a sweeper expiry racing this call is fine.
	_ = orchestrator.reservations.Release(ctx, transaction.ReservationID)
}

func (orchestrator *SettlementOrchestrator) fail(ctx context.Context, transaction Transaction, reason string, cause error) (Transaction, error) {
	transaction.Status = TransactionStatusFailed
	transaction.FailureReason = reason
	if err := orchestrator.store.UpdateTransactionStatus(ctx, transaction.TransactionID, TransactionStatusFailed, reason); err != nil {
		// Keep the root cause visible alongside the status-write failure.
		return transaction, errors.Join(cause, err)
	}
	logOperation(ctx, orchestrator.logger, OperationLog{
		Operation:     operationPurchase,
		TransactionID: transaction.TransactionID,
		ReservationID: transaction.ReservationID,
		RequesterID:   transaction.BuyerID,
		Amount:        transaction.Pricing.BasePrice,
		Error:         cause,
	})
	return transaction, cause
}

const (
	subjectTransaction = "transaction"
	codeStatus         = "status"
	codeMetadata       = "metadata"
)
