package sponsorship

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AllocationLedger owns the credit buckets of every sponsor allocation. All
// bucket movement goes through its operations; no caller may read-modify-write
// the buckets directly. Every successful mutation appends exactly one ledger
// entry in the same transaction as the bucket change.
type AllocationLedger struct {
	store  Store
	nowFn  func() time.Time
	logger OperationLogger
}

// LedgerOption configures an AllocationLedger.
type LedgerOption func(*AllocationLedger)

// WithLedgerOperationLogger wires a logger that receives callbacks for every
// allocation operation.
func WithLedgerOperationLogger(logger OperationLogger) LedgerOption {
	return func(ledger *AllocationLedger) {
		ledger.logger = logger
	}
}

// NewAllocationLedger wires an AllocationLedger.
func NewAllocationLedger(store Store, now func() time.Time, options ...LedgerOption) (*AllocationLedger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	ledger := &AllocationLedger{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(ledger)
		}
	}
	return ledger, nil
}

// CreateAllocation opens a new credit pool for a sponsor. The initial credits
// land in the available bucket with a top-up ledger entry.
func (ledger *AllocationLedger) CreateAllocation(ctx context.Context, sponsorID string, initialCredits CreditAmount) (Allocation, error) {
	normalizedSponsorID, err := NewID(sponsorID)
	if err != nil {
		return Allocation{}, err
	}
	now := ledger.nowFn()
	allocation := Allocation{
		AllocationID:     uuid.NewString(),
		SponsorID:        normalizedSponsorID,
		TotalCredits:     initialCredits.Int64(),
		AvailableCredits: initialCredits.Int64(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := transactionStore.CreateAllocation(ctx, allocation); err != nil {
			return err
		}
		return transactionStore.InsertLedgerEntry(ctx, LedgerEntry{
			EntryID:        uuid.NewString(),
			AllocationID:   allocation.AllocationID,
			Reason:         LedgerReasonTopUp,
			AvailableDelta: initialCredits.Int64(),
			CreatedAt:      now,
		})
	})
	logOperation(ctx, ledger.logger, OperationLog{
		Operation:    operationCreateAllocation,
		AllocationID: allocation.AllocationID,
		Amount:       initialCredits.Int64(),
		Error:        operationError,
	})
	if operationError != nil {
		return Allocation{}, operationError
	}
	return allocation, nil
}

// TopUp raises the total and available buckets together, as when a sponsor
// renews or extends funding.
func (ledger *AllocationLedger) TopUp(ctx context.Context, allocationID string, amount CreditAmount) error {
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		allocation, err := transactionStore.GetAllocationForUpdate(ctx, allocationID)
		if err != nil {
			return err
		}
		if allocation.Archived {
			return WrapError(operationTopUp, subjectAllocation, codeArchived, ErrAllocationArchived)
		}
		allocation.TotalCredits += amount.Int64()
		allocation.AvailableCredits += amount.Int64()
		allocation.UpdatedAt = ledger.nowFn()
		if err := ledger.writeBuckets(ctx, transactionStore, allocation); err != nil {
			return err
		}
		return transactionStore.InsertLedgerEntry(ctx, LedgerEntry{
			EntryID:        uuid.NewString(),
			AllocationID:   allocation.AllocationID,
			Reason:         LedgerReasonTopUp,
			AvailableDelta: amount.Int64(),
			CreatedAt:      allocation.UpdatedAt,
		})
	})
	logOperation(ctx, ledger.logger, OperationLog{
		Operation:    operationTopUp,
		AllocationID: allocationID,
		Amount:       amount.Int64(),
		Error:        operationError,
	})
	return operationError
}

// Archive closes a pool at the end of its funding period. Outstanding pending
// holds are force-released back to the available bucket, each with its own
// archive ledger entry, and the pool stops accepting reservations and
// top-ups. Archived allocations are kept for audit, never deleted.
func (ledger *AllocationLedger) Archive(ctx context.Context, allocationID string) error {
	operationError := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		allocation, err := transactionStore.GetAllocationForUpdate(ctx, allocationID)
		if err != nil {
			return err
		}
		if allocation.Archived {
			return nil
		}
		pending, err := transactionStore.ListPendingByAllocation(ctx, allocation.AllocationID)
		if err != nil {
			return err
		}
		now := ledger.nowFn()
		for _, reservation := range pending {
			if err := transactionStore.UpdateReservationStatus(ctx, reservation.ReservationID, ReservationStatusPending, ReservationStatusReleased); err != nil {
				return err
			}
			allocation, err = ledger.applyRelease(ctx, transactionStore, allocation, reservation.AmountCredits, reservation.ReservationID, LedgerReasonArchive, now)
			if err != nil {
				return err
			}
		}
		return transactionStore.SetAllocationArchived(ctx, allocation.AllocationID, true)
	})
	logOperation(ctx, ledger.logger, OperationLog{
		Operation:    operationArchive,
		AllocationID: allocationID,
		Error:        operationError,
	})
	return operationError
}

// Allocation returns the current bucket values for a pool.
func (ledger *AllocationLedger) Allocation(ctx context.Context, allocationID string) (Allocation, error) {
	return ledger.store.GetAllocation(ctx, allocationID)
}

// Entries lists audit ledger entries for an allocation before a cutoff time.
func (ledger *AllocationLedger) Entries(ctx context.Context, allocationID string, before time.Time, limit int) ([]LedgerEntry, error) {
	if before.IsZero() {
		before = ledger.nowFn().Add(time.Second)
	}
	return ledger.store.ListLedgerEntries(ctx, allocationID, before, limit)
}

// applyReserve moves amount from available to reserved under the caller's
// transaction and allocation lock. ErrInsufficientCredits is the normal
// outcome for an exhausted pool.
func (ledger *AllocationLedger) applyReserve(ctx context.Context, transactionStore Store, allocation Allocation, amount int64, reservationID string, now time.Time) (Allocation, error) {
	if allocation.Archived {
		return allocation, WrapError(operationReserve, subjectAllocation, codeArchived, ErrAllocationArchived)
	}
	if allocation.AvailableCredits < amount {
		return allocation, ErrInsufficientCredits
	}
	allocation.AvailableCredits -= amount
	allocation.ReservedCredits += amount
	allocation.UpdatedAt = now
	if err := ledger.writeBuckets(ctx, transactionStore, allocation); err != nil {
		return allocation, err
	}
	entry := LedgerEntry{
		EntryID:        uuid.NewString(),
		AllocationID:   allocation.AllocationID,
		Reason:         LedgerReasonReserve,
		AvailableDelta: -amount,
		ReservedDelta:  amount,
		ReservationID:  reservationID,
		CreatedAt:      now,
	}
	return allocation, transactionStore.InsertLedgerEntry(ctx, entry)
}

// applyCapture moves amount from reserved to used. A shortfall in the
// reserved bucket means a double capture somewhere upstream and is surfaced
// as a fatal integrity error.
func (ledger *AllocationLedger) applyCapture(ctx context.Context, transactionStore Store, allocation Allocation, amount int64, reservationID string, now time.Time) (Allocation, error) {
	if allocation.ReservedCredits < amount {
		return allocation, WrapError(operationCapture, subjectAllocation, codeIntegrity, ErrInsufficientReserved)
	}
	allocation.ReservedCredits -= amount
	allocation.UsedCredits += amount
	allocation.UpdatedAt = now
	if err := ledger.writeBuckets(ctx, transactionStore, allocation); err != nil {
		return allocation, err
	}
	entry := LedgerEntry{
		EntryID:       uuid.NewString(),
		AllocationID:  allocation.AllocationID,
		Reason:        LedgerReasonCapture,
		ReservedDelta: -amount,
		UsedDelta:     amount,
		ReservationID: reservationID,
		CreatedAt:     now,
	}
	return allocation, transactionStore.InsertLedgerEntry(ctx, entry)
}

// applyRelease moves amount from reserved back to available. The reason
// distinguishes an explicit release from a sweeper expiry or an archive.
func (ledger *AllocationLedger) applyRelease(ctx context.Context, transactionStore Store, allocation Allocation, amount int64, reservationID string, reason LedgerReason, now time.Time) (Allocation, error) {
	if allocation.ReservedCredits < amount {
		return allocation, WrapError(operationRelease, subjectAllocation, codeIntegrity, ErrInsufficientReserved)
	}
	allocation.ReservedCredits -= amount
	allocation.AvailableCredits += amount
	allocation.UpdatedAt = now
	if err := ledger.writeBuckets(ctx, transactionStore, allocation); err != nil {
		return allocation, err
	}
	entry := LedgerEntry{
		EntryID:        uuid.NewString(),
		AllocationID:   allocation.AllocationID,
		Reason:         reason,
		AvailableDelta: amount,
		ReservedDelta:  -amount,
		ReservationID:  reservationID,
		CreatedAt:      now,
	}
	return allocation, transactionStore.InsertLedgerEntry(ctx, entry)
}

// applyRefund returns captured credits from used to available after a
// completed purchase is reversed.
func (ledger *AllocationLedger) applyRefund(ctx context.Context, transactionStore Store, allocation Allocation, amount int64, reservationID string, now time.Time) (Allocation, error) {
	if allocation.UsedCredits < amount {
		return allocation, WrapError(operationRefund, subjectAllocation, codeIntegrity, ErrLedgerOutOfBalance)
	}
	allocation.UsedCredits -= amount
	allocation.AvailableCredits += amount
	allocation.UpdatedAt = now
	if err := ledger.writeBuckets(ctx, transactionStore, allocation); err != nil {
		return allocation, err
	}
	entry := LedgerEntry{
		EntryID:        uuid.NewString(),
		AllocationID:   allocation.AllocationID,
		Reason:         LedgerReasonRefund,
		AvailableDelta: amount,
		UsedDelta:      -amount,
		ReservationID:  reservationID,
		CreatedAt:      now,
	}
	return allocation, transactionStore.InsertLedgerEntry(ctx, entry)
}

func (ledger *AllocationLedger) writeBuckets(ctx context.Context, transactionStore Store, allocation Allocation) error {
	if !allocation.Consistent() {
		return WrapError(operationWrite, subjectAllocation, codeIntegrity, ErrLedgerOutOfBalance)
	}
	return transactionStore.UpdateAllocationBuckets(ctx, allocation)
}

const (
	subjectAllocation = "allocation"
	codeArchived      = "archived"
	codeIntegrity     = "integrity"
	operationWrite    = "write_buckets"
)
