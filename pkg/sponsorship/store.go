package sponsorship

import (
	"context"
	"time"
)

// Store is the persistence contract used by the sponsorship services.
// Implementations must provide serializable closure transactions via WithTx
// and a row-level lock in GetAllocationForUpdate so that bucket mutations on
// one allocation are linearizable while different allocations stay
// independent.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateAllocation(ctx context.Context, allocation Allocation) error
	GetAllocation(ctx context.Context, allocationID string) (Allocation, error)
	GetAllocationForUpdate(ctx context.Context, allocationID string) (Allocation, error)
	UpdateAllocationBuckets(ctx context.Context, allocation Allocation) error
	SetAllocationArchived(ctx context.Context, allocationID string, archived bool) error

	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error
	ListLedgerEntries(ctx context.Context, allocationID string, before time.Time, limit int) ([]LedgerEntry, error)

	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	// GetPendingReservation returns the pending hold for the pair, or nil
	// when none exists.
	GetPendingReservation(ctx context.Context, allocationID string, requesterID string) (*Reservation, error)
	ListPendingByAllocation(ctx context.Context, allocationID string) ([]Reservation, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	// UpdateReservationStatus flips status from one value to another and
	// returns ErrAlreadyResolved when no row matched, making the
	// pending-to-terminal transition a compare-and-swap.
	UpdateReservationStatus(ctx context.Context, reservationID string, from ReservationStatus, to ReservationStatus) error

	CreateTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID string) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID string, status TransactionStatus, failureReason string) error
}
