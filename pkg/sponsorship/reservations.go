package sponsorship

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReservationManager issues, captures, releases, and expires holds against
// allocations. A reservation is pending until exactly one of Capture,
// Release, or the expiry sweep resolves it; the transition out of pending is
// guarded by the store's conditional status update, so racing resolvers
// cannot double-apply the bucket movement.
type ReservationManager struct {
	store      Store
	ledger     *AllocationLedger
	nowFn      func() time.Time
	defaultTTL time.Duration
	logger     OperationLogger
}

// ManagerOption configures a ReservationManager.
type ManagerOption func(*ReservationManager)

// WithDefaultHoldTTL overrides the TTL applied when Reserve is called with a
// non-positive ttl.
func WithDefaultHoldTTL(ttl time.Duration) ManagerOption {
	return func(manager *ReservationManager) {
		if ttl > 0 {
			manager.defaultTTL = ttl
		}
	}
}

// WithManagerOperationLogger wires a logger that receives callbacks for every
// reservation operation.
func WithManagerOperationLogger(logger OperationLogger) ManagerOption {
	return func(manager *ReservationManager) {
		manager.logger = logger
	}
}

// NewReservationManager wires a ReservationManager over the same store as its
// AllocationLedger.
func NewReservationManager(store Store, ledger *AllocationLedger, now func() time.Time, options ...ManagerOption) (*ReservationManager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: allocation ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	manager := &ReservationManager{
		store:      store,
		ledger:     ledger,
		nowFn:      now,
		defaultTTL: DefaultHoldTTL,
	}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager, nil
}

// Reserve places a hold of amount credits against an allocation. If a pending
// hold already exists for the (allocation, requester) pair it is returned
// unchanged, so callers may retry after a network blip without creating
// duplicate holds. An exhausted pool returns ErrInsufficientCredits.
func (manager *ReservationManager) Reserve(ctx context.Context, allocationID string, requesterID string, amount CreditAmount, ttl time.Duration) (Reservation, error) {
	normalizedRequesterID, err := NewID(requesterID)
	if err != nil {
		return Reservation{}, err
	}
	if ttl <= 0 {
		ttl = manager.defaultTTL
	}
	var result Reservation
	operationError := manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		// Lock the allocation row first so the pending-hold check and the
		// bucket movement are serialized per allocation.
		allocation, err := transactionStore.GetAllocationForUpdate(ctx, allocationID)
		if err != nil {
			return err
		}
		existing, err := transactionStore.GetPendingReservation(ctx, allocation.AllocationID, normalizedRequesterID)
		if err != nil {
			return err
		}
		if existing != nil {
			result = *existing
			return nil
		}
		now := manager.nowFn()
		reservation := Reservation{
			ReservationID: uuid.NewString(),
			AllocationID:  allocation.AllocationID,
			RequesterID:   normalizedRequesterID,
			AmountCredits: amount.Int64(),
			Status:        ReservationStatusPending,
			CreatedAt:     now,
			ExpiresAt:     now.Add(ttl),
		}
		if err := transactionStore.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		if _, err := manager.ledger.applyReserve(ctx, transactionStore, allocation, amount.Int64(), reservation.ReservationID, now); err != nil {
			return err
		}
		result = reservation
		return nil
	})
	logOperation(ctx, manager.logger, OperationLog{
		Operation:     operationReserve,
		AllocationID:  allocationID,
		ReservationID: result.ReservationID,
		RequesterID:   normalizedRequesterID,
		Amount:        amount.Int64(),
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return result, nil
}

// Capture converts a pending hold into a permanent deduction. It is only
// valid while the hold is pending and not past its deadline; a terminal
// reservation returns ErrAlreadyResolved without touching the buckets.
func (manager *ReservationManager) Capture(ctx context.Context, reservationID string) error {
	var reservation Reservation
	operationError := manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		reservation, err = transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation.Status.Terminal() {
			return WrapError(operationCapture, subjectReservation, codeResolved, ErrAlreadyResolved)
		}
		now := manager.nowFn()
		if !now.Before(reservation.ExpiresAt) {
			return WrapError(operationCapture, subjectReservation, codeExpired, ErrReservationExpired)
		}
		allocation, err := transactionStore.GetAllocationForUpdate(ctx, reservation.AllocationID)
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateReservationStatus(ctx, reservation.ReservationID, ReservationStatusPending, ReservationStatusCaptured); err != nil {
			return err
		}
		_, err = manager.ledger.applyCapture(ctx, transactionStore, allocation, reservation.AmountCredits, reservation.ReservationID, now)
		return err
	})
	logOperation(ctx, manager.logger, OperationLog{
		Operation:     operationCapture,
		AllocationID:  reservation.AllocationID,
		ReservationID: reservationID,
		RequesterID:   reservation.RequesterID,
		Amount:        reservation.AmountCredits,
		Error:         operationError,
	})
	return operationError
}

// Release returns a pending hold's credits to the available pool. It is
// idempotent: releasing an already-resolved reservation is a successful
// no-op, because explicit cancellation, the purchase failure path, and the
// expiry sweep may race on the same hold.
func (manager *ReservationManager) Release(ctx context.Context, reservationID string) error {
	var reservation Reservation
	operationError := manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		reservation, err = transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if reservation.Status.Terminal() {
			return nil
		}
		allocation, err := transactionStore.GetAllocationForUpdate(ctx, reservation.AllocationID)
		if err != nil {
			return err
		}
		err = transactionStore.UpdateReservationStatus(ctx, reservation.ReservationID, ReservationStatusPending, ReservationStatusReleased)
		if errors.Is(err, ErrAlreadyResolved) {
			// Another resolver won between the read and the flip.
			return nil
		}
		if err != nil {
			return err
		}
		_, err = manager.ledger.applyRelease(ctx, transactionStore, allocation, reservation.AmountCredits, reservation.ReservationID, LedgerReasonRelease, manager.nowFn())
		return err
	})
	logOperation(ctx, manager.logger, OperationLog{
		Operation:     operationRelease,
		AllocationID:  reservation.AllocationID,
		ReservationID: reservationID,
		RequesterID:   reservation.RequesterID,
		Amount:        reservation.AmountCredits,
		Error:         operationError,
	})
	return operationError
}

// Get returns a reservation by id.
func (manager *ReservationManager) Get(ctx context.Context, reservationID string) (Reservation, error) {
	return manager.store.GetReservation(ctx, reservationID)
}

// ExpireDue releases every pending hold whose deadline has passed and marks
// it expired for audit distinction. Each hold is resolved in its own
// transaction; a hold captured concurrently between selection and action is
// skipped via the conditional status update. Returns the number of holds
// reclaimed.
func (manager *ReservationManager) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := manager.store.ListExpiredPending(ctx, now, expiredSweepBatchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, candidate := range due {
		reservation := candidate
		operationError := manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			allocation, err := transactionStore.GetAllocationForUpdate(ctx, reservation.AllocationID)
			if err != nil {
				return err
			}
			err = transactionStore.UpdateReservationStatus(ctx, reservation.ReservationID, ReservationStatusPending, ReservationStatusExpired)
			if errors.Is(err, ErrAlreadyResolved) {
				return nil
			}
			if err != nil {
				return err
			}
			if _, err := manager.ledger.applyRelease(ctx, transactionStore, allocation, reservation.AmountCredits, reservation.ReservationID, LedgerReasonExpire, now); err != nil {
				return err
			}
			expired++
			return nil
		})
		logOperation(ctx, manager.logger, OperationLog{
			Operation:     operationExpire,
			AllocationID:  reservation.AllocationID,
			ReservationID: reservation.ReservationID,
			RequesterID:   reservation.RequesterID,
			Amount:        reservation.AmountCredits,
			Error:         operationError,
		})
		if operationError != nil {
			return expired, operationError
		}
	}
	return expired, nil
}

const (
	subjectReservation = "reservation"
	codeResolved       = "resolved"
	codeExpired        = "expired"
)
