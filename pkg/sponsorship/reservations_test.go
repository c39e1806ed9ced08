package sponsorship

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestReserveMovesAvailableToReserved(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	reservation, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 60), time.Minute)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	if reservation.Status != ReservationStatusPending {
		test.Fatalf("expected pending reservation, got %s", reservation.Status)
	}
	if want := now().Add(time.Minute); !reservation.ExpiresAt.Equal(want) {
		test.Fatalf("expected expiry %v, got %v", want, reservation.ExpiresAt)
	}
	updated := store.mustAllocation(test, allocation.AllocationID)
	if updated.AvailableCredits != 40 || updated.ReservedCredits != 60 {
		test.Fatalf("unexpected buckets: %+v", updated)
	}
}

func TestReserveIsIdempotentPerRequester(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	first, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 30), time.Minute)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	second, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 30), time.Minute)
	if err != nil {
		test.Fatalf("repeat reserve: %v", err)
	}

	if second.ReservationID != first.ReservationID {
		test.Fatalf("expected the existing hold back, got %s and %s", first.ReservationID, second.ReservationID)
	}
	updated := store.mustAllocation(test, allocation.AllocationID)
	if updated.ReservedCredits != 30 {
		test.Fatalf("expected a single hold of 30, got reserved %d", updated.ReservedCredits)
	}
}

func TestReserveInsufficientCredits(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 50)

	_, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 60), time.Minute)
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	updated := store.mustAllocation(test, allocation.AllocationID)
	if updated.AvailableCredits != 50 || updated.ReservedCredits != 0 {
		test.Fatalf("failed reserve must not mutate buckets: %+v", updated)
	}
}

func TestReserveUnknownAllocation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now)

	_, err := manager.Reserve(context.Background(), "missing", "buyer-1", mustCreditAmount(test, 10), time.Minute)
	if !errors.Is(err, ErrAllocationNotFound) {
		test.Fatalf("expected ErrAllocationNotFound, got %v", err)
	}
}

func TestConcurrentReservesNeverOversell(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for index := 0; index < 2; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			requester := []string{"buyer-a", "buyer-b"}[index]
			_, err := manager.Reserve(context.Background(), allocation.AllocationID, requester, mustCreditAmount(test, 60), time.Minute)
			results[index] = err
		}(index)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, ErrInsufficientCredits) {
			test.Fatalf("unexpected reserve error: %v", err)
		}
	}
	if succeeded != 1 {
		test.Fatalf("expected exactly one winner, got %d", succeeded)
	}
	final := store.mustAllocation(test, allocation.AllocationID)
	if final.ReservedCredits != 60 || final.AvailableCredits != 40 {
		test.Fatalf("unexpected buckets after race: %+v", final)
	}
	if !final.Consistent() {
		test.Fatalf("allocation out of balance: %+v", final)
	}
}

func TestCaptureMovesReservedToUsed(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	reservation, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 60), time.Minute)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if err := manager.Capture(context.Background(), reservation.ReservationID); err != nil {
		test.Fatalf("capture: %v", err)
	}

	updated := store.mustAllocation(test, allocation.AllocationID)
	if updated.ReservedCredits != 0 || updated.UsedCredits != 60 || updated.AvailableCredits != 40 {
		test.Fatalf("unexpected buckets after capture: %+v", updated)
	}
	if status := store.mustReservation(test, reservation.ReservationID).Status; status != ReservationStatusCaptured {
		test.Fatalf("expected captured, got %s", status)
	}
}

func TestDoubleCaptureFailsWithoutMutation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	reservation, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 60), time.Minute)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if err := manager.Capture(context.Background(), reservation.ReservationID); err != nil {
		test.Fatalf("capture: %v", err)
	}
	err = manager.Capture(context.Background(), reservation.ReservationID)
	if !errors.Is(err, ErrAlreadyResolved) {
		test.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	updated := store.mustAllocation(test, allocation.AllocationID)
	if updated.UsedCredits != 60 || updated.ReservedCredits != 0 {
		test.Fatalf("second capture mutated buckets: %+v", updated)
	}
}

func TestCaptureRejectsExpiredHold(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	ledger := mustNewLedger(test, store, clock)
	manager := mustNewManager(test, store, ledger, clock)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	reservation, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 60), time.Second)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	current = current.Add(2 * time.Second)
	err = manager.Capture(context.Background(), reservation.ReservationID)
	if !errors.Is(err, ErrReservationExpired) {
		test.Fatalf("expected ErrReservationExpired, got %v", err)
	}
	if status := store.mustReservation(test, reservation.ReservationID).Status; status != ReservationStatusPending {
		test.Fatalf("expired capture must leave the hold for the sweeper, got %s", status)
	}
}

func TestReleaseReturnsCreditsAndIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	reservation, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 60), time.Minute)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if err := manager.Release(context.Background(), reservation.ReservationID); err != nil {
		test.Fatalf("release: %v", err)
	}
	if err := manager.Release(context.Background(), reservation.ReservationID); err != nil {
		test.Fatalf("repeat release: %v", err)
	}

	updated := store.mustAllocation(test, allocation.AllocationID)
	if updated.AvailableCredits != 100 || updated.ReservedCredits != 0 {
		test.Fatalf("double release double-credited the pool: %+v", updated)
	}
	releaseEntries := 0
	for _, entry := range store.entriesFor(allocation.AllocationID) {
		if entry.Reason == LedgerReasonRelease {
			releaseEntries++
		}
	}
	if releaseEntries != 1 {
		test.Fatalf("expected one release entry, got %d", releaseEntries)
	}
}

func TestReleaseAfterCaptureIsNoOp(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	reservation, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 60), time.Minute)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if err := manager.Capture(context.Background(), reservation.ReservationID); err != nil {
		test.Fatalf("capture: %v", err)
	}
	if err := manager.Release(context.Background(), reservation.ReservationID); err != nil {
		test.Fatalf("release after capture should be a no-op: %v", err)
	}
	updated := store.mustAllocation(test, allocation.AllocationID)
	if updated.UsedCredits != 60 || updated.AvailableCredits != 40 {
		test.Fatalf("release after capture mutated buckets: %+v", updated)
	}
}

func TestReleaseUnknownReservation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now)

	err := manager.Release(context.Background(), "missing")
	if !errors.Is(err, ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestExpireDueReclaimsOverdueHolds(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	ledger := mustNewLedger(test, store, clock)
	manager := mustNewManager(test, store, ledger, clock)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	reservation, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 60), time.Second)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	current = current.Add(2 * time.Second)
	expired, err := manager.ExpireDue(context.Background(), current)
	if err != nil {
		test.Fatalf("expire due: %v", err)
	}
	if expired != 1 {
		test.Fatalf("expected one expired hold, got %d", expired)
	}
	if status := store.mustReservation(test, reservation.ReservationID).Status; status != ReservationStatusExpired {
		test.Fatalf("expected expired status, got %s", status)
	}
	updated := store.mustAllocation(test, allocation.AllocationID)
	if updated.AvailableCredits != 100 || updated.ReservedCredits != 0 {
		test.Fatalf("expiry did not return credits: %+v", updated)
	}
	foundExpireEntry := false
	for _, entry := range store.entriesFor(allocation.AllocationID) {
		if entry.Reason == LedgerReasonExpire {
			foundExpireEntry = true
		}
	}
	if !foundExpireEntry {
		test.Fatalf("expected an expire ledger entry")
	}
}

func TestExpireDueSkipsConcurrentlyCapturedHold(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	ledger := mustNewLedger(test, store, clock)
	manager := mustNewManager(test, store, ledger, clock)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	reservation, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 60), time.Second)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	// Capture before the deadline, then sweep past it: the sweep must not
	// touch the already-captured hold.
	if err := manager.Capture(context.Background(), reservation.ReservationID); err != nil {
		test.Fatalf("capture: %v", err)
	}
	current = current.Add(2 * time.Second)
	expired, err := manager.ExpireDue(context.Background(), current)
	if err != nil {
		test.Fatalf("expire due: %v", err)
	}
	if expired != 0 {
		test.Fatalf("expected no expirations, got %d", expired)
	}
	updated := store.mustAllocation(test, allocation.AllocationID)
	if updated.UsedCredits != 60 {
		test.Fatalf("sweep reversed a capture: %+v", updated)
	}
}

func TestReserveAppliesDefaultTTL(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now, WithDefaultHoldTTL(5*time.Minute))
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	reservation, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 10), 0)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if want := now().Add(5 * time.Minute); !reservation.ExpiresAt.Equal(want) {
		test.Fatalf("expected default ttl expiry %v, got %v", want, reservation.ExpiresAt)
	}
}
