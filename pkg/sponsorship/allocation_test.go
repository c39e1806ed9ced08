package sponsorship

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testClock() func() time.Time {
	return fixedClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func TestCreateAllocationSeedsAvailableBucket(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := mustNewLedger(test, store, testClock())

	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 500)

	if allocation.TotalCredits != 500 || allocation.AvailableCredits != 500 {
		test.Fatalf("unexpected buckets: %+v", allocation)
	}
	if allocation.ReservedCredits != 0 || allocation.UsedCredits != 0 {
		test.Fatalf("expected empty reserved/used buckets: %+v", allocation)
	}
	entries := store.entriesFor(allocation.AllocationID)
	if len(entries) != 1 {
		test.Fatalf("expected one ledger entry, got %d", len(entries))
	}
	if entries[0].Reason != LedgerReasonTopUp || entries[0].AvailableDelta != 500 {
		test.Fatalf("unexpected opening entry: %+v", entries[0])
	}
}

func TestTopUpRaisesTotalAndAvailableTogether(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := mustNewLedger(test, store, testClock())
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	if err := ledger.TopUp(context.Background(), allocation.AllocationID, mustCreditAmount(test, 250)); err != nil {
		test.Fatalf("top up: %v", err)
	}

	updated := store.mustAllocation(test, allocation.AllocationID)
	if updated.TotalCredits != 350 || updated.AvailableCredits != 350 {
		test.Fatalf("unexpected buckets after top up: %+v", updated)
	}
	if !updated.Consistent() {
		test.Fatalf("allocation out of balance: %+v", updated)
	}
}

func TestTopUpRejectsArchivedAllocation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := mustNewLedger(test, store, testClock())
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	if err := ledger.Archive(context.Background(), allocation.AllocationID); err != nil {
		test.Fatalf("archive: %v", err)
	}
	err := ledger.TopUp(context.Background(), allocation.AllocationID, mustCreditAmount(test, 50))
	if !errors.Is(err, ErrAllocationArchived) {
		test.Fatalf("expected ErrAllocationArchived, got %v", err)
	}
}

func TestArchiveForceReleasesPendingHolds(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 300)

	first, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 100), time.Minute)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	second, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-2", mustCreditAmount(test, 50), time.Minute)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}

	if err := ledger.Archive(context.Background(), allocation.AllocationID); err != nil {
		test.Fatalf("archive: %v", err)
	}

	archived := store.mustAllocation(test, allocation.AllocationID)
	if !archived.Archived {
		test.Fatalf("expected archived allocation")
	}
	if archived.ReservedCredits != 0 || archived.AvailableCredits != 300 {
		test.Fatalf("expected holds force-released: %+v", archived)
	}
	if status := store.mustReservation(test, first.ReservationID).Status; status != ReservationStatusReleased {
		test.Fatalf("expected first hold released, got %s", status)
	}
	if status := store.mustReservation(test, second.ReservationID).Status; status != ReservationStatusReleased {
		test.Fatalf("expected second hold released, got %s", status)
	}
}

func TestArchiveIsIdempotent(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	ledger := mustNewLedger(test, store, testClock())
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 100)

	if err := ledger.Archive(context.Background(), allocation.AllocationID); err != nil {
		test.Fatalf("archive: %v", err)
	}
	if err := ledger.Archive(context.Background(), allocation.AllocationID); err != nil {
		test.Fatalf("second archive: %v", err)
	}
}

func TestLedgerEntriesReconcileToBuckets(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	now := testClock()
	ledger := mustNewLedger(test, store, now)
	manager := mustNewManager(test, store, ledger, now)
	allocation := mustCreateAllocation(test, ledger, "sponsor-1", 1000)

	reservation, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-1", mustCreditAmount(test, 400), time.Minute)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if err := manager.Capture(context.Background(), reservation.ReservationID); err != nil {
		test.Fatalf("capture: %v", err)
	}
	other, err := manager.Reserve(context.Background(), allocation.AllocationID, "buyer-2", mustCreditAmount(test, 100), time.Minute)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if err := manager.Release(context.Background(), other.ReservationID); err != nil {
		test.Fatalf("release: %v", err)
	}
	if err := ledger.TopUp(context.Background(), allocation.AllocationID, mustCreditAmount(test, 200)); err != nil {
		test.Fatalf("top up: %v", err)
	}

	var availableSum, reservedSum, usedSum int64
	for _, entry := range store.entriesFor(allocation.AllocationID) {
		availableSum += entry.AvailableDelta
		reservedSum += entry.ReservedDelta
		usedSum += entry.UsedDelta
	}
	final := store.mustAllocation(test, allocation.AllocationID)
	if availableSum != final.AvailableCredits || reservedSum != final.ReservedCredits || usedSum != final.UsedCredits {
		test.Fatalf("ledger sums (%d/%d/%d) do not reconcile to buckets %+v", availableSum, reservedSum, usedSum, final)
	}
	if !final.Consistent() {
		test.Fatalf("allocation out of balance: %+v", final)
	}
}

func TestAllocationLedgerRequiresDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewAllocationLedger(nil, testClock()); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil store, got %v", err)
	}
	if _, err := NewAllocationLedger(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected config error for nil clock, got %v", err)
	}
}
