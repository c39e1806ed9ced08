package sponsorship

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store. WithTx snapshots the data, runs the
// closure against the copy, and swaps it in only on success, mirroring the
// rollback behavior of the real stores. A single mutex serializes
// transactions, which matches the per-allocation locking guarantee the
// services rely on.
type stubStore struct {
	mu   *sync.Mutex
	data *stubData
	inTx bool
}

type stubData struct {
	allocations  map[string]Allocation
	reservations map[string]Reservation
	entries      []LedgerEntry
	transactions map[string]Transaction
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		mu: &sync.Mutex{},
		data: &stubData{
			allocations:  map[string]Allocation{},
			reservations: map[string]Reservation{},
			transactions: map[string]Transaction{},
		},
	}
}

func (data *stubData) clone() *stubData {
	cloned := &stubData{
		allocations:  make(map[string]Allocation, len(data.allocations)),
		reservations: make(map[string]Reservation, len(data.reservations)),
		entries:      append([]LedgerEntry(nil), data.entries...),
		transactions: make(map[string]Transaction, len(data.transactions)),
	}
	for id, allocation := range data.allocations {
		cloned.allocations[id] = allocation
	}
	for id, reservation := range data.reservations {
		cloned.reservations[id] = reservation
	}
	for id, transaction := range data.transactions {
		cloned.transactions[id] = transaction
	}
	return cloned
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.data.clone()
	txStore := &stubStore{mu: store.mu, data: snapshot, inTx: true}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	*store.data = *snapshot
	return nil
}

func (store *stubStore) lock() func() {
	if store.inTx {
		return func() {}
	}
	store.mu.Lock()
	return store.mu.Unlock
}

func (store *stubStore) CreateAllocation(_ context.Context, allocation Allocation) error {
	defer store.lock()()
	store.data.allocations[allocation.AllocationID] = allocation
	return nil
}

func (store *stubStore) GetAllocation(_ context.Context, allocationID string) (Allocation, error) {
	defer store.lock()()
	allocation, ok := store.data.allocations[allocationID]
	if !ok {
		return Allocation{}, ErrAllocationNotFound
	}
	return allocation, nil
}

func (store *stubStore) GetAllocationForUpdate(ctx context.Context, allocationID string) (Allocation, error) {
	return store.GetAllocation(ctx, allocationID)
}

func (store *stubStore) UpdateAllocationBuckets(_ context.Context, allocation Allocation) error {
	defer store.lock()()
	if _, ok := store.data.allocations[allocation.AllocationID]; !ok {
		return ErrAllocationNotFound
	}
	store.data.allocations[allocation.AllocationID] = allocation
	return nil
}

func (store *stubStore) SetAllocationArchived(_ context.Context, allocationID string, archived bool) error {
	defer store.lock()()
	allocation, ok := store.data.allocations[allocationID]
	if !ok {
		return ErrAllocationNotFound
	}
	allocation.Archived = archived
	store.data.allocations[allocationID] = allocation
	return nil
}

func (store *stubStore) InsertLedgerEntry(_ context.Context, entry LedgerEntry) error {
	defer store.lock()()
	store.data.entries = append(store.data.entries, entry)
	return nil
}

func (store *stubStore) ListLedgerEntries(_ context.Context, allocationID string, before time.Time, limit int) ([]LedgerEntry, error) {
	defer store.lock()()
	entries := make([]LedgerEntry, 0)
	for _, entry := range store.data.entries {
		if entry.AllocationID == allocationID && entry.CreatedAt.Before(before) {
			entries = append(entries, entry)
		}
	}
	sort.SliceStable(entries, func(left, right int) bool {
		return entries[left].CreatedAt.After(entries[right].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (store *stubStore) CreateReservation(_ context.Context, reservation Reservation) error {
	defer store.lock()()
	if _, ok := store.data.reservations[reservation.ReservationID]; ok {
		return ErrReservationExists
	}
	store.data.reservations[reservation.ReservationID] = reservation
	return nil
}

func (store *stubStore) GetReservation(_ context.Context, reservationID string) (Reservation, error) {
	defer store.lock()()
	reservation, ok := store.data.reservations[reservationID]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return reservation, nil
}

func (store *stubStore) GetPendingReservation(_ context.Context, allocationID string, requesterID string) (*Reservation, error) {
	defer store.lock()()
	for _, reservation := range store.data.reservations {
		if reservation.AllocationID == allocationID && reservation.RequesterID == requesterID && reservation.Status == ReservationStatusPending {
			found := reservation
			return &found, nil
		}
	}
	return nil, nil
}

func (store *stubStore) ListPendingByAllocation(_ context.Context, allocationID string) ([]Reservation, error) {
	defer store.lock()()
	pending := make([]Reservation, 0)
	for _, reservation := range store.data.reservations {
		if reservation.AllocationID == allocationID && reservation.Status == ReservationStatusPending {
			pending = append(pending, reservation)
		}
	}
	sort.Slice(pending, func(left, right int) bool {
		return pending[left].ReservationID < pending[right].ReservationID
	})
	return pending, nil
}

func (store *stubStore) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	defer store.lock()()
	due := make([]Reservation, 0)
	for _, reservation := range store.data.reservations {
		if reservation.Status == ReservationStatusPending && reservation.ExpiresAt.Before(now) {
			due = append(due, reservation)
		}
	}
	sort.Slice(due, func(left, right int) bool {
		return due[left].ReservationID < due[right].ReservationID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (store *stubStore) UpdateReservationStatus(_ context.Context, reservationID string, from ReservationStatus, to ReservationStatus) error {
	defer store.lock()()
	reservation, ok := store.data.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if reservation.Status != from {
		return ErrAlreadyResolved
	}
	reservation.Status = to
	store.data.reservations[reservationID] = reservation
	return nil
}

func (store *stubStore) CreateTransaction(_ context.Context, transaction Transaction) error {
	defer store.lock()()
	store.data.transactions[transaction.TransactionID] = transaction
	return nil
}

func (store *stubStore) GetTransaction(_ context.Context, transactionID string) (Transaction, error) {
	defer store.lock()()
	transaction, ok := store.data.transactions[transactionID]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return transaction, nil
}

func (store *stubStore) UpdateTransactionStatus(_ context.Context, transactionID string, status TransactionStatus, failureReason string) error {
	defer store.lock()()
	transaction, ok := store.data.transactions[transactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	transaction.Status = status
	transaction.FailureReason = failureReason
	store.data.transactions[transactionID] = transaction
	return nil
}

// Helpers shared across the package tests.

func (store *stubStore) mustAllocation(test *testing.T, allocationID string) Allocation {
	test.Helper()
	allocation, err := store.GetAllocation(context.Background(), allocationID)
	if err != nil {
		test.Fatalf("allocation %s: %v", allocationID, err)
	}
	return allocation
}

func (store *stubStore) mustReservation(test *testing.T, reservationID string) Reservation {
	test.Helper()
	reservation, err := store.GetReservation(context.Background(), reservationID)
	if err != nil {
		test.Fatalf("reservation %s: %v", reservationID, err)
	}
	return reservation
}

func (store *stubStore) entriesFor(allocationID string) []LedgerEntry {
	store.mu.Lock()
	defer store.mu.Unlock()
	entries := make([]LedgerEntry, 0)
	for _, entry := range store.data.entries {
		if entry.AllocationID == allocationID {
			entries = append(entries, entry)
		}
	}
	return entries
}

func mustCreditAmount(test *testing.T, raw int64) CreditAmount {
	test.Helper()
	amount, err := NewCreditAmount(raw)
	if err != nil {
		test.Fatalf("credit amount %d: %v", raw, err)
	}
	return amount
}

func mustNewLedger(test *testing.T, store Store, now func() time.Time) *AllocationLedger {
	test.Helper()
	ledger, err := NewAllocationLedger(store, now)
	if err != nil {
		test.Fatalf("allocation ledger init: %v", err)
	}
	return ledger
}

func mustNewManager(test *testing.T, store Store, ledger *AllocationLedger, now func() time.Time, options ...ManagerOption) *ReservationManager {
	test.Helper()
	manager, err := NewReservationManager(store, ledger, now, options...)
	if err != nil {
		test.Fatalf("reservation manager init: %v", err)
	}
	return manager
}

func mustCreateAllocation(test *testing.T, ledger *AllocationLedger, sponsorID string, credits int64) Allocation {
	test.Helper()
	allocation, err := ledger.CreateAllocation(context.Background(), sponsorID, mustCreditAmount(test, credits))
	if err != nil {
		test.Fatalf("create allocation: %v", err)
	}
	return allocation
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// syncClock is a mutable test clock safe for concurrent readers.
type syncClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSyncClock(at time.Time) *syncClock {
	return &syncClock{now: at}
}

func (clock *syncClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *syncClock) Advance(delta time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(delta)
}
