// Package pgstore implements sponsorship.Store directly on a pgx connection
// pool, for deployments that want hand-tuned SQL instead of GORM.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Wellagora/wellagoracommunity-sub005/pkg/pricing"
	"github.com/Wellagora/wellagoracommunity-sub005/pkg/sponsorship"
)

const (
	constraintPendingRequester = "uniq_pending_requester"
	pgUniqueViolationCode      = "23505"

	errorOperationStore    = "store"
	errorSubjectAllocation = "allocation"
	errorSubjectEntry      = "entry"
	errorSubjectResv       = "reservation"
	errorSubjectTxn        = "transaction"
	errorCodeBegin         = "begin"
	errorCodeCommit        = "commit"
	errorCodeCreate        = "create"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeUpdate        = "update"

	sqlSchema = `
		create table if not exists sponsor_allocations (
			allocation_id uuid primary key,
			sponsor_id text not null,
			total_credits bigint not null,
			available_credits bigint not null,
			reserved_credits bigint not null,
			used_credits bigint not null,
			archived boolean not null default false,
			created_at timestamptz not null,
			updated_at timestamptz not null,
			constraint buckets_reconcile check (total_credits = available_credits + reserved_credits + used_credits),
			constraint buckets_non_negative check (available_credits >= 0 and reserved_credits >= 0 and used_credits >= 0)
		);
		create index if not exists idx_allocations_sponsor on sponsor_allocations(sponsor_id);

		create table if not exists reservations (
			reservation_id uuid primary key,
			allocation_id uuid not null references sponsor_allocations(allocation_id),
			requester_id text not null,
			amount_credits bigint not null check (amount_credits > 0),
			status text not null,
			created_at timestamptz not null,
			expires_at timestamptz not null,
			updated_at timestamptz not null
		);
		create unique index if not exists uniq_pending_requester
			on reservations(allocation_id, requester_id) where status = 'pending';
		create index if not exists idx_reservations_expiry on reservations(status, expires_at);

		create table if not exists credit_ledger_entries (
			entry_id uuid primary key,
			allocation_id uuid not null references sponsor_allocations(allocation_id),
			reason text not null,
			available_delta bigint not null,
			reserved_delta bigint not null,
			used_delta bigint not null,
			reservation_id uuid,
			metadata jsonb not null default '{}',
			created_at timestamptz not null
		);
		create index if not exists idx_ledger_allocation_created on credit_ledger_entries(allocation_id, created_at);

		create table if not exists transactions (
			transaction_id uuid primary key,
			content_id text not null,
			buyer_id text not null,
			seller_id text not null,
			base_price bigint not null,
			sponsor_amount bigint not null,
			user_pays bigint not null,
			platform_fee bigint not null,
			creator_earning bigint not null,
			is_sponsored boolean not null,
			reservation_id uuid,
			status text not null,
			failure_reason text not null default '',
			metadata jsonb not null default '{}',
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
		create index if not exists idx_transactions_buyer on transactions(buyer_id);
	`

	sqlInsertAllocation = `
		insert into sponsor_allocations(
			allocation_id, sponsor_id, total_credits, available_credits, reserved_credits, used_credits, archived, created_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	sqlSelectAllocation = `
		select allocation_id::text, sponsor_id, total_credits, available_credits, reserved_credits, used_credits, archived, created_at, updated_at
		from sponsor_allocations
		where allocation_id = $1
	`

	sqlSelectAllocationForUpdate = sqlSelectAllocation + ` for update`

	sqlUpdateAllocationBuckets = `
		update sponsor_allocations
		set total_credits = $2, available_credits = $3, reserved_credits = $4, used_credits = $5, updated_at = $6
		where allocation_id = $1
	`

	sqlSetAllocationArchived = `
		update sponsor_allocations
		set archived = $2, updated_at = now()
		where allocation_id = $1
	`

	sqlInsertLedgerEntry = `
		insert into credit_ledger_entries(
			entry_id, allocation_id, reason, available_delta, reserved_delta, used_delta, reservation_id, metadata, created_at
		) values (
			$1, $2, $3, $4, $5, $6, nullif($7,'')::uuid, coalesce(nullif($8,''),'{}')::jsonb, $9
		)
	`

	sqlListLedgerEntries = `
		select entry_id::text, allocation_id::text, reason, available_delta, reserved_delta, used_delta,
			coalesce(reservation_id::text,''), metadata::text, created_at
		from credit_ledger_entries
		where allocation_id = $1 and created_at < $2
		order by created_at desc
		limit $3
	`

	sqlInsertReservation = `
		insert into reservations(
			reservation_id, allocation_id, requester_id, amount_credits, status, created_at, expires_at, updated_at
		) values ($1, $2, $3, $4, $5, $6, $7, $6)
	`

	sqlSelectReservation = `
		select reservation_id::text, allocation_id::text, requester_id, amount_credits, status, created_at, expires_at
		from reservations
		where reservation_id = $1
	`

	sqlSelectPendingReservation = `
		select reservation_id::text, allocation_id::text, requester_id, amount_credits, status, created_at, expires_at
		from reservations
		where allocation_id = $1 and requester_id = $2 and status = 'pending'
	`

	sqlListPendingByAllocation = `
		select reservation_id::text, allocation_id::text, requester_id, amount_credits, status, created_at, expires_at
		from reservations
		where allocation_id = $1 and status = 'pending'
		order by created_at asc
	`

	sqlListExpiredPending = `
		select reservation_id::text, allocation_id::text, requester_id, amount_credits, status, created_at, expires_at
		from reservations
		where status = 'pending' and expires_at < $1
		order by expires_at asc
		limit $2
	`

	sqlUpdateReservationStatus = `
		update reservations
		set status = $3, updated_at = now()
		where reservation_id = $1 and status = $2
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, content_id, buyer_id, seller_id,
			base_price, sponsor_amount, user_pays, platform_fee, creator_earning, is_sponsored,
			reservation_id, status, failure_reason, metadata, created_at, updated_at
		) values (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			nullif($11,'')::uuid, $12, $13, coalesce(nullif($14,''),'{}')::jsonb, $15, $16
		)
	`

	sqlSelectTransaction = `
		select transaction_id::text, content_id, buyer_id, seller_id,
			base_price, sponsor_amount, user_pays, platform_fee, creator_earning, is_sponsored,
			coalesce(reservation_id::text,''), status, failure_reason, metadata::text, created_at, updated_at
		from transactions
		where transaction_id = $1
	`

	sqlUpdateTransactionStatus = `
		update transactions
		set status = $2, failure_reason = $3, updated_at = now()
		where transaction_id = $1
	`
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx, so one method set
// serves autocommit and in-transaction stores alike.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements sponsorship.Store over a pgx pool or an active
// transaction.
type Store struct {
	db   querier
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool (autocommit outside WithTx).
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// Migrate creates the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, sqlSchema)
	return err
}

// WithTx executes fn within a transaction. Nested calls join the outer
// transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore sponsorship.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) CreateAllocation(ctx context.Context, allocation sponsorship.Allocation) error {
	if allocation.AllocationID == "" {
		allocation.AllocationID = uuid.NewString()
	}
	_, err := store.db.Exec(ctx, sqlInsertAllocation,
		allocation.AllocationID,
		allocation.SponsorID,
		allocation.TotalCredits,
		allocation.AvailableCredits,
		allocation.ReservedCredits,
		allocation.UsedCredits,
		allocation.Archived,
		allocation.CreatedAt,
		allocation.UpdatedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAllocation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAllocation(ctx context.Context, allocationID string) (sponsorship.Allocation, error) {
	return store.scanAllocation(store.db.QueryRow(ctx, sqlSelectAllocation, allocationID))
}

func (store *Store) GetAllocationForUpdate(ctx context.Context, allocationID string) (sponsorship.Allocation, error) {
	return store.scanAllocation(store.db.QueryRow(ctx, sqlSelectAllocationForUpdate, allocationID))
}

func (store *Store) scanAllocation(row pgx.Row) (sponsorship.Allocation, error) {
	var allocation sponsorship.Allocation
	err := row.Scan(
		&allocation.AllocationID,
		&allocation.SponsorID,
		&allocation.TotalCredits,
		&allocation.AvailableCredits,
		&allocation.ReservedCredits,
		&allocation.UsedCredits,
		&allocation.Archived,
		&allocation.CreatedAt,
		&allocation.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return sponsorship.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeGet, sponsorship.ErrAllocationNotFound)
	}
	if err != nil {
		return sponsorship.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeGet, err)
	}
	return allocation, nil
}

func (store *Store) UpdateAllocationBuckets(ctx context.Context, allocation sponsorship.Allocation) error {
	tag, err := store.db.Exec(ctx, sqlUpdateAllocationBuckets,
		allocation.AllocationID,
		allocation.TotalCredits,
		allocation.AvailableCredits,
		allocation.ReservedCredits,
		allocation.UsedCredits,
		allocation.UpdatedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, sponsorship.ErrAllocationNotFound)
	}
	return nil
}

func (store *Store) SetAllocationArchived(ctx context.Context, allocationID string, archived bool) error {
	tag, err := store.db.Exec(ctx, sqlSetAllocationArchived, allocationID, archived)
	if err != nil {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, sponsorship.ErrAllocationNotFound)
	}
	return nil
}

func (store *Store) InsertLedgerEntry(ctx context.Context, entry sponsorship.LedgerEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := store.db.Exec(ctx, sqlInsertLedgerEntry,
		entry.EntryID,
		entry.AllocationID,
		entry.Reason.String(),
		entry.AvailableDelta,
		entry.ReservedDelta,
		entry.UsedDelta,
		entry.ReservationID,
		entry.MetadataJSON,
		createdAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, allocationID string, before time.Time, limit int) ([]sponsorship.LedgerEntry, error) {
	rows, err := store.db.Query(ctx, sqlListLedgerEntries, allocationID, before, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]sponsorship.LedgerEntry, 0)
	for rows.Next() {
		var entry sponsorship.LedgerEntry
		var reason string
		if err := rows.Scan(
			&entry.EntryID,
			&entry.AllocationID,
			&reason,
			&entry.AvailableDelta,
			&entry.ReservedDelta,
			&entry.UsedDelta,
			&entry.ReservationID,
			&entry.MetadataJSON,
			&entry.CreatedAt,
		); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entry.Reason = sponsorship.LedgerReason(reason)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation sponsorship.Reservation) error {
	_, err := store.db.Exec(ctx, sqlInsertReservation,
		reservation.ReservationID,
		reservation.AllocationID,
		reservation.RequesterID,
		reservation.AmountCredits,
		reservation.Status.String(),
		reservation.CreatedAt,
		reservation.ExpiresAt,
	)
	if isPendingConflict(err) {
		return wrapStoreError(errorSubjectResv, errorCodeDuplicate, sponsorship.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectResv, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (sponsorship.Reservation, error) {
	return store.scanReservation(store.db.QueryRow(ctx, sqlSelectReservation, reservationID))
}

func (store *Store) GetPendingReservation(ctx context.Context, allocationID string, requesterID string) (*sponsorship.Reservation, error) {
	reservation, err := store.scanReservation(store.db.QueryRow(ctx, sqlSelectPendingReservation, allocationID, requesterID))
	if errors.Is(err, sponsorship.ErrReservationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func (store *Store) scanReservation(row pgx.Row) (sponsorship.Reservation, error) {
	var reservation sponsorship.Reservation
	var status string
	err := row.Scan(
		&reservation.ReservationID,
		&reservation.AllocationID,
		&reservation.RequesterID,
		&reservation.AmountCredits,
		&status,
		&reservation.CreatedAt,
		&reservation.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return sponsorship.Reservation{}, wrapStoreError(errorSubjectResv, errorCodeGet, sponsorship.ErrReservationNotFound)
	}
	if err != nil {
		return sponsorship.Reservation{}, wrapStoreError(errorSubjectResv, errorCodeGet, err)
	}
	parsedStatus, err := sponsorship.ParseReservationStatus(status)
	if err != nil {
		return sponsorship.Reservation{}, wrapStoreError(errorSubjectResv, errorCodeInvalid, err)
	}
	reservation.Status = parsedStatus
	return reservation, nil
}

func (store *Store) ListPendingByAllocation(ctx context.Context, allocationID string) ([]sponsorship.Reservation, error) {
	rows, err := store.db.Query(ctx, sqlListPendingByAllocation, allocationID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectResv, errorCodeList, err)
	}
	defer rows.Close()
	return store.collectReservations(rows)
}

func (store *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]sponsorship.Reservation, error) {
	rows, err := store.db.Query(ctx, sqlListExpiredPending, now, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectResv, errorCodeList, err)
	}
	defer rows.Close()
	return store.collectReservations(rows)
}

func (store *Store) collectReservations(rows pgx.Rows) ([]sponsorship.Reservation, error) {
	reservations := make([]sponsorship.Reservation, 0)
	for rows.Next() {
		reservation, err := store.scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectResv, errorCodeList, err)
	}
	return reservations, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from sponsorship.ReservationStatus, to sponsorship.ReservationStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateReservationStatus, reservationID, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectResv, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectResv, errorCodeUpdate, sponsorship.ErrAlreadyResolved)
	}
	return nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction sponsorship.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.ContentID,
		transaction.BuyerID,
		transaction.SellerID,
		transaction.Pricing.BasePrice,
		transaction.Pricing.SponsorAmount,
		transaction.Pricing.UserPays,
		transaction.Pricing.PlatformFee,
		transaction.Pricing.CreatorEarning,
		transaction.Pricing.IsSponsored,
		transaction.ReservationID,
		transaction.Status.String(),
		transaction.FailureReason,
		transaction.MetadataJSON,
		transaction.CreatedAt,
		transaction.UpdatedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (sponsorship.Transaction, error) {
	var transaction sponsorship.Transaction
	var breakdown pricing.Breakdown
	var status string
	err := store.db.QueryRow(ctx, sqlSelectTransaction, transactionID).Scan(
		&transaction.TransactionID,
		&transaction.ContentID,
		&transaction.BuyerID,
		&transaction.SellerID,
		&breakdown.BasePrice,
		&breakdown.SponsorAmount,
		&breakdown.UserPays,
		&breakdown.PlatformFee,
		&breakdown.CreatorEarning,
		&breakdown.IsSponsored,
		&transaction.ReservationID,
		&status,
		&transaction.FailureReason,
		&transaction.MetadataJSON,
		&transaction.CreatedAt,
		&transaction.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return sponsorship.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, sponsorship.ErrTransactionNotFound)
	}
	if err != nil {
		return sponsorship.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, err)
	}
	parsedStatus, err := sponsorship.ParseTransactionStatus(status)
	if err != nil {
		return sponsorship.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	transaction.Status = parsedStatus
	transaction.Pricing = breakdown
	return transaction, nil
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, status sponsorship.TransactionStatus, failureReason string) error {
	tag, err := store.db.Exec(ctx, sqlUpdateTransactionStatus, transactionID, status.String(), failureReason)
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdate, sponsorship.ErrTransactionNotFound)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return sponsorship.WrapError(errorOperationStore, subject, code, err)
}

func isPendingConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPendingRequester
	}
	return false
}
