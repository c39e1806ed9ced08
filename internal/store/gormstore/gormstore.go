// Package gormstore implements sponsorship.Store on GORM, targeting both
// PostgreSQL and SQLite.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Wellagora/wellagoracommunity-sub005/pkg/pricing"
	"github.com/Wellagora/wellagoracommunity-sub005/pkg/sponsorship"
)

const (
	constraintPendingRequester = "uniq_pending_requester"
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	sqliteConstraintCode       = 19

	errorOperationStore    = "store"
	errorSubjectAllocation = "allocation"
	errorSubjectEntry      = "entry"
	errorSubjectResv       = "reservation"
	errorSubjectTxn        = "transaction"
	errorCodeCreate        = "create"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeUpdate        = "update"
)

// Store implements sponsorship.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&SponsorAllocation{},
		&Reservation{},
		&CreditLedgerEntry{},
		&Transaction{},
	)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore sponsorship.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateAllocation(ctx context.Context, allocation sponsorship.Allocation) error {
	model := allocationModel(allocation)
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectAllocation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAllocation(ctx context.Context, allocationID string) (sponsorship.Allocation, error) {
	return store.getAllocation(ctx, allocationID, false)
}

func (store *Store) GetAllocationForUpdate(ctx context.Context, allocationID string) (sponsorship.Allocation, error) {
	return store.getAllocation(ctx, allocationID, true)
}

func (store *Store) getAllocation(ctx context.Context, allocationID string, forUpdate bool) (sponsorship.Allocation, error) {
	query := store.db.WithContext(ctx)
	// SQLite has no row locks but serializes writers, so the clause is only
	// emitted where it parses.
	if forUpdate && store.db.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model SponsorAllocation
	err := query.Where("allocation_id = ?", allocationID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sponsorship.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeGet, sponsorship.ErrAllocationNotFound)
		}
		return sponsorship.Allocation{}, wrapStoreError(errorSubjectAllocation, errorCodeGet, err)
	}
	return mapAllocation(model), nil
}

func (store *Store) UpdateAllocationBuckets(ctx context.Context, allocation sponsorship.Allocation) error {
	result := store.db.WithContext(ctx).
		Model(&SponsorAllocation{}).
		Where("allocation_id = ?", allocation.AllocationID).
		Updates(map[string]interface{}{
			"total_credits":     allocation.TotalCredits,
			"available_credits": allocation.AvailableCredits,
			"reserved_credits":  allocation.ReservedCredits,
			"used_credits":      allocation.UsedCredits,
			"updated_at":        allocation.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, sponsorship.ErrAllocationNotFound)
	}
	return nil
}

func (store *Store) SetAllocationArchived(ctx context.Context, allocationID string, archived bool) error {
	result := store.db.WithContext(ctx).
		Model(&SponsorAllocation{}).
		Where("allocation_id = ?", allocationID).
		Updates(map[string]interface{}{"archived": archived, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAllocation, errorCodeUpdate, sponsorship.ErrAllocationNotFound)
	}
	return nil
}

func (store *Store) InsertLedgerEntry(ctx context.Context, entry sponsorship.LedgerEntry) error {
	var reservationID *string
	if entry.ReservationID != "" {
		value := entry.ReservationID
		reservationID = &value
	}
	model := CreditLedgerEntry{
		EntryID:        entry.EntryID,
		AllocationID:   entry.AllocationID,
		Reason:         entry.Reason.String(),
		AvailableDelta: entry.AvailableDelta,
		ReservedDelta:  entry.ReservedDelta,
		UsedDelta:      entry.UsedDelta,
		ReservationID:  reservationID,
		Metadata:       datatypesJSON(entry.MetadataJSON),
		CreatedAt:      entry.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListLedgerEntries(ctx context.Context, allocationID string, before time.Time, limit int) ([]sponsorship.LedgerEntry, error) {
	var rows []CreditLedgerEntry
	err := store.db.WithContext(ctx).
		Where("allocation_id = ? AND created_at < ?", allocationID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]sponsorship.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapLedgerEntry(row))
	}
	return entries, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation sponsorship.Reservation) error {
	model := Reservation{
		ReservationID: reservation.ReservationID,
		AllocationID:  reservation.AllocationID,
		RequesterID:   reservation.RequesterID,
		AmountCredits: reservation.AmountCredits,
		Status:        reservation.Status.String(),
		CreatedAt:     reservation.CreatedAt,
		ExpiresAt:     reservation.ExpiresAt,
		UpdatedAt:     reservation.CreatedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isPendingConflict(err) {
		return wrapStoreError(errorSubjectResv, errorCodeDuplicate, sponsorship.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectResv, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID string) (sponsorship.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sponsorship.Reservation{}, wrapStoreError(errorSubjectResv, errorCodeGet, sponsorship.ErrReservationNotFound)
		}
		return sponsorship.Reservation{}, wrapStoreError(errorSubjectResv, errorCodeGet, err)
	}
	return mapReservation(model)
}

func (store *Store) GetPendingReservation(ctx context.Context, allocationID string, requesterID string) (*sponsorship.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Where("allocation_id = ? AND requester_id = ? AND status = ?", allocationID, requesterID, sponsorship.ReservationStatusPending.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectResv, errorCodeGet, err)
	}
	reservation, mapErr := mapReservation(model)
	if mapErr != nil {
		return nil, mapErr
	}
	return &reservation, nil
}

func (store *Store) ListPendingByAllocation(ctx context.Context, allocationID string) ([]sponsorship.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("allocation_id = ? AND status = ?", allocationID, sponsorship.ReservationStatusPending.String()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectResv, errorCodeList, err)
	}
	return mapReservations(rows)
}

func (store *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]sponsorship.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", sponsorship.ReservationStatusPending.String(), now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectResv, errorCodeList, err)
	}
	return mapReservations(rows)
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID string, from sponsorship.ReservationStatus, to sponsorship.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID, from.String()).
		Updates(map[string]interface{}{"status": to.String(), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectResv, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectResv, errorCodeUpdate, sponsorship.ErrAlreadyResolved)
	}
	return nil
}

func (store *Store) CreateTransaction(ctx context.Context, transaction sponsorship.Transaction) error {
	model := transactionModel(transaction)
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID string) (sponsorship.Transaction, error) {
	var model Transaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sponsorship.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, sponsorship.ErrTransactionNotFound)
		}
		return sponsorship.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, err)
	}
	return mapTransaction(model)
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID string, status sponsorship.TransactionStatus, failureReason string) error {
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ?", transactionID).
		Updates(map[string]interface{}{
			"status":         status.String(),
			"failure_reason": failureReason,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectTxn, errorCodeUpdate, sponsorship.ErrTransactionNotFound)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return sponsorship.WrapError(errorOperationStore, subject, code, err)
}

func allocationModel(allocation sponsorship.Allocation) SponsorAllocation {
	return SponsorAllocation{
		AllocationID:     allocation.AllocationID,
		SponsorID:        allocation.SponsorID,
		TotalCredits:     allocation.TotalCredits,
		AvailableCredits: allocation.AvailableCredits,
		ReservedCredits:  allocation.ReservedCredits,
		UsedCredits:      allocation.UsedCredits,
		Archived:         allocation.Archived,
		CreatedAt:        allocation.CreatedAt,
		UpdatedAt:        allocation.UpdatedAt,
	}
}

func mapAllocation(model SponsorAllocation) sponsorship.Allocation {
	return sponsorship.Allocation{
		AllocationID:     model.AllocationID,
		SponsorID:        model.SponsorID,
		TotalCredits:     model.TotalCredits,
		AvailableCredits: model.AvailableCredits,
		ReservedCredits:  model.ReservedCredits,
		UsedCredits:      model.UsedCredits,
		Archived:         model.Archived,
		CreatedAt:        model.CreatedAt,
		UpdatedAt:        model.UpdatedAt,
	}
}

func mapReservation(model Reservation) (sponsorship.Reservation, error) {
	status, err := sponsorship.ParseReservationStatus(model.Status)
	if err != nil {
		return sponsorship.Reservation{}, wrapStoreError(errorSubjectResv, errorCodeInvalid, err)
	}
	return sponsorship.Reservation{
		ReservationID: model.ReservationID,
		AllocationID:  model.AllocationID,
		RequesterID:   model.RequesterID,
		AmountCredits: model.AmountCredits,
		Status:        status,
		CreatedAt:     model.CreatedAt,
		ExpiresAt:     model.ExpiresAt,
	}, nil
}

func mapReservations(rows []Reservation) ([]sponsorship.Reservation, error) {
	reservations := make([]sponsorship.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func mapLedgerEntry(row CreditLedgerEntry) sponsorship.LedgerEntry {
	reservationID := ""
	if row.ReservationID != nil {
		reservationID = *row.ReservationID
	}
	return sponsorship.LedgerEntry{
		EntryID:        row.EntryID,
		AllocationID:   row.AllocationID,
		Reason:         sponsorship.LedgerReason(row.Reason),
		AvailableDelta: row.AvailableDelta,
		ReservedDelta:  row.ReservedDelta,
		UsedDelta:      row.UsedDelta,
		ReservationID:  reservationID,
		MetadataJSON:   string(row.Metadata),
		CreatedAt:      row.CreatedAt,
	}
}

func transactionModel(transaction sponsorship.Transaction) Transaction {
	var reservationID *string
	if transaction.ReservationID != "" {
		value := transaction.ReservationID
		reservationID = &value
	}
	return Transaction{
		TransactionID:  transaction.TransactionID,
		ContentID:      transaction.ContentID,
		BuyerID:        transaction.BuyerID,
		SellerID:       transaction.SellerID,
		BasePrice:      transaction.Pricing.BasePrice,
		SponsorAmount:  transaction.Pricing.SponsorAmount,
		UserPays:       transaction.Pricing.UserPays,
		PlatformFee:    transaction.Pricing.PlatformFee,
		CreatorEarning: transaction.Pricing.CreatorEarning,
		IsSponsored:    transaction.Pricing.IsSponsored,
		ReservationID:  reservationID,
		Status:         transaction.Status.String(),
		FailureReason:  transaction.FailureReason,
		Metadata:       datatypesJSON(transaction.MetadataJSON),
		CreatedAt:      transaction.CreatedAt,
		UpdatedAt:      transaction.UpdatedAt,
	}
}

func mapTransaction(model Transaction) (sponsorship.Transaction, error) {
	status, err := sponsorship.ParseTransactionStatus(model.Status)
	if err != nil {
		return sponsorship.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	reservationID := ""
	if model.ReservationID != nil {
		reservationID = *model.ReservationID
	}
	return sponsorship.Transaction{
		TransactionID: model.TransactionID,
		ContentID:     model.ContentID,
		BuyerID:       model.BuyerID,
		SellerID:      model.SellerID,
		Pricing: pricing.Breakdown{
			BasePrice:      model.BasePrice,
			SponsorAmount:  model.SponsorAmount,
			UserPays:       model.UserPays,
			PlatformFee:    model.PlatformFee,
			CreatorEarning: model.CreatorEarning,
			IsSponsored:    model.IsSponsored,
		},
		ReservationID: reservationID,
		Status:        status,
		FailureReason: model.FailureReason,
		MetadataJSON:  string(model.Metadata),
		CreatedAt:     model.CreatedAt,
		UpdatedAt:     model.UpdatedAt,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isPendingConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPendingRequester
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
