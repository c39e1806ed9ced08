package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SponsorAllocation mirrors the sponsor_allocations table.
type SponsorAllocation struct {
	AllocationID     string    `gorm:"type:uuid;primaryKey"`
	SponsorID        string    `gorm:"not null;index:idx_allocations_sponsor"`
	TotalCredits     int64     `gorm:"not null"`
	AvailableCredits int64     `gorm:"not null"`
	ReservedCredits  int64     `gorm:"not null"`
	UsedCredits      int64     `gorm:"not null"`
	Archived         bool      `gorm:"not null;default:false"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (SponsorAllocation) TableName() string { return "sponsor_allocations" }

func (allocation *SponsorAllocation) BeforeCreate(tx *gorm.DB) error {
	if allocation.AllocationID == "" {
		allocation.AllocationID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table. The partial unique index keeps
// at most one pending hold per (allocation, requester) pair.
type Reservation struct {
	ReservationID string    `gorm:"type:uuid;primaryKey"`
	AllocationID  string    `gorm:"type:uuid;not null;index:idx_reservations_allocation_status,priority:1;index:uniq_pending_requester,unique,priority:1,where:status = 'pending'"`
	RequesterID   string    `gorm:"not null;index:uniq_pending_requester,unique,priority:2,where:status = 'pending'"`
	AmountCredits int64     `gorm:"not null"`
	Status        string    `gorm:"not null;index:idx_reservations_allocation_status,priority:2;index:idx_reservations_expiry,priority:1"`
	CreatedAt     time.Time `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"not null;index:idx_reservations_expiry,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

func (reservation *Reservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ReservationID == "" {
		reservation.ReservationID = uuid.NewString()
	}
	return nil
}

// CreditLedgerEntry mirrors the append-only credit_ledger_entries table.
type CreditLedgerEntry struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	AllocationID   string         `gorm:"type:uuid;not null;index:idx_ledger_allocation_created,priority:1"`
	Reason         string         `gorm:"not null"`
	AvailableDelta int64          `gorm:"not null"`
	ReservedDelta  int64          `gorm:"not null"`
	UsedDelta      int64          `gorm:"not null"`
	ReservationID  *string        `gorm:"type:uuid"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_allocation_created,priority:2"`
}

func (CreditLedgerEntry) TableName() string { return "credit_ledger_entries" }

func (entry *CreditLedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Transaction mirrors the transactions table with the pricing snapshot
// denormalized into columns so every participant reads identical numbers.
type Transaction struct {
	TransactionID  string         `gorm:"type:uuid;primaryKey"`
	ContentID      string         `gorm:"not null;index:idx_transactions_content"`
	BuyerID        string         `gorm:"not null;index:idx_transactions_buyer"`
	SellerID       string         `gorm:"not null"`
	BasePrice      int64          `gorm:"not null"`
	SponsorAmount  int64          `gorm:"not null"`
	UserPays       int64          `gorm:"not null"`
	PlatformFee    int64          `gorm:"not null"`
	CreatorEarning int64          `gorm:"not null"`
	IsSponsored    bool           `gorm:"not null"`
	ReservationID  *string        `gorm:"type:uuid"`
	Status         string         `gorm:"not null"`
	FailureReason  string         `gorm:"not null;default:''"`
	Metadata       datatypes.JSON `gorm:"not null;default:'{}'"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (Transaction) TableName() string { return "transactions" }

func (transaction *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
