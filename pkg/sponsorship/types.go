// Package sponsorship implements the sponsor credit allocation ledger: finite
// prepaid credit pools, two-phase holds against them, and the settlement flow
// that captures or releases those holds as purchases succeed or abort.
package sponsorship

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Wellagora/wellagoracommunity-sub005/pkg/pricing"
)

// CreditAmount is a strictly positive number of credits in cents.
type CreditAmount int64

// NewCreditAmount validates an amount and ensures it is strictly positive.
func NewCreditAmount(raw int64) (CreditAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return CreditAmount(raw), nil
}

// Int64 returns the raw cent value.
func (amount CreditAmount) Int64() int64 {
	return int64(amount)
}

// NewID validates and normalizes an identifier string.
func NewID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidID)
	}
	return trimmed, nil
}

// NormalizeMetadataJSON validates metadata (defaulting to "{}" for empty input).
func NormalizeMetadataJSON(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return "", fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return normalized, nil
}

// ReservationStatus defines the hold lifecycle. A reservation leaves pending
// exactly once and never transitions again.
type ReservationStatus string

const (
	ReservationStatusPending  ReservationStatus = "pending"
	ReservationStatusCaptured ReservationStatus = "captured"
	ReservationStatusReleased ReservationStatus = "released"
	ReservationStatusExpired  ReservationStatus = "expired"
)

// ParseReservationStatus validates a stored status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusPending, ReservationStatusCaptured, ReservationStatusReleased, ReservationStatusExpired:
		return ReservationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
}

// String returns the stored representation.
func (status ReservationStatus) String() string {
	return string(status)
}

// Terminal reports whether the status is final.
func (status ReservationStatus) Terminal() bool {
	return status != ReservationStatusPending
}

// TransactionStatus defines the purchase lifecycle.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

// ParseTransactionStatus validates a stored status value.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusRefunded:
		return TransactionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// LedgerReason enumerates why a bucket change happened.
type LedgerReason string

const (
	LedgerReasonReserve LedgerReason = "reserve"
	LedgerReasonCapture LedgerReason = "capture"
	LedgerReasonRelease LedgerReason = "release"
	LedgerReasonExpire  LedgerReason = "expire"
	LedgerReasonTopUp   LedgerReason = "top_up"
	LedgerReasonArchive LedgerReason = "archive"
	LedgerReasonRefund  LedgerReason = "refund"
)

// String returns the stored representation.
func (reason LedgerReason) String() string {
	return string(reason)
}

// Allocation is one sponsor-funded credit pool. Credits live in exactly one
// of the three buckets, so TotalCredits must equal their sum at all times.
type Allocation struct {
	AllocationID     string
	SponsorID        string
	TotalCredits     int64
	AvailableCredits int64
	ReservedCredits  int64
	UsedCredits      int64
	Archived         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Consistent reports whether the buckets reconcile to the total.
func (allocation Allocation) Consistent() bool {
	return allocation.TotalCredits == allocation.AvailableCredits+allocation.ReservedCredits+allocation.UsedCredits &&
		allocation.AvailableCredits >= 0 && allocation.ReservedCredits >= 0 && allocation.UsedCredits >= 0
}

// Reservation is one hold against an allocation. While pending its amount is
// counted in the allocation's reserved bucket; once resolved it is counted
// nowhere (captured moved it to used, released/expired returned it).
type Reservation struct {
	ReservationID string
	AllocationID  string
	RequesterID   string
	AmountCredits int64
	Status        ReservationStatus
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// LedgerEntry is one immutable audit record of a single bucket change. The
// per-bucket deltas of all entries for an allocation always sum to its
// current bucket values.
type LedgerEntry struct {
	EntryID        string
	AllocationID   string
	Reason         LedgerReason
	AvailableDelta int64
	ReservedDelta  int64
	UsedDelta      int64
	ReservationID  string
	MetadataJSON   string
	CreatedAt      time.Time
}

// Transaction is one purchase attempt with its pricing snapshot and the
// caller-supplied metadata that travelled with it.
type Transaction struct {
	TransactionID string
	ContentID     string
	BuyerID       string
	SellerID      string
	Pricing       pricing.Breakdown
	ReservationID string
	Status        TransactionStatus
	FailureReason string
	MetadataJSON  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
