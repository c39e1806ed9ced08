package sponsorship

import "time"

const (
	operationCreateAllocation = "create_allocation"
	operationTopUp            = "top_up"
	operationArchive          = "archive"
	operationReserve          = "reserve"
	operationCapture          = "capture"
	operationRelease          = "release"
	operationExpire           = "expire"
	operationPurchase         = "purchase"
	operationRefund           = "refund"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultHoldTTL bounds every hold so a crashed purchase flow is always
	// reclaimed by the sweeper.
	DefaultHoldTTL = 15 * time.Minute

	// DefaultSweepInterval is how often the sweeper scans for overdue holds.
	DefaultSweepInterval = 30 * time.Second

	expiredSweepBatchSize = 100
)
