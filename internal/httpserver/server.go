// Package httpserver exposes the sponsorship ledger over HTTP for the
// community frontends.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Wellagora/wellagoracommunity-sub005/pkg/pricing"
	"github.com/Wellagora/wellagoracommunity-sub005/pkg/sponsorship"
)

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 500
)

// Server is the HTTP facade over the allocation ledger, reservation manager
// and settlement orchestrator.
type Server struct {
	cfg          Config
	logger       *zap.Logger
	allocations  *sponsorship.AllocationLedger
	reservations *sponsorship.ReservationManager
	settlement   *sponsorship.SettlementOrchestrator
}

// New wires a Server. The configuration is validated (and defaulted) in place.
func New(
	cfg Config,
	logger *zap.Logger,
	allocations *sponsorship.AllocationLedger,
	reservations *sponsorship.ReservationManager,
	settlement *sponsorship.SettlementOrchestrator,
) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if allocations == nil || reservations == nil || settlement == nil {
		return nil, fmt.Errorf("httpserver: nil service dependency")
	}
	return &Server{
		cfg:          cfg,
		logger:       logger,
		allocations:  allocations,
		reservations: reservations,
		settlement:   settlement,
	}, nil
}

// Router builds the gin engine with all routes registered.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(server.cfg.JWTSigningKey), server.cfg.JWTIssuer))

	api.POST("/allocations", server.handleCreateAllocation)
	api.POST("/allocations/:id/topup", server.handleTopUp)
	api.POST("/allocations/:id/archive", server.handleArchive)
	api.GET("/allocations/:id", server.handleGetAllocation)
	api.GET("/allocations/:id/entries", server.handleListEntries)
	api.GET("/pricing/quote", server.handleQuote)
	api.POST("/purchases", server.handlePurchase)
	api.GET("/purchases/:id", server.handleGetTransaction)
	api.POST("/purchases/:id/refund", server.handleRefund)
	api.POST("/reservations/:id/release", server.handleRelease)

	return router
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("sponsorship api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type createAllocationRequest struct {
	InitialCredits int64 `json:"initial_credits"`
}

func (server *Server) handleCreateAllocation(ctx *gin.Context) {
	var request createAllocationRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := sponsorship.NewCreditAmount(request.InitialCredits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "initial_credits must be greater than zero"))
		return
	}
	allocation, err := server.allocations.CreateAllocation(ctx.Request.Context(), requesterID(ctx), amount)
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"allocation": allocationPayloadFrom(allocation)})
}

type topUpRequest struct {
	AmountCredits int64 `json:"amount_credits"`
}

func (server *Server) handleTopUp(ctx *gin.Context) {
	var request topUpRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	amount, err := sponsorship.NewCreditAmount(request.AmountCredits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount_credits must be greater than zero"))
		return
	}
	if err := server.allocations.TopUp(ctx.Request.Context(), ctx.Param("id"), amount); err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	server.respondWithAllocation(ctx, ctx.Param("id"))
}

func (server *Server) handleArchive(ctx *gin.Context) {
	if err := server.allocations.Archive(ctx.Request.Context(), ctx.Param("id")); err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	server.respondWithAllocation(ctx, ctx.Param("id"))
}

func (server *Server) handleGetAllocation(ctx *gin.Context) {
	server.respondWithAllocation(ctx, ctx.Param("id"))
}

func (server *Server) respondWithAllocation(ctx *gin.Context, allocationID string) {
	allocation, err := server.allocations.Allocation(ctx.Request.Context(), allocationID)
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"allocation": allocationPayloadFrom(allocation)})
}

func (server *Server) handleListEntries(ctx *gin.Context) {
	// A zero cutoff lets the ledger default it from its own clock.
	var before time.Time
	if raw := ctx.Query("before_unix_utc"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_cursor", "before_unix_utc must be an integer"))
			return
		}
		before = time.Unix(seconds, 0).UTC()
	}
	limit := defaultEntriesLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxEntriesLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", fmt.Sprintf("limit must be between 1 and %d", maxEntriesLimit)))
			return
		}
		limit = parsed
	}
	entries, err := server.allocations.Entries(ctx.Request.Context(), ctx.Param("id"), before, limit)
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	payloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, entryPayloadFrom(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payloads})
}

func (server *Server) handleQuote(ctx *gin.Context) {
	basePrice, err := strconv.ParseInt(ctx.Query("base_price_cents"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_price", "base_price_cents must be an integer"))
		return
	}
	sponsorAmount := int64(0)
	if raw := ctx.Query("sponsor_amount_cents"); raw != "" {
		sponsorAmount, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_price", "sponsor_amount_cents must be an integer"))
			return
		}
	}
	breakdown, err := server.settlement.Quote(basePrice, sponsorAmount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_price", err.Error()))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"pricing": breakdownPayloadFrom(breakdown)})
}

type purchaseRequest struct {
	ContentID          string `json:"content_id"`
	SellerID           string `json:"seller_id"`
	BasePriceCents     int64  `json:"base_price_cents"`
	AllocationID       string `json:"allocation_id"`
	SponsorAmountCents int64  `json:"sponsor_amount_cents"`
	HoldTTLSeconds     int64  `json:"hold_ttl_seconds"`
	Metadata           string `json:"metadata"`
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	attempt := sponsorship.PurchaseRequest{
		ContentID:      request.ContentID,
		BuyerID:        requesterID(ctx),
		SellerID:       request.SellerID,
		BasePriceCents: request.BasePriceCents,
		HoldTTL:        time.Duration(request.HoldTTLSeconds) * time.Second,
		Metadata:       request.Metadata,
	}
	if request.AllocationID != "" {
		attempt.Sponsor = &sponsorship.SponsorContext{
			AllocationID:  request.AllocationID,
			SponsorAmount: request.SponsorAmountCents,
		}
	}
	transaction, err := server.settlement.AttemptPurchase(ctx.Request.Context(), attempt)
	if err != nil {
		if errors.Is(err, sponsorship.ErrInsufficientCredits) {
			ctx.JSON(http.StatusConflict, gin.H{
				"error":       gin.H{"code": "insufficient_credits", "message": "sponsor pool exhausted"},
				"transaction": transactionPayloadFrom(transaction),
			})
			return
		}
		if transaction.Status == sponsorship.TransactionStatusFailed {
			ctx.JSON(http.StatusBadGateway, gin.H{
				"error":       gin.H{"code": "settlement_failed", "message": transaction.FailureReason},
				"transaction": transactionPayloadFrom(transaction),
			})
			return
		}
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

func (server *Server) handleGetTransaction(ctx *gin.Context) {
	transaction, err := server.settlement.Transaction(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

func (server *Server) handleRefund(ctx *gin.Context) {
	transaction, err := server.settlement.Refund(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": transactionPayloadFrom(transaction)})
}

func (server *Server) handleRelease(ctx *gin.Context) {
	if err := server.reservations.Release(ctx.Request.Context(), ctx.Param("id")); err != nil {
		server.respondServiceError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "released"})
}

// respondServiceError maps domain sentinels onto HTTP statuses. Integrity
// violations mean the store let an invariant slip, so they are logged loudly
// before the generic 500.
func (server *Server) respondServiceError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, sponsorship.ErrAllocationNotFound),
		errors.Is(err, sponsorship.ErrReservationNotFound),
		errors.Is(err, sponsorship.ErrTransactionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "resource not found"))
	case errors.Is(err, sponsorship.ErrInsufficientCredits):
		ctx.JSON(http.StatusConflict, errorResponse("insufficient_credits", "sponsor pool exhausted"))
	case errors.Is(err, sponsorship.ErrAllocationArchived):
		ctx.JSON(http.StatusConflict, errorResponse("allocation_archived", "allocation no longer accepts holds"))
	case errors.Is(err, sponsorship.ErrAlreadyResolved):
		ctx.JSON(http.StatusConflict, errorResponse("already_resolved", "hold already reached a terminal state"))
	case errors.Is(err, sponsorship.ErrReservationExpired):
		ctx.JSON(http.StatusConflict, errorResponse("reservation_expired", "hold expired before capture"))
	case errors.Is(err, sponsorship.ErrTransactionNotRefundable):
		ctx.JSON(http.StatusConflict, errorResponse("not_refundable", "only completed transactions can be refunded"))
	case errors.Is(err, sponsorship.ErrInvalidID),
		errors.Is(err, sponsorship.ErrInvalidAmount),
		errors.Is(err, sponsorship.ErrInvalidMetadataJSON):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case sponsorship.IsIntegrityViolation(err):
		server.logger.Error("ledger integrity violation", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "ledger integrity violation"))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected failure"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type allocationPayload struct {
	AllocationID     string `json:"allocation_id"`
	SponsorID        string `json:"sponsor_id"`
	TotalCredits     int64  `json:"total_credits"`
	AvailableCredits int64  `json:"available_credits"`
	ReservedCredits  int64  `json:"reserved_credits"`
	UsedCredits      int64  `json:"used_credits"`
	Archived         bool   `json:"archived"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
	UpdatedUnixUTC   int64  `json:"updated_unix_utc"`
}

func allocationPayloadFrom(allocation sponsorship.Allocation) allocationPayload {
	return allocationPayload{
		AllocationID:     allocation.AllocationID,
		SponsorID:        allocation.SponsorID,
		TotalCredits:     allocation.TotalCredits,
		AvailableCredits: allocation.AvailableCredits,
		ReservedCredits:  allocation.ReservedCredits,
		UsedCredits:      allocation.UsedCredits,
		Archived:         allocation.Archived,
		CreatedUnixUTC:   allocation.CreatedAt.Unix(),
		UpdatedUnixUTC:   allocation.UpdatedAt.Unix(),
	}
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Reason         string `json:"reason"`
	AvailableDelta int64  `json:"available_delta"`
	ReservedDelta  int64  `json:"reserved_delta"`
	UsedDelta      int64  `json:"used_delta"`
	ReservationID  string `json:"reservation_id,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func entryPayloadFrom(entry sponsorship.LedgerEntry) entryPayload {
	return entryPayload{
		EntryID:        entry.EntryID,
		Reason:         entry.Reason.String(),
		AvailableDelta: entry.AvailableDelta,
		ReservedDelta:  entry.ReservedDelta,
		UsedDelta:      entry.UsedDelta,
		ReservationID:  entry.ReservationID,
		CreatedUnixUTC: entry.CreatedAt.Unix(),
	}
}

type breakdownPayload struct {
	BasePriceCents      int64 `json:"base_price_cents"`
	SponsorAmountCents  int64 `json:"sponsor_amount_cents"`
	UserPaysCents       int64 `json:"user_pays_cents"`
	PlatformFeeCents    int64 `json:"platform_fee_cents"`
	CreatorEarningCents int64 `json:"creator_earning_cents"`
	IsSponsored         bool  `json:"is_sponsored"`
}

func breakdownPayloadFrom(breakdown pricing.Breakdown) breakdownPayload {
	return breakdownPayload{
		BasePriceCents:      breakdown.BasePrice,
		SponsorAmountCents:  breakdown.SponsorAmount,
		UserPaysCents:       breakdown.UserPays,
		PlatformFeeCents:    breakdown.PlatformFee,
		CreatorEarningCents: breakdown.CreatorEarning,
		IsSponsored:         breakdown.IsSponsored,
	}
}

type transactionPayload struct {
	TransactionID  string           `json:"transaction_id"`
	ContentID      string           `json:"content_id"`
	BuyerID        string           `json:"buyer_id"`
	SellerID       string           `json:"seller_id"`
	Pricing        breakdownPayload `json:"pricing"`
	ReservationID  string           `json:"reservation_id,omitempty"`
	Status         string           `json:"status"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	Metadata       json.RawMessage  `json:"metadata,omitempty"`
	CreatedUnixUTC int64            `json:"created_unix_utc"`
}

func transactionPayloadFrom(transaction sponsorship.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID:  transaction.TransactionID,
		ContentID:      transaction.ContentID,
		BuyerID:        transaction.BuyerID,
		SellerID:       transaction.SellerID,
		Pricing:        breakdownPayloadFrom(transaction.Pricing),
		ReservationID:  transaction.ReservationID,
		Status:         transaction.Status.String(),
		FailureReason:  transaction.FailureReason,
		Metadata:       json.RawMessage(transaction.MetadataJSON),
		CreatedUnixUTC: transaction.CreatedAt.Unix(),
	}
}
