package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/checkplease/internal/bills"
	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
	"github.com/MarcoPoloResearchLab/checkplease/internal/receipt"
	"github.com/MarcoPoloResearchLab/checkplease/internal/session"
	"github.com/MarcoPoloResearchLab/checkplease/internal/settlement"
	"github.com/MarcoPoloResearchLab/checkplease/internal/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	defaultTipPercentage     = 15
	defaultHeartbeatInterval = 15 * time.Second
	maxReceiptImageBytes     = 10 << 20
)

var (
	errMissingBillService = errors.New("bill service dependency required")
	errMissingReader      = errors.New("ledger reader dependency required")
	errMissingFeed        = errors.New("change feed dependency required")
)

// BillService is the allocator surface exposed over HTTP.
type BillService interface {
	CreateBill(ctx context.Context, items []bills.ItemInput, tipPercentage int) (string, error)
	JoinBill(ctx context.Context, billID, name, color string) (string, error)
	SetTipPercentage(ctx context.Context, billID string, percentage int) (ledger.Bill, error)
	AdjustClaim(ctx context.Context, itemID, guestID string, delta int) (bills.ClaimResult, error)
}

// ReceiptExtractor turns an uploaded receipt image into candidate items.
type ReceiptExtractor interface {
	ExtractCandidateItems(ctx context.Context, image []byte) ([]receipt.Candidate, error)
}

type Dependencies struct {
	Bills                BillService
	Reader               session.Reader
	Feed                 ledger.Subscriber
	Receipts             ReceiptExtractor // nil disables POST /receipts/scan
	Logger               *zap.Logger
	Metrics              *telemetry.Metrics
	Gatherer             prometheus.Gatherer
	Clock                func() time.Time
	AllowedOrigins       []string
	DefaultTipPercentage *int
	HeartbeatInterval    time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Bills == nil {
		return nil, errMissingBillService
	}
	if deps.Reader == nil {
		return nil, errMissingReader
	}
	if deps.Feed == nil {
		return nil, errMissingFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	tipPercentage := defaultTipPercentage
	if deps.DefaultTipPercentage != nil {
		tipPercentage = *deps.DefaultTipPercentage
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		bills:         deps.Bills,
		reader:        deps.Reader,
		feed:          deps.Feed,
		receipts:      deps.Receipts,
		logger:        logger,
		metrics:       deps.Metrics,
		clock:         clock,
		tipPercentage: tipPercentage,
		heartbeat:     heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	router.POST("/bills", handler.handleCreateBill)
	router.GET("/bills/:billID", handler.handleGetBill)
	router.GET("/bills/:billID/stream", handler.handleBillStream)
	router.POST("/bills/:billID/guests", handler.handleJoinBill)
	router.PUT("/bills/:billID/tip", handler.handleSetTip)
	router.POST("/items/:itemID/claims", handler.handleAdjustClaim)
	router.POST("/receipts/parse", handler.handleParseReceipt)
	if deps.Receipts != nil {
		router.POST("/receipts/scan", handler.handleScanReceipt)
	}

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	bills         BillService
	reader        session.Reader
	feed          ledger.Subscriber
	receipts      ReceiptExtractor
	logger        *zap.Logger
	metrics       *telemetry.Metrics
	clock         func() time.Time
	tipPercentage int
	heartbeat     time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreateBill(c *gin.Context) {
	var request createBillRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tipPercentage := h.tipPercentage
	if request.TipPercentage != nil {
		tipPercentage = *request.TipPercentage
	}

	billID, err := h.bills.CreateBill(c.Request.Context(), newItemInputs(request.Items), tipPercentage)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createBillResponsePayload{BillID: billID})
}

func (h *httpHandler) handleGetBill(c *gin.Context) {
	snapshot, err := session.Load(c.Request.Context(), h.reader, c.Param("billID"), h.clock())
	if err != nil {
		h.writeError(c, err)
		return
	}
	result := settlement.Calculate(snapshot.Bill, snapshot.Items, snapshot.Guests, snapshot.Claims)
	payload := newBillViewPayload("", snapshot, result)
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleJoinBill(c *gin.Context) {
	var request joinBillRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	guestID, err := h.bills.JoinBill(c.Request.Context(), c.Param("billID"), request.Name, request.Color)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, joinBillResponsePayload{GuestID: guestID})
}

func (h *httpHandler) handleSetTip(c *gin.Context) {
	var request tipRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.TipPercentage == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	bill, err := h.bills.SetTipPercentage(c.Request.Context(), c.Param("billID"), *request.TipPercentage)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBillPayload(bill))
}

func (h *httpHandler) handleAdjustClaim(c *gin.Context) {
	var request claimRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Delta == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.bills.AdjustClaim(c.Request.Context(), c.Param("itemID"), request.GuestID, *request.Delta)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newClaimResponsePayload(result))
}

func (h *httpHandler) handleParseReceipt(c *gin.Context) {
	var request receiptRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	c.JSON(http.StatusOK, newReceiptResponsePayload(receipt.Parse(request.Text)))
}

func (h *httpHandler) handleScanReceipt(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxReceiptImageBytes)
	image, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(image) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_image"})
		return
	}
	candidates, err := h.receipts.ExtractCandidateItems(c.Request.Context(), image)
	if err != nil {
		h.logger.Warn("receipt recognition failed", zap.Int("image_bytes", len(image)), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "recognition_failed"})
		return
	}
	c.JSON(http.StatusOK, newReceiptResponsePayload(candidates))
}

// writeError maps allocator and session failures onto HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var overClaim *bills.OverClaimError
	switch {
	case errors.As(err, &overClaim):
		c.JSON(http.StatusConflict, gin.H{"error": "over_claim", "available": overClaim.Available})
	case errors.Is(err, bills.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
	case errors.Is(err, bills.ErrNotFound), errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, session.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "expired"})
	case errors.Is(err, bills.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.Is(err, context.Canceled):
		c.AbortWithStatus(http.StatusRequestTimeout)
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
	}
}
