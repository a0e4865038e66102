package escrow

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freightmesh/securetrade/internal/auth"
	"github.com/freightmesh/securetrade/internal/gateway"
	"github.com/freightmesh/securetrade/internal/logging"
	"github.com/freightmesh/securetrade/internal/money"
	"github.com/freightmesh/securetrade/internal/pagination"
	"github.com/freightmesh/securetrade/internal/trade"
	"github.com/freightmesh/securetrade/internal/validation"
)

// maxWebhookBody caps processor webhook payloads.
const maxWebhookBody = 256 * 1024

// Handler provides HTTP endpoints for trade operations.
type Handler struct {
	coord *Coordinator
	gw    gateway.Gateway
}

// NewHandler creates a new trade handler.
func NewHandler(coord *Coordinator, gw gateway.Gateway) *Handler {
	return &Handler{coord: coord, gw: gw}
}

// RegisterRoutes sets up authenticated trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:id", auth.RequireAuth(), h.GetTrade)
	r.GET("/trades", auth.RequireAuth(), h.ListTrades)

	r.POST("/trades", auth.RequireRole(auth.RoleBuyer), h.CreateTrade)
	r.POST("/trades/:id/delivery", auth.RequireRole(auth.RoleWarehouse, auth.RoleSeller), h.ConfirmDelivery)
	r.POST("/trades/:id/verification", auth.RequireRole(auth.RoleInspector), h.SubmitVerification)
	r.POST("/trades/:id/shipment", auth.RequireRole(auth.RoleWarehouse), h.ConfirmShipment)
	r.POST("/trades/:id/delivered", auth.RequireRole(auth.RoleBuyer, auth.RoleWarehouse), h.MarkDelivered)
	r.POST("/trades/:id/release", auth.RequireRole(auth.RoleFinance), h.ReleasePayment)
	r.POST("/trades/:id/dispute", auth.RequireAuth(), h.OpenDispute)
	r.POST("/trades/:id/dispute/resolve", auth.RequireRole(auth.RoleFinance), h.ResolveDispute)
}

// RegisterWebhookRoute sets up the unauthenticated processor callback.
// Signature verification is the authentication.
func (h *Handler) RegisterWebhookRoute(r *gin.RouterGroup) {
	r.POST("/payments/webhook", h.PaymentWebhook)
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidPartyID("buyerId", req.BuyerID),
		validation.ValidPartyID("sellerId", req.SellerID),
		validation.Required("amount", req.Amount),
		validation.Required("product.name", req.Product.Name),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The authenticated party must be the buyer on the trade.
	if auth.GetAuthenticatedParty(c) != req.BuyerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Authenticated party must be the buyer",
		})
		return
	}

	tr, err := h.coord.CreateTrade(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": tr})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidTradeID(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed trade id",
		})
		return
	}

	tr, err := h.coord.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": tr})
}

// ListTrades handles GET /v1/trades (trades of the authenticated party)
func (h *Handler) ListTrades(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	var opts []trade.ListOption
	if cursor := c.Query("cursor"); cursor != "" {
		if _, err := pagination.Decode(cursor); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Malformed cursor",
			})
			return
		}
		opts = append(opts, trade.WithCursor(cursor))
	}

	// Fetch one extra row to learn whether a further page exists.
	trades, err := h.coord.ListByParty(c.Request.Context(), auth.GetAuthenticatedParty(c), limit+1, opts...)
	if err != nil {
		h.respondError(c, err)
		return
	}

	trades, nextCursor, hasMore := pagination.ComputePage(trades, limit, func(t *trade.Trade) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if trades == nil {
		trades = []*trade.Trade{}
	}

	resp := gin.H{"trades": trades, "count": len(trades), "hasMore": hasMore}
	if nextCursor != "" {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// ConfirmDelivery handles POST /v1/trades/:id/delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req struct {
		PhotoRefs []string `json:"photoRefs"`
	}
	_ = c.ShouldBindJSON(&req) // body optional

	tr, err := h.coord.ConfirmDelivery(c.Request.Context(), c.Param("id"), req.PhotoRefs)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": tr})
}

// SubmitVerification handles POST /v1/trades/:id/verification
func (h *Handler) SubmitVerification(c *gin.Context) {
	var req struct {
		Approved  *bool  `json:"approved" binding:"required"`
		ReportRef string `json:"reportRef"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Approved == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Field 'approved' is required",
		})
		return
	}

	tr, err := h.coord.ApproveVerification(c.Request.Context(), c.Param("id"),
		auth.GetAuthenticatedParty(c), validation.SanitizeString(req.ReportRef, 512), *req.Approved)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": tr})
}

// ConfirmShipment handles POST /v1/trades/:id/shipment
func (h *Handler) ConfirmShipment(c *gin.Context) {
	var req struct {
		TrackingNumber string `json:"trackingNumber" binding:"required"`
		Carrier        string `json:"carrier"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Field 'trackingNumber' is required",
		})
		return
	}

	tr, err := h.coord.ConfirmShipment(c.Request.Context(), c.Param("id"),
		validation.SanitizeString(req.TrackingNumber, 128),
		validation.SanitizeString(req.Carrier, 128))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": tr})
}

// MarkDelivered handles POST /v1/trades/:id/delivered
func (h *Handler) MarkDelivered(c *gin.Context) {
	tr, err := h.coord.MarkDelivered(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": tr})
}

// ReleasePayment handles POST /v1/trades/:id/release
// Accepts either a basis-point target or a decimal fraction.
func (h *Handler) ReleasePayment(c *gin.Context) {
	var req struct {
		TargetBps int     `json:"targetBps"`
		Fraction  float64 `json:"fraction"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	targetBps := req.TargetBps
	if targetBps == 0 && req.Fraction > 0 {
		bps, err := money.FractionToBps(req.Fraction)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Fraction must be in (0, 1]",
			})
			return
		}
		targetBps = bps
	}

	tr, err := h.coord.ReleasePayment(c.Request.Context(), c.Param("id"), targetBps)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": tr})
}

// OpenDispute handles POST /v1/trades/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Field 'reason' is required",
		})
		return
	}

	tr, err := h.coord.OpenDispute(c.Request.Context(), c.Param("id"),
		auth.GetAuthenticatedParty(c), validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": tr})
}

// ResolveDispute handles POST /v1/trades/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Resolution string `json:"resolution" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Field 'resolution' is required (release or refund)",
		})
		return
	}

	tr, err := h.coord.ResolveDispute(c.Request.Context(), c.Param("id"), req.Resolution)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": tr})
}

// PaymentWebhook handles POST /v1/payments/webhook
//
// Responses: 200 processed or recognized duplicate, 400 malformed payload,
// 401 invalid signature. The processor retries everything else.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unreadable payload",
		})
		return
	}

	sigHeader := c.GetHeader("Stripe-Signature")
	if sigHeader == "" {
		sigHeader = c.GetHeader("X-Gateway-Signature")
	}

	ev, err := h.gw.VerifyWebhook(payload, sigHeader)
	if err != nil {
		if errors.Is(err, gateway.ErrBadSignature) {
			logging.L(c.Request.Context()).Warn("webhook signature rejected")
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_signature",
				"message": "Webhook signature verification failed",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Malformed webhook payload",
		})
		return
	}

	if ev.Type == gateway.EventIgnored {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	duplicate, err := h.coord.HandleGatewayEvent(c.Request.Context(), ev)
	if err != nil {
		if errors.Is(err, trade.ErrTradeNotFound) {
			// Unknown trade: ack so the processor stops retrying, but log it.
			logging.L(c.Request.Context()).Warn("webhook for unknown trade",
				"trade_id", ev.TradeID, "hold_id", ev.HoldID)
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
			return
		}
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": duplicate})
}

// respondError maps coordinator errors to HTTP responses. Raw processor
// error text never reaches clients.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trade.ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Trade not found",
		})
	case errors.Is(err, ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Caller is not a participant in this trade",
		})
	case errors.Is(err, ErrPrecondition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "failed_precondition",
			"message": err.Error(),
		})
	case gateway.IsTransient(err):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "payment_gateway_unavailable",
			"message": "Payment processor is temporarily unavailable, retry later",
		})
	default:
		var pe *gateway.PermanentError
		if errors.As(err, &pe) {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "payment_gateway_error",
				"message": "Payment processor rejected the operation",
			})
			return
		}
		logging.L(c.Request.Context()).Error("unhandled trade error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
	}
}
