package notify

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freightmesh/securetrade/internal/auth"
	"github.com/freightmesh/securetrade/internal/idgen"
)

// Handler provides HTTP endpoints for subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a new subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription routes. All of them act on the
// authenticated party's own subscriptions.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/subscriptions", auth.RequireAuth(), h.CreateSubscription)
	r.GET("/notifications/subscriptions", auth.RequireAuth(), h.ListSubscriptions)
	r.DELETE("/notifications/subscriptions/:subId", auth.RequireAuth(), h.DeleteSubscription)
}

// CreateSubscriptionRequest for registering a webhook endpoint.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"` // empty means all events
}

// CreateSubscription handles POST /v1/notifications/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Field 'url' is required",
		})
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url must be an absolute http(s) URL",
		})
		return
	}

	events := make([]EventType, len(req.Events))
	for i, e := range req.Events {
		events[i] = EventType(e)
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		PartyID:   auth.GetAuthenticatedParty(c),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": sub,
		"secret":       secret, // only shown once
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-SecureTrade-Signature",
		},
	})
}

// ListSubscriptions handles GET /v1/notifications/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.GetByParty(c.Request.Context(), auth.GetAuthenticatedParty(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list subscriptions",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// DeleteSubscription handles DELETE /v1/notifications/subscriptions/:subId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("subId"))
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Subscription not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load subscription",
		})
		return
	}
	if sub.PartyID != auth.GetAuthenticatedParty(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Subscription belongs to another party",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
