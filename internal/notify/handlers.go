package notify

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/security"
)

// Handler manages notification endpoint registration.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts endpoint management under the authenticated
// party's own identity; the party comes from the auth middleware, not
// the path.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/endpoints", h.CreateEndpoint)
	r.GET("/notifications/endpoints", h.ListEndpoints)
	r.DELETE("/notifications/endpoints/:endpointId", h.DeleteEndpoint)
}

type CreateEndpointRequest struct {
	URL string `json:"url" binding:"required"`
}

func (h *Handler) CreateEndpoint(c *gin.Context) {
	party := c.GetString("authParty")

	var req CreateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	ep := &Endpoint{
		ID:        idgen.WithPrefix("nep_"),
		Party:     party,
		URL:       req.URL,
		Secret:    generateSecret(),
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), ep); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to register endpoint",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"endpoint": ep,
		"secret":   ep.Secret, // shown once, verify with HMAC-SHA256
		"usage": gin.H{
			"signature": "HMAC-SHA256(payload, secret), hex",
			"header":    "X-Clearhold-Signature",
		},
	})
}

func (h *Handler) ListEndpoints(c *gin.Context) {
	party := c.GetString("authParty")

	eps, err := h.store.ListByParty(c.Request.Context(), party)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list endpoints",
		})
		return
	}
	if eps == nil {
		eps = []*Endpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": eps})
}

func (h *Handler) DeleteEndpoint(c *gin.Context) {
	party := c.GetString("authParty")
	id := c.Param("endpointId")

	ep, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Endpoint not found",
		})
		return
	}
	if ep.Party != party {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Endpoint belongs to another party",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete endpoint",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
