package arbitration

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/escrow"
)

// Handler exposes the arbitration endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up the party-authenticated dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/arbitration/request", h.Request)
	r.POST("/escrows/:id/arbitration/pay", h.Pay)
	r.POST("/escrows/:id/arbitration/timeout", h.ClaimTimeout)
}

// Request handles POST /v1/escrows/:id/arbitration/request
func (h *Handler) Request(c *gin.Context) {
	h.action(c, h.service.Request)
}

// Pay handles POST /v1/escrows/:id/arbitration/pay
func (h *Handler) Pay(c *gin.Context) {
	h.action(c, h.service.Pay)
}

// ClaimTimeout handles POST /v1/escrows/:id/arbitration/timeout
func (h *Handler) ClaimTimeout(c *gin.Context) {
	h.action(c, h.service.ClaimTimeout)
}

func (h *Handler) action(c *gin.Context, fn func(ctx context.Context, id, party string) (*escrow.Escrow, error)) {
	party := c.GetString("authParty")
	if party == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Party identity required",
		})
		return
	}
	e, err := fn(c.Request.Context(), c.Param("id"), party)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, escrow.ErrNotParty),
		errors.Is(err, ErrNotInitiator),
		errors.Is(err, ErrNotRespondent):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_party",
			"message": err.Error(),
		})
	case errors.Is(err, ErrWindowOpen), errors.Is(err, ErrWindowClosed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "window",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoDispute), errors.Is(err, ErrDisputeOpen):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_state",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrStaleStatus),
		errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, escrow.ErrTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
