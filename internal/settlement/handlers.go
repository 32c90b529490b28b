package settlement

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/validation"
)

// Handler exposes the settlement negotiation endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up the party-authenticated negotiation routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/settlement/propose", h.Propose)
	r.POST("/escrows/:id/settlement/waive", h.Waive)
	r.POST("/escrows/:id/settlement/accept", h.Accept)
	r.POST("/escrows/:id/settlement/approve-full", h.ApproveFull)
	r.POST("/escrows/:id/settlement/refund-full", h.RefundFull)
}

// AmountRequest carries a proposal or waiver body.
type AmountRequest struct {
	AmountMinor int64  `json:"amountMinor" binding:"required"`
	Reason      string `json:"reason,omitempty"`
}

// Propose handles POST /v1/escrows/:id/settlement/propose
func (h *Handler) Propose(c *gin.Context) {
	h.amountAction(c, h.service.Propose)
}

// Waive handles POST /v1/escrows/:id/settlement/waive
func (h *Handler) Waive(c *gin.Context) {
	h.amountAction(c, h.service.Waive)
}

// Accept handles POST /v1/escrows/:id/settlement/accept
func (h *Handler) Accept(c *gin.Context) {
	h.plainAction(c, h.service.Accept)
}

// ApproveFull handles POST /v1/escrows/:id/settlement/approve-full
func (h *Handler) ApproveFull(c *gin.Context) {
	h.plainAction(c, h.service.ApproveFull)
}

// RefundFull handles POST /v1/escrows/:id/settlement/refund-full
func (h *Handler) RefundFull(c *gin.Context) {
	h.plainAction(c, h.service.RefundFull)
}

func (h *Handler) amountAction(c *gin.Context, fn func(ctx context.Context, id, party string, amountMinor int64, reason string) (*escrow.Escrow, error)) {
	party := c.GetString("authParty")
	if party == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Party identity required",
		})
		return
	}
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amountMinor", req.AmountMinor),
		validation.MaxLength("reason", req.Reason, 500),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	e, err := fn(c.Request.Context(), c.Param("id"), party, req.AmountMinor, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

func (h *Handler) plainAction(c *gin.Context, fn func(ctx context.Context, id, party string) (*escrow.Escrow, error)) {
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
	case errors.Is(err, escrow.ErrNotParty), errors.Is(err, escrow.ErrWrongRole):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_party",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoProposal), errors.Is(err, ErrOwnProposal), errors.Is(err, ErrProposalAccepted):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "proposal_state",
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
