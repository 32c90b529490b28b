package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/pagination"
	"github.com/clearhold/clearhold/internal/validation"
)

// Handler provides HTTP endpoints for the escrow lifecycle.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/alias/:alias", h.GetByAlias)
	r.GET("/escrows/:id/events", h.ListEvents)
	r.GET("/parties/:party/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up party-authenticated escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/accept", h.AcceptEscrow)
	r.POST("/escrows/:id/decline", h.DeclineEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:id/approve", h.ApproveEscrow)
	r.POST("/escrows/:id/request-cancel", h.RequestCancel)
	r.POST("/escrows/:id/predict", h.EnsurePrediction)
}

// CreateRequest is the body for POST /v1/escrows.
type CreateRequest struct {
	Payer       string `json:"payer" binding:"required"`
	Recipient   string `json:"recipient" binding:"required"`
	AmountMinor int64  `json:"amountMinor" binding:"required"`
}

// CreateEscrow handles POST /v1/escrows. The caller must be one of the
// two parties; their side determines the initiator role.
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidParty("payer", req.Payer),
		validation.ValidParty("recipient", req.Recipient),
		validation.PositiveAmount("amountMinor", req.AmountMinor),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	caller := c.GetString("authParty")
	var initiator Role
	switch caller {
	case req.Payer:
		initiator = RolePayer
	case req.Recipient:
		initiator = RoleRecipient
	default:
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_party",
			"message": "Caller must be the payer or the recipient",
		})
		return
	}

	e, err := h.service.Create(c.Request.Context(), req.Payer, req.Recipient, req.AmountMinor, initiator)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetByAlias handles GET /v1/escrows/alias/:alias
func (h *Handler) GetByAlias(c *gin.Context) {
	e, err := h.service.GetByAlias(c.Request.Context(), c.Param("alias"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListEscrows handles GET /v1/parties/:party/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	var opts []ListOption
	if cursor := c.Query("cursor"); cursor != "" {
		opts = append(opts, WithCursor(cursor))
	}

	// Fetch one extra row to know whether another page exists.
	escrows, err := h.service.ListByParty(c.Request.Context(), c.Param("party"), limit+1, opts...)
	if err != nil {
		respondError(c, err)
		return
	}

	escrows, nextCursor, hasMore := pagination.ComputePage(escrows, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	resp := gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	}
	if hasMore {
		resp["nextCursor"] = nextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// ListEvents handles GET /v1/escrows/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	events, err := h.service.Events(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// AcceptEscrow handles POST /v1/escrows/:id/accept
func (h *Handler) AcceptEscrow(c *gin.Context) {
	h.partyAction(c, h.service.Accept)
}

// DeclineEscrow handles POST /v1/escrows/:id/decline
func (h *Handler) DeclineEscrow(c *gin.Context) {
	h.partyAction(c, h.service.Decline)
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	h.partyAction(c, h.service.Cancel)
}

// ApproveEscrow handles POST /v1/escrows/:id/approve
func (h *Handler) ApproveEscrow(c *gin.Context) {
	h.partyAction(c, h.service.Approve)
}

// RequestCancel handles POST /v1/escrows/:id/request-cancel
func (h *Handler) RequestCancel(c *gin.Context) {
	h.partyAction(c, h.service.RequestCancel)
}

// EnsurePrediction handles POST /v1/escrows/:id/predict
func (h *Handler) EnsurePrediction(c *gin.Context) {
	e, err := h.service.EnsurePrediction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// partyAction runs a (ctx, id, party) service method for the
// authenticated caller. All single-party lifecycle endpoints share this
// shape.
func (h *Handler) partyAction(c *gin.Context, fn func(ctx context.Context, id, party string) (*Escrow, error)) {
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
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrNotParty), errors.Is(err, ErrWrongRole):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_party",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, ErrWalletMissing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "wallet_missing",
			"message": err.Error(),
		})
	case errors.Is(err, ErrStaleStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Escrow changed concurrently, retry",
		})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminal):
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
