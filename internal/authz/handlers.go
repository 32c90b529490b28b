package authz

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/escrow"
	"github.com/clearhold/clearhold/internal/validation"
)

// Handler exposes the signature-gated resolution endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up the party-authenticated resolution routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
	r.POST("/escrows/:id/settle", h.Settle)
}

// ResolutionRequest carries a signed authorization on the wire.
type ResolutionRequest struct {
	Nonce       int64  `json:"nonce"`
	Deadline    int64  `json:"deadline" binding:"required"` // Unix seconds
	Signature   string `json:"signature" binding:"required"`
	AmountMinor int64  `json:"amountMinor,omitempty"` // Settlement only
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	h.execute(c, ActionRelease)
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	h.execute(c, ActionRefund)
}

// Settle handles POST /v1/escrows/:id/settle
func (h *Handler) Settle(c *gin.Context) {
	h.execute(c, ActionSettlement)
}

func (h *Handler) execute(c *gin.Context, action Action) {
	party := c.GetString("authParty")
	if party == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Party identity required",
		})
		return
	}

	var req ResolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidSignature("signature", req.Signature),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	auth, err := ParseAuthorization(action, req.AmountMinor, req.Nonce, req.Deadline, req.Signature)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_authorization",
			"message": err.Error(),
		})
		return
	}

	e, err := h.service.Execute(c.Request.Context(), c.Param("id"), party, auth)
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
	case errors.Is(err, escrow.ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_party",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDeadlinePassed),
		errors.Is(err, ErrDeadlineTooFar),
		errors.Is(err, ErrMalformedSig),
		errors.Is(err, escrow.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_authorization",
			"message": err.Error(),
		})
	case errors.Is(err, ErrSignerMismatch):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "signer_mismatch",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoAcceptedSettlement), errors.Is(err, ErrSettlementMismatch):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_accepted_settlement",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNoVault), errors.Is(err, escrow.ErrWalletMissing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "no_vault",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrStaleStatus),
		errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, escrow.ErrTerminal),
		errors.Is(err, chain.ErrAlreadyProcessed),
		errors.Is(err, chain.ErrNonceUsed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, chain.ErrAuthExpired), errors.Is(err, chain.ErrBadSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "rejected_on_chain",
			"message": err.Error(),
		})
	case errors.Is(err, chain.ErrInsufficientBalance):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_balance",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
