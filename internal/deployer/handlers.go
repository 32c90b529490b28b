package deployer

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/escrow"
)

// Handler exposes the check-and-deploy action over HTTP.
type Handler struct {
	reconciler *Reconciler
}

func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterProtectedRoutes sets up deployment routes requiring auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/check-deploy", h.CheckDeploy)
}

// CheckDeploy handles POST /v1/escrows/:id/check-deploy. It runs one
// funding-detection pass for the escrow: if funds sit at the predicted
// address with no code, the vault is deployed underneath them. The call
// is idempotent; reconciliation decides what, if anything, happens.
func (h *Handler) CheckDeploy(c *gin.Context) {
	e, err := h.reconciler.Check(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"escrow": e})
	case errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, escrow.ErrWalletMissing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "wallet_missing",
			"message": "Vault address not predicted yet",
		})
	default:
		// Chain trouble. The record carries any persisted error detail;
		// return it so the caller can see where the check stopped.
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_error",
			"message": err.Error(),
			"escrow":  e,
		})
	}
}
