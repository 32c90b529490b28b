package ledgersync

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/escrow"
)

// Handler exposes the per-escrow sync action over HTTP.
type Handler struct {
	syncer *Syncer
}

func NewHandler(syncer *Syncer) *Handler {
	return &Handler{syncer: syncer}
}

// RegisterProtectedRoutes sets up sync routes requiring auth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/sync", h.SyncEscrow)
}

// SyncEscrow handles POST /v1/escrows/:id/sync. It re-derives the
// record's balance, deployment flag, and resolution state from chain
// truth. Sync never invents a resolution; it only corrects the record
// toward what the vault says.
func (h *Handler) SyncEscrow(c *gin.Context) {
	e, err := h.syncer.Sync(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"escrow": e})
	case errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "chain_error",
			"message": err.Error(),
			"escrow":  e,
		})
	}
}
