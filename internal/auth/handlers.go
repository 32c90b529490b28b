package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes key management over HTTP. Every route except Info
// runs behind RequireAuth, so the authenticated key is always present.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// authed returns the request's key or writes a 401.
func authed(c *gin.Context) (*APIKey, bool) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
	return key, ok
}

// Info describes the authentication scheme for API consumers.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "API key is returned on party registration. Store it securely.",
		"publicEndpoints": []string{
			"GET /v1/escrows/:id",
			"GET /v1/escrows/alias/:alias",
			"GET /v1/escrows/:id/events",
			"GET /v1/parties/:party/escrows",
		},
		"protectedEndpoints": []string{
			"POST /v1/escrows",
			"POST /v1/escrows/:id/accept",
			"POST /v1/escrows/:id/approve",
			"POST /v1/escrows/:id/release",
			"POST /v1/escrows/:id/settlement/propose",
		},
	})
}

// ListKeys returns the authenticated party's keys, hashes omitted.
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := authed(c)
	if !ok {
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.Party)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}

	out := make([]gin.H, len(keys))
	for i, k := range keys {
		out[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{"keys": out, "count": len(out)})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey issues an additional key for the authenticated party.
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := authed(c)
	if !ok {
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.Party, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to create key",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the party's other keys. The key in use is
// refused so a party cannot lock itself out mid-session.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := authed(c)
	if !ok {
		return
	}

	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Party); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}

// RegenerateKey retires a key and hands back a fresh one in a single
// call, for rotation without a window where the party has no key.
func (h *Handler) RegenerateKey(c *gin.Context) {
	key, ok := authed(c)
	if !ok {
		return
	}

	keyID := c.Param("keyId")
	_ = h.manager.RevokeKey(c.Request.Context(), keyID, key.Party)

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.Party, "Regenerated key")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to regenerate",
			"message": "Failed to regenerate API key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"apiKey":   rawKey,
		"keyId":    newKey.ID,
		"oldKeyId": keyID,
		"warning":  "Store this key securely. It will not be shown again.",
	})
}

// GetCurrentParty reports who the presented key authenticates as.
func (h *Handler) GetCurrentParty(c *gin.Context) {
	key, ok := authed(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"party":     key.Party,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
