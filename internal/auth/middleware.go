package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Gin context keys set by Middleware on a valid credential.
const (
	ContextKeyAPIKey = "apiKey"
	ContextKeyParty  = "authParty"
)

// credential pulls the presented key out of the request, trying the
// Authorization header first and X-API-Key second.
func credential(c *gin.Context) string {
	if v := c.GetHeader("Authorization"); v != "" {
		return v
	}
	return c.GetHeader("X-API-Key")
}

// Middleware resolves the request's credential, if any, and records the
// key and its party in the gin context. It never rejects; pairing it
// with RequireAuth is what makes a route protected.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := credential(c); raw != "" {
			if key, err := m.ValidateKey(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyParty, key.Party)
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests Middleware could not authenticate.
func RequireAuth(_ *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireOwnership additionally demands that the authenticated party is
// the one named by the URL param.
func RequireOwnership(_ *Manager, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if key.Party != c.Param(paramName) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You are not this party.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the authenticated key record, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// GetAuthenticatedParty returns the authenticated party identifier, or "".
func GetAuthenticatedParty(c *gin.Context) string {
	if party, exists := c.Get(ContextKeyParty); exists {
		return party.(string)
	}
	return ""
}

// IsAuthenticated reports whether Middleware accepted a credential.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
