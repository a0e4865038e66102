package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyPartyID is the key for storing the authenticated party id
	ContextKeyPartyID = "authPartyID"
)

// Middleware extracts and validates the API key from the request.
// Sets apiKey and authPartyID in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyPartyID, key.PartyID)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without valid auth.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole requires auth AND one of the listed roles.
// Admin keys pass every role gate.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}

		if key.Role != RoleAdmin {
			allowed := false
			for _, r := range roles {
				if key.Role == r {
					allowed = true
					break
				}
			}
			if !allowed {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Your role cannot perform this operation.",
				})
				return
			}
		}

		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated).
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// GetAuthenticatedParty returns the authenticated party's id.
func GetAuthenticatedParty(c *gin.Context) string {
	id, exists := c.Get(ContextKeyPartyID)
	if !exists {
		return ""
	}
	return id.(string)
}

// IsAuthenticated checks if the request is authenticated.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
