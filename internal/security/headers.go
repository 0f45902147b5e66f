// Package security provides response hardening middleware for the scoring
// API.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to every response. The API only
// serves JSON, so the content policy forbids everything.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// CORSMiddleware lets the listed dashboard origins call the API from a
// browser. An empty list disables CORS entirely; "*" allows any origin
// without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}
	wildcard := originsMap["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := origin != "" && (wildcard || originsMap[origin])

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
			// Credentials are never combined with a wildcard.
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
