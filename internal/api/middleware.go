// Package api provides the HTTP server for the OpenAI-compatible
// adapter surface.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/newhackerman/tenbin2api/internal/openai"
	"github.com/newhackerman/tenbin2api/internal/registry"
)

// corsMiddleware returns a Gin middleware handler that adds CORS headers
// to every response, allowing cross-origin requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// clientAuthMiddleware enforces bearer-key authentication against the
// registry's client key set. An empty key set is a server-side
// configuration problem and reads as service-unavailable, not as an
// auth failure.
func clientAuthMiddleware(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !reg.HasClientKeys() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, openai.NewErrorResponse(
				"Service unavailable: Client API keys not configured on server.",
				"service_unavailable", http.StatusServiceUnavailable))
			return
		}

		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, openai.NewErrorResponse(
				"API key required in Authorization header.",
				"invalid_request_error", http.StatusUnauthorized))
			return
		}

		if !reg.ValidateClientKey(token) {
			c.AbortWithStatusJSON(http.StatusForbidden, openai.NewErrorResponse(
				"Invalid client API key.",
				"invalid_request_error", http.StatusForbidden))
			return
		}

		c.Set("client_key", token)
		c.Next()
	}
}
