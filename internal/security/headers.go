// Package security holds the HTTP guards in front of the wallet API: response
// headers, body limits, the gateway callback allowlist and admin
// authentication.
package security

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxBodyBytes caps request bodies. Callbacks and debit requests are small.
const MaxBodyBytes = 1 << 20

// AdminSecretHeader carries the admin API secret.
const AdminSecretHeader = "X-Admin-Secret"

// HeadersMiddleware sets the response headers for a JSON-only API.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}

// BodyLimit rejects bodies larger than n bytes once a handler reads past n.
func BodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > n {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "body_too_large",
				"message": "Request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

// RequireAdminSecret admits requests whose X-Admin-Secret matches secret. An
// empty secret leaves the routes open, which config only allows outside
// production.
func RequireAdminSecret(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		got := []byte(c.GetHeader(AdminSecretHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or invalid admin secret",
			})
			return
		}
		c.Next()
	}
}
