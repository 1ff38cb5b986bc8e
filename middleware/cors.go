// Package middleware holds the gin middleware the gateway mounts in
// front of its HTTP surface.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS is permissive: the websocket endpoint does its own auth in-band,
// and the rest of the surface is health and dev tooling.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
