// Package middleware holds the gin middleware shared by the gateway's HTTP
// surface.
package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pulseim/logger"
)

// AccessLog logs one line per request with method, path, status and
// latency. Websocket upgrades log once at upgrade time.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Infof("[http] %s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start))
	}
}

// Origin rejects browser connections from origins outside the allowlist.
// An empty allowlist admits everything; non-browser clients send no Origin
// header and always pass.
func Origin(allowed ...string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || len(set) == 0 {
			c.Next()
			return
		}
		if _, ok := set[origin]; !ok {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
