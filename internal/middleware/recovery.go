package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"nodeimage/internal/metrics"
)

// Recovery turns handler panics into a 500 and logs the stack.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			route := c.FullPath()
			if route == "" {
				route = "unmatched"
			}
			metrics.HandlerPanics.WithLabelValues(route).Inc()

			Log(c).Error().
				Interface("panic", r).
				Str("route", route).
				Bytes("stack", debug.Stack()).
				Msg("handler panic recovered")
			if !c.Writer.Written() {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
				return
			}
			c.Abort()
		}()
		c.Next()
	}
}
