package middleware

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// slowRequestThreshold is the duration above which Performance logs a
// warning, per spec.md S4.6.
const slowRequestThreshold = 5 * time.Second

// Performance is the last middleware of the C6 chain (server.go installs
// only the request logger inside it): it times the request, sets
// X-Response-Time when the handler has not yet written the response, and
// warns on anything slower than 5s.
func Performance(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		// Streaming handlers (e.g. /dl) may have already flushed headers by
		// the time c.Next() returns; the header can only be set if nothing
		// has been written yet.
		if !c.Writer.Written() {
			c.Header("X-Response-Time", fmt.Sprintf("%.3fs", elapsed.Seconds()))
		}

		if elapsed > slowRequestThreshold && logger != nil {
			logger.Warn("slow request",
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"duration_s", elapsed.Seconds(),
			)
		}
	}
}
