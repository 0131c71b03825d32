package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// defaultTimeout applies to every route except /dl and /watch, which use
// the configurable requestTimeout (REQUEST_TIMEOUT, default 300s).
const defaultTimeout = 60 * time.Second

// Timeout wraps the request context in a deadline: requestTimeout for
// /dl/* and /watch/*, defaultTimeout otherwise. It does not itself return
// 504 on expiry — handlers observe ctx.Done() at their suspension points
// and the error-map middleware translates the resulting apierr sentinel.
func Timeout(requestTimeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		timeout := defaultTimeout
		if strings.HasPrefix(c.Request.URL.Path, "/dl/") || strings.HasPrefix(c.Request.URL.Path, "/watch/") {
			timeout = requestTimeout
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
