package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/streamgate/internal/api/models"
	"github.com/jroosing/streamgate/internal/apierr"
)

// contextErrorKey is where handlers stash a terminal error for ErrorMap to
// translate, since gin handlers that stream a body can't simply return an
// error the way a plain http.Handler chain would.
const contextErrorKey = "streamgate.err"

// Fail records err on the context for ErrorMap to translate into a
// response. Call before returning from a handler when no body has been
// written yet.
func Fail(c *gin.Context, err error) {
	c.Set(contextErrorKey, err)
}

// ErrorMap is the outermost middleware: it catches panics (via gin's own
// Recovery, installed alongside it) and translates any error a handler
// recorded via Fail into a stable client-facing JSON body. Errors outside
// the streaming taxonomy surface as 500 without leaking internals.
func ErrorMap(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		raw, ok := c.Get(contextErrorKey)
		if !ok {
			return
		}
		err, _ := raw.(error)
		if err == nil || c.Writer.Written() {
			return
		}

		if errors.Is(err, context.Canceled) {
			return
		}

		// A whole-request deadline (middleware.Timeout) expiring mid-handler
		// surfaces here as context.DeadlineExceeded rather than one of the
		// streaming taxonomy's sentinels; route it through the same 504
		// ErrRequestTimeout maps to. Per-chunk fetch failures are already
		// converted to apierr.ErrUnavailable by the Download handler and
		// never reach this point as a bare context error.
		if errors.Is(err, context.DeadlineExceeded) {
			err = apierr.ErrRequestTimeout
		}

		status, msg := apierr.ToHTTPStatus(err)
		if status == http.StatusInternalServerError && logger != nil {
			logger.Error("unhandled request error", "path", c.Request.URL.Path, "err", err)
		}
		if status == http.StatusTooManyRequests {
			c.Header("Retry-After", "60")
		}
		c.JSON(status, models.ErrorResponse{Error: msg})
	}
}
