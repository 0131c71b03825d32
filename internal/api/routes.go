package api

import (
	"github.com/gin-gonic/gin"
	"github.com/jroosing/streamgate/internal/api/handlers"
)

// RegisterRoutes wires the four routes of C5. GET and HEAD share a
// handler throughout; gin registers them independently since Go's net/http
// mux does not auto-derive HEAD from GET.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler) {
	for _, method := range []string{"GET", "HEAD"} {
		r.Handle(method, "/status", h.Status)
		r.Handle(method, "/watch/:id", h.Watch)
		r.Handle(method, "/dl/:id", h.Download)
	}
	r.GET("/thumb/:id", h.Thumb)
	r.GET("/healthz", h.Healthz)
}
