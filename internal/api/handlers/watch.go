package handlers

import (
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/streamgate/internal/api/middleware"
)

// Watch handles GET/HEAD /watch/{id}. Rendered pages are cached in
// watchCache under watch_{id} with the configured cache TTL; rendering
// itself is out of this gateway's scope (spec.md S1 lists it as an
// external collaborator), so this emits a minimal inline player rather
// than a templated page.
func (h *Handler) Watch(c *gin.Context) {
	dbID := c.Param("id")
	cacheKey := "watch_" + dbID

	if body, ok := h.watchCache.Get(cacheKey); ok {
		if c.Request.Method == http.MethodHead {
			c.Status(http.StatusOK)
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(body))
		return
	}

	meta, err := h.streamer.Resolve(c.Request.Context(), dbID)
	if err != nil {
		middleware.Fail(c, err)
		return
	}

	body := renderWatchPage(dbID, meta.Name, meta.MIME)
	h.watchCache.Put(cacheKey, body)

	if c.Request.Method == http.MethodHead {
		c.Status(http.StatusOK)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(body))
}

func renderWatchPage(dbID, name, mime string) string {
	tag := "video"
	if strings.HasPrefix(mime, "audio/") {
		tag = "audio"
	}
	safeName := html.EscapeString(name)
	safeMime := html.EscapeString(mime)
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body>
<%s controls preload="metadata" src="/dl/%s" type="%s"></%s>
</body>
</html>`, safeName, tag, dbID, safeMime, tag)
}
