package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/streamgate/internal/api/models"
)

// Thumb handles GET /thumb/{id}. Thumbnail serving is isolated and
// peripheral per spec.md S9 ("not elaborated in S4 beyond the route
// definition"); this gateway gates it behind EnableThumbnails and always
// answers with a JSON notice rather than binary image data, since the
// actual thumbnail retrieval path (stream_media) belongs to the
// out-of-scope upstream collaborator.
func (h *Handler) Thumb(c *gin.Context) {
	if !h.cfg.EnableThumbnails {
		c.JSON(http.StatusOK, models.ThumbNotice{Thumbnail: "disabled"})
		return
	}
	c.JSON(http.StatusOK, models.ThumbNotice{Thumbnail: "unavailable"})
}
