package handlers

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/streamgate/internal/apierr"
	"github.com/jroosing/streamgate/internal/api/middleware"
	"github.com/jroosing/streamgate/internal/api/models"
	"github.com/jroosing/streamgate/internal/stream"
)

// initRangeCacheBodyLimit is the "sub-MB" ceiling mentioned in spec.md
// S4.5 step 8 for deciding whether a bytes=0- response's headers are
// worth caching.
const initRangeCacheBodyLimit = 1 << 20

// Download handles GET/HEAD /dl/{id}: byte-range media streaming, the
// core data path of the gateway (spec.md S4.5).
func (h *Handler) Download(c *gin.Context) {
	ctx := c.Request.Context()
	dbID := c.Param("id")
	rangeHeader := c.GetHeader("Range")

	from, until, hasRange, parseErr := parseRangeHeader(rangeHeader)
	if parseErr != nil {
		middleware.Fail(c, &apierr.RangeNotSatisfiableError{})
		return
	}

	if hasRange && from == 0 {
		if cached, ok := h.initRangeCache.Get(initRangeCacheKey(dbID)); ok {
			writeCachedHeaders(c, cached)
			c.Status(cached.Status)
			return
		}
	}

	clientID, meta, err := h.selectAndResolve(ctx, dbID)
	if err != nil {
		middleware.Fail(c, err)
		return
	}

	size := meta.Size
	if !hasRange {
		from, until = 0, size-1
	} else if until < 0 {
		until = size - 1
	}

	spec, err := stream.ComputeRange(from, until, size, h.chunkSize())
	if err != nil {
		var rngErr *apierr.RangeNotSatisfiableError
		if errors.As(err, &rngErr) {
			c.Header("Content-Range", fmt.Sprintf("bytes */%d", size))
			c.Status(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		middleware.Fail(c, err)
		return
	}

	status := http.StatusOK
	if hasRange {
		status = http.StatusPartialContent
	}

	disposition := "attachment"
	if strings.HasPrefix(meta.MIME, "video/") || strings.HasPrefix(meta.MIME, "audio/") {
		disposition = "inline"
	}

	headers := models.CachedHeaders{
		Status:             status,
		ContentType:        meta.MIME,
		ContentLength:      strconv.FormatInt(spec.Length, 10),
		ContentDisposition: fmt.Sprintf(`%s; filename="%s"`, disposition, meta.Name),
		AcceptRanges:       "bytes",
		CacheControl:       "public, max-age=3600",
	}
	if hasRange {
		headers.ContentRange = fmt.Sprintf("bytes %d-%d/%d", from, until, size)
	}
	if c.Request.Method == http.MethodHead {
		writeCachedHeaders(c, headers)
		c.Status(status)
		return
	}

	// Pull the first chunk before committing headers: an upstream failure
	// on the first part must still surface as a 503, which isn't possible
	// once a 200/206 status line has been written (spec.md S7 E5).
	next, stop := iter.Pull2(h.streamer.Stream(ctx, meta, clientID, spec))
	defer stop()

	firstChunk, firstErr, hasFirst := next()
	if firstErr != nil || !hasFirst {
		if firstErr != nil && h.logger != nil {
			h.logger.Warn("stream error", "db_id", dbID, "err", firstErr)
		}
		middleware.Fail(c, apierr.ErrUnavailable)
		return
	}

	writeCachedHeaders(c, headers)
	c.Status(status)

	written := int64(0)
	chunk, ok := firstChunk, true
	for ok {
		n, werr := c.Writer.Write(chunk)
		written += int64(n)
		if werr != nil {
			// Client disconnected mid-stream; swallow and stop cleanly.
			return
		}

		var err error
		chunk, err, ok = next()
		if err != nil {
			// Headers are already committed; log and stop without
			// attempting to surface an error status.
			if h.logger != nil {
				h.logger.Warn("stream error", "db_id", dbID, "err", err)
			}
			return
		}
	}

	if hasRange && from == 0 && written <= initRangeCacheBodyLimit {
		h.initRangeCache.Put(initRangeCacheKey(dbID), headers)
	}
}

// selectAndResolve picks an upstream client and resolves metadata,
// retrying once with a different client if the first resolution fails
// (spec.md S4.5 step 3).
func (h *Handler) selectAndResolve(ctx context.Context, dbID string) (int, stream.FileMetadata, error) {
	clientID, _, ok := h.balancer.Select()
	if !ok {
		return 0, stream.FileMetadata{}, apierr.ErrUnavailable
	}

	meta, err := h.streamer.Resolve(ctx, dbID)
	if err == nil {
		return clientID, meta, nil
	}
	if errors.Is(err, apierr.ErrNotFound) || errors.Is(err, apierr.ErrInvalidHash) {
		return 0, stream.FileMetadata{}, err
	}

	h.balancer.MarkUnhealthy(clientID)
	retryClientID, _, ok := h.balancer.Select()
	if !ok {
		return 0, stream.FileMetadata{}, err
	}

	meta, err = h.streamer.Resolve(ctx, dbID)
	if err != nil {
		return 0, stream.FileMetadata{}, err
	}
	return retryClientID, meta, nil
}

func (h *Handler) chunkSize() int64 {
	if h.cfg.Upstream.ChunkSize > 0 {
		return h.cfg.Upstream.ChunkSize
	}
	return 524288
}

func initRangeCacheKey(dbID string) string {
	return "dl_" + dbID + "_init"
}

func writeCachedHeaders(c *gin.Context, headers models.CachedHeaders) {
	if headers.ContentType != "" {
		c.Header("Content-Type", headers.ContentType)
	}
	if headers.ContentRange != "" {
		c.Header("Content-Range", headers.ContentRange)
	}
	if headers.ContentLength != "" {
		c.Header("Content-Length", headers.ContentLength)
	}
	if headers.ContentDisposition != "" {
		c.Header("Content-Disposition", headers.ContentDisposition)
	}
	if headers.AcceptRanges != "" {
		c.Header("Accept-Ranges", headers.AcceptRanges)
	}
	if headers.CacheControl != "" {
		c.Header("Cache-Control", headers.CacheControl)
	}
}

// parseRangeHeader parses a single-range "bytes=FROM-UNTIL" header. UNTIL
// is optional; a negative return value for until means "to end of file"
// and must be resolved against the file size by the caller.
func parseRangeHeader(header string) (from, until int64, present bool, err error) {
	if header == "" {
		return 0, -1, false, nil
	}
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, true, fmt.Errorf("unsupported range unit")
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, true, fmt.Errorf("multi-range not supported")
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, true, fmt.Errorf("malformed range")
	}
	from, err = strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, true, err
	}
	if strings.TrimSpace(parts[1]) == "" {
		return from, -1, true, nil
	}
	until, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, 0, true, err
	}
	return from, until, true, nil
}
