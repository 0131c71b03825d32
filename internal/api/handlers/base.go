// Package handlers implements streamgate's HTTP endpoint handlers:
// /status, /watch/{id}, /dl/{id}, /thumb/{id}, /healthz.
package handlers

import (
	"log/slog"
	"time"

	"github.com/jroosing/streamgate/internal/api/models"
	"github.com/jroosing/streamgate/internal/balancer"
	"github.com/jroosing/streamgate/internal/cache"
	"github.com/jroosing/streamgate/internal/config"
	"github.com/jroosing/streamgate/internal/stream"
)

// Handler holds the dependencies every route needs: the byte streamer
// (C4), the load balancer (C2), and the two response-cache instances
// (the response half of C1; cmd/streamgate gives them the same cache TTL
// as the metadata cache).
type Handler struct {
	streamer *stream.Streamer
	balancer *balancer.Balancer[int]

	// initRangeCache stores header snapshots under dl_{id}_init, per
	// spec.md S4.5/S9 (headers only, empty body — a weak optimization
	// preserved as specified).
	initRangeCache *cache.Cache[string, models.CachedHeaders]
	// watchCache stores rendered watch-page bodies under watch_{id}.
	watchCache *cache.Cache[string, string]

	cfg       *config.Config
	logger    *slog.Logger
	startTime time.Time
	version   string
}

// New creates a Handler.
func New(streamer *stream.Streamer, bal *balancer.Balancer[int], initRangeCache *cache.Cache[string, models.CachedHeaders], watchCache *cache.Cache[string, string], cfg *config.Config, logger *slog.Logger, version string) *Handler {
	return &Handler{
		streamer:       streamer,
		balancer:       bal,
		initRangeCache: initRangeCache,
		watchCache:     watchCache,
		cfg:            cfg,
		logger:         logger,
		startTime:      time.Now(),
		version:        version,
	}
}
