// Package api wires streamgate's HTTP surface: the four routes of C5
// (status, watch, dl, thumb) behind the C6 middleware chain
// (error-map -> rate-limit -> timeout -> performance).
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/streamgate/internal/api/handlers"
	"github.com/jroosing/streamgate/internal/api/middleware"
	"github.com/jroosing/streamgate/internal/config"
)

// Server is the HTTP streaming gateway's front door.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds the gin engine, installs the middleware chain, registers
// routes, and wraps it all in an *http.Server bound to the configured
// listener address.
func New(cfg *config.Config, h *handlers.Handler, logger *slog.Logger) *Server {
	if cfg == nil {
		panic("api.New: cfg is nil")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	steady := middleware.NewTokenBucketRateLimiter(middleware.TokenBucketConfig{
		Rate:       float64(cfg.Tuning.RateLimitPerMinute) / 60.0,
		Burst:      cfg.Tuning.RateLimitPerMinute,
		MaxEntries: cfg.Tuning.MaxClients,
	})
	burst := middleware.NewTokenBucketRateLimiter(middleware.TokenBucketConfig{
		Rate:       float64(cfg.Tuning.BurstLimit) / 5.0,
		Burst:      cfg.Tuning.BurstLimit,
		MaxEntries: cfg.Tuning.MaxClients,
	})
	requestTimeout := time.Duration(cfg.Tuning.RequestTimeoutSeconds) * time.Second

	engine.Use(middleware.ErrorMap(logger))
	engine.Use(middleware.RateLimit(steady, burst))
	engine.Use(middleware.Timeout(requestTimeout))
	engine.Use(middleware.Performance(logger))
	engine.Use(middleware.SlogRequestLogger(logger))

	RegisterRoutes(engine, h)

	addr := net.JoinHostPort(cfg.Listener.BindAddress, strconv.Itoa(cfg.Listener.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{cfg: cfg, logger: logger, engine: engine, httpServer: httpServer}
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
