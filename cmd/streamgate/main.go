package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jroosing/streamgate/internal/api"
	"github.com/jroosing/streamgate/internal/api/handlers"
	"github.com/jroosing/streamgate/internal/api/models"
	"github.com/jroosing/streamgate/internal/balancer"
	"github.com/jroosing/streamgate/internal/cache"
	"github.com/jroosing/streamgate/internal/config"
	"github.com/jroosing/streamgate/internal/logging"
	"github.com/jroosing/streamgate/internal/metastore"
	"github.com/jroosing/streamgate/internal/rpc"
	"github.com/jroosing/streamgate/internal/stream"
	"github.com/jroosing/streamgate/internal/upstream"
)

const defaultStorePath = "streamgate.db"

// cliFlags holds parsed command-line flag values, overriding whatever
// config.Load produced from file/env.
type cliFlags struct {
	configPath  string
	storePath   string
	port        int
	bindAddress string
	upstreamDC  string
	jsonLogs    bool
	debug       bool
}

func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.storePath, "db", defaultStorePath, "Path to the metadata store's SQLite file")
	flag.IntVar(&f.port, "port", 0, "Override HTTP listener port")
	flag.StringVar(&f.bindAddress, "bind", "", "Override HTTP bind address")
	flag.StringVar(&f.upstreamDC, "upstream-addr", "", "host:port every upstream DC dials (dev/single-endpoint setups)")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.port != 0 {
		cfg.Listener.Port = f.port
	}
	if f.bindAddress != "" {
		cfg.Listener.BindAddress = f.bindAddress
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:      cfg.Logging.Level,
		Structured: cfg.Logging.Structured,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	logger.Info("streamgate starting",
		"mode", cfg.Mode,
		"bind", cfg.Listener.BindAddress,
		"port", cfg.Listener.Port,
		"workers", cfg.Upstream.Workers,
		"multi_client", cfg.Upstream.MultiClient,
	)

	storePath := flags.storePath
	if cfg.Store.DatabaseURL != "" {
		storePath = cfg.Store.DatabaseURL
	}
	store, err := metastore.Open(storePath)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer store.Close()

	dialAddr := flags.upstreamDC
	if dialAddr == "" {
		dialAddr = "127.0.0.1:4000"
	}
	transport := &rpc.TCPTransport{
		DialAddr: func(dcID int) string { return dialAddr },
		Timeout:  20 * time.Second,
	}

	workerCount := cfg.Upstream.Workers
	if !cfg.Upstream.MultiClient {
		workerCount = 1
	}
	pools := make(map[int]*upstream.Pool, workerCount)
	clientRegistry := make(map[int]int, workerCount)
	authKey := []byte(cfg.Upstream.BotToken)
	for clientID := 1; clientID <= workerCount; clientID++ {
		pools[clientID] = upstream.NewPool(transport, clientID, 1, authKey, logger)
		clientRegistry[clientID] = clientID
	}
	defer func() {
		for _, p := range pools {
			p.Stop()
		}
	}()

	bal := balancer.New(clientRegistry, logger)

	streamer := stream.New(stream.Config{
		Store:       store,
		Pools:       pools,
		Balancer:    bal,
		ChunkSize:   cfg.Upstream.ChunkSize,
		MetadataTTL: time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		MetadataCap: 5 * cfg.Cache.Size,
		Logger:      logger,
	})
	defer streamer.Close()

	cacheTTL := time.Duration(cfg.Cache.TTLSeconds) * time.Second
	initRangeCache := cache.New[string, models.CachedHeaders](cfg.Cache.Size, cacheTTL, logger)
	defer initRangeCache.Close()
	watchCache := cache.New[string, string](cfg.Cache.Size, cacheTTL, logger)
	defer watchCache.Close()

	h := handlers.New(streamer, bal, initRangeCache, watchCache, cfg, logger, version())
	srv := api.New(cfg, h, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("http server starting", "addr", srv.Addr())
	go func() {
		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("http server error", "err", serveErr)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	return nil
}

// version is overridable at link time via -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

func version() string { return buildVersion }
