// Package config provides configuration loading and validation for
// streamgate.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/streamgate/main.go)
//  2. Environment variables (STREAMGATE_* prefix, or the spec's bare names)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// All configuration is validated during Load() to ensure correctness early.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// legacyEnvAliases binds the spec's original bare environment variable
// names (API_ID, CHUNK_SIZE, ...) onto the same dotted keys the
// STREAMGATE_ prefix would produce, so existing deployments keep working
// unmodified.
var legacyEnvAliases = map[string]string{
	"upstream.api_id":                 "API_ID",
	"upstream.api_hash":               "API_HASH",
	"upstream.bot_token":              "BOT_TOKEN",
	"upstream.workers":                "WORKERS",
	"upstream.multi_client":           "MULTI_CLIENT",
	"upstream.sleep_threshold":        "SLEEP_THRESHOLD",
	"upstream.chunk_size":             "CHUNK_SIZE",
	"upstream.connection_retries":     "CONNECTION_RETRIES",
	"upstream.max_concurrent_downloads": "MAX_CONCURRENT_DOWNLOADS",
	"store.database_url":              "DATABASE_URL",
	"store.session_name":              "SESSION_NAME",
	"listener.port":                   "PORT",
	"listener.bind_address":           "BIND_ADDRESS",
	"listener.fqdn":                   "FQDN",
	"listener.has_ssl":                "HAS_SSL",
	"listener.no_port":                "NO_PORT",
	"tuning.request_timeout":          "REQUEST_TIMEOUT",
	"tuning.rate_limit":               "RATE_LIMIT",
	"tuning.burst_limit":              "BURST_LIMIT",
	"tuning.max_clients":              "MAX_CLIENTS",
	"cache.cache_size":                "CACHE_SIZE",
	"cache.cache_ttl":                 "CACHE_TTL",
	"mode":                            "MODE",
	"debug":                           "DEBUG",
	"enable_thumbnails":               "ENABLE_THUMBNAILS",
}

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// STREAMGATE_LISTENER_PORT -> listener.port, etc.
	v.SetEnvPrefix("STREAMGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Also accept the spec's bare variable names directly, without the
	// STREAMGATE_ prefix or dotted-key translation.
	for key, envName := range legacyEnvAliases {
		if err := v.BindEnv(key, envName); err != nil {
			return nil, fmt.Errorf("bind legacy env alias %s: %w", envName, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values, per spec.md S6's env var table.
func setDefaults(v *viper.Viper) {
	v.SetDefault("upstream.workers", 12)
	v.SetDefault("upstream.multi_client", true)
	v.SetDefault("upstream.sleep_threshold", 60)
	v.SetDefault("upstream.chunk_size", 524288)
	v.SetDefault("upstream.connection_retries", 3)
	v.SetDefault("upstream.max_concurrent_downloads", 20)

	v.SetDefault("listener.port", 8080)
	v.SetDefault("listener.bind_address", "0.0.0.0")
	v.SetDefault("listener.has_ssl", false)
	v.SetDefault("listener.no_port", false)

	v.SetDefault("tuning.request_timeout", 300)
	v.SetDefault("tuning.rate_limit", 30)
	v.SetDefault("tuning.burst_limit", 10)
	v.SetDefault("tuning.max_clients", 10000)

	v.SetDefault("cache.cache_size", 1000)
	v.SetDefault("cache.cache_ttl", 3600)

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", true)
	v.SetDefault("logging.file", "streambot.log")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)

	v.SetDefault("mode", "primary")
	v.SetDefault("debug", false)
	v.SetDefault("enable_thumbnails", false)
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadUpstreamConfig(v, cfg)
	loadStoreConfig(v, cfg)
	loadListenerConfig(v, cfg)
	loadTuningConfig(v, cfg)
	loadCacheConfig(v, cfg)
	loadLoggingConfig(v, cfg)

	cfg.Mode = Mode(strings.ToLower(v.GetString("mode")))
	cfg.Debug = v.GetBool("debug")
	cfg.EnableThumbnails = v.GetBool("enable_thumbnails")

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadUpstreamConfig(v *viper.Viper, cfg *Config) {
	cfg.Upstream.APIID = v.GetInt("upstream.api_id")
	cfg.Upstream.APIHash = v.GetString("upstream.api_hash")
	cfg.Upstream.BotToken = v.GetString("upstream.bot_token")
	cfg.Upstream.Workers = v.GetInt("upstream.workers")
	cfg.Upstream.MultiClient = v.GetBool("upstream.multi_client")
	cfg.Upstream.SleepThreshold = v.GetInt("upstream.sleep_threshold")
	cfg.Upstream.ChunkSize = v.GetInt64("upstream.chunk_size")
	cfg.Upstream.ConnectionRetries = v.GetInt("upstream.connection_retries")
	cfg.Upstream.MaxConcurrentDownload = v.GetInt("upstream.max_concurrent_downloads")
}

func loadStoreConfig(v *viper.Viper, cfg *Config) {
	cfg.Store.DatabaseURL = v.GetString("store.database_url")
	cfg.Store.SessionName = v.GetString("store.session_name")
}

func loadListenerConfig(v *viper.Viper, cfg *Config) {
	cfg.Listener.Port = v.GetInt("listener.port")
	cfg.Listener.BindAddress = v.GetString("listener.bind_address")
	cfg.Listener.FQDN = v.GetString("listener.fqdn")
	cfg.Listener.HasSSL = v.GetBool("listener.has_ssl")
	cfg.Listener.NoPort = v.GetBool("listener.no_port")
}

func loadTuningConfig(v *viper.Viper, cfg *Config) {
	cfg.Tuning.RequestTimeoutSeconds = v.GetInt("tuning.request_timeout")
	cfg.Tuning.RateLimitPerMinute = v.GetInt("tuning.rate_limit")
	cfg.Tuning.BurstLimit = v.GetInt("tuning.burst_limit")
	cfg.Tuning.MaxClients = v.GetInt("tuning.max_clients")
}

func loadCacheConfig(v *viper.Viper, cfg *Config) {
	cfg.Cache.Size = v.GetInt("cache.cache_size")
	cfg.Cache.TTLSeconds = v.GetInt("cache.cache_ttl")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.File = v.GetString("logging.file")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if cfg.Listener.Port <= 0 || cfg.Listener.Port > 65535 {
		return errors.New("listener.port must be 1..65535")
	}
	if cfg.Upstream.ChunkSize <= 0 {
		return errors.New("upstream.chunk_size must be positive")
	}
	if cfg.Upstream.Workers <= 0 {
		cfg.Upstream.Workers = 12
	}
	if cfg.Mode != ModePrimary && cfg.Mode != ModeSecondary {
		return fmt.Errorf("mode must be %q or %q, got %q", ModePrimary, ModeSecondary, cfg.Mode)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = "streambot.log"
	}
	return nil
}
