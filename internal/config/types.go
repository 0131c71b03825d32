// Package config provides configuration loading for streamgate using
// Viper. Configuration is loaded from an optional YAML file with automatic
// environment variable binding.
//
// Environment variables use the STREAMGATE_ prefix and underscore-separated
// keys:
//   - STREAMGATE_LISTENER_PORT -> listener.port
//   - STREAMGATE_UPSTREAM_CHUNK_SIZE -> upstream.chunk_size
//   - STREAMGATE_TUNING_RATE_LIMIT -> tuning.rate_limit
//
// The spec's bare variable names (PORT, CHUNK_SIZE, RATE_LIMIT, ...) are
// also bound, so an operator migrating an existing deployment's env file
// needs no changes.
package config

import (
	"os"
	"strings"
)

// Mode labels this instance as primary or secondary. It is logged at
// startup and reported by /status; request handling is the same in both
// modes.
type Mode string

const (
	ModePrimary   Mode = "primary"
	ModeSecondary Mode = "secondary"
)

// UpstreamConfig holds credentials and tuning for the upstream RPC clients.
type UpstreamConfig struct {
	APIID                 int    `yaml:"api_id"                    mapstructure:"api_id"`
	APIHash               string `yaml:"api_hash"                  mapstructure:"api_hash"`
	BotToken              string `yaml:"bot_token"                 mapstructure:"bot_token"`
	Workers               int    `yaml:"workers"                   mapstructure:"workers"`
	MultiClient           bool   `yaml:"multi_client"              mapstructure:"multi_client"`
	SleepThreshold        int    `yaml:"sleep_threshold"           mapstructure:"sleep_threshold"`
	ChunkSize             int64  `yaml:"chunk_size"                mapstructure:"chunk_size"`
	ConnectionRetries     int    `yaml:"connection_retries"        mapstructure:"connection_retries"`
	MaxConcurrentDownload int    `yaml:"max_concurrent_downloads"  mapstructure:"max_concurrent_downloads"`
}

// StoreConfig holds metadata-store connection settings.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SessionName string `yaml:"session_name" mapstructure:"session_name"`
}

// ListenerConfig controls the HTTP server's bind address and port. The
// public-URL settings (FQDN, HasSSL, NoPort) are loaded but not read by
// any other package.
type ListenerConfig struct {
	Port        int    `yaml:"port"         mapstructure:"port"`
	BindAddress string `yaml:"bind_address" mapstructure:"bind_address"`
	FQDN        string `yaml:"fqdn"         mapstructure:"fqdn"`
	HasSSL      bool   `yaml:"has_ssl"      mapstructure:"has_ssl"`
	NoPort      bool   `yaml:"no_port"      mapstructure:"no_port"`
}

// TuningConfig holds request-handling limits.
type TuningConfig struct {
	RequestTimeoutSeconds int `yaml:"request_timeout" mapstructure:"request_timeout"`
	RateLimitPerMinute    int `yaml:"rate_limit"      mapstructure:"rate_limit"`
	BurstLimit            int `yaml:"burst_limit"     mapstructure:"burst_limit"`
	MaxClients            int `yaml:"max_clients"     mapstructure:"max_clients"`
}

// CacheConfig controls the in-process metadata/initial-range cache (C1).
type CacheConfig struct {
	Size       int `yaml:"cache_size" mapstructure:"cache_size"`
	TTLSeconds int `yaml:"cache_ttl"  mapstructure:"cache_ttl"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"       mapstructure:"level"`
	Structured bool   `yaml:"structured"  mapstructure:"structured"`
	File       string `yaml:"file"        mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// Config is the root configuration structure.
type Config struct {
	Upstream         UpstreamConfig `yaml:"upstream"          mapstructure:"upstream"`
	Store            StoreConfig    `yaml:"store"             mapstructure:"store"`
	Listener         ListenerConfig `yaml:"listener"          mapstructure:"listener"`
	Tuning           TuningConfig   `yaml:"tuning"            mapstructure:"tuning"`
	Cache            CacheConfig    `yaml:"cache"             mapstructure:"cache"`
	Logging          LoggingConfig  `yaml:"logging"           mapstructure:"logging"`
	Mode             Mode           `yaml:"mode"              mapstructure:"mode"`
	Debug            bool           `yaml:"debug"             mapstructure:"debug"`
	EnableThumbnails bool           `yaml:"enable_thumbnails" mapstructure:"enable_thumbnails"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("STREAMGATE_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from an optional YAML file with environment
// variable overrides. This is the main entry point for loading
// configuration.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (STREAMGATE_* or the spec's bare names)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
