// Package config loads bridge configuration from the symbols document
// (JSON, path given by CONFIG_PATH), overlaid by environment variables.
//
// Priority: ENV vars > .env file > symbols document > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/tickbridge/tickbridge/internal/registry"
)

// Backpressure policies for subscriber queues.
const (
	PolicyDropOldest = "drop-oldest"
	PolicyEvict      = "evict"
)

// Document is the on-disk symbols/config file. It is the only file the
// bridge reads for configuration and is re-read on explicit reload.
type Document struct {
	ArchiveRoot        string                  `json:"archive_root"`
	Listen             string                  `json:"listen"`
	DebounceMS         int                     `json:"watcher_debounce_ms"`
	QueueDepth         int                     `json:"subscriber_queue_depth"`
	BackpressurePolicy string                  `json:"backpressure_policy"`
	KeepaliveSec       int                     `json:"keepalive_interval_sec"`
	KeepaliveTimeout   int                     `json:"keepalive_timeout_sec"`
	WriteTimeoutSec    int                     `json:"write_timeout_sec"`
	ReadMaxBytes       int64                   `json:"read_max_bytes"`
	ShutdownGraceSec   int                     `json:"shutdown_grace_sec"`
	Symbols            []registry.SymbolRecord `json:"symbols"`
}

// envOverlay carries only explicitly-set environment variables. No
// envDefault tags: an unset variable must not clobber a document value.
type envOverlay struct {
	Listen       string `env:"BRIDGE_LISTEN"`
	ArchiveRoot  string `env:"ARCHIVE_ROOT"`
	LogLevel     string `env:"LOG_LEVEL"`
	LogFormat    string `env:"LOG_FORMAT"`
	DebounceMS   int    `env:"BRIDGE_DEBOUNCE_MS"`
	QueueDepth   int    `env:"BRIDGE_QUEUE_DEPTH"`
	Policy       string `env:"BRIDGE_BACKPRESSURE_POLICY"`
	NATSURL      string `env:"BRIDGE_NATS_URL"`
	AuthSecret   string `env:"BRIDGE_AUTH_SECRET"`
	ReadMaxBytes int64  `env:"BRIDGE_READ_MAX_BYTES"`
}

// Config is the resolved runtime configuration.
type Config struct {
	ConfigPath  string
	Listen      string
	ArchiveRoot string

	Debounce         time.Duration
	QueueDepth       int
	Policy           string
	KeepaliveEvery   time.Duration
	KeepaliveTimeout time.Duration
	WriteTimeout     time.Duration
	ReadMaxBytes     int64
	ShutdownGrace    time.Duration

	NATSURL    string
	AuthSecret string

	LogLevel  string
	LogFormat string

	Symbols []registry.SymbolRecord
}

// Load resolves configuration: .env file, then the symbols document at
// CONFIG_PATH, then environment overrides, then validation.
func Load() (*Config, error) {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "symbols.json"
	}

	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}

	cfg := fromDocument(path, doc)

	var overlay envOverlay
	if err := env.Parse(&overlay); err != nil {
		return nil, fmt.Errorf("config-invalid: parse environment: %w", err)
	}
	cfg.applyOverlay(overlay)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadDocument parses the symbols document at path.
func ReadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config-invalid: read %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config-invalid: parse %s: %w", path, err)
	}
	return &doc, nil
}

func fromDocument(path string, doc *Document) *Config {
	cfg := &Config{
		ConfigPath:  path,
		Listen:      doc.Listen,
		ArchiveRoot: doc.ArchiveRoot,

		Debounce:         time.Duration(doc.DebounceMS) * time.Millisecond,
		QueueDepth:       doc.QueueDepth,
		Policy:           doc.BackpressurePolicy,
		KeepaliveEvery:   time.Duration(doc.KeepaliveSec) * time.Second,
		KeepaliveTimeout: time.Duration(doc.KeepaliveTimeout) * time.Second,
		WriteTimeout:     time.Duration(doc.WriteTimeoutSec) * time.Second,
		ReadMaxBytes:     doc.ReadMaxBytes,
		ShutdownGrace:    time.Duration(doc.ShutdownGraceSec) * time.Second,

		LogLevel:  "info",
		LogFormat: "json",
		Symbols:   doc.Symbols,
	}

	// Defaults for everything the document left unset.
	if cfg.Listen == "" {
		cfg.Listen = ":8787"
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 150 * time.Millisecond
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = 128
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDropOldest
	}
	if cfg.KeepaliveEvery == 0 {
		cfg.KeepaliveEvery = 25 * time.Second
	}
	if cfg.KeepaliveTimeout == 0 {
		cfg.KeepaliveTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ReadMaxBytes == 0 {
		cfg.ReadMaxBytes = 4 << 20 // 4 MiB per read request
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return cfg
}

func (c *Config) applyOverlay(o envOverlay) {
	if o.Listen != "" {
		c.Listen = o.Listen
	}
	if o.ArchiveRoot != "" {
		c.ArchiveRoot = o.ArchiveRoot
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
	if o.DebounceMS > 0 {
		c.Debounce = time.Duration(o.DebounceMS) * time.Millisecond
	}
	if o.QueueDepth > 0 {
		c.QueueDepth = o.QueueDepth
	}
	if o.Policy != "" {
		c.Policy = o.Policy
	}
	if o.ReadMaxBytes > 0 {
		c.ReadMaxBytes = o.ReadMaxBytes
	}
	c.NATSURL = o.NATSURL
	c.AuthSecret = o.AuthSecret
}

// Validate checks the resolved configuration for errors.
func (c *Config) Validate() error {
	if c.ArchiveRoot == "" {
		return fmt.Errorf("config-invalid: archive_root is required (set ARCHIVE_ROOT or archive_root)")
	}
	if c.Listen == "" {
		return fmt.Errorf("config-invalid: listen address is required")
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("config-invalid: subscriber_queue_depth must be > 0, got %d", c.QueueDepth)
	}
	if c.Debounce < 10*time.Millisecond || c.Debounce > 5*time.Second {
		return fmt.Errorf("config-invalid: watcher_debounce_ms out of range (10ms-5s), got %s", c.Debounce)
	}
	if c.Policy != PolicyDropOldest && c.Policy != PolicyEvict {
		return fmt.Errorf("config-invalid: backpressure_policy must be %q or %q, got %q",
			PolicyDropOldest, PolicyEvict, c.Policy)
	}
	if c.KeepaliveTimeout < c.KeepaliveEvery {
		return fmt.Errorf("config-invalid: keepalive_timeout_sec (%s) must be >= keepalive_interval_sec (%s)",
			c.KeepaliveTimeout, c.KeepaliveEvery)
	}
	if c.ReadMaxBytes < 1 {
		return fmt.Errorf("config-invalid: read_max_bytes must be > 0, got %d", c.ReadMaxBytes)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config-invalid: at least one symbol record is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("config-invalid: LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("config-invalid: LOG_FORMAT must be json or pretty (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the resolved configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("config_path", c.ConfigPath).
		Str("listen", c.Listen).
		Str("archive_root", c.ArchiveRoot).
		Dur("debounce", c.Debounce).
		Int("queue_depth", c.QueueDepth).
		Str("backpressure_policy", c.Policy).
		Dur("keepalive_every", c.KeepaliveEvery).
		Dur("keepalive_timeout", c.KeepaliveTimeout).
		Int64("read_max_bytes", c.ReadMaxBytes).
		Dur("shutdown_grace", c.ShutdownGrace).
		Bool("nats_relay", c.NATSURL != "").
		Bool("auth", c.AuthSecret != "").
		Int("symbols", len(c.Symbols)).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
