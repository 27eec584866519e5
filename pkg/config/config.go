package config

import (
	"fmt"
	"time"
)

// Config is the top-level local analytics configuration.
type Config struct {
	// Service names this process in error log file names and report tags.
	Service         string                `yaml:"service"`
	Store           StoreConfig           `yaml:"store"`
	ErrorLog        ErrorLogConfig        `yaml:"error_log"`
	Recorder        RecorderConfig        `yaml:"recorder"`
	Sentry          SentryConfig          `yaml:"sentry"`
	SessionRecorder SessionRecorderConfig `yaml:"session_recorder"`
	Plausible       PlausibleConfig       `yaml:"plausible"`
	Server          ServerConfig          `yaml:"server"`
	Metrics         MetricsConfig         `yaml:"metrics"`
}

// StoreConfig configures the embedded record store.
type StoreConfig struct {
	Path           string        `yaml:"path"`
	InMemory       bool          `yaml:"in_memory"`
	SyncWrites     bool          `yaml:"sync_writes"`
	MaxRecords     int           `yaml:"max_records"`  // per table; default 1000
	OpenTimeout    time.Duration `yaml:"open_timeout"` // default 5s
	GCInterval     time.Duration `yaml:"gc_interval"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio"`
}

// ErrorLogConfig configures the per-service error log files.
type ErrorLogConfig struct {
	Dir        string `yaml:"dir"`
	MaxEntries int    `yaml:"max_entries"`
}

// RecorderConfig configures write batching.
type RecorderConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxPending    int           `yaml:"max_pending"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// SentryConfig selects the error tracking variant.
type SentryConfig struct {
	Variant        string `yaml:"variant"` // "browser", "server", "edge"
	Environment    string `yaml:"environment"`
	Release        string `yaml:"release"`
	MaxBreadcrumbs int    `yaml:"max_breadcrumbs"`
}

// SessionRecorderConfig gates the Clarity facade. Both the flag and the key
// are required for it to record anything.
type SessionRecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
}

// Active returns whether session recording should run.
func (s SessionRecorderConfig) Active() bool {
	return s.Enabled && s.Key != ""
}

// PlausibleConfig configures the page-view facade.
type PlausibleConfig struct {
	Domain string `yaml:"domain"`
}

// ServerConfig configures the admin and ingest HTTP server.
type ServerConfig struct {
	Addr           string  `yaml:"addr"`
	MaxBodySizeRaw string  `yaml:"max_body_size"`
	MaxBodySize    int64   `yaml:"-"`
	RateLimit      float64 `yaml:"rate_limit"` // ingest requests per second; 0 disables
	RateBurst      int     `yaml:"rate_burst"`
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("config: service cannot be empty")
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("config: store.path is required unless store.in_memory is set")
	}
	if c.Store.MaxRecords < 0 {
		return fmt.Errorf("config: store.max_records must be positive, got %d", c.Store.MaxRecords)
	}
	if c.Store.GCDiscardRatio < 0 || c.Store.GCDiscardRatio >= 1.0 {
		return fmt.Errorf("config: store.gc_discard_ratio must be in [0, 1), got %.2f", c.Store.GCDiscardRatio)
	}
	if c.ErrorLog.MaxEntries < 0 {
		return fmt.Errorf("config: error_log.max_entries must be positive, got %d", c.ErrorLog.MaxEntries)
	}
	switch c.Sentry.Variant {
	case "browser", "server", "edge":
	default:
		return fmt.Errorf("config: unknown sentry.variant %q", c.Sentry.Variant)
	}
	if c.Server.MaxBodySize < 0 {
		return fmt.Errorf("config: server.max_body_size must be positive, got %d", c.Server.MaxBodySize)
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("config: server.rate_limit must not be negative, got %.2f", c.Server.RateLimit)
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
		return fmt.Errorf("config: server.rate_burst must be positive when rate_limit is set")
	}
	return nil
}
