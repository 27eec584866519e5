package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// LOCALANALYTICS_SESSION_RECORDER_KEY.
const EnvPrefix = "LOCALANALYTICS"

// Load reads and parses a configuration file, then applies environment
// overrides. An empty path starts from defaults.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.parseSizes(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays LOCALANALYTICS_* variables onto values from the file.
func (c *Config) applyEnv() error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	strs := map[string]*string{
		"SERVICE":              &c.Service,
		"STORE_PATH":           &c.Store.Path,
		"ERROR_LOG_DIR":        &c.ErrorLog.Dir,
		"SENTRY_VARIANT":       &c.Sentry.Variant,
		"SENTRY_ENVIRONMENT":   &c.Sentry.Environment,
		"SENTRY_RELEASE":       &c.Sentry.Release,
		"SESSION_RECORDER_KEY": &c.SessionRecorder.Key,
		"PLAUSIBLE_DOMAIN":     &c.Plausible.Domain,
		"SERVER_ADDR":          &c.Server.Addr,
		"METRICS_ADDR":         &c.Metrics.Addr,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}

	// The recorder flag is a boolean or an int ("1"/"0").
	if v.IsSet("SESSION_RECORDER_ENABLED") {
		raw := strings.TrimSpace(v.GetString("SESSION_RECORDER_ENABLED"))
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			n, nerr := strconv.Atoi(raw)
			if nerr != nil {
				return fmt.Errorf("invalid %s_SESSION_RECORDER_ENABLED %q", EnvPrefix, raw)
			}
			enabled = n != 0
		}
		c.SessionRecorder.Enabled = enabled
	}
	if v.IsSet("STORE_MAX_RECORDS") {
		n, err := strconv.Atoi(v.GetString("STORE_MAX_RECORDS"))
		if err != nil {
			return fmt.Errorf("invalid %s_STORE_MAX_RECORDS: %w", EnvPrefix, err)
		}
		c.Store.MaxRecords = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Service == "" {
		c.Service = "localanalytics"
	}
	if c.Store.Path == "" && !c.Store.InMemory {
		c.Store.Path = "data/local-analytics"
	}
	if c.Store.MaxRecords == 0 {
		c.Store.MaxRecords = 1000
	}
	if c.Store.OpenTimeout == 0 {
		c.Store.OpenTimeout = 5 * time.Second
	}
	if c.Store.GCInterval == 0 {
		c.Store.GCInterval = 10 * time.Minute
	}
	if c.Store.GCDiscardRatio == 0 {
		c.Store.GCDiscardRatio = 0.5
	}
	if c.ErrorLog.Dir == "" {
		c.ErrorLog.Dir = "logs/local-analytics"
	}
	if c.ErrorLog.MaxEntries == 0 {
		c.ErrorLog.MaxEntries = 1000
	}
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = 100
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = time.Second
	}
	if c.Recorder.MaxPending == 0 {
		c.Recorder.MaxPending = 10000
	}
	if c.Recorder.WriteTimeout == 0 {
		c.Recorder.WriteTimeout = 5 * time.Second
	}
	if c.Sentry.Variant == "" {
		c.Sentry.Variant = "browser"
	}
	if c.Sentry.Environment == "" {
		c.Sentry.Environment = "development"
	}
	if c.Sentry.MaxBreadcrumbs == 0 {
		c.Sentry.MaxBreadcrumbs = 100
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.MaxBodySizeRaw == "" {
		c.Server.MaxBodySizeRaw = "1MB"
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 50
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = 100
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

// parseSizes converts human-readable size strings to int64 bytes.
// Returns an error if any user-provided size string is invalid.
func (c *Config) parseSizes() error {
	v, err := ParseSize(c.Server.MaxBodySizeRaw)
	if err != nil {
		return fmt.Errorf("config: invalid server.max_body_size %q: %w", c.Server.MaxBodySizeRaw, err)
	}
	c.Server.MaxBodySize = v
	return nil
}

// ParseSize converts a human-readable size like "2GB", "1MB", "64KB" to bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1024 * 1024 * 1024 * 1024},
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			numStr := strings.TrimSuffix(s, m.suffix)
			num, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("config.ParseSize: invalid size %q: %w", s, err)
			}
			return int64(num * float64(m.mult)), nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config.ParseSize: invalid size %q: %w", s, err)
	}
	return n, nil
}
