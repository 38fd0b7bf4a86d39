// Package config provides the YAML configuration model with first-run
// creation, default normalization, and atomic saves.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"picocal/internal/calendar"
)

// FeedConfig describes a single subscribed calendar feed.
type FeedConfig struct {
	// URL is the calendar endpoint (https://, http://, webcal:// or ical://).
	URL string `yaml:"url" json:"url"`
	// ID is an internal identifier used for logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
}

// LimitsConfig overrides the pipeline caps. Zero fields keep the defaults.
type LimitsConfig struct {
	MaxRecurrenceIterations int `yaml:"max_recurrence_iterations" json:"max_recurrence_iterations"`
	MaxOccurrencesPerEvent  int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`
	CacheValiditySeconds    int `yaml:"cache_validity_seconds" json:"cache_validity_seconds"`
	MaxDescriptionLength    int `yaml:"max_description_length" json:"max_description_length"`
	MaxRDATECount           int `yaml:"max_rdate_count" json:"max_rdate_count"`
	HTTPTimeoutSeconds      int `yaml:"http_timeout_seconds" json:"http_timeout_seconds"`
	StaleAfterSeconds       int `yaml:"stale_after_seconds" json:"stale_after_seconds"`
}

// Limits converts the overrides into calendar.Limits, filling zero fields
// with the defaults.
func (l *LimitsConfig) Limits() calendar.Limits {
	out := calendar.DefaultLimits()
	if l == nil {
		return out
	}
	if l.MaxRecurrenceIterations > 0 {
		out.MaxRecurrenceIterations = l.MaxRecurrenceIterations
	}
	if l.MaxOccurrencesPerEvent > 0 {
		out.MaxOccurrencesPerEvent = l.MaxOccurrencesPerEvent
	}
	if l.CacheValiditySeconds > 0 {
		out.CacheValidity = time.Duration(l.CacheValiditySeconds) * time.Second
	}
	if l.MaxDescriptionLength > 0 {
		out.MaxDescriptionLength = l.MaxDescriptionLength
	}
	if l.MaxRDATECount > 0 {
		out.MaxRDATECount = l.MaxRDATECount
	}
	if l.HTTPTimeoutSeconds > 0 {
		out.HTTPTimeout = time.Duration(l.HTTPTimeoutSeconds) * time.Second
	}
	if l.StaleAfterSeconds > 0 {
		out.StaleAfter = time.Duration(l.StaleAfterSeconds) * time.Second
	}
	return out
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the JSON API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the JSON API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the zone id assumed for feeds that declare none.
	Timezone string `yaml:"timezone" json:"timezone"`

	// TZTable is the path to the binary timezone table.
	TZTable string `yaml:"tz_table" json:"tz_table"`

	// CacheDB is the SQLite path for persisted cache entries. Empty
	// disables persistence.
	CacheDB string `yaml:"cache_db" json:"cache_db"`

	// RefreshCron is a cron-style schedule (e.g. "*/15 * * * *") for
	// periodic background refresh of all feeds.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// WindowDays is how many future days of occurrences to materialize.
	WindowDays int `yaml:"window_days" json:"window_days"`

	// MaxEvents bounds the result list per query.
	MaxEvents int `yaml:"max_events" json:"max_events"`

	// Feeds is the list of subscribed calendar sources.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	// Limits, if non-nil, overrides the pipeline caps.
	Limits *LimitsConfig `yaml:"limits,omitempty" json:"limits,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:8080",
		Timezone:    "UTC",
		TZTable:     "/etc/picocal/tzid_blob.bin",
		CacheDB:     "/var/lib/picocal/cache.db",
		RefreshCron: "*/15 * * * *",
		WindowDays:  31,
		MaxEvents:   40,
		Feeds:       []FeedConfig{},
	}
}

// Normalize fills missing/zero values with defaults so partially-filled
// configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.TZTable == "" {
		c.TZTable = "/etc/picocal/tzid_blob.bin"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.WindowDays <= 0 {
		c.WindowDays = 31
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 40
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist, a default config is written there (parent
// directory created as needed) and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Return cfg with the error so the caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".picocal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
