package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and full YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions. Values of the form ${VAR} are expanded from the environment
// (after loading an optional .env file) before the YAML is decoded.

const (
	DefaultRefreshMinutes = 30
	MinRefreshMinutes     = 5
	MaxRefreshMinutes     = 24 * 60

	DefaultColor = "#4285f4"
)

var colorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// FeedConfig describes a single ICS subscription.
type FeedConfig struct {
	// ID is an internal identifier used for de-dup, event ids and logging.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label shown next to the feed's events.
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint (http, https or webcal).
	URL string `yaml:"url" json:"url"`
	// Color tags the feed's events visually ("#rrggbb").
	Color string `yaml:"color" json:"color"`
	// RefreshMinutes is the feed's own refresh interval. Zero means "use the
	// default"; anything else is clamped to the configured bounds.
	RefreshMinutes int `yaml:"refresh_minutes,omitempty" json:"refresh_minutes,omitempty"`
}

// RefreshConfig bounds per-feed refresh intervals.
type RefreshConfig struct {
	DefaultMinutes int `yaml:"default_minutes" json:"default_minutes"`
	MinMinutes     int `yaml:"min_minutes" json:"min_minutes"`
	MaxMinutes     int `yaml:"max_minutes" json:"max_minutes"`
	// Concurrency limits how many feeds a refresh-all cycle fetches at once.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

// ExpandConfig bounds recurrence expansion relative to "now".
type ExpandConfig struct {
	PastDays       int `yaml:"past_days" json:"past_days"`
	FutureDays     int `yaml:"future_days" json:"future_days"`
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// FetchConfig configures the HTTP retrieval of feeds.
type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	CacheDir     string        `yaml:"cache_dir" json:"cache_dir"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	UserAgent    string        `yaml:"user_agent" json:"user_agent"`
	Retry        RetryConfig   `yaml:"retry" json:"retry"`
}

// StoreConfig selects where last-good feed snapshots are persisted.
//   - "file" (default): JSON files under Dir
//   - "postgres": table feed_snapshots reachable via DSN
//   - "none": snapshots are kept in memory only
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"`
	Dir    string `yaml:"dir" json:"dir"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

// NotifyConfig enables AMQP change notifications when URL is set.
type NotifyConfig struct {
	URL        string `yaml:"url" json:"url"`
	Exchange   string `yaml:"exchange" json:"exchange"`
	RoutingKey string `yaml:"routing_key" json:"routing_key"`
	// Queue, if set, is declared durable and bound to Exchange/RoutingKey.
	Queue string `yaml:"queue,omitempty" json:"queue,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API. The
// password is stored as an Argon2id hash produced by `weekcal hash-password`.
type BasicAuthConfig struct {
	Username     string `yaml:"username" json:"username"`
	PasswordHash string `yaml:"password_hash" json:"password_hash"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used for day bucketing and for floating
	// or date-only ICS values (e.g. "Europe/Berlin").
	Timezone string `yaml:"timezone" json:"timezone"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Refresh RefreshConfig `yaml:"refresh" json:"refresh"`
	Expand  ExpandConfig  `yaml:"expand" json:"expand"`
	Fetch   FetchConfig   `yaml:"fetch" json:"fetch"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	Notify  NotifyConfig  `yaml:"notify" json:"notify"`

	// Feeds is the list of subscribed ICS feeds.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Feeds: []FeedConfig{},
	}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Refresh.MinMinutes <= 0 {
		c.Refresh.MinMinutes = MinRefreshMinutes
	}
	if c.Refresh.MaxMinutes <= 0 {
		c.Refresh.MaxMinutes = MaxRefreshMinutes
	}
	if c.Refresh.MaxMinutes < c.Refresh.MinMinutes {
		c.Refresh.MaxMinutes = c.Refresh.MinMinutes
	}
	if c.Refresh.DefaultMinutes <= 0 {
		c.Refresh.DefaultMinutes = DefaultRefreshMinutes
	}
	c.Refresh.DefaultMinutes = clamp(c.Refresh.DefaultMinutes, c.Refresh.MinMinutes, c.Refresh.MaxMinutes)
	if c.Refresh.Concurrency <= 0 {
		c.Refresh.Concurrency = 4
	}

	if c.Expand.PastDays <= 0 {
		c.Expand.PastDays = 7
	}
	if c.Expand.FutureDays <= 0 {
		c.Expand.FutureDays = 90
	}
	if c.Expand.MaxOccurrences <= 0 {
		c.Expand.MaxOccurrences = 500
	}

	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 20 * time.Second
	}
	if c.Fetch.CacheDir == "" {
		c.Fetch.CacheDir = "./var/ics-cache"
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		c.Fetch.MaxBodyBytes = 16 << 20
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "weekcal/1.0"
	}
	if c.Fetch.Retry.MaxAttempts <= 0 {
		c.Fetch.Retry.MaxAttempts = 2
	}
	if c.Fetch.Retry.InitialBackoff <= 0 {
		c.Fetch.Retry.InitialBackoff = time.Second
	}
	if c.Fetch.Retry.MaxBackoff <= 0 {
		c.Fetch.Retry.MaxBackoff = 10 * time.Second
	}

	switch c.Store.Driver {
	case "file", "postgres", "none":
		// ok
	default:
		c.Store.Driver = "file"
	}
	if c.Store.Dir == "" {
		c.Store.Dir = "./var/snapshots"
	}

	if c.Notify.Exchange == "" {
		c.Notify.Exchange = "weekcal"
	}
	if c.Notify.RoutingKey == "" {
		c.Notify.RoutingKey = "feed.updated"
	}

	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	for i := range c.Feeds {
		c.Feeds[i].normalize()
	}
}

func (f *FeedConfig) normalize() {
	f.URL = strings.TrimSpace(f.URL)
	f.Name = strings.TrimSpace(f.Name)
	f.ID = strings.TrimSpace(f.ID)
	if f.ID == "" {
		if f.Name != "" {
			f.ID = f.Name
		} else {
			f.ID = f.URL
		}
	}
	if f.Name == "" {
		f.Name = f.ID
	}
	if !colorPattern.MatchString(f.Color) {
		f.Color = DefaultColor
	}
}

// Validate rejects feed lists that cannot be turned into aggregators.
// It expects Normalize to have run.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}

	seen := make(map[string]struct{}, len(c.Feeds))
	var errs []error
	for i, f := range c.Feeds {
		if f.URL == "" {
			errs = append(errs, fmt.Errorf("feeds[%d] (%s): url is empty", i, f.ID))
			continue
		}
		if _, dup := seen[f.ID]; dup {
			errs = append(errs, fmt.Errorf("feeds[%d]: duplicate id %q", i, f.ID))
			continue
		}
		seen[f.ID] = struct{}{}
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store: postgres driver requires dsn"))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone. "Local" and "" map to time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// RefreshInterval returns the effective refresh interval of f: the default
// when unset or non-positive, otherwise clamped to [MinMinutes, MaxMinutes].
func (r RefreshConfig) RefreshInterval(f FeedConfig) time.Duration {
	minutes := f.RefreshMinutes
	if minutes <= 0 {
		minutes = r.DefaultMinutes
	}
	return time.Duration(clamp(minutes, r.MinMinutes, r.MaxMinutes)) * time.Minute
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - A .env file in the working directory is loaded if present.
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - expand ${VAR} references, unmarshal into Config
//   - normalize defaults and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
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

	tmp, err := os.CreateTemp(dir, ".weekcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
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
