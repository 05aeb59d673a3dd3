package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NOTE: This file provides the configuration model and YAML-based
// load/save behavior, including first-run config creation and 0600
// permissions (the file may carry backend credentials).

const (
	defaultListen         = "127.0.0.1:8080"
	defaultTimezone       = "Asia/Ho_Chi_Minh"
	defaultRefreshCron    = "*/15 * * * *"
	defaultHorizonDays    = 7
	defaultBackfillDays   = 1
	defaultAPIBaseURL     = "http://localhost:4000/api"
	defaultAPITimeoutSec  = 15
	defaultSessionPath    = "/var/lib/helicare/session.yaml"
	defaultCacheDir       = "/var/lib/helicare/api-cache"
	defaultCalendarName   = "HeLiCare"
	defaultMaxOccurrences = 5000
)

// BreakerConfig tunes the circuit breaker in front of the backend.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32 `yaml:"max_requests" json:"max_requests"`
	// IntervalSeconds is the closed-state counter reset period.
	IntervalSeconds int `yaml:"interval_seconds" json:"interval_seconds"`
	// TimeoutSeconds is how long the breaker stays open.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures" json:"consecutive_failures"`
}

// APIConfig describes the HeLiCare REST backend.
type APIConfig struct {
	// BaseURL is the backend root, e.g. "https://api.helicare.vn/api".
	BaseURL string `yaml:"base_url" json:"base_url"`
	// TimeoutSeconds bounds every request.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
	// CacheDir holds conditional-GET bodies used when the backend is down.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`
}

// Timeout returns TimeoutSeconds as a duration.
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// CredentialsConfig lets the service sign in by itself when it has no
// session yet.
type CredentialsConfig struct {
	Email    string `yaml:"email" json:"email"`
	Password string `yaml:"password" json:"-"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the HTTP API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used for day boundaries.
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron-style schedule string for pulling data from the
	// backend (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays / BackfillDays bound the window the refresh job expands.
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days"`
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`

	// ResidentID optionally restricts the refresh job to one resident.
	ResidentID string `yaml:"resident_id,omitempty" json:"resident_id,omitempty"`

	// CalendarName is the X-WR-CALNAME of the exported iCalendar feed.
	CalendarName string `yaml:"calendar_name" json:"calendar_name"`

	// MaxOccurrencesPerSchedule caps recurrence expansion.
	MaxOccurrencesPerSchedule int `yaml:"max_occurrences_per_schedule" json:"max_occurrences_per_schedule"`

	// SessionPath is where the signed-in session is kept.
	SessionPath string `yaml:"session_path" json:"session_path"`

	API APIConfig `yaml:"api" json:"api"`

	Credentials *CredentialsConfig `yaml:"credentials,omitempty" json:"credentials,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health and /metrics.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:                    defaultListen,
		Timezone:                  defaultTimezone,
		LogLevel:                  "info",
		RefreshCron:               defaultRefreshCron,
		HorizonDays:               defaultHorizonDays,
		BackfillDays:              defaultBackfillDays,
		CalendarName:              defaultCalendarName,
		MaxOccurrencesPerSchedule: defaultMaxOccurrences,
		SessionPath:               defaultSessionPath,
		API: APIConfig{
			BaseURL:        defaultAPIBaseURL,
			TimeoutSeconds: defaultAPITimeoutSec,
			CacheDir:       defaultCacheDir,
			Breaker:        defaultBreaker(),
		},
	}
}

func defaultBreaker() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		IntervalSeconds:     60,
		TimeoutSeconds:      30,
		ConsecutiveFailures: 5,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.CalendarName == "" {
		c.CalendarName = defaultCalendarName
	}
	if c.MaxOccurrencesPerSchedule <= 0 {
		c.MaxOccurrencesPerSchedule = defaultMaxOccurrences
	}
	if c.SessionPath == "" {
		c.SessionPath = defaultSessionPath
	}

	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	if c.API.BaseURL == "" {
		c.API.BaseURL = defaultAPIBaseURL
	}
	if c.API.TimeoutSeconds <= 0 {
		c.API.TimeoutSeconds = defaultAPITimeoutSec
	}
	if c.API.CacheDir == "" {
		c.API.CacheDir = defaultCacheDir
	}

	def := defaultBreaker()
	if c.API.Breaker.MaxRequests == 0 {
		c.API.Breaker.MaxRequests = def.MaxRequests
	}
	if c.API.Breaker.IntervalSeconds <= 0 {
		c.API.Breaker.IntervalSeconds = def.IntervalSeconds
	}
	if c.API.Breaker.TimeoutSeconds <= 0 {
		c.API.Breaker.TimeoutSeconds = def.TimeoutSeconds
	}
	if c.API.Breaker.ConsecutiveFailures == 0 {
		c.API.Breaker.ConsecutiveFailures = def.ConsecutiveFailures
	}

	if c.Credentials != nil && c.Credentials.Email == "" {
		c.Credentials = nil
	}
}

// Location resolves Timezone, falling back to time.Local when it is not a
// known IANA name.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local, err
	}
	return loc, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

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
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

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

	tmp, err := os.CreateTemp(dir, ".helicare-config-*.tmp")
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

	// Flush and close before chmod/rename.
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
