package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the mailsync configuration
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Gmail    GmailConfig    `yaml:"gmail"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects the SQLite driver and file
type DatabaseConfig struct {
	// Driver is "sqlite" (modernc, pure Go) or "sqlite3" (mattn, cgo)
	Driver string `yaml:"driver"`
	// Path defaults to <data_dir>/mailsync.db
	Path string `yaml:"path"`
}

// HTTPConfig configures the control API
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// AuthConfig covers both token retrieval and API request verification
type AuthConfig struct {
	BetterAuthURL string `yaml:"betterauth_url"`
	ServiceKey    string `yaml:"service_key"`
	// JWKSURL enables RS/ES token verification on the API
	JWKSURL string `yaml:"jwks_url"`
	// JWTSecret enables HS256 token verification when no JWKS is set
	JWTSecret string `yaml:"jwt_secret"`
}

// SyncConfig bounds the sync engine and scheduler
type SyncConfig struct {
	Interval          time.Duration `yaml:"interval"`
	Workers           int           `yaml:"workers"`
	DefaultMaxResults int           `yaml:"default_max_results"`
	MaxResultsCeiling int           `yaml:"max_results_ceiling"`
	PageSize          int           `yaml:"page_size"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

// GmailConfig rate limits the Gmail client
type GmailConfig struct {
	QPS   float64 `yaml:"qps"`
	Burst int     `yaml:"burst"`
}

// NATSConfig enables outbox publishing when URL is set
type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`

	// Retention is how long published outbox entries are kept
	Retention time.Duration `yaml:"retention"`
}

// LogConfig configures zerolog output
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "console" or "json"
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		DataDir:  "data",
		Database: DatabaseConfig{Driver: "sqlite"},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Sync: SyncConfig{
			Interval:          5 * time.Minute,
			Workers:           4,
			DefaultMaxResults: 500,
			MaxResultsCeiling: 10000,
			PageSize:          100,
			StaleAfter:        30 * time.Minute,
		},
		Gmail: GmailConfig{QPS: 5, Burst: 10},
		NATS: NATSConfig{
			Stream:        "MAILBOX_EVENTS",
			SubjectPrefix: "mailbox",
			Retention:     24 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads the config file at path, falling back to $MAILSYNC_CONFIG.
// A missing file yields the defaults. Environment overrides win over both.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MAILSYNC_CONFIG")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MAILSYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MAILSYNC_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("MAILSYNC_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("BETTERAUTH_URL"); v != "" {
		c.Auth.BetterAuthURL = v
	}
	if v := os.Getenv("BETTERAUTH_SERVICE_KEY"); v != "" {
		c.Auth.ServiceKey = v
	}
	if v := os.Getenv("JWKS_URL"); v != "" {
		c.Auth.JWKSURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers)
	}
	if c.Sync.MaxResultsCeiling <= 0 {
		return fmt.Errorf("sync.max_results_ceiling must be positive")
	}
	if c.Sync.DefaultMaxResults > c.Sync.MaxResultsCeiling {
		return fmt.Errorf("sync.default_max_results (%d) exceeds ceiling (%d)", c.Sync.DefaultMaxResults, c.Sync.MaxResultsCeiling)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
	return nil
}

// DBPath returns the SQLite file location
func (c *Config) DBPath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.DataDir, "mailsync.db")
}
