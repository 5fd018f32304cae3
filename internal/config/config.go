package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all labelrunner configuration.
type Config struct {
	// Target site the worker tabs are opened against
	Site SiteConfig `yaml:"site"`

	// Chrome connection and tab behaviour
	Browser BrowserConfig `yaml:"browser"`

	// Durable key-value store
	Store StoreConfig `yaml:"store"`

	// Job retry policy
	Queue QueueConfig `yaml:"queue"`

	// Processor mutual exclusion
	Lock LockConfig `yaml:"lock"`

	// Label capture attempt deadlines
	Capture CaptureConfig `yaml:"capture"`

	// Periodic trigger
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Batch print assembly
	Print PrintConfig `yaml:"print"`

	// HTTP surface for the UI and CLI
	Server ServerConfig `yaml:"server"`

	// Page scripts evaluated inside worker tabs
	Scripts ScriptsConfig `yaml:"scripts"`

	Logging LoggingConfig `yaml:"logging"`
}

// SiteConfig describes the order-management site.
type SiteConfig struct {
	BaseURL    string `yaml:"base_url"`
	OrdersPath string `yaml:"orders_path"`
}

// BrowserConfig configures the rod-driven Chrome instance.
type BrowserConfig struct {
	DebuggerURL       string   `yaml:"debugger_url"` // attach to an already-authenticated Chrome
	Launch            []string `yaml:"launch"`       // binary followed by flags
	Headless          bool     `yaml:"headless"`
	NavigationTimeout string   `yaml:"navigation_timeout"`
	LoadTimeout       string   `yaml:"load_timeout"`
}

// StoreConfig selects and configures the key-value backend.
type StoreConfig struct {
	Backend    string `yaml:"backend"` // sqlite, redis, file, memory
	SQLitePath string `yaml:"sqlite_path"`
	RedisURL   string `yaml:"redis_url"`
	Dir        string `yaml:"dir"`
}

// QueueConfig configures job-level retry and recovery.
type QueueConfig struct {
	MaxTries    int    `yaml:"max_tries"`
	BackoffBase string `yaml:"backoff_base"`
	BackoffCap  string `yaml:"backoff_cap"`
	StuckAfter  string `yaml:"stuck_after"`
}

// LockConfig configures the storage-backed lock.
type LockConfig struct {
	Staleness string `yaml:"staleness"`
	Heartbeat string `yaml:"heartbeat"`
}

// CaptureConfig configures the escalating capture attempts.
type CaptureConfig struct {
	Deadlines []string `yaml:"deadlines"`
}

// SchedulerConfig configures the periodic trigger.
type SchedulerConfig struct {
	Interval   string `yaml:"interval"`    // cron spec, e.g. "@every 15s"
	StuckSweep string `yaml:"stuck_sweep"` // cron spec for the stuck-job sweep
}

// PrintConfig configures the batch print assembler.
type PrintConfig struct {
	GraceDelay       string `yaml:"grace_delay"`
	FetchConcurrency int    `yaml:"fetch_concurrency"`
	FetchTimeout     string `yaml:"fetch_timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// ScriptsConfig holds the site-specific page functions. Empty values fall back
// to the built-in heuristics in the browser package.
type ScriptsConfig struct {
	FindOrder string `yaml:"find_order"`
	Automate  string `yaml:"automate"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			OrdersPath: "/orders",
		},
		Browser: BrowserConfig{
			Headless:          false,
			NavigationTimeout: "30s",
			LoadTimeout:       "30s",
		},
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "data/labelrunner.db",
			Dir:        "data/kv",
		},
		Queue: QueueConfig{
			MaxTries:    3,
			BackoffBase: "1s",
			BackoffCap:  "30s",
			StuckAfter:  "2m",
		},
		Lock: LockConfig{
			Staleness: "15s",
			Heartbeat: "5s",
		},
		Capture: CaptureConfig{
			Deadlines: []string{"1.5s", "3s", "6s", "10s", "15s"},
		},
		Scheduler: SchedulerConfig{
			Interval:   "@every 15s",
			StuckSweep: "@every 1m",
		},
		Print: PrintConfig{
			GraceDelay:       "5s",
			FetchConcurrency: 4,
			FetchTimeout:     "30s",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8765",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a .env file if present, then the YAML config at path, then
// applies LABELRUNNER_* environment overrides. A missing config file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// .env is optional
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LABELRUNNER_SITE_URL"); v != "" {
		c.Site.BaseURL = v
	}
	if v := os.Getenv("LABELRUNNER_DEBUGGER_URL"); v != "" {
		c.Browser.DebuggerURL = v
	}
	if v := os.Getenv("LABELRUNNER_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("LABELRUNNER_DB"); v != "" {
		c.Store.SQLitePath = v
	}
	if v := os.Getenv("LABELRUNNER_REDIS_URL"); v != "" {
		c.Store.RedisURL = v
		if os.Getenv("LABELRUNNER_STORE") == "" {
			c.Store.Backend = "redis"
		}
	}
	if v := os.Getenv("LABELRUNNER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("LABELRUNNER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetNavigationTimeout returns the browser navigation timeout.
func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 30*time.Second)
}

// GetLoadTimeout returns how long a worker tab may take to finish loading.
func (c *Config) GetLoadTimeout() time.Duration {
	return parseDuration(c.Browser.LoadTimeout, 30*time.Second)
}

// GetBackoffBase returns the base of the exponential job backoff.
func (c *Config) GetBackoffBase() time.Duration {
	return parseDuration(c.Queue.BackoffBase, time.Second)
}

// GetBackoffCap returns the ceiling of the job backoff.
func (c *Config) GetBackoffCap() time.Duration {
	return parseDuration(c.Queue.BackoffCap, 30*time.Second)
}

// GetStuckAfter returns the age after which a processing job counts as interrupted.
func (c *Config) GetStuckAfter() time.Duration {
	return parseDuration(c.Queue.StuckAfter, 2*time.Minute)
}

// GetLockStaleness returns the lock staleness window.
func (c *Config) GetLockStaleness() time.Duration {
	return parseDuration(c.Lock.Staleness, 15*time.Second)
}

// GetLockHeartbeat returns the lock refresh interval. Zero disables refreshing.
func (c *Config) GetLockHeartbeat() time.Duration {
	return parseDuration(c.Lock.Heartbeat, 0)
}

// GetCaptureDeadlines returns the escalating per-attempt deadlines.
// Unparseable entries are skipped.
func (c *Config) GetCaptureDeadlines() []time.Duration {
	out := make([]time.Duration, 0, len(c.Capture.Deadlines))
	for _, s := range c.Capture.Deadlines {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			out = append(out, d)
		}
	}
	return out
}

// GetGraceDelay returns the pause between rendering the merged PDF and clearing the labels.
func (c *Config) GetGraceDelay() time.Duration {
	return parseDuration(c.Print.GraceDelay, 5*time.Second)
}

// GetFetchTimeout returns the per-document fetch timeout.
func (c *Config) GetFetchTimeout() time.Duration {
	return parseDuration(c.Print.FetchTimeout, 30*time.Second)
}

// ValidBackends lists the supported store backends.
var ValidBackends = []string{"sqlite", "redis", "file", "memory"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Site.BaseURL == "" {
		return fmt.Errorf("site base_url not configured (set site.base_url or LABELRUNNER_SITE_URL)")
	}
	u, err := url.Parse(c.Site.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid site base_url: %q", c.Site.BaseURL)
	}

	validBackend := false
	for _, b := range ValidBackends {
		if c.Store.Backend == b {
			validBackend = true
			break
		}
	}
	if !validBackend {
		return fmt.Errorf("invalid store backend: %s (valid: %v)", c.Store.Backend, ValidBackends)
	}
	if c.Store.Backend == "redis" && c.Store.RedisURL == "" {
		return fmt.Errorf("store backend redis requires redis_url")
	}

	if c.Queue.MaxTries < 1 {
		return fmt.Errorf("queue max_tries must be at least 1, got %d", c.Queue.MaxTries)
	}
	if len(c.GetCaptureDeadlines()) == 0 {
		return fmt.Errorf("capture deadlines must contain at least one positive duration")
	}
	if c.Print.FetchConcurrency < 1 {
		return fmt.Errorf("print fetch_concurrency must be at least 1")
	}
	if hb := c.GetLockHeartbeat(); hb > 0 && hb >= c.GetLockStaleness() {
		return fmt.Errorf("lock heartbeat (%v) must be shorter than staleness (%v)", hb, c.GetLockStaleness())
	}

	return c.Logging.Validate()
}
