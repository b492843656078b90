// Package config loads engine configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps configuration validation failures. Callers surface these
// immediately; they are never retried.
var ErrInvalid = errors.New("invalid configuration")

// Priority controls how aggressively syncs consume the host process.
type Priority string

const (
	PriorityLow  Priority = "low"
	PriorityHigh Priority = "high"
)

// Config is the full engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Search    SearchConfig    `yaml:"search"`
	Redis     RedisConfig     `yaml:"redis"`
	Sync      SyncConfig      `yaml:"sync"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	AdminSecret  string        `yaml:"admin_secret"`
}

// DatabaseConfig holds primary store settings.
type DatabaseConfig struct {
	URL          string        `yaml:"url"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// SearchConfig holds search store settings.
type SearchConfig struct {
	URL   string `yaml:"url"`
	Index string `yaml:"index"`
}

// RedisConfig holds cache settings. An empty Addr selects the in-memory
// cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SyncConfig holds orchestrator settings.
type SyncConfig struct {
	ScratchDir      string        `yaml:"scratch_dir"`
	Parallelism     int           `yaml:"parallelism"`
	BatchSize       int           `yaml:"batch_size"`
	DeferredIndex   bool          `yaml:"deferred_index"`
	Priority        Priority      `yaml:"priority"`
	FailOnFileError bool          `yaml:"fail_on_file_error"`
	DefaultCurrency string        `yaml:"default_currency"`
	FeedTimeout     time.Duration `yaml:"feed_timeout"`
}

// SchedulerConfig holds dispatch settings.
type SchedulerConfig struct {
	Mode         string        `yaml:"mode"` // "direct" or "worker"
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the baseline configuration before file and env overlays.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			URL:          "postgres://localhost:5432/syncengine?sslmode=disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			QueryTimeout: 30 * time.Second,
		},
		Search: SearchConfig{
			URL:   "http://localhost:9200",
			Index: "parts",
		},
		Sync: SyncConfig{
			ScratchDir:      os.TempDir(),
			Parallelism:     20,
			BatchSize:       1000,
			DeferredIndex:   true,
			Priority:        PriorityHigh,
			DefaultCurrency: "USD",
			FeedTimeout:     60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Mode:         "direct",
			PollInterval: 5 * time.Second,
		},
	}
}

// Load reads the YAML file at path (if it exists), applies environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNC_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("SYNC_SEARCH_URL"); v != "" {
		cfg.Search.URL = v
	}
	if v := os.Getenv("SYNC_SEARCH_INDEX"); v != "" {
		cfg.Search.Index = v
	}
	if v := os.Getenv("SYNC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("SYNC_ADMIN_SECRET"); v != "" {
		cfg.Server.AdminSecret = v
	}
	if v := os.Getenv("SYNC_SCRATCH_DIR"); v != "" {
		cfg.Sync.ScratchDir = v
	}
	if v := os.Getenv("SYNC_PRIORITY"); v != "" {
		cfg.Sync.Priority = Priority(v)
	}
	if v := os.Getenv("SYNC_DEFERRED_INDEXING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sync.DeferredIndex = b
		}
	}
	if v := os.Getenv("SYNC_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.Parallelism = n
		}
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
}

// Validate checks cross-field constraints and clamps tunables to safe
// ranges.
func (c *Config) Validate() error {
	if c.Server.AdminSecret == "" {
		return fmt.Errorf("%w: admin secret is required (SYNC_ADMIN_SECRET)", ErrInvalid)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("%w: database url is required", ErrInvalid)
	}
	switch c.Sync.Priority {
	case PriorityLow, PriorityHigh:
	case "":
		c.Sync.Priority = PriorityHigh
	default:
		return fmt.Errorf("%w: unknown sync priority %q", ErrInvalid, c.Sync.Priority)
	}
	switch c.Scheduler.Mode {
	case "direct", "worker":
	case "":
		c.Scheduler.Mode = "direct"
	default:
		return fmt.Errorf("%w: unknown scheduler mode %q", ErrInvalid, c.Scheduler.Mode)
	}
	// Higher fan-out starves the request-serving path; see EffectiveParallelism.
	if c.Sync.Parallelism < 2 {
		c.Sync.Parallelism = 2
	}
	if c.Sync.Parallelism > 30 {
		c.Sync.Parallelism = 30
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 1000
	}
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = 5 * time.Second
	}
	return nil
}

// EffectiveParallelism returns the file fan-out width after the priority
// flag is applied. Low priority keeps the website responsive while a sync
// runs in the same process.
func (c *Config) EffectiveParallelism() int {
	if c.Sync.Priority == PriorityLow && c.Sync.Parallelism > 6 {
		return 6
	}
	return c.Sync.Parallelism
}

// YieldDelay returns the pause inserted between batches in low priority
// mode.
func (c *Config) YieldDelay() time.Duration {
	if c.Sync.Priority == PriorityLow {
		return 25 * time.Millisecond
	}
	return 0
}
