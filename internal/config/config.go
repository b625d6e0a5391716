// Package config loads the YAML configuration file shared by the server and
// worker binaries. Values resolve in order: defaults, then the file, then
// environment variables. Flags on the worker binary override all three.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Quota  QuotaConfig  `yaml:"quota"`
	Worker WorkerConfig `yaml:"worker"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type StoreConfig struct {
	// Driver selects the store implementation: sqlite or postgres.
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type QuotaConfig struct {
	// Backend selects usage persistence: sqlite, redis, or off.
	Backend string `yaml:"backend"`
	// Path is a dedicated SQLite file for usage rows. Empty means share the
	// store's database file, which requires the sqlite store driver.
	Path       string `yaml:"path"`
	DailyLimit int    `yaml:"daily_limit"`
	RedisAddr  string `yaml:"redis_addr"`
}

type WorkerConfig struct {
	WorkerID      string   `yaml:"worker_id"`
	Strategy      string   `yaml:"strategy"`
	PollInterval  Duration `yaml:"poll_interval"`
	MaxBackoff    Duration `yaml:"max_backoff"`
	MaxIterations int      `yaml:"max_iterations"`
}

// Duration is a time.Duration that decodes from Go duration strings like
// "30s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(dur)
	return nil
}

func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8080"},
		Store:  StoreConfig{Driver: "sqlite", Path: "hopper.db"},
		Quota:  QuotaConfig{Backend: "sqlite", RedisAddr: "localhost:6379"},
	}
}

// Load builds the effective configuration. An empty path skips the file and
// resolves defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("HOPPER_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := os.Getenv("QUOTA_BACKEND"); v != "" {
		c.Quota.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Quota.RedisAddr = v
	}
	if v := os.Getenv("QUOTA_DAILY_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid QUOTA_DAILY_LIMIT %q: %w", v, err)
		}
		c.Quota.DailyLimit = n
	}

	return nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown store driver %q (valid: sqlite, postgres)", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("sqlite store requires a path")
	}
	if c.Store.Driver == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("postgres store requires a DSN")
	}

	switch c.Quota.Backend {
	case "sqlite", "redis", "off":
	default:
		return fmt.Errorf("unknown quota backend %q (valid: sqlite, redis, off)", c.Quota.Backend)
	}
	if c.Quota.Backend == "sqlite" && c.Quota.Path == "" && c.Store.Driver != "sqlite" {
		return fmt.Errorf("sqlite quota backend requires quota.path when the store driver is %s", c.Store.Driver)
	}
	if c.Quota.Backend == "redis" && c.Quota.RedisAddr == "" {
		return fmt.Errorf("redis quota backend requires an address")
	}
	if c.Quota.DailyLimit < 0 {
		return fmt.Errorf("quota daily limit must not be negative")
	}

	return nil
}
