package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hopper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "hopper.db", cfg.Store.Path)
	assert.Equal(t, "sqlite", cfg.Quota.Backend)
	assert.Equal(t, "localhost:6379", cfg.Quota.RedisAddr)
	assert.Equal(t, 0, cfg.Quota.DailyLimit)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: "9090"
store:
  driver: sqlite
  path: /var/lib/hopper/queue.db
quota:
  backend: redis
  redis_addr: redis:6379
  daily_limit: 5000
worker:
  worker_id: pipeline-worker-1
  strategy: PRIORITY
  poll_interval: 2s
  max_backoff: 1m
  max_iterations: 100
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "/var/lib/hopper/queue.db", cfg.Store.Path)
	assert.Equal(t, "redis", cfg.Quota.Backend)
	assert.Equal(t, "redis:6379", cfg.Quota.RedisAddr)
	assert.Equal(t, 5000, cfg.Quota.DailyLimit)
	assert.Equal(t, "pipeline-worker-1", cfg.Worker.WorkerID)
	assert.Equal(t, "PRIORITY", cfg.Worker.Strategy)
	assert.Equal(t, 2*time.Second, time.Duration(cfg.Worker.PollInterval))
	assert.Equal(t, time.Minute, time.Duration(cfg.Worker.MaxBackoff))
	assert.Equal(t, 100, cfg.Worker.MaxIterations)
}

func TestLoad_FilePreservesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: "9090"
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "hopper.db", cfg.Store.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "server: [not: valid")

	_, err := Load(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("HOPPER_DB", "/tmp/override.db")
	t.Setenv("QUOTA_DAILY_LIMIT", "250")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "/tmp/override.db", cfg.Store.Path)
	assert.Equal(t, 250, cfg.Quota.DailyLimit)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: "9090"
`)
	t.Setenv("PORT", "7070")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
}

func TestLoad_InvalidEnvLimit(t *testing.T) {
	t.Setenv("QUOTA_DAILY_LIMIT", "plenty")

	_, err := Load("")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid QUOTA_DAILY_LIMIT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown store driver",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: "unknown store driver",
		},
		{
			name:    "sqlite store without path",
			mutate:  func(c *Config) { c.Store.Path = "" },
			wantErr: "sqlite store requires a path",
		},
		{
			name:    "postgres store without DSN",
			mutate:  func(c *Config) { c.Store.Driver = "postgres" },
			wantErr: "postgres store requires a DSN",
		},
		{
			name:    "unknown quota backend",
			mutate:  func(c *Config) { c.Quota.Backend = "memcached" },
			wantErr: "unknown quota backend",
		},
		{
			name: "sqlite quota on postgres store without its own path",
			mutate: func(c *Config) {
				c.Store.Driver = "postgres"
				c.Store.PostgresDSN = "postgres://localhost/hopper"
			},
			wantErr: "requires quota.path",
		},
		{
			name: "sqlite quota on postgres store with its own path",
			mutate: func(c *Config) {
				c.Store.Driver = "postgres"
				c.Store.PostgresDSN = "postgres://localhost/hopper"
				c.Quota.Path = "/var/lib/hopper/quota.db"
			},
		},
		{
			name: "redis quota without address",
			mutate: func(c *Config) {
				c.Quota.Backend = "redis"
				c.Quota.RedisAddr = ""
			},
			wantErr: "redis quota backend requires an address",
		},
		{
			name:    "negative daily limit",
			mutate:  func(c *Config) { c.Quota.DailyLimit = -1 },
			wantErr: "must not be negative",
		},
		{
			name:   "quota off",
			mutate: func(c *Config) { c.Quota.Backend = "off" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_UnmarshalYAML(t *testing.T) {
	var cfg struct {
		Interval Duration `yaml:"interval"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("interval: 90s"), &cfg))
	assert.Equal(t, 90*time.Second, time.Duration(cfg.Interval))

	err := yaml.Unmarshal([]byte("interval: soon"), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}
