package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/poller"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "wsm.yaml")
	// rename so a watcher never sees a half-written file
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "wsm.db", cfg.Store.Path)
	assert.Equal(t, 10, cfg.Engine.MaxConcurrentFlights)
	assert.Equal(t, CheckpointStore, cfg.Checkpoint.Backend)
	assert.Equal(t, "sandbox", cfg.Cloud.Provider)
	assert.Equal(t, "info", cfg.Telemetry.Logging.Level)
	assert.NotEmpty(t, cfg.Telemetry.Metrics.DefaultHistogramBuckets)

	budgets := cfg.Poller.Budgets()
	assert.Equal(t, 30*time.Second, budgets.Transfer.Interval)
	assert.Equal(t, 12*time.Hour, budgets.Transfer.Budget)
	assert.Equal(t, poller.CappedDoubling(time.Second, time.Minute, 25), budgets.TableCopy)
	assert.Equal(t, poller.Fixed(10*time.Second, 24), budgets.InstanceOp)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
store:
  driver: postgres
  dsn: postgres://wsm@localhost/wsm?sslmode=disable
engine:
  max_concurrent_flights: 4
  step_retry:
    initial: 2s
    max: 2s
    attempts: 3
poller:
  transfer:
    interval: 5s
    budget: 1h
checkpoint:
  backend: redis
  redis:
    addr: localhost:6379
policy:
  paths: [/etc/wsm/policies]
telemetry:
  logging:
    level: debug
    format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://wsm@localhost/wsm?sslmode=disable", cfg.Store.SQL().DSN)
	assert.Equal(t, 25, cfg.Store.SQL().MaxOpenConns)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrentFlights)
	assert.Equal(t, engine.FixedInterval(2*time.Second, 3), cfg.Engine.StepRetry.Policy())
	assert.Equal(t, 48, cfg.Engine.DeleteRetry.Policy().MaxAttempts())
	assert.Equal(t, poller.Fixed(5*time.Second, 0).WithBudget(time.Hour), cfg.Poller.Transfer.Policy())
	assert.Equal(t, "localhost:6379", cfg.Checkpoint.Redis.Store().Addr)
	assert.Equal(t, "wsm:", cfg.Checkpoint.Redis.Store().KeyPrefix)
	assert.Equal(t, []string{"/etc/wsm/policies"}, cfg.Policy.Paths)
	assert.Equal(t, "debug", cfg.Telemetry.Logging.Level)
	assert.Equal(t, "json", cfg.Telemetry.Logging.Format)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
store:
  driver: sqlite
  path: from-file.db
`)
	t.Setenv("WSM_STORE_PATH", "from-env.db")
	t.Setenv("WSM_ENGINE_MAX_CONCURRENT_FLIGHTS", "3")
	t.Setenv("WSM_TELEMETRY_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env.db", cfg.Store.Path)
	assert.Equal(t, 3, cfg.Engine.MaxConcurrentFlights)
	assert.Equal(t, "warn", cfg.Telemetry.Logging.Level)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	l := NewLoader("", zerolog.Nop())
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Empty(t, l.File())
	assert.Same(t, cfg, l.Current())

	assert.ErrorIs(t, l.Watch(context.Background(), func(*Config) {}), ErrNoConfigFile)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "Driver"},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }, "Path"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "DSN"},
		{"memory without path", func(c *Config) { c.Store.Driver = DriverMemory; c.Store.Path = "" }, ""},
		{"no flights", func(c *Config) { c.Engine.MaxConcurrentFlights = 0 }, "MaxConcurrentFlights"},
		{"no attempts", func(c *Config) { c.Engine.StepRetry.Attempts = 0 }, "Attempts"},
		{"unknown checkpoint", func(c *Config) { c.Checkpoint.Backend = "etcd" }, "Backend"},
		{"redis without addr", func(c *Config) { c.Checkpoint.Backend = CheckpointRedis }, "checkpoint.redis.addr"},
		{"unbounded poll", func(c *Config) {
			c.Poller.Transfer.Budget = 0
			c.Poller.Transfer.MaxAttempts = 0
		}, "poller.transfer"},
		{"unknown provider", func(c *Config) { c.Cloud.Provider = "aws" }, "Provider"},
		{"bad log level", func(c *Config) { c.Telemetry.Logging.Level = "noisy" }, "telemetry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
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

func TestLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "telemetry:\n  logging:\n    level: info\n")

	l := NewLoader(path, zerolog.Nop())
	_, err := l.Load()
	require.NoError(t, err)

	var level atomic.Value
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Watch(ctx, func(cfg *Config) {
		level.Store(cfg.Telemetry.Logging.Level)
	}))

	writeConfig(t, dir, "telemetry:\n  logging:\n    level: debug\n")

	require.Eventually(t, func() bool {
		v, _ := level.Load().(string)
		return v == "debug"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "debug", l.Current().Telemetry.Logging.Level)
}

func TestLoader_WatchKeepsLastValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "telemetry:\n  logging:\n    level: info\n")

	l := NewLoader(path, zerolog.Nop())
	_, err := l.Load()
	require.NoError(t, err)

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, l.Watch(ctx, func(*Config) { calls.Add(1) }))

	writeConfig(t, dir, "telemetry:\n  logging:\n    level: shouting\n")
	time.Sleep(300 * time.Millisecond)

	assert.Zero(t, calls.Load())
	assert.Equal(t, "info", l.Current().Telemetry.Logging.Level)
}
