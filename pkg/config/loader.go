package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/openfroyo/wsm/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WSM"

// ErrNoConfigFile is returned by Watch when no file was loaded.
var ErrNoConfigFile = errors.New("no configuration file to watch")

// Loader reads configuration from a file, the environment and defaults.
type Loader struct {
	v      *viper.Viper
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	current *Config
}

// NewLoader creates a loader for the file at path. An empty path searches
// for wsm.yaml in the working directory, $HOME/.wsm and /etc/wsm, and runs on
// defaults and environment when none is found.
func NewLoader(path string, logger zerolog.Logger) *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wsm")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.wsm")
		v.AddConfigPath("/etc/wsm")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Loader{
		v:      v,
		path:   path,
		logger: logger.With().Str("component", "config").Logger(),
	}
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		l.logger.Debug().Msg("No config file found, using defaults and environment")
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// File returns the file the configuration was read from, or "".
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the new configuration every time the file
// changes and still decodes and validates. An invalid file is logged and
// the previous configuration stays current. Changes after ctx is done are
// ignored.
func (l *Loader) Watch(ctx context.Context, onChange func(*Config)) error {
	if l.v.ConfigFileUsed() == "" {
		return ErrNoConfigFile
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		cfg, err := l.decode()
		if err != nil {
			l.logger.Error().Err(err).Str("file", e.Name).Msg("Ignoring invalid configuration change")
			return
		}

		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()

		l.logger.Info().Str("file", e.Name).Msg("Configuration reloaded")
		onChange(cfg)
	})
	l.v.WatchConfig()
	return nil
}

// Current returns the last configuration that loaded successfully.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is a shortcut for NewLoader(path, zerolog.Nop()).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path, zerolog.Nop()).Load()
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Store
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "wsm.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 5*time.Minute)

	// Engine
	v.SetDefault("engine.max_concurrent_flights", 10)
	v.SetDefault("engine.wait_interval", 250*time.Millisecond)
	v.SetDefault("engine.step_retry.initial", time.Second)
	v.SetDefault("engine.step_retry.max", 30*time.Second)
	v.SetDefault("engine.step_retry.attempts", 5)
	v.SetDefault("engine.delete_retry.initial", 10*time.Second)
	v.SetDefault("engine.delete_retry.max", 30*time.Minute)
	v.SetDefault("engine.delete_retry.attempts", 48)

	// Poller
	v.SetDefault("poller.transfer.interval", 30*time.Second)
	v.SetDefault("poller.transfer.max_interval", time.Duration(0))
	v.SetDefault("poller.transfer.max_attempts", 0)
	v.SetDefault("poller.transfer.budget", 12*time.Hour)
	v.SetDefault("poller.table_copy.interval", time.Second)
	v.SetDefault("poller.table_copy.max_interval", time.Minute)
	v.SetDefault("poller.table_copy.max_attempts", 25)
	v.SetDefault("poller.table_copy.budget", time.Duration(0))
	v.SetDefault("poller.bucket_delete.interval", time.Second)
	v.SetDefault("poller.bucket_delete.max_interval", time.Minute)
	v.SetDefault("poller.bucket_delete.max_attempts", 25)
	v.SetDefault("poller.bucket_delete.budget", time.Duration(0))
	v.SetDefault("poller.instance_op.interval", 10*time.Second)
	v.SetDefault("poller.instance_op.max_interval", time.Duration(0))
	v.SetDefault("poller.instance_op.max_attempts", 24)
	v.SetDefault("poller.instance_op.budget", time.Duration(0))

	// Checkpoint
	v.SetDefault("checkpoint.backend", CheckpointStore)
	v.SetDefault("checkpoint.redis.addr", "")
	v.SetDefault("checkpoint.redis.password", "")
	v.SetDefault("checkpoint.redis.db", 0)
	v.SetDefault("checkpoint.redis.key_prefix", "wsm:")
	v.SetDefault("checkpoint.redis.pool_size", 10)
	v.SetDefault("checkpoint.redis.dial_timeout", 5*time.Second)
	v.SetDefault("checkpoint.redis.read_timeout", 3*time.Second)
	v.SetDefault("checkpoint.redis.write_timeout", 3*time.Second)

	// Cloud
	v.SetDefault("cloud.provider", "sandbox")
	v.SetDefault("cloud.project", "sandbox-project")
	v.SetDefault("cloud.transfer_service_account", "transfer@sandbox.iam.example.com")
	v.SetDefault("cloud.sandbox.job_latency", 2*time.Second)

	// Policy
	v.SetDefault("policy.paths", []string{})
	v.SetDefault("policy.watch", false)
	v.SetDefault("policy.disabled", false)

	// Telemetry
	t := telemetry.DefaultConfig()
	v.SetDefault("telemetry.service_name", t.ServiceName)
	v.SetDefault("telemetry.service_version", t.ServiceVersion)
	v.SetDefault("telemetry.environment", t.Environment)
	v.SetDefault("telemetry.logging.level", t.Logging.Level)
	v.SetDefault("telemetry.logging.format", t.Logging.Format)
	v.SetDefault("telemetry.logging.output", t.Logging.Output)
	v.SetDefault("telemetry.logging.enable_caller", t.Logging.EnableCaller)
	v.SetDefault("telemetry.logging.time_format", t.Logging.TimeFormat)
	v.SetDefault("telemetry.tracing.enabled", t.Tracing.Enabled)
	v.SetDefault("telemetry.tracing.exporter", t.Tracing.Exporter)
	v.SetDefault("telemetry.tracing.endpoint", t.Tracing.Endpoint)
	v.SetDefault("telemetry.tracing.sampling_rate", t.Tracing.SamplingRate)
	v.SetDefault("telemetry.tracing.max_export_batch_size", t.Tracing.MaxExportBatchSize)
	v.SetDefault("telemetry.tracing.export_timeout", t.Tracing.ExportTimeout)
	v.SetDefault("telemetry.tracing.insecure", t.Tracing.Insecure)
	v.SetDefault("telemetry.metrics.enabled", t.Metrics.Enabled)
	v.SetDefault("telemetry.metrics.listen_address", t.Metrics.ListenAddress)
	v.SetDefault("telemetry.metrics.path", t.Metrics.Path)
	v.SetDefault("telemetry.metrics.namespace", t.Metrics.Namespace)
	v.SetDefault("telemetry.metrics.histogram_buckets", t.Metrics.DefaultHistogramBuckets)
}
