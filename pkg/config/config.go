package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/wsm/pkg/cloud/sandbox"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/poller"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
	"github.com/openfroyo/wsm/pkg/workflows"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Checkpoint backends.
const (
	CheckpointStore = "store"
	CheckpointRedis = "redis"
)

// Config is the complete resource manager configuration.
type Config struct {
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Poller     PollerConfig     `mapstructure:"poller" yaml:"poller"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint" yaml:"checkpoint"`
	Cloud      CloudConfig      `mapstructure:"cloud" yaml:"cloud"`
	Policy     PolicyConfig     `mapstructure:"policy" yaml:"policy"`
	Telemetry  telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// StoreConfig selects the resource database.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" validate:"required,oneof=sqlite postgres memory"`

	// Path is the SQLite database file, or ":memory:".
	Path string `mapstructure:"path" yaml:"path" validate:"required_if=Driver sqlite"`

	// DSN is the PostgreSQL connection string.
	DSN string `mapstructure:"dsn" yaml:"dsn,omitempty" validate:"required_if=Driver postgres"`

	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" validate:"gte=0"`
}

// SQL returns the settings of the SQL store constructors.
func (c StoreConfig) SQL() stores.Config {
	return stores.Config{
		Path:            c.Path,
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

// EngineConfig tunes the flight engine.
type EngineConfig struct {
	MaxConcurrentFlights int           `mapstructure:"max_concurrent_flights" yaml:"max_concurrent_flights" validate:"gte=1"`
	WaitInterval         time.Duration `mapstructure:"wait_interval" yaml:"wait_interval" validate:"gt=0"`

	// StepRetry applies to every step except the cloud delete.
	StepRetry RetryConfig `mapstructure:"step_retry" yaml:"step_retry"`

	// DeleteRetry applies to the cloud delete step.
	DeleteRetry RetryConfig `mapstructure:"delete_retry" yaml:"delete_retry"`
}

// RetryConfig describes a step retry policy. The wait doubles from Initial
// up to Max; with Max not above Initial it stays fixed.
type RetryConfig struct {
	Initial  time.Duration `mapstructure:"initial" yaml:"initial" validate:"gte=0"`
	Max      time.Duration `mapstructure:"max" yaml:"max" validate:"gte=0"`
	Attempts int           `mapstructure:"attempts" yaml:"attempts" validate:"gte=1"`
}

// Policy returns the engine retry policy.
func (c RetryConfig) Policy() engine.RetryPolicy {
	if c.Max > c.Initial {
		return engine.ExponentialBackoff(c.Initial, c.Max, c.Attempts)
	}
	return engine.FixedInterval(c.Initial, c.Attempts)
}

// PollerConfig holds the poll budget of each long-running job kind.
type PollerConfig struct {
	Transfer     PollConfig `mapstructure:"transfer" yaml:"transfer"`
	TableCopy    PollConfig `mapstructure:"table_copy" yaml:"table_copy"`
	BucketDelete PollConfig `mapstructure:"bucket_delete" yaml:"bucket_delete"`
	InstanceOp   PollConfig `mapstructure:"instance_op" yaml:"instance_op"`
}

// Budgets returns the workflow poll budgets.
func (c PollerConfig) Budgets() workflows.Budgets {
	return workflows.Budgets{
		Transfer:     c.Transfer.Policy(),
		TableCopy:    c.TableCopy.Policy(),
		BucketDelete: c.BucketDelete.Policy(),
		InstanceOp:   c.InstanceOp.Policy(),
	}
}

// PollConfig bounds the polling of one job kind. At least one of
// MaxAttempts and Budget must be set.
type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0"`
	MaxInterval time.Duration `mapstructure:"max_interval" yaml:"max_interval,omitempty" validate:"gte=0"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts,omitempty" validate:"gte=0"`
	Budget      time.Duration `mapstructure:"budget" yaml:"budget,omitempty" validate:"gte=0"`
}

// Policy returns the poller policy.
func (c PollConfig) Policy() poller.Policy {
	return poller.Policy{
		Interval:    c.Interval,
		MaxInterval: c.MaxInterval,
		MaxAttempts: c.MaxAttempts,
		Budget:      c.Budget,
	}
}

// CheckpointConfig selects where flight checkpoints and step logs live.
type CheckpointConfig struct {
	// Backend is "store" to keep flights in the resource database, or
	// "redis".
	Backend string      `mapstructure:"backend" yaml:"backend" validate:"required,oneof=store redis"`
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig configures the Redis checkpoint store.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	Password     string        `mapstructure:"password" yaml:"password,omitempty"`
	DB           int           `mapstructure:"db" yaml:"db" validate:"gte=0"`
	KeyPrefix    string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size" validate:"gte=0"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// Store returns the settings of the Redis flight store.
func (c RedisConfig) Store() stores.RedisConfig {
	return stores.RedisConfig{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		KeyPrefix:    c.KeyPrefix,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PoolSize:     c.PoolSize,
	}
}

// CloudConfig selects the cloud provider.
type CloudConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider" validate:"required,oneof=sandbox"`

	// Project is the control-plane project. Workspaces without a project
	// of their own resolve to it.
	Project string `mapstructure:"project" yaml:"project" validate:"required"`

	// TransferServiceAccount is the principal of the storage transfer
	// service.
	TransferServiceAccount string `mapstructure:"transfer_service_account" yaml:"transfer_service_account" validate:"required"`

	Sandbox SandboxConfig `mapstructure:"sandbox" yaml:"sandbox"`
}

// SandboxConfig tunes the in-memory provider.
type SandboxConfig struct {
	JobLatency time.Duration `mapstructure:"job_latency" yaml:"job_latency" validate:"gte=0"`
}

// SandboxConfig returns the configuration of the sandbox provider.
func (c CloudConfig) SandboxConfig() sandbox.Config {
	return sandbox.Config{
		JobLatency:     c.Sandbox.JobLatency,
		DefaultProject: c.Project,
		ServiceAccount: c.TransferServiceAccount,
	}
}

// PolicyConfig configures clone admission.
type PolicyConfig struct {
	// Paths are extra Rego or JSON policy files and directories loaded on
	// top of the builtin policies.
	Paths []string `mapstructure:"paths" yaml:"paths,omitempty"`

	// Watch reloads Paths when they change.
	Watch bool `mapstructure:"watch" yaml:"watch"`

	// Disabled admits every clone.
	Disabled bool `mapstructure:"disabled" yaml:"disabled"`
}

var validate = validator.New()

// Validate checks struct constraints and the cross-field rules they cannot
// express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Checkpoint.Backend == CheckpointRedis && c.Checkpoint.Redis.Addr == "" {
		return fmt.Errorf("invalid configuration: checkpoint.redis.addr is required for the redis backend")
	}

	polls := map[string]PollConfig{
		"transfer":      c.Poller.Transfer,
		"table_copy":    c.Poller.TableCopy,
		"bucket_delete": c.Poller.BucketDelete,
		"instance_op":   c.Poller.InstanceOp,
	}
	for name, p := range polls {
		if err := p.Policy().Validate(); err != nil {
			return fmt.Errorf("invalid configuration: poller.%s: %w", name, err)
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: telemetry: %w", err)
	}
	return nil
}
