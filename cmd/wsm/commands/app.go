package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/openfroyo/wsm/pkg/cloud"
	"github.com/openfroyo/wsm/pkg/cloud/sandbox"
	"github.com/openfroyo/wsm/pkg/config"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/poller"
	"github.com/openfroyo/wsm/pkg/service"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
	"github.com/openfroyo/wsm/pkg/workflows"
)

// app is the wired resource manager behind every command.
type app struct {
	store   stores.Store
	flights engine.FlightStore
	closers []func() error

	policy  *policy.Engine
	engine  *engine.Engine
	service *service.ResourceService
	logger  zerolog.Logger
}

// openApp opens the stores, applies migrations and wires the engine.
func openApp(ctx context.Context) (*app, error) {
	logger := tel.Logger
	a := &app{logger: logger}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.flights = store
	a.closers = append(a.closers, store.Close)

	if cfg.Checkpoint.Backend == config.CheckpointRedis {
		rs, err := stores.NewRedisFlightStore(ctx, cfg.Checkpoint.Redis.Store())
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		a.flights = rs
		a.closers = append(a.closers, rs.Close)
	}

	clients, err := openCloud(cfg.Cloud)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.policy, err = policy.NewEngine(telemetry.Component(logger, "policy"))
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		load := a.policy.LoadPolicies
		if cfg.Policy.Watch {
			load = a.policy.WatchPolicies
		}
		if err := load(ctx, cfg.Policy.Paths); err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}

	mgr := lifecycle.NewManager(store, telemetry.Component(logger, "lifecycle"),
		lifecycle.WithObserver(tel.Metrics))

	deps := workflows.Deps{
		Lifecycle:   mgr,
		Clients:     clients,
		Poller:      poller.New(telemetry.Component(logger, "poller"), poller.WithObserver(tel.Metrics)),
		Budgets:     cfg.Poller.Budgets(),
		StepRetry:   cfg.Engine.StepRetry.Policy(),
		DeleteRetry: cfg.Engine.DeleteRetry.Policy(),
		Logger:      telemetry.Component(logger, "workflows"),
	}
	if !cfg.Policy.Disabled {
		deps.Policy = a.policy
	}

	reg := engine.NewRegistry()
	if err := workflows.Register(reg, deps); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	a.engine = engine.New(a.flights, reg, engine.Options{
		MaxConcurrentFlights: cfg.Engine.MaxConcurrentFlights,
		WaitInterval:         cfg.Engine.WaitInterval,
		Logger:               telemetry.Component(logger, "engine"),
		Observer:             tel.Metrics,
	})
	a.closers = append([]func() error{func() error {
		return a.engine.Shutdown(context.WithoutCancel(ctx))
	}}, a.closers...)

	a.service = service.New(a.engine, mgr, logger)
	return a, nil
}

// Close stops the engine and closes the stores.
func (a *app) Close(_ context.Context) error {
	var err error
	for _, c := range a.closers {
		err = multierr.Append(err, c())
	}
	a.closers = nil
	return err
}

func openStore(ctx context.Context, sc config.StoreConfig) (stores.Store, error) {
	var (
		store stores.Store
		err   error
	)
	switch sc.Driver {
	case config.DriverMemory:
		store = stores.NewMemoryStore()
	case config.DriverSQLite:
		store, err = stores.NewSQLiteStore(sc.SQL())
	case config.DriverPostgres:
		store, err = stores.NewPostgresStore(sc.SQL())
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", sc.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func openCloud(cc config.CloudConfig) (cloud.Clients, error) {
	switch cc.Provider {
	case "sandbox":
		return sandbox.New(cc.SandboxConfig()).Clients(), nil
	default:
		return cloud.Clients{}, fmt.Errorf("unsupported cloud provider: %s", cc.Provider)
	}
}
