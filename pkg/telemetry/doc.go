// Package telemetry provides the observability stack of the resource manager.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry) and metrics (Prometheus) behind one Config.
//
// # Usage
//
// Initialize telemetry at process startup:
//
//	tel, err := telemetry.New(cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// Components receive a zerolog.Logger and derive their own with Component.
// Flight and resource fields are added with WithFlightID and WithResource:
//
//	logger := telemetry.Component(tel.Logger, "engine")
//	logger = telemetry.WithFlightID(logger, "clone-0d9c")
//
// SetGlobalLevel changes the level of every logger at once. The config
// watcher calls it when the configured level changes on disk.
//
// # Distributed Tracing
//
// NewTracer installs the global trace provider. The engine opens a span per
// flight and per step, and the poller one per wait, through that provider.
// Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics implements the observer interfaces of the engine, the poller and
// the lifecycle manager:
//
//	engine.New(store, reg, engine.Options{Observer: tel.Metrics})
//	poller.New(logger, poller.WithObserver(tel.Metrics))
//	lifecycle.NewManager(store, logger, lifecycle.WithObserver(tel.Metrics))
//
// Serve exposes them over HTTP:
//
//	go tel.Metrics.Serve(ctx, "", logger)
//
// Exported series (with the configured namespace prefix):
//
//	flights_started_total{workflow}
//	flights_completed_total{workflow,status}
//	flight_duration_seconds{workflow,status}
//	active_flights
//	step_executions_total{workflow,step,direction,outcome}
//	step_duration_seconds{workflow,step,direction}
//	step_retries_total{workflow,step}
//	compensations_total{workflow,step,outcome}
//	poll_attempts_total{kind,outcome}
//	state_conflicts_total{transition}
package telemetry
