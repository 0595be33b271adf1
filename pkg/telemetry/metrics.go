package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/wsm/pkg/engine"
)

// Metrics holds the Prometheus collectors of the resource manager. It is the
// observer of the engine, the poller and the lifecycle manager.
type Metrics struct {
	config MetricsConfig

	flightsStarted   *prometheus.CounterVec
	flightsCompleted *prometheus.CounterVec
	flightDuration   *prometheus.HistogramVec
	activeFlights    prometheus.Gauge

	stepExecutions *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	stepRetries    *prometheus.CounterVec
	compensations  *prometheus.CounterVec

	pollAttempts   *prometheus.CounterVec
	stateConflicts *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry. A disabled config
// returns a Metrics whose methods do nothing.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		flightsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flights_started_total",
				Help:      "Total number of flights started",
			},
			[]string{"workflow"},
		),
		flightsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flights_completed_total",
				Help:      "Total number of flights that reached a terminal status",
			},
			[]string{"workflow", "status"},
		),
		flightDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flight_duration_seconds",
				Help:      "Time from flight creation to its terminal status",
				Buckets:   buckets,
			},
			[]string{"workflow", "status"},
		),
		activeFlights: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_flights",
				Help:      "Flights running in this process",
			},
		),

		stepExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_executions_total",
				Help:      "Total number of step executions by outcome",
			},
			[]string{"workflow", "step", "direction", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of a single step execution",
				Buckets:   buckets,
			},
			[]string{"workflow", "step", "direction"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of step retries",
			},
			[]string{"workflow", "step"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensating step executions by outcome",
			},
			[]string{"workflow", "step", "outcome"},
		),

		pollAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_attempts_total",
				Help:      "Total number of long-running job polls",
			},
			[]string{"kind", "outcome"},
		),
		stateConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_conflicts_total",
				Help:      "Total number of rejected resource state transitions",
			},
			[]string{"transition"},
		),
	}

	registry.MustRegister(
		m.flightsStarted,
		m.flightsCompleted,
		m.flightDuration,
		m.activeFlights,
		m.stepExecutions,
		m.stepDuration,
		m.stepRetries,
		m.compensations,
		m.pollAttempts,
		m.stateConflicts,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// FlightStarted implements engine.Observer.
func (m *Metrics) FlightStarted(workflowType string) {
	if !m.enabled() {
		return
	}
	m.flightsStarted.WithLabelValues(workflowType).Inc()
	m.activeFlights.Inc()
}

// FlightCompleted implements engine.Observer.
func (m *Metrics) FlightCompleted(workflowType string, status engine.FlightStatus, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.flightsCompleted.WithLabelValues(workflowType, string(status)).Inc()
	m.flightDuration.WithLabelValues(workflowType, string(status)).Observe(duration.Seconds())
	m.activeFlights.Dec()
}

// StepCompleted implements engine.Observer.
func (m *Metrics) StepCompleted(workflowType, step string, direction engine.Direction, status engine.StepStatus, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepExecutions.WithLabelValues(workflowType, step, string(direction), string(status)).Inc()
	m.stepDuration.WithLabelValues(workflowType, step, string(direction)).Observe(duration.Seconds())
	if direction == engine.DirectionUndo {
		m.compensations.WithLabelValues(workflowType, step, string(status)).Inc()
	}
}

// StepRetried implements engine.Observer.
func (m *Metrics) StepRetried(workflowType, step string) {
	if !m.enabled() {
		return
	}
	m.stepRetries.WithLabelValues(workflowType, step).Inc()
}

// PollAttempt implements poller.Observer.
func (m *Metrics) PollAttempt(kind, outcome string) {
	if !m.enabled() {
		return
	}
	m.pollAttempts.WithLabelValues(kind, outcome).Inc()
}

// StateConflict implements lifecycle.Observer.
func (m *Metrics) StateConflict(transition string) {
	if !m.enabled() {
		return
	}
	m.stateConflicts.WithLabelValues(transition).Inc()
}

// Registry returns the registry holding the collectors, or nil when metrics
// are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled. A non-empty
// addr replaces the configured listen address.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	if !m.enabled() {
		return nil
	}
	if addr == "" {
		addr = m.config.ListenAddress
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("path", path).Msg("Serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
