package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/pkg/config"
)

// Metrics provides Prometheus metrics for builds and runs. A disabled
// Metrics accepts every call and records nothing.
type Metrics struct {
	enabled  bool
	registry *prometheus.Registry

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	goalsFinished *prometheus.CounterVec
	goalDuration  *prometheus.HistogramVec

	operationCalls    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	stepsBuilt    *prometheus.CounterVec
	buildDuration prometheus.Histogram
	cacheLookups  *prometheus.CounterVec

	poolInstances *prometheus.GaugeVec
}

func NewMetrics(cfg config.MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{}
	}
	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		enabled:  true,
		registry: registry,

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Name: "steps_executed_total", Help: "Total number of executed steps"},
			[]string{"status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: ns, Name: "step_duration_seconds", Help: "Duration of step execution in seconds", Buckets: prometheus.DefBuckets},
			[]string{"status"},
		),
		goalsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Name: "goals_finished_total", Help: "Total number of finished goal invocations"},
			[]string{"state"},
		),
		goalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: ns, Name: "goal_duration_seconds", Help: "Duration of goal invocations in seconds", Buckets: prometheus.DefBuckets},
			[]string{"state"},
		),
		operationCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Name: "operation_calls_total", Help: "Total number of module operation calls"},
			[]string{"module", "operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: ns, Name: "operation_duration_seconds", Help: "Duration of module operation calls in seconds", Buckets: prometheus.DefBuckets},
			[]string{"module", "operation"},
		),
		stepsBuilt: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Name: "steps_built_total", Help: "Total number of step builds"},
			[]string{"module", "result"},
		),
		buildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Namespace: ns, Name: "build_duration_seconds", Help: "Duration of step builds in seconds", Buckets: prometheus.ExponentialBuckets(0.1, 2, 10)},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: ns, Name: "oracle_cache_lookups_total", Help: "Oracle response cache lookups"},
			[]string{"result"},
		),
		poolInstances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: ns, Name: "pool_instances", Help: "Engine instances by state"},
			[]string{"state"},
		),
	}

	registry.MustRegister(
		m.stepsExecuted, m.stepDuration,
		m.goalsFinished, m.goalDuration,
		m.operationCalls, m.operationDuration,
		m.stepsBuilt, m.buildDuration, m.cacheLookups,
		m.poolInstances,
	)
	return m
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m.enabled
}

func status(err error) string {
	if err == nil {
		return "ok"
	}
	if e, ok := errs.As(err); ok {
		if e.IsSentinel() {
			return "ok"
		}
		return string(e.Kind)
	}
	return "error"
}

// StepStarted implements engine.Observer.
func (m *Metrics) StepStarted(instance, goalPath string, index int, text string) {}

// StepFinished implements engine.Observer.
func (m *Metrics) StepFinished(goalPath string, index int, elapsed time.Duration, err error) {
	if !m.enabled {
		return
	}
	st := status(err)
	m.stepsExecuted.WithLabelValues(st).Inc()
	m.stepDuration.WithLabelValues(st).Observe(elapsed.Seconds())
}

// GoalFinished implements engine.Observer.
func (m *Metrics) GoalFinished(goalPath, state string, elapsed time.Duration) {
	if !m.enabled {
		return
	}
	m.goalsFinished.WithLabelValues(state).Inc()
	m.goalDuration.WithLabelValues(state).Observe(elapsed.Seconds())
}

// ObserveOperation matches capability.Observer.
func (m *Metrics) ObserveOperation(module, operation string, elapsed time.Duration, err error) {
	if !m.enabled {
		return
	}
	m.operationCalls.WithLabelValues(module, operation, status(err)).Inc()
	m.operationDuration.WithLabelValues(module, operation).Observe(elapsed.Seconds())
}

// ObserveBuild matches builder.Observer.
func (m *Metrics) ObserveBuild(module string, elapsed time.Duration, cached bool, err error) {
	if !m.enabled {
		return
	}
	result := "built"
	switch {
	case err != nil:
		result = "failed"
	case cached:
		result = "cached"
	}
	m.stepsBuilt.WithLabelValues(module, result).Inc()
	if !cached {
		m.buildDuration.Observe(elapsed.Seconds())
	}
}

// ObserveCache is the oracle cache lookup hook.
func (m *Metrics) ObserveCache(hit bool) {
	if !m.enabled {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObservePool samples pool usage.
func (m *Metrics) ObservePool(p PoolStats) {
	if !m.enabled || p == nil {
		return
	}
	idle, rented := p.Stats()
	m.poolInstances.WithLabelValues("idle").Set(float64(idle))
	m.poolInstances.WithLabelValues("rented").Set(float64(rented))
}

// Handler returns the HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	if !m.enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
