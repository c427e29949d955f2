// ============================================================================
// Beaver-Pipeline Metrics Collector
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Prometheus instruments for pipeline runs, job attempts and canary rollouts.
// Every Record/Set method is safe on a nil *Collector so components can take
// an optional collector without guarding each call.
//
// Exposed metrics:
//   beaver_pipeline_runs_total{state}
//   beaver_pipeline_run_duration_seconds
//   beaver_job_attempts_total{job,outcome}
//   beaver_job_attempt_duration_seconds
//   beaver_job_retries_total{job}
//   beaver_job_terminal_total{state}
//   beaver_jobs_in_flight / beaver_jobs_ready
//   beaver_canary_weight{job}
//   beaver_canary_decisions_total{decision}
//   beaver_notifications_failed_total
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every beaver instrument.
type Collector struct {
	pipelineRuns     *prometheus.CounterVec
	pipelineDuration prometheus.Histogram

	jobAttempts     *prometheus.CounterVec
	attemptDuration prometheus.Histogram
	jobRetries      *prometheus.CounterVec
	jobTerminal     *prometheus.CounterVec

	jobsInFlight prometheus.Gauge
	jobsReady    prometheus.Gauge

	canaryWeight    *prometheus.GaugeVec
	canaryDecisions *prometheus.CounterVec

	notifyFailures prometheus.Counter
}

// NewCollector creates the instruments and registers them on reg.
// A nil reg registers on prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_pipeline_runs_total",
			Help: "Total number of finished pipeline runs by final state",
		}, []string{"state"}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beaver_pipeline_run_duration_seconds",
			Help:    "Wall-clock duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		jobAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_job_attempts_total",
			Help: "Total number of job attempts by outcome",
		}, []string{"job", "outcome"}),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beaver_job_attempt_duration_seconds",
			Help:    "Duration of single job attempts",
			Buckets: prometheus.DefBuckets,
		}),
		jobRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_job_retries_total",
			Help: "Total number of retries scheduled per job",
		}, []string{"job"}),
		jobTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_job_terminal_total",
			Help: "Total number of job runs reaching a terminal state",
		}, []string{"state"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beaver_jobs_in_flight",
			Help: "Current number of running job attempts",
		}),
		jobsReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beaver_jobs_ready",
			Help: "Current number of ready jobs waiting for a concurrency slot",
		}),
		canaryWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beaver_canary_weight",
			Help: "Current canary traffic weight in percent",
		}, []string{"job"}),
		canaryDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_canary_decisions_total",
			Help: "Total number of health gate decisions",
		}, []string{"decision"}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaver_notifications_failed_total",
			Help: "Total number of notifications the sink failed to deliver",
		}),
	}

	reg.MustRegister(
		c.pipelineRuns, c.pipelineDuration,
		c.jobAttempts, c.attemptDuration, c.jobRetries, c.jobTerminal,
		c.jobsInFlight, c.jobsReady,
		c.canaryWeight, c.canaryDecisions,
		c.notifyFailures,
	)
	return c
}

func (c *Collector) RecordPipelineRun(state string, d time.Duration) {
	if c == nil {
		return
	}
	c.pipelineRuns.WithLabelValues(state).Inc()
	c.pipelineDuration.Observe(d.Seconds())
}

// RecordAttempt records one finished attempt; outcome is "succeeded" or an
// error kind such as "timeout".
func (c *Collector) RecordAttempt(job, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobAttempts.WithLabelValues(job, outcome).Inc()
	c.attemptDuration.Observe(d.Seconds())
}

func (c *Collector) RecordRetry(job string) {
	if c == nil {
		return
	}
	c.jobRetries.WithLabelValues(job).Inc()
}

func (c *Collector) RecordTerminal(state string) {
	if c == nil {
		return
	}
	c.jobTerminal.WithLabelValues(state).Inc()
}

func (c *Collector) UpdateSchedulerStats(ready, inFlight int) {
	if c == nil {
		return
	}
	c.jobsReady.Set(float64(ready))
	c.jobsInFlight.Set(float64(inFlight))
}

func (c *Collector) SetCanaryWeight(job string, canary int) {
	if c == nil {
		return
	}
	c.canaryWeight.WithLabelValues(job).Set(float64(canary))
}

func (c *Collector) RecordDecision(decision string) {
	if c == nil {
		return
	}
	c.canaryDecisions.WithLabelValues(decision).Inc()
}

func (c *Collector) RecordNotifyFailure() {
	if c == nil {
		return
	}
	c.notifyFailures.Inc()
}

// Server serves /metrics for a gatherer.
type Server struct {
	srv *http.Server
}

// NewServer builds a metrics HTTP server on the given port.
// A nil gatherer serves prometheus.DefaultGatherer.
func NewServer(port int, g prometheus.Gatherer) *Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the server's handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }
