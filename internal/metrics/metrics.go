// Package metrics exposes session lifecycle counters on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "workshop"

// Collector owns every metric the service records. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	admissions          *prometheus.CounterVec
	transitions         *prometheus.CounterVec
	provisionDuration   *prometheus.HistogramVec
	sweepDuration       prometheus.Histogram
	sweepErrors         prometheus.Counter
	staleTransitions    *prometheus.CounterVec
	rateLimitedRequests prometheus.Counter
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by outcome and scope",
		}, []string{"outcome", "scope"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Applied session status transitions",
		}, []string{"from", "to"}),
		provisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provision_duration_seconds",
			Help:      "Duration of provisioning calls",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expiration sweeper ticks",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Candidates the sweeper failed to transition",
		}),
		staleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_transitions_total",
			Help:      "Compare-and-set transitions lost to a concurrent writer",
		}, []string{"actor"}),
		rateLimitedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the per-owner rate limiter",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		c.admissions,
		c.transitions,
		c.provisionDuration,
		c.sweepDuration,
		c.sweepErrors,
		c.staleTransitions,
		c.rateLimitedRequests,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Admission(outcome, scope string) {
	if c == nil {
		return
	}
	c.admissions.WithLabelValues(outcome, scope).Inc()
}

func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) Provisioned(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.provisionDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (c *Collector) Sweep(d time.Duration, errs int) {
	if c == nil {
		return
	}
	c.sweepDuration.Observe(d.Seconds())
	c.sweepErrors.Add(float64(errs))
}

func (c *Collector) Stale(actor string) {
	if c == nil {
		return
	}
	c.staleTransitions.WithLabelValues(actor).Inc()
}

func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimitedRequests.Inc()
}
