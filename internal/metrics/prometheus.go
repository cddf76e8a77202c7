package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	tierLabel = "tier"
	opLabel   = "op"
)

// latencyBuckets are in milliseconds: 0.05ms up to ~3.3s.
var latencyBuckets = prometheus.ExponentialBuckets(0.05, 2, 17)

// Prometheus records metrics as Prometheus collectors.
type Prometheus struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	errors        *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

var _ MetricsRecorder = (*Prometheus)(nil)

// NewPrometheus builds the collectors under namespace and registers them
// with reg. A nil reg uses prometheus.DefaultRegisterer. Collectors that are
// already registered are reused, so two stores may share one registry.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "stash"
	}
	p := &Prometheus{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hits_total",
			Help:      "cache hits per tier",
		}, []string{tierLabel}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "misses_total",
			Help:      "cache misses per tier",
		}, []string{tierLabel}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "tier errors per operation",
		}, []string{tierLabel, opLabel}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_total",
			Help:      "invalidation messages applied from other nodes",
		}, []string{opLabel}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "op_duration_ms",
			Help:      "store operation latency in milliseconds",
			Buckets:   latencyBuckets,
		}, []string{opLabel}),
	}
	var err error
	if p.hits, err = register(reg, p.hits); err != nil {
		return nil, err
	}
	if p.misses, err = register(reg, p.misses); err != nil {
		return nil, err
	}
	if p.errors, err = register(reg, p.errors); err != nil {
		return nil, err
	}
	if p.invalidations, err = register(reg, p.invalidations); err != nil {
		return nil, err
	}
	if p.latency, err = register(reg, p.latency); err != nil {
		return nil, err
	}
	return p, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (p *Prometheus) RecordHit(tier string)  { p.hits.WithLabelValues(tier).Inc() }
func (p *Prometheus) RecordMiss(tier string) { p.misses.WithLabelValues(tier).Inc() }

func (p *Prometheus) RecordLatency(op string, d time.Duration) {
	p.latency.WithLabelValues(op).Observe(float64(d) / float64(time.Millisecond))
}

func (p *Prometheus) RecordError(tier, op string) { p.errors.WithLabelValues(tier, op).Inc() }

func (p *Prometheus) RecordInvalidation(op string) { p.invalidations.WithLabelValues(op).Inc() }
