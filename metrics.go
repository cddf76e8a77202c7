package stash

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AndrewDonelson/stash/internal/metrics"
)

// NewPrometheusMetrics returns a MetricsRecorder that registers its
// collectors on reg (the default registerer when nil) under namespace
// ("stash" when empty).
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) (MetricsRecorder, error) {
	p, err := metrics.NewPrometheus(reg, namespace)
	if err != nil {
		return nil, err
	}
	return p, nil
}
