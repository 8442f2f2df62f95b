// Package metrics builds the process Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewRegistry returns a registry with runtime collectors and a build info gauge.
// Module metrics register against it through their NewMetrics constructors.
func NewRegistry(version, env string) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name:        "carevault_build_info",
		Help:        "Build information, always 1.",
		ConstLabels: prometheus.Labels{"version": version, "env": env},
	}).Set(1)
	return reg
}
