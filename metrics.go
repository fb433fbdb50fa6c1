package bnc

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	downstreams                prometheus.Gauge
	upstreams                  prometheus.Gauge
	upstreamConnectErrorsTotal prometheus.Counter
	linesRoutedTotal           prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.downstreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bnc_downstreams",
		Help: "Current number of downstream client connections",
	})
	m.upstreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bnc_upstreams",
		Help: "Current number of upstream network connections",
	})
	m.upstreamConnectErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bnc_upstream_connect_errors_total",
		Help: "Total number of failed upstream connection attempts",
	})
	m.linesRoutedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bnc_lines_routed_total",
		Help: "Total number of IRC lines routed between connections",
	})

	m.registry.MustRegister(
		m.downstreams,
		m.upstreams,
		m.upstreamConnectErrorsTotal,
		m.linesRoutedTotal,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
