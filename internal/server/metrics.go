package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	registry     *prometheus.Registry
	connections  prometheus.Gauge
	messages     *prometheus.CounterVec
	rateLimited  prometheus.Counter
	authFailures prometheus.Counter
	pushes       prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}
	m.connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "a2a",
		Name:      "connections",
		Help:      "Currently open WebSocket connections.",
	})
	m.messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "a2a",
		Name:      "messages_total",
		Help:      "Inbound JSON-RPC requests by method.",
	}, []string{"method"})
	m.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "a2a",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-connection rate limiter.",
	})
	m.authFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "a2a",
		Name:      "auth_failures_total",
		Help:      "Failed handshake attempts.",
	})
	m.pushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "a2a",
		Name:      "notifications_pushed_total",
		Help:      "Unsolicited notifications written to agent sockets.",
	})
	m.registry.MustRegister(m.connections, m.messages, m.rateLimited, m.authFailures, m.pushes)
	return m
}
