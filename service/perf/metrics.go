// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package perf

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsSubSystemHub = "hub"
	metricsSubSystemWS  = "ws"
)

type Metrics struct {
	registry *prometheus.Registry

	WSConnections     prometheus.Gauge
	WSMessageCounters *prometheus.CounterVec

	HubPeers          prometheus.Gauge
	HubPairs          prometheus.Gauge
	HubMatchCounters  *prometheus.CounterVec
	HubResumeCounters *prometheus.CounterVec
	HubDropCounters   *prometheus.CounterVec
}

// NewMetrics creates the hub metrics. A nil registry gets a private one
// carrying process and Go runtime collectors.
func NewMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	var m Metrics

	if registry != nil {
		m.registry = registry
	} else {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: namespace,
		}))
		m.registry.MustRegister(collectors.NewGoCollector())
	}

	m.WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemWS,
			Name:      "connections_total",
			Help:      "Total number of active WebSocket connections",
		},
	)
	m.registry.MustRegister(m.WSConnections)

	m.WSMessageCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemWS,
			Name:      "messages_total",
			Help:      "Total number of sent/received signaling messages",
		},
		[]string{"type", "direction"},
	)
	m.registry.MustRegister(m.WSMessageCounters)

	m.HubPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemHub,
			Name:      "peers_total",
			Help:      "Total number of known peers, including those in reconnect grace",
		},
	)
	m.registry.MustRegister(m.HubPeers)

	m.HubPairs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemHub,
			Name:      "pairs_total",
			Help:      "Total number of peer pairs currently in a call",
		},
	)
	m.registry.MustRegister(m.HubPairs)

	m.HubMatchCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemHub,
			Name:      "match_requests_total",
			Help:      "Total number of match requests by result",
		},
		[]string{"result"},
	)
	m.registry.MustRegister(m.HubMatchCounters)

	m.HubResumeCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemHub,
			Name:      "resumes_total",
			Help:      "Total number of connection resume attempts by result",
		},
		[]string{"result"},
	)
	m.registry.MustRegister(m.HubResumeCounters)

	m.HubDropCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemHub,
			Name:      "dropped_messages_total",
			Help:      "Total number of signaling messages the hub could not route",
		},
		[]string{"reason"},
	)
	m.registry.MustRegister(m.HubDropCounters)

	return &m
}

func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

func (m *Metrics) IncWSMessages(msgType, direction string) {
	m.WSMessageCounters.With(prometheus.Labels{"type": msgType, "direction": direction}).Inc()
}

func (m *Metrics) SetHubPeers(n int) {
	m.HubPeers.Set(float64(n))
}

func (m *Metrics) SetHubPairs(n int) {
	m.HubPairs.Set(float64(n))
}

func (m *Metrics) IncMatchRequests(result string) {
	m.HubMatchCounters.With(prometheus.Labels{"result": result}).Inc()
}

func (m *Metrics) IncResumes(result string) {
	m.HubResumeCounters.With(prometheus.Labels{"result": result}).Inc()
}

func (m *Metrics) IncDroppedMessages(reason string) {
	m.HubDropCounters.With(prometheus.Labels{"reason": reason}).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
