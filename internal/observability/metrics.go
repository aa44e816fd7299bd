// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "framehost"

// Metrics records plugin channel activity in Prometheus. It satisfies the
// channel's Metrics interface.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	DroppedTotal       *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	QueueDepthGauge    *prometheus.GaugeVec
}

// NewMetrics creates and registers the plugin metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_requests_total",
				Help:      "Total number of host-to-plugin requests by plugin and status",
			},
			[]string{"plugin", "status"},
		),
		DroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_messages_dropped_total",
				Help:      "Total number of inbound plugin messages dropped by reason",
			},
			[]string{"plugin", "reason"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_notifications_total",
				Help:      "Total number of notifications received from plugins by key",
			},
			[]string{"plugin", "key"},
		),
		QueueDepthGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugin_queue_depth",
				Help:      "Requests waiting in a plugin's outbound queue, including the one in flight",
			},
			[]string{"plugin"},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.DroppedTotal, m.NotificationsTotal, m.QueueDepthGauge)
	return m
}

// RequestCompleted counts a finished request.
func (m *Metrics) RequestCompleted(plugin, status string) {
	m.RequestsTotal.WithLabelValues(plugin, status).Inc()
}

// MessageDropped counts an inbound message that was not handled.
func (m *Metrics) MessageDropped(plugin, reason string) {
	m.DroppedTotal.WithLabelValues(plugin, reason).Inc()
}

// NotificationReceived counts a notification emitted by a plugin.
func (m *Metrics) NotificationReceived(plugin, key string) {
	m.NotificationsTotal.WithLabelValues(plugin, key).Inc()
}

// QueueDepth sets the current queue depth for a plugin.
func (m *Metrics) QueueDepth(plugin string, depth int) {
	m.QueueDepthGauge.WithLabelValues(plugin).Set(float64(depth))
}
