// SPDX-License-Identifier:Apache-2.0

package streaming

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flagsync/flagsync/internal/metrics"
)

var labels = []string{"endpoint"}

var stats = streamMetrics{
	connectionUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: metrics.StreamingSubsystem,
		Name:      metrics.ConnectionUp.Name,
		Help:      metrics.ConnectionUp.Help,
	}, labels),

	connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: metrics.StreamingSubsystem,
		Name:      metrics.ConnectAttempts.Name,
		Help:      metrics.ConnectAttempts.Help,
	}, labels),

	messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: metrics.StreamingSubsystem,
		Name:      metrics.MessagesReceived.Name,
		Help:      metrics.MessagesReceived.Help,
	}, append(labels, "type")),

	applyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: metrics.StreamingSubsystem,
		Name:      metrics.ApplyFailures.Name,
		Help:      metrics.ApplyFailures.Help,
	}, labels),

	reconnectDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metrics.Namespace,
		Subsystem: metrics.StreamingSubsystem,
		Name:      metrics.ReconnectDelay.Name,
		Help:      metrics.ReconnectDelay.Help,
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
	}, labels),
}

type streamMetrics struct {
	connectionUp     *prometheus.GaugeVec
	connectAttempts  *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	applyFailures    *prometheus.CounterVec
	reconnectDelay   *prometheus.HistogramVec
}

func init() {
	prometheus.MustRegister(stats.connectionUp)
	prometheus.MustRegister(stats.connectAttempts)
	prometheus.MustRegister(stats.messagesReceived)
	prometheus.MustRegister(stats.applyFailures)
	prometheus.MustRegister(stats.reconnectDelay)
}

func (m *streamMetrics) NewEndpoint(endpoint string) {
	m.connectionUp.WithLabelValues(endpoint).Set(0)
	m.connectAttempts.WithLabelValues(endpoint).Add(0)
	m.applyFailures.WithLabelValues(endpoint).Add(0)
}

func (m *streamMetrics) ConnectAttempt(endpoint string) {
	m.connectAttempts.WithLabelValues(endpoint).Inc()
}

func (m *streamMetrics) ConnectionUp(endpoint string) {
	m.connectionUp.WithLabelValues(endpoint).Set(1)
}

func (m *streamMetrics) ConnectionDown(endpoint string) {
	m.connectionUp.WithLabelValues(endpoint).Set(0)
}

// messageLabel keeps the type label to known values, whatever the
// service sends.
func messageLabel(typ string) string {
	switch typ {
	case msgPing, msgDataSync:
		return typ
	}
	return "unknown"
}

func (m *streamMetrics) MessageReceived(endpoint, typ string) {
	m.messagesReceived.WithLabelValues(endpoint, typ).Inc()
}

func (m *streamMetrics) ApplyFailure(endpoint string) {
	m.applyFailures.WithLabelValues(endpoint).Inc()
}

func (m *streamMetrics) ReconnectDelay(endpoint string, d time.Duration) {
	m.reconnectDelay.WithLabelValues(endpoint).Observe(d.Seconds())
}
