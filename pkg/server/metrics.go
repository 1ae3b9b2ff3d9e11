package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsRegistered   prometheus.Counter
	sessionsDeregistered prometheus.Counter
	loginsRejected       prometheus.Counter

	// Message metrics
	messagesReceived  *prometheus.CounterVec // by envelope type
	messagesDelivered *prometheus.CounterVec // by envelope type
	broadcastFanout   *prometheus.HistogramVec

	// File transfer metrics
	uploadBytes   prometheus.Counter
	downloadBytes prometheus.Counter
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sealchat_active_sessions",
				Help: "Number of currently registered sessions",
			},
		),
		sessionsRegistered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sealchat_sessions_registered_total",
				Help: "Total number of successful logins",
			},
		),
		sessionsDeregistered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sealchat_sessions_deregistered_total",
				Help: "Total number of session teardowns",
			},
		),
		loginsRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sealchat_logins_rejected_total",
				Help: "Total number of logins rejected for duplicate usernames",
			},
		),
		messagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealchat_messages_received_total",
				Help: "Messages received from clients, by envelope type",
			},
			[]string{"type"},
		),
		messagesDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sealchat_messages_delivered_total",
				Help: "Messages delivered to clients, by envelope type",
			},
			[]string{"type"},
		),
		broadcastFanout: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sealchat_broadcast_fanout",
				Help:    "Number of clients that received each broadcast",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"type"},
		),
		uploadBytes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sealchat_upload_bytes_total",
				Help: "Total decoded bytes accepted into the file store",
			},
		),
		downloadBytes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sealchat_download_bytes_total",
				Help: "Total decoded bytes served from the file store",
			},
		),
	}
}

// RecordActiveSessions sets the active session gauge
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionRegistered increments the login counter
func (m *Metrics) RecordSessionRegistered() {
	m.sessionsRegistered.Inc()
}

// RecordSessionDeregistered increments the teardown counter
func (m *Metrics) RecordSessionDeregistered() {
	m.sessionsDeregistered.Inc()
}

// RecordLoginRejected increments the duplicate-username counter
func (m *Metrics) RecordLoginRejected() {
	m.loginsRejected.Inc()
}

// RecordMessageReceived counts one inbound envelope
func (m *Metrics) RecordMessageReceived(envType string) {
	m.messagesReceived.WithLabelValues(envType).Inc()
}

// RecordMessageDelivered counts one envelope delivered to a single client
func (m *Metrics) RecordMessageDelivered(envType string) {
	m.messagesDelivered.WithLabelValues(envType).Inc()
}

// RecordBroadcast records a fan-out: the delivered count feeds the fanout
// histogram and the per-type delivery counter
func (m *Metrics) RecordBroadcast(envType string, delivered int) {
	m.broadcastFanout.WithLabelValues(envType).Observe(float64(delivered))
	m.messagesDelivered.WithLabelValues(envType).Add(float64(delivered))
}

// RecordUploadBytes counts decoded bytes written to the file store
func (m *Metrics) RecordUploadBytes(n int) {
	m.uploadBytes.Add(float64(n))
}

// RecordDownloadBytes counts decoded bytes read from the file store
func (m *Metrics) RecordDownloadBytes(n int) {
	m.downloadBytes.Add(float64(n))
}
