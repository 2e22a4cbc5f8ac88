package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the transfer and connection instrumentation. A nil
// *Metrics is valid and records nothing, so wiring metrics stays optional
// for library users.
type Metrics struct {
	uploadsInitiated *prometheus.CounterVec
	uploadsCompleted *prometheus.CounterVec
	uploadDuration   *prometheus.HistogramVec
	downloads        *prometheus.CounterVec
	downloadDuration prometheus.Histogram
	activeTransfers  prometheus.Gauge
	wsReconnects     prometheus.Counter
	wsMessages       *prometheus.CounterVec
}

// New creates the instrument set and registers it with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploadsInitiated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vaultclient",
				Subsystem: "upload",
				Name:      "initiated_total",
				Help:      "Upload sessions initiated, by server-chosen storage strategy.",
			},
			[]string{"strategy"},
		),
		uploadsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vaultclient",
				Subsystem: "upload",
				Name:      "completed_total",
				Help:      "Upload sessions finished, by strategy and outcome.",
			},
			[]string{"strategy", "status"},
		),
		uploadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "vaultclient",
				Subsystem: "upload",
				Name:      "duration_seconds",
				Help:      "Wall-clock upload duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"strategy"},
		),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vaultclient",
				Subsystem: "download",
				Name:      "completed_total",
				Help:      "Downloads finished, by outcome.",
			},
			[]string{"status"},
		),
		downloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "vaultclient",
				Subsystem: "download",
				Name:      "duration_seconds",
				Help:      "Wall-clock download duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		activeTransfers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "vaultclient",
				Name:      "active_transfers",
				Help:      "Transfers currently in flight.",
			},
		),
		wsReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "vaultclient",
				Subsystem: "realtime",
				Name:      "reconnects_total",
				Help:      "Reconnect attempts scheduled after a connection loss.",
			},
		),
		wsMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "vaultclient",
				Subsystem: "realtime",
				Name:      "messages_total",
				Help:      "Inbound realtime messages, by type discriminator.",
			},
			[]string{"type"},
		),
	}

	reg.MustRegister(
		m.uploadsInitiated,
		m.uploadsCompleted,
		m.uploadDuration,
		m.downloads,
		m.downloadDuration,
		m.activeTransfers,
		m.wsReconnects,
		m.wsMessages,
	)

	return m
}

// UploadInitiated records a new upload session.
func (m *Metrics) UploadInitiated(strategy string) {
	if m == nil {
		return
	}
	m.uploadsInitiated.WithLabelValues(strategy).Inc()
	m.activeTransfers.Inc()
}

// UploadCompleted records an upload outcome.
func (m *Metrics) UploadCompleted(strategy string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.uploadsCompleted.WithLabelValues(strategy, outcome(success)).Inc()
	m.uploadDuration.WithLabelValues(strategy).Observe(duration.Seconds())
	m.activeTransfers.Dec()
}

// DownloadStarted records a download entering flight.
func (m *Metrics) DownloadStarted() {
	if m == nil {
		return
	}
	m.activeTransfers.Inc()
}

// DownloadCompleted records a download outcome.
func (m *Metrics) DownloadCompleted(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(outcome(success)).Inc()
	m.downloadDuration.Observe(duration.Seconds())
	m.activeTransfers.Dec()
}

// ReconnectScheduled records a realtime reconnect attempt.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.wsReconnects.Inc()
}

// MessageReceived records an inbound realtime message by type.
func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.wsMessages.WithLabelValues(msgType).Inc()
}

func outcome(success bool) string {
	return strconv.FormatBool(success)
}
