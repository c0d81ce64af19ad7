// Package metrics holds the Prometheus collectors for the kiosk engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ConnectsTotal *prometheus.CounterVec
	SessionState  *prometheus.GaugeVec

	// Audio metrics
	AudioFramesTotal  *prometheus.CounterVec
	PlaybackScheduled prometheus.Counter
	BargeInsTotal     *prometheus.CounterVec
	ResponseLatency   prometheus.Histogram

	// Tool and form metrics
	ToolCallsTotal       *prometheus.CounterVec
	GatingRefusalsTotal  *prometheus.CounterVec
	ObserverDroppedTotal prometheus.Counter

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	EventStreams    prometheus.Gauge
}

// New registers every collector on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_kiosk"
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ConnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connects_total",
				Help:      "Connect attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		SessionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "1 for the current session state, 0 otherwise",
			},
			[]string{"state"},
		),
		AudioFramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audio_frames_total",
				Help:      "Outbound microphone frames by result",
			},
			[]string{"result"},
		),
		PlaybackScheduled: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "playback_buffers_scheduled_total",
				Help:      "Model audio buffers placed on the playback timeline",
			},
		),
		BargeInsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "barge_ins_total",
				Help:      "Playback flushes by trigger",
			},
			[]string{"trigger"},
		),
		ResponseLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "response_latency_seconds",
				Help:      "Time from user speech stop to first model audio",
				Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5},
			},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool calls by name and outcome",
			},
			[]string{"tool", "outcome"},
		),
		GatingRefusalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gating_refusals_total",
				Help:      "Refused step transitions by target step",
			},
			[]string{"target"},
		),
		ObserverDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "observer_events_dropped_total",
				Help:      "Observer events dropped because a subscriber was slow",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		EventStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "event_streams_active",
				Help:      "Open UI event stream connections",
			},
		),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnect records the outcome of a connect attempt.
func (m *Metrics) RecordConnect(provider, outcome string) {
	if m == nil {
		return
	}
	m.ConnectsTotal.WithLabelValues(provider, outcome).Inc()
}

// SetState marks state as current and clears the others.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// RecordAudioFrame records an outbound frame as "sent", "dropped" or "skipped".
func (m *Metrics) RecordAudioFrame(result string) {
	if m == nil {
		return
	}
	m.AudioFramesTotal.WithLabelValues(result).Inc()
}

// RecordPlayback records a scheduled playback buffer.
func (m *Metrics) RecordPlayback() {
	if m == nil {
		return
	}
	m.PlaybackScheduled.Inc()
}

// RecordBargeIn records a playback flush.
func (m *Metrics) RecordBargeIn(trigger string) {
	if m == nil {
		return
	}
	m.BargeInsTotal.WithLabelValues(trigger).Inc()
}

// ObserveResponseLatency records speech-stop to first-audio latency.
func (m *Metrics) ObserveResponseLatency(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.ResponseLatency.Observe(d.Seconds())
}

// RecordToolCall records a dispatched tool call.
func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// RecordGatingRefusal records a refused step transition.
func (m *Metrics) RecordGatingRefusal(target string) {
	if m == nil {
		return
	}
	m.GatingRefusalsTotal.WithLabelValues(target).Inc()
}

// RecordObserverDrop records an event not delivered to a slow subscriber.
func (m *Metrics) RecordObserverDrop() {
	if m == nil {
		return
	}
	m.ObserverDroppedTotal.Inc()
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// StreamOpened increments the open event stream gauge.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.EventStreams.Inc()
}

// StreamClosed decrements the open event stream gauge.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.EventStreams.Dec()
}
