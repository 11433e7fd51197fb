// Package metrics exposes Prometheus instrumentation for capture, streaming
// and transcript reconciliation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Frame drop reasons.
const (
	DropPaused      = "paused"
	DropLinkNotOpen = "link_not_open"
	DropWriteError  = "write_error"
	DropOverflow    = "overflow"
	// DropEncoder counts frames left out of the playback recording.
	DropEncoder = "playback_encoder"
)

// Metrics contains all Prometheus metrics for the recorder.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Capture metrics
	FramesCaptured prometheus.Counter
	FramesDropped  *prometheus.CounterVec

	// Link metrics
	FramesSent      prometheus.Counter
	BytesSent       prometheus.Counter
	LinkTransitions *prometheus.CounterVec
	ConnectDuration prometheus.Histogram

	// Transcript metrics
	TranscriptEvents *prometheus.CounterVec
	CommittedChars   prometheus.Gauge

	// Session metrics
	SessionsStarted prometheus.Counter
	ActiveSessions  prometheus.Gauge
	SessionDuration prometheus.Histogram
	SessionElapsed  prometheus.Gauge
}

// New creates all metrics on a private registry, so that several instances
// can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_frames_captured_total",
			Help: "Total number of PCM frames handed from capture to the session",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_frames_dropped_total",
			Help: "Total number of PCM frames dropped, by reason",
		}, []string{"reason"}),

		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_frames_sent_total",
			Help: "Total number of PCM frames written to the transcription service",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_bytes_sent_total",
			Help: "Total number of audio bytes written to the transcription service",
		}),
		LinkTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_link_transitions_total",
			Help: "Transcription link state transitions by target state",
		}, []string{"state"}),
		ConnectDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_link_connect_duration_seconds",
			Help:    "Time from dial until the service reports connected",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		TranscriptEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_transcript_events_total",
			Help: "Inbound transcription events by kind",
		}, []string{"kind"}),
		CommittedChars: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_committed_transcript_chars",
			Help: "Length of the committed transcript of the current session",
		}),

		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_active_sessions",
			Help: "Recording sessions currently holding the capture device",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_session_active_seconds",
			Help:    "Active (unpaused) recording time per session",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		SessionElapsed: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_session_elapsed_seconds",
			Help: "Active recording time of the current session, updated every second",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) FrameCaptured() {
	if m != nil {
		m.FramesCaptured.Inc()
	}
}

func (m *Metrics) FrameDropped(reason string) {
	if m != nil {
		m.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) FramesOverflowed(n uint64) {
	if m != nil && n > 0 {
		m.FramesDropped.WithLabelValues(DropOverflow).Add(float64(n))
	}
}

func (m *Metrics) EncoderDropped(n uint64) {
	if m != nil && n > 0 {
		m.FramesDropped.WithLabelValues(DropEncoder).Add(float64(n))
	}
}

func (m *Metrics) FrameSent(n int) {
	if m != nil {
		m.FramesSent.Inc()
		m.BytesSent.Add(float64(n))
	}
}

func (m *Metrics) LinkTransition(state string) {
	if m != nil {
		m.LinkTransitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) Connected(seconds float64) {
	if m != nil {
		m.ConnectDuration.Observe(seconds)
	}
}

func (m *Metrics) TranscriptEvent(kind string) {
	if m != nil {
		m.TranscriptEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Committed(chars int) {
	if m != nil {
		m.CommittedChars.Set(float64(chars))
	}
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.SessionsStarted.Inc()
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) Elapsed(seconds float64) {
	if m != nil {
		m.SessionElapsed.Set(seconds)
	}
}

func (m *Metrics) SessionEnded(activeSeconds float64) {
	if m != nil {
		m.ActiveSessions.Dec()
		m.SessionDuration.Observe(activeSeconds)
	}
}
