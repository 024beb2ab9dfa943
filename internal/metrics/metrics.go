// Package metrics exposes turn-taking counters on a private Prometheus registry.
// Every method is safe to call on a nil *Collector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "companion"

// Collector holds all Prometheus metrics for the companion runtime.
type Collector struct {
	registry *prometheus.Registry

	StateTransitions   *prometheus.CounterVec
	TurnsTotal         *prometheus.CounterVec
	TranscriptsDiscard prometheus.Counter
	CaptureRestarts    *prometheus.CounterVec
	EmotionResolutions *prometheus.CounterVec
	CompletionAttempts *prometheus.CounterVec
	CompletionDuration prometheus.Histogram
	PlaybackItems      *prometheus.CounterVec
	Speaking           prometheus.Gauge
	Capturing          prometheus.Gauge
}

// New creates a Collector with all metrics registered.
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Turn state transitions",
		}, []string{"from", "to"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by outcome",
		}, []string{"outcome"}),
		TranscriptsDiscard: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_discarded_total",
			Help:      "Final transcripts dropped for low confidence",
		}),
		CaptureRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_restarts_total",
			Help:      "Capture restarts by reason",
		}, []string{"reason"}),
		EmotionResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emotion_resolutions_total",
			Help:      "Resolved emotions by source and label",
		}, []string{"source", "label"}),
		CompletionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_attempts_total",
			Help:      "Completion requests by outcome",
		}, []string{"outcome"}),
		CompletionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "Wall time of one Complete call including retries",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}),
		PlaybackItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_items_total",
			Help:      "Spoken utterance units by outcome",
		}, []string{"outcome"}),
		Speaking: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "speaking",
			Help:      "1 while playback is active",
		}),
		Capturing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capturing",
			Help:      "1 while the microphone is live",
		}),
	}

	registry.MustRegister(
		c.StateTransitions,
		c.TurnsTotal,
		c.TranscriptsDiscard,
		c.CaptureRestarts,
		c.EmotionResolutions,
		c.CompletionAttempts,
		c.CompletionDuration,
		c.PlaybackItems,
		c.Speaking,
		c.Capturing,
	)
	return c
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.StateTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) RecordTurn(outcome string) {
	if c == nil {
		return
	}
	c.TurnsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordDiscardedTranscript() {
	if c == nil {
		return
	}
	c.TranscriptsDiscard.Inc()
}

func (c *Collector) RecordCaptureRestart(reason string) {
	if c == nil {
		return
	}
	c.CaptureRestarts.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordEmotion(source, label string) {
	if c == nil {
		return
	}
	c.EmotionResolutions.WithLabelValues(source, label).Inc()
}

func (c *Collector) RecordCompletionAttempt(outcome string) {
	if c == nil {
		return
	}
	c.CompletionAttempts.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordCompletionDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.CompletionDuration.Observe(d.Seconds())
}

func (c *Collector) RecordPlaybackItem(outcome string) {
	if c == nil {
		return
	}
	c.PlaybackItems.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetSpeaking(on bool) {
	if c == nil {
		return
	}
	c.Speaking.Set(boolGauge(on))
}

func (c *Collector) SetCapturing(on bool) {
	if c == nil {
		return
	}
	c.Capturing.Set(boolGauge(on))
}

func boolGauge(on bool) float64 {
	if on {
		return 1
	}
	return 0
}
