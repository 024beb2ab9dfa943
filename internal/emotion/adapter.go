// Package emotion resolves the user's emotion for a turn from recorded audio,
// falling back to a keyword lexicon over the transcript.
package emotion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"companion/internal/domain"
	"companion/internal/metrics"
	"companion/internal/ports"
)

const healthyStatus = "healthy"

// Config controls audio inference timing and self-healing.
type Config struct {
	Timeout          time.Duration
	HealthTimeout    time.Duration
	FailureThreshold int
	ReprobeInterval  time.Duration
}

// Adapter implements ports.EmotionResolver.
type Adapter struct {
	classifier ports.EmotionClassifier
	keywords   *KeywordTable
	cfg        Config
	log        zerolog.Logger
	metrics    *metrics.Collector
	now        func() time.Time

	mu        sync.Mutex
	available bool
	failures  int
	lastProbe time.Time
	probing   bool
}

// NewAdapter builds an adapter. A nil classifier means text-only inference.
func NewAdapter(classifier ports.EmotionClassifier, keywords *KeywordTable, cfg Config, log zerolog.Logger, m *metrics.Collector) *Adapter {
	if keywords == nil {
		keywords = DefaultKeywordTable()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ReprobeInterval <= 0 {
		cfg.ReprobeInterval = time.Minute
	}
	return &Adapter{
		classifier: classifier,
		keywords:   keywords,
		cfg:        cfg,
		log:        log.With().Str("component", "emotion").Logger(),
		metrics:    m,
		now:        time.Now,
	}
}

// CheckHealth probes the classifier and enables audio inference when it reports healthy.
func (a *Adapter) CheckHealth(ctx context.Context) bool {
	if a.classifier == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.HealthTimeout)
	defer cancel()

	health, err := a.classifier.Health(ctx)
	healthy := err == nil && strings.EqualFold(strings.TrimSpace(health.Status), healthyStatus)

	a.mu.Lock()
	a.available = healthy
	a.lastProbe = a.now()
	if healthy {
		a.failures = 0
	}
	a.mu.Unlock()

	if err != nil {
		a.log.Warn().Err(err).Msg("emotion service health check failed, using text inference")
	} else if !healthy {
		a.log.Warn().Str("status", health.Status).Msg("emotion service not ready, using text inference")
	} else {
		a.log.Info().Msg("audio emotion inference enabled")
	}
	return healthy
}

// AudioAvailable reports whether audio inference is currently enabled.
func (a *Adapter) AudioAvailable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available
}

// InferFromAudio classifies clip. The request deadline and an independent timer
// race; whichever fires first ends the attempt. ok is false on any failure.
func (a *Adapter) InferFromAudio(ctx context.Context, clip domain.AudioClip) (domain.EmotionSignal, bool) {
	if a.classifier == nil {
		return domain.EmotionSignal{}, false
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	type outcome struct {
		signal domain.EmotionSignal
		err    error
	}
	results := make(chan outcome, 1)
	go func() {
		signal, err := a.classifier.Classify(reqCtx, clip)
		results <- outcome{signal: signal, err: err}
	}()

	timer := time.NewTimer(a.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			a.log.Debug().Err(res.err).Msg("audio emotion inference failed")
			return domain.EmotionSignal{}, false
		}
		signal := res.signal
		signal.Source = domain.EmotionSourceAudio
		return signal.Normalize(), true
	case <-timer.C:
		a.log.Debug().Dur("timeout", a.cfg.Timeout).Msg("audio emotion inference timed out")
		return domain.EmotionSignal{}, false
	case <-ctx.Done():
		return domain.EmotionSignal{}, false
	}
}

// InferFromText is a pure function of text.
func (a *Adapter) InferFromText(text string) domain.EmotionSignal {
	return a.keywords.Classify(text)
}

// Resolve always returns a valid signal.
func (a *Adapter) Resolve(ctx context.Context, utterance domain.CapturedUtterance) domain.EmotionSignal {
	signal := a.resolve(ctx, utterance)
	a.metrics.RecordEmotion(string(signal.Source), string(signal.Label))
	return signal
}

func (a *Adapter) resolve(ctx context.Context, utterance domain.CapturedUtterance) domain.EmotionSignal {
	if utterance.Audio != nil && a.AudioAvailable() {
		if signal, ok := a.InferFromAudio(ctx, *utterance.Audio); ok {
			a.recordSuccess()
			return signal
		}
		if ctx.Err() != nil {
			return domain.NeutralSignal()
		}
		a.recordFailure()
	} else if utterance.Audio == nil && utterance.AudioErr != nil {
		a.log.Debug().Err(utterance.AudioErr).Msg("no audio for utterance, using text inference")
	}

	a.maybeReprobe()
	return a.InferFromText(utterance.Text)
}

func (a *Adapter) recordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = 0
}

func (a *Adapter) recordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
	if a.failures >= a.cfg.FailureThreshold && a.available {
		a.available = false
		a.lastProbe = a.now()
		a.log.Warn().Int("failures", a.failures).Msg("audio emotion inference disabled after repeated failures")
	}
}

func (a *Adapter) maybeReprobe() {
	if a.classifier == nil {
		return
	}

	a.mu.Lock()
	due := !a.available && !a.probing && a.now().Sub(a.lastProbe) >= a.cfg.ReprobeInterval
	if due {
		a.probing = true
	}
	a.mu.Unlock()
	if !due {
		return
	}

	go func() {
		defer func() {
			a.mu.Lock()
			a.probing = false
			a.mu.Unlock()
		}()
		a.CheckHealth(context.Background())
	}()
}

// ErrNoClassifier is returned by Probe when audio inference is not configured.
var ErrNoClassifier = errors.New("no emotion classifier configured")

// Probe reports the classifier's raw health status.
func (a *Adapter) Probe(ctx context.Context) (ports.EmotionHealth, error) {
	if a.classifier == nil {
		return ports.EmotionHealth{}, ErrNoClassifier
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.HealthTimeout)
	defer cancel()
	return a.classifier.Health(ctx)
}

var _ ports.EmotionResolver = (*Adapter)(nil)
