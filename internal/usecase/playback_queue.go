package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"companion/internal/metrics"
	"companion/internal/ports"
)

var (
	// ErrNothingToSay means the reply produced no speakable units.
	ErrNothingToSay = errors.New("reply has no speakable units")
	// ErrPlaybackBusy means a previous reply is still being spoken.
	ErrPlaybackBusy = errors.New("playback already in progress")
)

// PlaybackListener is told when a reply has been spoken in full.
type PlaybackListener interface {
	PlaybackDrained(replyID uint64)
}

// PlaybackConfig controls pacing between spoken units.
type PlaybackConfig struct {
	ItemGap time.Duration
}

// PlaybackQueue speaks one reply at a time, unit by unit, in order.
type PlaybackQueue struct {
	synth   ports.Synthesizer
	cfg     PlaybackConfig
	log     zerolog.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	speaking bool
	pending  []string
	replyID  uint64
	cancel   context.CancelFunc
	listener PlaybackListener
}

func NewPlaybackQueue(synth ports.Synthesizer, cfg PlaybackConfig, log zerolog.Logger, m *metrics.Collector) *PlaybackQueue {
	if cfg.ItemGap < 0 {
		cfg.ItemGap = 0
	}
	return &PlaybackQueue{
		synth:   synth,
		cfg:     cfg,
		log:     log.With().Str("component", "playback").Logger(),
		metrics: m,
	}
}

// EnqueueReply queues every unit of text. Speaking is true when it returns nil.
func (q *PlaybackQueue) EnqueueReply(text string, listener PlaybackListener) (uint64, int, error) {
	units := SplitUtterances(text)
	if len(units) == 0 {
		return 0, 0, ErrNothingToSay
	}

	q.mu.Lock()
	if q.speaking {
		q.mu.Unlock()
		return 0, 0, ErrPlaybackBusy
	}
	q.replyID++
	replyID := q.replyID
	ctx, cancel := context.WithCancel(context.Background())
	q.speaking = true
	q.pending = units
	q.cancel = cancel
	q.listener = listener
	q.mu.Unlock()

	q.metrics.SetSpeaking(true)
	go q.run(ctx, replyID)
	return replyID, len(units), nil
}

// CancelAll drops pending units, interrupts the current one, and suppresses
// the drain notification.
func (q *PlaybackQueue) CancelAll() {
	q.mu.Lock()
	wasSpeaking := q.speaking
	q.pending = nil
	q.speaking = false
	q.listener = nil
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.mu.Unlock()

	if wasSpeaking {
		q.metrics.SetSpeaking(false)
		q.log.Debug().Msg("playback cancelled")
	}
}

// Speaking reports the speaking signal.
func (q *PlaybackQueue) Speaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

// Pending reports units not yet started.
func (q *PlaybackQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *PlaybackQueue) next(replyID uint64) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.replyID != replyID || len(q.pending) == 0 {
		return "", false
	}
	unit := q.pending[0]
	q.pending = q.pending[1:]
	return unit, true
}

func (q *PlaybackQueue) run(ctx context.Context, replyID uint64) {
	first := true
	for {
		unit, ok := q.next(replyID)
		if !ok {
			break
		}
		if !first && q.cfg.ItemGap > 0 {
			timer := time.NewTimer(q.cfg.ItemGap)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
		first = false

		if err := q.synth.Speak(ctx, unit); err != nil {
			if ctx.Err() != nil {
				q.metrics.RecordPlaybackItem("cancelled")
				return
			}
			q.metrics.RecordPlaybackItem("failed")
			q.log.Warn().Err(err).Str("unit", unit).Msg("failed to speak unit, skipping")
			continue
		}
		q.metrics.RecordPlaybackItem("spoken")
	}

	q.mu.Lock()
	if q.replyID != replyID || !q.speaking || ctx.Err() != nil {
		q.mu.Unlock()
		return
	}
	q.speaking = false
	listener := q.listener
	q.listener = nil
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.mu.Unlock()

	q.metrics.SetSpeaking(false)
	if listener != nil {
		listener.PlaybackDrained(replyID)
	}
}
