package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"companion/internal/domain"
	"companion/internal/metrics"
	"companion/internal/ports"
)

var ErrNoActiveSession = errors.New("no active capture session")

// CaptureListener receives capture outcomes from capture goroutines.
type CaptureListener interface {
	UtteranceAccepted(sessionID uint64, utterance domain.CapturedUtterance)
	CaptureEnded(sessionID uint64, err error)
}

// CaptureConfig controls continuous capture and its restart policy.
type CaptureConfig struct {
	Audio             ports.AudioConfig
	Streaming         ports.StreamingConfig
	ChunkSize         int
	MinConfidence     float64
	MaxUtteranceBytes int
	RestartDelay      time.Duration
	MaxRestartBackoff time.Duration
	RestartBurst      int
	RestartInterval   time.Duration
}

// CaptureController owns the single microphone/recognizer session.
type CaptureController struct {
	audio    ports.AudioCapture
	provider ports.RecognitionProvider
	cfg      CaptureConfig
	log      zerolog.Logger
	metrics  *metrics.Collector
	restarts *restartPolicy

	mu      sync.Mutex
	current *captureSession
	nextID  uint64
}

func NewCaptureController(
	audio ports.AudioCapture,
	provider ports.RecognitionProvider,
	cfg CaptureConfig,
	log zerolog.Logger,
	m *metrics.Collector,
) *CaptureController {
	if cfg.ChunkSize < 256 {
		cfg.ChunkSize = 4096
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		cfg.MinConfidence = 0.5
	}
	if cfg.MaxUtteranceBytes <= 0 {
		// 60s of 16kHz mono s16le.
		cfg.MaxUtteranceBytes = 60 * 16000 * 2
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Streaming.SampleRate <= 0 {
		cfg.Streaming.SampleRate = cfg.Audio.SampleRate
	}
	if cfg.Streaming.Channels <= 0 {
		cfg.Streaming.Channels = cfg.Audio.Channels
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.MaxRestartBackoff <= 0 {
		cfg.MaxRestartBackoff = 30 * time.Second
	}
	return &CaptureController{
		audio:    audio,
		provider: provider,
		cfg:      cfg,
		log:      log.With().Str("component", "capture").Logger(),
		metrics:  m,
		restarts: newRestartPolicy(cfg.RestartDelay, cfg.MaxRestartBackoff, cfg.RestartBurst, cfg.RestartInterval),
	}
}

// Start opens a new capture session, releasing any previous one first.
// Microphone permission failures return domain.ErrPermissionDenied; every
// other failure is a *domain.RecognitionError.
func (c *CaptureController) Start(ctx context.Context, listener CaptureListener) (uint64, error) {
	c.mu.Lock()
	previous := c.current
	c.current = nil
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	if previous != nil {
		c.stopSession(previous)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	audioSession, err := c.audio.Start(sessionCtx, c.cfg.Audio)
	if err != nil {
		cancel()
		if errors.Is(err, domain.ErrPermissionDenied) {
			return 0, err
		}
		return 0, domain.NewRecognitionError(domain.RecognitionErrorAudio, err)
	}

	stream, err := c.provider.StartStreaming(sessionCtx, c.cfg.Streaming)
	if err != nil {
		_ = audioSession.Stop()
		cancel()
		return 0, domain.NewRecognitionError(domain.RecognitionErrorOther, err)
	}

	session := &captureSession{
		id:         id,
		cancel:     cancel,
		audio:      audioSession,
		stream:     stream,
		buffer:     newUtteranceBuffer(c.cfg.MaxUtteranceBytes, c.cfg.Audio.SampleRate, c.cfg.Audio.Channels),
		pumpDone:   make(chan struct{}),
		eventsDone: make(chan struct{}),
	}

	c.mu.Lock()
	c.current = session
	c.mu.Unlock()

	go pumpAudioChunks(session, c.cfg.ChunkSize)
	go c.runSession(session, listener)

	c.metrics.SetCapturing(true)
	c.log.Debug().Uint64("session", id).Msg("capture started")
	return id, nil
}

// Stop releases the active session. Stopped sessions never report CaptureEnded.
func (c *CaptureController) Stop() error {
	c.mu.Lock()
	session := c.current
	c.current = nil
	c.mu.Unlock()

	if session == nil {
		return ErrNoActiveSession
	}
	c.stopSession(session)
	return nil
}

// Active reports whether a capture session is open.
func (c *CaptureController) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// RestartDelay is the wait before re-arming after a session ended with err.
func (c *CaptureController) RestartDelay(err error) time.Duration {
	return c.restarts.Delay(err)
}

// ResetBackoff restarts the network backoff schedule.
func (c *CaptureController) ResetBackoff() {
	c.restarts.Reset()
}

func (c *CaptureController) stopSession(session *captureSession) {
	session.stopped.Store(true)
	session.release()
	c.metrics.SetCapturing(false)
	c.log.Debug().Uint64("session", session.id).Msg("capture stopped")
}

func (c *CaptureController) runSession(session *captureSession, listener CaptureListener) {
	consumeRecognitionEvents(session, transcriptFilter{minConfidence: c.cfg.MinConfidence}, listener, c.log, c.metrics)

	if !session.stopped.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	if c.current == session {
		c.current = nil
	}
	c.mu.Unlock()

	streamErr := session.stream.Wait()
	session.release()
	c.metrics.SetCapturing(false)

	err := session.getAudioErr()
	if err == nil && streamErr != nil {
		err = domain.NewRecognitionError(domain.RecognitionErrorOther, streamErr)
	}
	c.log.Debug().Uint64("session", session.id).Err(err).Msg("capture ended")
	listener.CaptureEnded(session.id, err)
}
