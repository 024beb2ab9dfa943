package bootstrap

import (
	"fmt"

	"github.com/rs/zerolog"

	"companion/internal/audio"
	"companion/internal/config"
	"companion/internal/domain"
	"companion/internal/emotion"
	"companion/internal/metrics"
	"companion/internal/ports"
	"companion/internal/providers/deepgram"
	"companion/internal/providers/emotionapi"
	"companion/internal/providers/mistral"
	"companion/internal/providers/openaitts"
	"companion/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Config       config.Config
	Metrics      *metrics.Collector
	Emotion      *emotion.Adapter
	Capture      *usecase.CaptureController
	Playback     *usecase.PlaybackQueue
	Conversation *usecase.ConversationClient
	Orchestrator *usecase.Orchestrator
}

// Build wires all backend dependencies for the current runtime. Every sink
// receives the orchestrator's events.
func Build(cfg config.Config, log zerolog.Logger, sinks ...ports.EventSink) (Services, error) {
	keywords, err := emotion.LoadKeywordTable(cfg.Emotion.KeywordsFile)
	if err != nil {
		return Services{}, fmt.Errorf("load emotion keywords: %w", err)
	}

	m := metrics.New()

	classifier := emotionapi.NewClient(emotionapi.Config{
		BaseURL:         cfg.Emotion.BaseURL,
		ClassifyTimeout: cfg.Emotion.Timeout,
		HealthTimeout:   cfg.Emotion.HealthTimeout,
	}, log)
	adapter := emotion.NewAdapter(classifier, keywords, emotion.Config{
		Timeout:          cfg.Emotion.Timeout,
		HealthTimeout:    cfg.Emotion.HealthTimeout,
		FailureThreshold: cfg.Emotion.FailureThreshold,
		ReprobeInterval:  cfg.Emotion.ReprobeInterval,
	}, log, m)

	capture := usecase.NewCaptureController(
		audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand),
		deepgram.NewProvider(deepgram.Config{
			APIKey:      cfg.Deepgram.APIKey,
			APIBaseURL:  cfg.Deepgram.APIBaseURL,
			Model:       cfg.Deepgram.Model,
			Language:    cfg.Deepgram.Language,
			SmartFormat: cfg.Deepgram.SmartFormat,
			KeepAlive:   cfg.Deepgram.KeepAlive,
		}, log),
		usecase.CaptureConfig{
			Audio: ports.AudioConfig{
				SampleRate:  cfg.Audio.SampleRate,
				Channels:    cfg.Audio.Channels,
				InputFormat: cfg.Audio.InputFormat,
				InputDevice: cfg.Audio.InputDevice,
			},
			Streaming: ports.StreamingConfig{
				SampleRate: cfg.Audio.SampleRate,
				Channels:   cfg.Audio.Channels,
				Encoding:   "linear16",
			},
			ChunkSize:         cfg.Capture.ChunkSize,
			MinConfidence:     cfg.Capture.MinConfidence,
			MaxUtteranceBytes: cfg.Capture.MaxUtteranceBytes,
			RestartDelay:      cfg.Capture.RestartDelay,
			MaxRestartBackoff: cfg.Capture.MaxRestartBackoff,
			RestartBurst:      cfg.Capture.RestartBurst,
			RestartInterval:   cfg.Capture.RestartInterval,
		},
		log,
		m,
	)

	conversation := usecase.NewConversationClient(
		mistral.NewClient(mistral.Config{
			APIKey:  cfg.Completion.APIKey,
			BaseURL: cfg.Completion.BaseURL,
			Model:   cfg.Completion.Model,
			Timeout: cfg.Completion.Timeout,
		}, log),
		usecase.ConversationConfig{
			MaxTokens:      cfg.Completion.MaxTokens,
			Temperature:    cfg.Completion.Temperature,
			TopP:           cfg.Completion.TopP,
			WarmupAttempts: cfg.Completion.WarmupAttempts,
			WarmupDelay:    cfg.Completion.WarmupDelay,
		},
		log,
		m,
	)

	tts := openaitts.NewClient(openaitts.Config{
		APIKey:  cfg.Speech.APIKey,
		BaseURL: cfg.Speech.BaseURL,
		Model:   cfg.Speech.Model,
		Voice:   cfg.Speech.Voice,
		Speed:   cfg.Speech.Speed,
		Format:  cfg.Speech.Format,
		Timeout: cfg.Speech.Timeout,
	}, log)
	playback := usecase.NewPlaybackQueue(
		openaitts.NewSpeaker(tts, audio.NewFFPlayPlayer(cfg.Audio.PlayerCommand, cfg.Audio.OutputVolume)),
		usecase.PlaybackConfig{ItemGap: cfg.Speech.ItemGap},
		log,
		m,
	)

	orchestrator := usecase.NewOrchestrator(
		capture,
		adapter,
		conversation,
		playback,
		FanOut(sinks),
		usecase.OrchestratorConfig{ResumeDelay: cfg.Turn.ResumeDelay},
		log,
		m,
	)
	orchestrator.UseHealthProbe(adapter)

	return Services{
		Config:       cfg,
		Metrics:      m,
		Emotion:      adapter,
		Capture:      capture,
		Playback:     playback,
		Conversation: conversation,
		Orchestrator: orchestrator,
	}, nil
}

// FanOut delivers each event to every non-nil sink in order.
type FanOut []ports.EventSink

func (f FanOut) StatusChanged(status domain.Status) {
	for _, sink := range f {
		if sink != nil {
			sink.StatusChanged(status)
		}
	}
}

func (f FanOut) ReplyReady(turnID string, text string) {
	for _, sink := range f {
		if sink != nil {
			sink.ReplyReady(turnID, text)
		}
	}
}

func (f FanOut) Error(code domain.ErrorCode, detail string) {
	for _, sink := range f {
		if sink != nil {
			sink.Error(code, detail)
		}
	}
}
