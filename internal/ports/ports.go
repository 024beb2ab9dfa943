package ports

import (
	"context"
	"io"

	"companion/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// StreamingConfig describes provider-agnostic streaming settings.
type StreamingConfig struct {
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
}

// StreamingSession is an active recognizer session.
// Events is closed when the session ends; Wait then reports why.
type StreamingSession interface {
	SendAudio(chunk []byte) error
	CloseSend() error
	Events() <-chan domain.RecognitionResult
	Wait() error
	Close() error
}

// RecognitionProvider starts continuous speech recognition sessions.
type RecognitionProvider interface {
	StartStreaming(ctx context.Context, cfg StreamingConfig) (StreamingSession, error)
}

// EmotionHealth is the classifier's self-reported readiness.
type EmotionHealth struct {
	Status string `json:"status"`
}

// EmotionClassifier labels recorded speech with an emotion.
type EmotionClassifier interface {
	Classify(ctx context.Context, clip domain.AudioClip) (domain.EmotionSignal, error)
	Health(ctx context.Context) (EmotionHealth, error)
}

// EmotionResolver produces an emotion for an accepted utterance. It never fails.
type EmotionResolver interface {
	Resolve(ctx context.Context, utterance domain.CapturedUtterance) domain.EmotionSignal
}

// CompletionRequest is one chat completion call.
type CompletionRequest struct {
	Messages    domain.History
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// CompletionProvider produces a reply for a message sequence.
// Errors should be *domain.CompletionError so callers can decide on retry.
type CompletionProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Conversation turns a transcript and an emotion into a reply. It never fails.
type Conversation interface {
	Complete(ctx context.Context, userMessage string, emotion domain.EmotionSignal, history domain.History) domain.CompletionResult
}

// Synthesizer speaks one unit of text and returns when it has finished.
type Synthesizer interface {
	Speak(ctx context.Context, text string) error
}

// AudioPlayer plays an encoded audio payload to completion.
type AudioPlayer interface {
	Play(ctx context.Context, audio []byte, format string) error
}

// EventSink emits orchestrator state/events to the display.
type EventSink interface {
	StatusChanged(status domain.Status)
	ReplyReady(turnID string, text string)
	Error(code domain.ErrorCode, detail string)
}
