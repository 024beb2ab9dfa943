package domain

import (
	"math"
	"strings"
	"time"
)

// TurnState models the turn-taking lifecycle.
type TurnState string

const (
	TurnStateStopped     TurnState = "stopped"
	TurnStateIdle        TurnState = "idle"
	TurnStateCapturing   TurnState = "capturing"
	TurnStateClassifying TurnState = "classifying"
	TurnStateCompleting  TurnState = "completing"
	TurnStateSpeaking    TurnState = "speaking"
	TurnStateDegraded    TurnState = "degraded"
)

// Emotion is an inferred affect label.
type Emotion string

const (
	EmotionHappy     Emotion = "happy"
	EmotionSad       Emotion = "sad"
	EmotionAngry     Emotion = "angry"
	EmotionAnxious   Emotion = "anxious"
	EmotionFearful   Emotion = "fearful"
	EmotionDisgusted Emotion = "disgusted"
	EmotionSurprised Emotion = "surprised"
	EmotionNeutral   Emotion = "neutral"
)

// Emotions lists every supported label.
var Emotions = []Emotion{
	EmotionHappy,
	EmotionSad,
	EmotionAngry,
	EmotionAnxious,
	EmotionFearful,
	EmotionDisgusted,
	EmotionSurprised,
	EmotionNeutral,
}

// ParseEmotion maps free-form classifier output onto a supported label.
// Unknown labels become neutral.
func ParseEmotion(label string) Emotion {
	candidate := Emotion(strings.ToLower(strings.TrimSpace(label)))
	for _, known := range Emotions {
		if candidate == known {
			return known
		}
	}
	return EmotionNeutral
}

// EmotionSource records where an emotion signal came from.
type EmotionSource string

const (
	EmotionSourceAudio   EmotionSource = "audio"
	EmotionSourceText    EmotionSource = "text"
	EmotionSourceDefault EmotionSource = "default"
)

// EmotionSignal is an emotion label with a confidence in [0,1].
type EmotionSignal struct {
	Label      Emotion       `json:"label"`
	Confidence float64       `json:"confidence"`
	Source     EmotionSource `json:"source,omitempty"`
}

// NeutralSignal is the low-confidence default used when nothing better is known.
func NeutralSignal() EmotionSignal {
	return EmotionSignal{Label: EmotionNeutral, Confidence: 0.5, Source: EmotionSourceDefault}
}

// Normalize returns a copy with a known label and a clamped confidence.
func (s EmotionSignal) Normalize() EmotionSignal {
	s.Label = ParseEmotion(string(s.Label))
	switch {
	case s.Confidence < 0 || math.IsNaN(s.Confidence):
		s.Confidence = 0
	case s.Confidence > 1:
		s.Confidence = 1
	}
	if s.Source == "" {
		s.Source = EmotionSourceDefault
	}
	return s
}

// Role tags a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged conversation entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History is an ordered, append-only conversation log.
type History []Message

// Clone returns an independent copy.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// WithoutSystem returns a copy with every system-role entry removed.
func (h History) WithoutSystem() History {
	out := make(History, 0, len(h))
	for _, msg := range h {
		if msg.Role == RoleSystem {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// RecognitionResult is one event from a speech-to-text session.
type RecognitionResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"isFinal"`
}

// AudioClip is raw little-endian 16-bit PCM captured for one utterance.
type AudioClip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration reports the clip length.
func (c AudioClip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.PCM) / (2 * c.Channels)
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// CapturedUtterance is an accepted transcript plus the audio buffered for it.
// Audio is nil when buffering failed; AudioErr then says why.
type CapturedUtterance struct {
	Text       string
	Confidence float64
	Audio      *AudioClip
	AudioErr   error
}

// Turn is one capture-to-reply cycle.
type Turn struct {
	ID         string        `json:"id"`
	Transcript string        `json:"transcript"`
	Emotion    EmotionSignal `json:"emotion"`
	Reply      string        `json:"reply,omitempty"`
	Units      int           `json:"units,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
}

// CompletionResult is what the conversation client always returns.
type CompletionResult struct {
	Reply   string
	History History
	Emotion Emotion
	// OK is true only when the model produced the reply. Apologies carry OK=false
	// and the caller's history unchanged.
	OK      bool
	Failure CompletionErrorKind
}

// Status summarizes the orchestrator for display.
type Status struct {
	State         TurnState     `json:"state"`
	Capturing     bool          `json:"capturing"`
	Speaking      bool          `json:"speaking"`
	CurrentReply  string        `json:"currentReply,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
	LastErrorCode ErrorCode     `json:"lastErrorCode,omitempty"`
	Emotion       EmotionSignal `json:"emotion"`
	TurnID        string        `json:"turnId,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ErrorCode identifies errors surfaced to the display.
type ErrorCode string

const (
	ErrorCodeStartup          ErrorCode = "startup"
	ErrorCodePermissionDenied ErrorCode = "permission_denied"
	ErrorCodeRecognition      ErrorCode = "recognition"
	ErrorCodePlayback         ErrorCode = "playback"
)
