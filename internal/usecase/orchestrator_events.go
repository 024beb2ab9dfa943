package usecase

import (
	"companion/internal/domain"
)

// event is anything the orchestrator loop reacts to.
type event interface {
	name() string
}

type startRequest struct{ reply chan error }

type stopRequest struct{ reply chan struct{} }

type interruptRequest struct{ reply chan struct{} }

type utteranceAccepted struct {
	sessionID uint64
	utterance domain.CapturedUtterance
}

type captureEnded struct {
	sessionID uint64
	err       error
}

type emotionResolved struct {
	turnID string
	signal domain.EmotionSignal
}

type completionDone struct {
	turnID string
	result domain.CompletionResult
}

type playbackDrained struct{ replyID uint64 }

type rearmFired struct{ gen uint64 }

func (startRequest) name() string      { return "start" }
func (stopRequest) name() string       { return "stop" }
func (interruptRequest) name() string  { return "interrupt" }
func (utteranceAccepted) name() string { return "utterance_accepted" }
func (captureEnded) name() string      { return "capture_ended" }
func (emotionResolved) name() string   { return "emotion_resolved" }
func (completionDone) name() string    { return "completion_done" }
func (playbackDrained) name() string   { return "playback_drained" }
func (rearmFired) name() string        { return "rearm" }

// loopListener forwards component callbacks into the orchestrator loop.
type loopListener struct {
	o *Orchestrator
}

func (l loopListener) UtteranceAccepted(sessionID uint64, utterance domain.CapturedUtterance) {
	l.o.post(utteranceAccepted{sessionID: sessionID, utterance: utterance})
}

func (l loopListener) CaptureEnded(sessionID uint64, err error) {
	l.o.post(captureEnded{sessionID: sessionID, err: err})
}

func (l loopListener) PlaybackDrained(replyID uint64) {
	l.o.post(playbackDrained{replyID: replyID})
}

// allowedTransitions is the complete turn-state machine.
var allowedTransitions = map[domain.TurnState][]domain.TurnState{
	domain.TurnStateStopped:     {domain.TurnStateIdle},
	domain.TurnStateIdle:        {domain.TurnStateCapturing, domain.TurnStateDegraded, domain.TurnStateStopped},
	domain.TurnStateCapturing:   {domain.TurnStateClassifying, domain.TurnStateIdle, domain.TurnStateDegraded, domain.TurnStateStopped},
	domain.TurnStateClassifying: {domain.TurnStateCompleting, domain.TurnStateIdle, domain.TurnStateStopped},
	domain.TurnStateCompleting:  {domain.TurnStateSpeaking, domain.TurnStateIdle, domain.TurnStateStopped},
	domain.TurnStateSpeaking:    {domain.TurnStateIdle, domain.TurnStateStopped},
	domain.TurnStateDegraded:    {domain.TurnStateCapturing, domain.TurnStateDegraded, domain.TurnStateIdle, domain.TurnStateStopped},
}

func transitionAllowed(from, to domain.TurnState) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}
