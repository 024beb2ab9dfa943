package usecase

import (
	"strings"

	"github.com/rs/zerolog"

	"companion/internal/domain"
	"companion/internal/metrics"
)

// transcriptFilter decides which final results become utterances.
type transcriptFilter struct {
	minConfidence float64
}

// Accept reports whether result is a final transcript worth answering.
func (f transcriptFilter) Accept(result domain.RecognitionResult) (text string, ok bool) {
	if !result.IsFinal {
		return "", false
	}
	text = strings.TrimSpace(result.Text)
	if text == "" {
		return "", false
	}
	if result.Confidence < f.minConfidence {
		return text, false
	}
	return text, true
}

// consumeRecognitionEvents delivers the first accepted final result of the
// session and then drains the stream until it closes.
func consumeRecognitionEvents(
	session *captureSession,
	filter transcriptFilter,
	listener CaptureListener,
	log zerolog.Logger,
	m *metrics.Collector,
) {
	defer close(session.eventsDone)

	delivered := false
	for result := range session.stream.Events() {
		if delivered || !result.IsFinal {
			continue
		}
		text, ok := filter.Accept(result)
		if !ok {
			if text != "" {
				log.Debug().Str("text", text).Float64("confidence", result.Confidence).Msg("discarding low-confidence transcript")
				m.RecordDiscardedTranscript()
				session.buffer.Reset()
			}
			continue
		}
		if session.stopped.Load() {
			continue
		}

		audio, audioErr := session.buffer.Snapshot()
		delivered = true
		listener.UtteranceAccepted(session.id, domain.CapturedUtterance{
			Text:       text,
			Confidence: result.Confidence,
			Audio:      audio,
			AudioErr:   audioErr,
		})
	}
}
