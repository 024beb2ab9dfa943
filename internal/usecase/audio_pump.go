package usecase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"companion/internal/domain"
)

// ErrUtteranceOverflow means more audio arrived than one utterance may hold.
var ErrUtteranceOverflow = errors.New("utterance audio exceeded buffer limit")

var errNoAudio = errors.New("no audio buffered for utterance")

// utteranceBuffer accumulates PCM for the utterance currently being spoken.
type utteranceBuffer struct {
	mu         sync.Mutex
	pcm        []byte
	max        int
	sampleRate int
	channels   int
	err        error
}

func newUtteranceBuffer(max, sampleRate, channels int) *utteranceBuffer {
	return &utteranceBuffer{max: max, sampleRate: sampleRate, channels: channels}
}

func (b *utteranceBuffer) Write(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return
	}
	if b.max > 0 && len(b.pcm)+len(chunk) > b.max {
		b.pcm = nil
		b.err = ErrUtteranceOverflow
		return
	}
	b.pcm = append(b.pcm, chunk...)
}

// Fail records a read error; buffered audio is dropped.
func (b *utteranceBuffer) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.pcm = nil
		b.err = err
	}
}

// Reset discards audio belonging to a rejected transcript.
func (b *utteranceBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pcm = nil
	b.err = nil
}

// Snapshot copies the buffered clip, or reports why there is none.
func (b *utteranceBuffer) Snapshot() (*domain.AudioClip, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	if len(b.pcm) == 0 {
		return nil, errNoAudio
	}
	return &domain.AudioClip{
		PCM:        append([]byte(nil), b.pcm...),
		SampleRate: b.sampleRate,
		Channels:   b.channels,
	}, nil
}

// pumpAudioChunks tees microphone audio into the recognizer and the utterance
// buffer. A read error is recorded on the session and the recognizer is told
// no more audio is coming so the session winds down.
func pumpAudioChunks(session *captureSession, chunkSize int) {
	defer close(session.pumpDone)

	if chunkSize < 256 {
		chunkSize = 4096
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := session.audio.Read(buf)
		if n > 0 {
			session.buffer.Write(buf[:n])
			if sendErr := session.stream.SendAudio(buf[:n]); sendErr != nil {
				return
			}
		}
		if err != nil {
			if session.stopped.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				err = errors.New("microphone stream closed")
			}
			audioErr := domain.NewRecognitionError(domain.RecognitionErrorAudio, fmt.Errorf("audio capture error: %w", err))
			session.setAudioErr(audioErr)
			session.buffer.Fail(audioErr)
			_ = session.stream.CloseSend()
			return
		}
	}
}
