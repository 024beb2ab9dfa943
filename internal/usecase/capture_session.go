package usecase

import (
	"sync"
	"sync/atomic"

	"companion/internal/ports"
)

type captureSession struct {
	id     uint64
	cancel func()
	audio  ports.AudioSession
	stream ports.StreamingSession
	buffer *utteranceBuffer

	// stopped is claimed by whoever ends the session first: Stop or a natural end.
	stopped atomic.Bool

	errMu    sync.Mutex
	audioErr error

	releaseOnce sync.Once
	pumpDone    chan struct{}
	eventsDone  chan struct{}
}

func (s *captureSession) setAudioErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.audioErr == nil {
		s.audioErr = err
	}
}

func (s *captureSession) getAudioErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.audioErr
}

// release frees the microphone and the recognizer. It does not wait for the
// recognition consumer, which may be the caller.
func (s *captureSession) release() {
	s.releaseOnce.Do(func() {
		s.cancel()
		_ = s.audio.Stop()
		_ = s.stream.Close()
		<-s.pumpDone
	})
}
