package usecase

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"companion/internal/domain"
	"companion/internal/ports"
)

type fakeAudioSession struct {
	chunks  chan []byte
	readErr chan error

	stopOnce sync.Once
	stopped  chan struct{}
}

func newFakeAudioSession() *fakeAudioSession {
	return &fakeAudioSession{
		chunks:  make(chan []byte, 16),
		readErr: make(chan error, 1),
		stopped: make(chan struct{}),
	}
}

func (s *fakeAudioSession) Read(p []byte) (int, error) {
	select {
	case chunk := <-s.chunks:
		return copy(p, chunk), nil
	case err := <-s.readErr:
		return 0, err
	case <-s.stopped:
		return 0, io.EOF
	}
}

func (s *fakeAudioSession) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

func (s *fakeAudioSession) Close() error { return s.Stop() }

func (s *fakeAudioSession) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

type fakeAudioCapture struct {
	mu       sync.Mutex
	err      error
	sessions []*fakeAudioSession
}

func (c *fakeAudioCapture) Start(context.Context, ports.AudioConfig) (ports.AudioSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s := newFakeAudioSession()
	c.sessions = append(c.sessions, s)
	return s, nil
}

func (c *fakeAudioCapture) last() *fakeAudioSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

type fakeStream struct {
	events chan domain.RecognitionResult

	mu        sync.Mutex
	sent      [][]byte
	sendDone  bool
	err       error
	closeOnce sync.Once
	done      chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan domain.RecognitionResult, 16),
		done:   make(chan struct{}),
	}
}

func (s *fakeStream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendDone {
		return errors.New("closed")
	}
	s.sent = append(s.sent, append([]byte(nil), chunk...))
	return nil
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	s.sendDone = true
	s.mu.Unlock()
	s.finish(nil)
	return nil
}

func (s *fakeStream) Events() <-chan domain.RecognitionResult { return s.events }

func (s *fakeStream) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.finish(nil)
	return nil
}

// finish ends the session the way a provider would: events close, Wait returns err.
func (s *fakeStream) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
		close(s.done)
	})
}

func (s *fakeStream) sentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, chunk := range s.sent {
		n += len(chunk)
	}
	return n
}

type fakeProvider struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (p *fakeProvider) StartStreaming(context.Context, ports.StreamingConfig) (ports.StreamingSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	s := newFakeStream()
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) last() *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

type captureRecord struct {
	sessionID uint64
	utterance *domain.CapturedUtterance
	err       error
	ended     bool
}

type recordingCaptureListener struct {
	records chan captureRecord
}

func newRecordingCaptureListener() *recordingCaptureListener {
	return &recordingCaptureListener{records: make(chan captureRecord, 16)}
}

func (l *recordingCaptureListener) UtteranceAccepted(id uint64, u domain.CapturedUtterance) {
	l.records <- captureRecord{sessionID: id, utterance: &u}
}

func (l *recordingCaptureListener) CaptureEnded(id uint64, err error) {
	l.records <- captureRecord{sessionID: id, err: err, ended: true}
}

func (l *recordingCaptureListener) next(timeout time.Duration) (captureRecord, bool) {
	select {
	case r := <-l.records:
		return r, true
	case <-time.After(timeout):
		return captureRecord{}, false
	}
}

type fakeSynth struct {
	mu     sync.Mutex
	spoken []string
	failOn map[string]error
	block  chan struct{}
}

func (s *fakeSynth) Speak(ctx context.Context, text string) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failOn[text]; err != nil {
		return err
	}
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *fakeSynth) said() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

type drainRecorder struct {
	drained chan uint64
}

func newDrainRecorder() *drainRecorder {
	return &drainRecorder{drained: make(chan uint64, 8)}
}

func (d *drainRecorder) PlaybackDrained(replyID uint64) {
	d.drained <- replyID
}
