package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companion/internal/domain"
)

func newTestCapture(audio *fakeAudioCapture, provider *fakeProvider) *CaptureController {
	return NewCaptureController(audio, provider, CaptureConfig{
		ChunkSize:     256,
		MinConfidence: 0.5,
	}, zerolog.Nop(), nil)
}

func TestCaptureControllerDeliversFirstAcceptedFinal(t *testing.T) {
	t.Parallel()

	audio := &fakeAudioCapture{}
	provider := &fakeProvider{}
	c := newTestCapture(audio, provider)
	listener := newRecordingCaptureListener()

	id, err := c.Start(context.Background(), listener)
	require.NoError(t, err)
	require.True(t, c.Active())

	mic := audio.last()
	stream := provider.last()
	mic.chunks <- make([]byte, 640)
	require.Eventually(t, func() bool { return stream.sentBytes() == 640 }, time.Second, 5*time.Millisecond)

	stream.events <- domain.RecognitionResult{Text: "partial", Confidence: 0.9}
	stream.events <- domain.RecognitionResult{Text: "  hello there ", Confidence: 0.92, IsFinal: true}
	stream.events <- domain.RecognitionResult{Text: "second", Confidence: 0.99, IsFinal: true}

	rec, ok := listener.next(time.Second)
	require.True(t, ok)
	require.NotNil(t, rec.utterance)
	assert.Equal(t, id, rec.sessionID)
	assert.Equal(t, "hello there", rec.utterance.Text)
	require.NotNil(t, rec.utterance.Audio)
	assert.Len(t, rec.utterance.Audio.PCM, 640)
	assert.NoError(t, rec.utterance.AudioErr)

	require.NoError(t, c.Stop())
	assert.True(t, mic.isStopped())
	assert.False(t, c.Active())

	_, ok = listener.next(100 * time.Millisecond)
	assert.False(t, ok, "stopped sessions report nothing further")
}

func TestCaptureControllerDiscardsLowConfidence(t *testing.T) {
	t.Parallel()

	audio := &fakeAudioCapture{}
	provider := &fakeProvider{}
	c := newTestCapture(audio, provider)
	listener := newRecordingCaptureListener()

	_, err := c.Start(context.Background(), listener)
	require.NoError(t, err)
	stream := provider.last()

	stream.events <- domain.RecognitionResult{Text: "mumble", Confidence: 0.2, IsFinal: true}
	stream.events <- domain.RecognitionResult{Text: "clear words", Confidence: 0.8, IsFinal: true}

	rec, ok := listener.next(time.Second)
	require.True(t, ok)
	require.NotNil(t, rec.utterance)
	assert.Equal(t, "clear words", rec.utterance.Text)
	assert.Nil(t, rec.utterance.Audio)
	assert.Error(t, rec.utterance.AudioErr)

	require.NoError(t, c.Stop())
}

func TestCaptureControllerNaturalEndReportsOnce(t *testing.T) {
	t.Parallel()

	audio := &fakeAudioCapture{}
	provider := &fakeProvider{}
	c := newTestCapture(audio, provider)
	listener := newRecordingCaptureListener()

	id, err := c.Start(context.Background(), listener)
	require.NoError(t, err)

	provider.last().finish(nil)

	rec, ok := listener.next(time.Second)
	require.True(t, ok)
	assert.True(t, rec.ended)
	assert.Equal(t, id, rec.sessionID)
	assert.NoError(t, rec.err)
	assert.True(t, audio.last().isStopped())
	assert.False(t, c.Active())
	assert.ErrorIs(t, c.Stop(), ErrNoActiveSession)
}

func TestCaptureControllerStreamErrorIsClassified(t *testing.T) {
	t.Parallel()

	audio := &fakeAudioCapture{}
	provider := &fakeProvider{}
	c := newTestCapture(audio, provider)
	listener := newRecordingCaptureListener()

	_, err := c.Start(context.Background(), listener)
	require.NoError(t, err)

	netErr := domain.NewRecognitionError(domain.RecognitionErrorNetwork, errors.New("reset"))
	provider.last().finish(netErr)

	rec, ok := listener.next(time.Second)
	require.True(t, ok)
	require.True(t, rec.ended)
	assert.True(t, domain.IsNetworkError(rec.err))
}

func TestCaptureControllerMicFailureIsAudioError(t *testing.T) {
	t.Parallel()

	audio := &fakeAudioCapture{}
	provider := &fakeProvider{}
	c := newTestCapture(audio, provider)
	listener := newRecordingCaptureListener()

	_, err := c.Start(context.Background(), listener)
	require.NoError(t, err)

	audio.last().readErr <- errors.New("device unplugged")

	rec, ok := listener.next(time.Second)
	require.True(t, ok)
	require.True(t, rec.ended)
	assert.Equal(t, domain.RecognitionErrorAudio, domain.RecognitionKind(rec.err))
	assert.Contains(t, rec.err.Error(), "device unplugged")
}

func TestCaptureControllerStartFailures(t *testing.T) {
	t.Parallel()

	denied := &fakeAudioCapture{err: domain.ErrPermissionDenied}
	c := newTestCapture(denied, &fakeProvider{})
	_, err := c.Start(context.Background(), newRecordingCaptureListener())
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.False(t, c.Active())

	broken := &fakeAudioCapture{err: errors.New("no device")}
	c = newTestCapture(broken, &fakeProvider{})
	_, err = c.Start(context.Background(), newRecordingCaptureListener())
	require.Error(t, err)
	assert.Equal(t, domain.RecognitionErrorAudio, domain.RecognitionKind(err))

	audio := &fakeAudioCapture{}
	c = newTestCapture(audio, &fakeProvider{err: domain.NewRecognitionError(domain.RecognitionErrorNetwork, errors.New("dial"))})
	_, err = c.Start(context.Background(), newRecordingCaptureListener())
	require.Error(t, err)
	assert.True(t, domain.IsNetworkError(err))
	assert.True(t, audio.last().isStopped(), "microphone is released when the recognizer fails")
}

func TestCaptureControllerRestartReplacesSession(t *testing.T) {
	t.Parallel()

	audio := &fakeAudioCapture{}
	provider := &fakeProvider{}
	c := newTestCapture(audio, provider)
	listener := newRecordingCaptureListener()

	first, err := c.Start(context.Background(), listener)
	require.NoError(t, err)
	firstMic := audio.last()

	second, err := c.Start(context.Background(), listener)
	require.NoError(t, err)
	assert.Greater(t, second, first)
	assert.True(t, firstMic.isStopped())
	assert.False(t, audio.last().isStopped())

	_, ok := listener.next(100 * time.Millisecond)
	assert.False(t, ok, "the replaced session is not reported as ended")
	require.NoError(t, c.Stop())
}

func TestTranscriptFilterAccept(t *testing.T) {
	t.Parallel()

	f := transcriptFilter{minConfidence: 0.5}
	tests := []struct {
		name   string
		result domain.RecognitionResult
		ok     bool
	}{
		{"interim", domain.RecognitionResult{Text: "hi", Confidence: 0.9}, false},
		{"blank", domain.RecognitionResult{Text: "   ", Confidence: 0.9, IsFinal: true}, false},
		{"low", domain.RecognitionResult{Text: "hi", Confidence: 0.49, IsFinal: true}, false},
		{"threshold", domain.RecognitionResult{Text: "hi", Confidence: 0.5, IsFinal: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := f.Accept(tt.result)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestUtteranceBufferOverflowAndReset(t *testing.T) {
	t.Parallel()

	b := newUtteranceBuffer(4, 16000, 1)
	b.Write([]byte{1, 2})
	clip, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, clip.PCM)

	b.Write([]byte{3, 4, 5})
	_, err = b.Snapshot()
	require.ErrorIs(t, err, ErrUtteranceOverflow)

	b.Reset()
	_, err = b.Snapshot()
	require.ErrorIs(t, err, errNoAudio)
}
