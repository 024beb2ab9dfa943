package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"companion/internal/domain"
)

type fakeCaptureControl struct {
	mu        sync.Mutex
	playback  *fakePlaybackControl
	nextID    uint64
	active    uint64
	startErrs []error
	starts    int
	stops     int
	resets    int
	delay     time.Duration
	overlaps  int
}

func (c *fakeCaptureControl) Start(context.Context, CaptureListener) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.startErrs) > 0 {
		err := c.startErrs[0]
		c.startErrs = c.startErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	if c.playback != nil && c.playback.Speaking() {
		c.overlaps++
	}
	c.nextID++
	c.active = c.nextID
	c.starts++
	return c.nextID, nil
}

func (c *fakeCaptureControl) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == 0 {
		return ErrNoActiveSession
	}
	c.active = 0
	c.stops++
	return nil
}

func (c *fakeCaptureControl) RestartDelay(error) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

func (c *fakeCaptureControl) ResetBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
}

// end simulates the recognizer closing the current session on its own.
func (c *fakeCaptureControl) end() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.active
	c.active = 0
	return id
}

func (c *fakeCaptureControl) current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

type fakePlaybackControl struct {
	mu       sync.Mutex
	speaking bool
	nextID   uint64
	replies  []string
	cancels  int
	err      error
}

func (p *fakePlaybackControl) EnqueueReply(text string, _ PlaybackListener) (uint64, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, 0, p.err
	}
	p.nextID++
	p.speaking = true
	p.replies = append(p.replies, text)
	return p.nextID, len(SplitUtterances(text)), nil
}

func (p *fakePlaybackControl) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speaking = false
	p.cancels++
}

func (p *fakePlaybackControl) Speaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

// finish marks the current reply as spoken and returns its id.
func (p *fakePlaybackControl) finish() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.speaking = false
	return p.nextID
}

type fixedResolver struct {
	signal domain.EmotionSignal
}

func (r fixedResolver) Resolve(context.Context, domain.CapturedUtterance) domain.EmotionSignal {
	return r.signal
}

type echoConversation struct {
	mu       sync.Mutex
	fail     bool
	seen     []domain.History
	canceled int
}

func (c *echoConversation) Complete(ctx context.Context, user string, _ domain.EmotionSignal, history domain.History) domain.CompletionResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, history.Clone())
	if ctx.Err() != nil {
		c.canceled++
	}
	if c.fail {
		return domain.CompletionResult{Reply: replyTechnical, History: history, Failure: domain.CompletionErrorOther}
	}
	reply := "You said " + user + "."
	next := append(history.Clone(),
		domain.Message{Role: domain.RoleUser, Content: user},
		domain.Message{Role: domain.RoleAssistant, Content: reply},
	)
	return domain.CompletionResult{Reply: reply, History: next, OK: true}
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []domain.Status
	replies  []string
	errors   []domain.ErrorCode
}

func (s *recordingSink) StatusChanged(status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *recordingSink) ReplyReady(_ string, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, text)
}

func (s *recordingSink) Error(code domain.ErrorCode, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, code)
}

func (s *recordingSink) lastState() domain.TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1].State
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

// harness drives the orchestrator loop synchronously.
type harness struct {
	o            *Orchestrator
	capture      *fakeCaptureControl
	playback     *fakePlaybackControl
	conversation *echoConversation
	sink         *recordingSink
	logs         *bytes.Buffer

	spawned []func()
	timers  []*fakeTimer
	ids     int
}

func newHarness(cfg OrchestratorConfig) *harness {
	playback := &fakePlaybackControl{}
	h := &harness{
		capture:      &fakeCaptureControl{playback: playback, delay: time.Second},
		playback:     playback,
		conversation: &echoConversation{},
		sink:         &recordingSink{},
		logs:         &bytes.Buffer{},
	}
	log := zerolog.New(h.logs).Level(zerolog.ErrorLevel)
	h.o = NewOrchestrator(h.capture, fixedResolver{signal: domain.EmotionSignal{Label: domain.EmotionHappy, Confidence: 0.7, Source: domain.EmotionSourceText}},
		h.conversation, h.playback, h.sink, cfg, log, nil)
	h.o.spawn = func(f func()) { h.spawned = append(h.spawned, f) }
	h.o.schedule = func(d time.Duration, f func()) func() bool {
		t := &fakeTimer{delay: d, fn: f}
		h.timers = append(h.timers, t)
		return func() bool {
			if t.stopped || t.fired {
				return false
			}
			t.stopped = true
			return true
		}
	}
	h.o.newID = func() string {
		h.ids++
		return fmt.Sprintf("turn-%d", h.ids)
	}
	return h
}

func (h *harness) drain() {
	for {
		select {
		case ev := <-h.o.events:
			h.o.handle(context.Background(), ev)
		default:
			return
		}
	}
}

func (h *harness) send(ev event) {
	h.o.handle(context.Background(), ev)
	h.drain()
}

func (h *harness) start() {
	h.send(startRequest{reply: make(chan error, 1)})
}

func (h *harness) stop() {
	h.send(stopRequest{reply: make(chan struct{}, 1)})
}

func (h *harness) interrupt() {
	h.send(interruptRequest{reply: make(chan struct{}, 1)})
}

func (h *harness) speak(text string) {
	h.o.listener().UtteranceAccepted(h.capture.current(), domain.CapturedUtterance{Text: text, Confidence: 0.9})
	h.drain()
}

// runSpawned runs the oldest background task, if any.
func (h *harness) runSpawned() bool {
	if len(h.spawned) == 0 {
		return false
	}
	f := h.spawned[0]
	h.spawned = h.spawned[1:]
	f()
	h.drain()
	return true
}

func (h *harness) activeTimers() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range h.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (h *harness) fire() bool {
	active := h.activeTimers()
	if len(active) == 0 {
		return false
	}
	t := active[len(active)-1]
	t.fired = true
	t.fn()
	h.drain()
	return true
}

func (h *harness) finishPlayback() {
	id := h.playback.finish()
	h.o.listener().PlaybackDrained(id)
	h.drain()
}

func (h *harness) state() domain.TurnState {
	return h.o.Status().State
}

func TestOrchestratorFullTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(OrchestratorConfig{ResumeDelay: 1500 * time.Millisecond})
	h.start()
	require.Equal(t, domain.TurnStateCapturing, h.state())
	assert.True(t, h.o.Status().Capturing)

	h.speak("I feel great")
	assert.Equal(t, domain.TurnStateClassifying, h.state())
	assert.Zero(t, h.capture.current(), "capture stops once an utterance is accepted")
	assert.Equal(t, 1, h.capture.resets)
	assert.Equal(t, "turn-1", h.o.Status().TurnID)

	require.True(t, h.runSpawned())
	assert.Equal(t, domain.TurnStateCompleting, h.state())
	assert.Equal(t, domain.EmotionHappy, h.o.Status().Emotion.Label)

	require.True(t, h.runSpawned())
	status := h.o.Status()
	assert.Equal(t, domain.TurnStateSpeaking, status.State)
	assert.True(t, status.Speaking)
	assert.False(t, status.Capturing)
	assert.Equal(t, "You said I feel great.", status.CurrentReply)
	assert.Equal(t, []string{"You said I feel great."}, h.sink.replies)
	assert.Len(t, h.o.History(), 2)

	h.finishPlayback()
	assert.Equal(t, domain.TurnStateIdle, h.state())
	timers := h.activeTimers()
	require.Len(t, timers, 1)
	assert.Equal(t, 1500*time.Millisecond, timers[0].delay)

	require.True(t, h.fire())
	assert.Equal(t, domain.TurnStateCapturing, h.state())
	assert.Equal(t, 2, h.capture.starts)

	h.speak("and again")
	h.runSpawned()
	h.runSpawned()
	require.Len(t, h.conversation.seen, 2)
	assert.Len(t, h.conversation.seen[1], 2, "second turn sees the first exchange")
	assert.Len(t, h.o.History(), 4)
	assert.Empty(t, h.logs.String())
}

func TestOrchestratorFailedCompletionKeepsHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(OrchestratorConfig{})
	h.conversation.fail = true
	h.start()
	h.speak("hello")
	h.runSpawned()
	h.runSpawned()

	assert.Equal(t, domain.TurnStateSpeaking, h.state())
	assert.Equal(t, []string{replyTechnical}, h.playback.replies)
	assert.Empty(t, h.o.History())
}

func TestOrchestratorUnspeakableReplyRearms(t *testing.T) {
	t.Parallel()

	h := newHarness(OrchestratorConfig{ResumeDelay: time.Second})
	h.playback.err = ErrNothingToSay
	h.start()
	h.speak("hello")
	h.runSpawned()
	h.runSpawned()

	assert.Equal(t, domain.TurnStateIdle, h.state())
	require.Len(t, h.activeTimers(), 1)
	h.playback.err = nil
	h.fire()
	assert.Equal(t, domain.TurnStateCapturing, h.state())
}

func TestOrchestratorNetworkFailureDegradesAndRecovers(t *testing.T) {
	t.Parallel()

	h := newHarness(OrchestratorConfig{})
	h.capture.delay = 4 * time.Second
	h.start()

	id := h.capture.end()
	h.o.listener().CaptureEnded(id, domain.NewRecognitionError(domain.RecognitionErrorNetwork, errors.New("reset")))
	h.drain()

	status := h.o.Status()
	assert.Equal(t, domain.TurnStateDegraded, status.State)
	assert.Equal(t, domain.ErrorCodeRecognition, status.LastErrorCode)
	assert.Equal(t, []domain.ErrorCode{domain.ErrorCodeRecognition}, h.sink.errors)
	timers := h.activeTimers()
	require.Len(t, timers, 1)
	assert.Equal(t, 4*time.Second, timers[0].delay)

	require.True(t, h.fire())
	status = h.o.Status()
	assert.Equal(t, domain.TurnStateCapturing, status.State)
	assert.Empty(t, status.LastError)
}

func TestOrchestratorStartFailureDegrades(t *testing.T) {
	t.Parallel()

	h := newHarness(OrchestratorConfig{})
	h.capture.startErrs = []error{domain.NewRecognitionError(domain.RecognitionErrorAudio, errors.New("busy")), nil}
	h.start()
	assert.Equal(t, domain.TurnStateDegraded, h.state())

	h.fire()
	assert.Equal(t, domain.TurnStateCapturing, h.state())
}

func TestOrchestratorCleanEndRearms(t *testing.T) {
	t.Parallel()

	h := newHarness(OrchestratorConfig{})
	h.start()
	id := h.capture.end()
	h.o.listener().CaptureEnded(id, nil)
	h.drain()

	assert.Equal(t, domain.TurnStateIdle, h.state())
	require.Len(t, h.activeTimers(), 1)
	h.fire()
	assert.Equal(t, domain.TurnStateCapturing, h.state())
}

func TestOrchestratorPermissionDeniedStops(t *testing.T) {
	t.Parallel()

	h := newHarness(OrchestratorConfig{})
	h.capture.startErrs = []error{fmt.Errorf("open mic: %w", domain.ErrPermissionDenied)}
	h.start()

	status := h.o.Status()
	assert.Equal(t, domain.TurnStateStopped, status.State)
	assert.Equal(t, domain.ErrorCodePermissionDenied, status.LastErrorCode)
	assert.Equal(t, []domain.ErrorCode{domain.ErrorCodePermissionDenied}, h.sink.errors)
	assert.Empty(t, h.activeTimers())

	h.start()
	assert.Equal(t, domain.TurnStateCapturing, h.state(), "start after granting permission retries")
	assert.Empty(t, h.o.Status().LastError)
}

func TestOrchestratorInterruptWhileSpeaking(t *testing.T) {
	t.Parallel()

	h := newHarness(OrchestratorConfig{})
	h.start()
	h.speak("tell me a story")
	h.runSpawned()
	h.runSpawned()
	require.Equal(t, domain.TurnStateSpeaking, h.state())
	staleReply := h.playback.nextID

	h.interrupt()
	assert.Equal(t, domain.TurnStateCapturing, h.state())
	assert.Equal(t, 1, h.playback.cancels)
	assert.False(t, h.playback.Speaking())

	h.o.listener().PlaybackDrained(staleReply)
	h.drain()
	assert.Equal(t, domain.TurnStateCapturing, h.state(), "drain of the interrupted reply is ignored")
	assert.Zero(t, h.capture.overlaps)
}

func TestOrchestratorInterruptDuringCompletionDropsResult(t *testing.T) {
	t.Parallel()

	h := newHarness(OrchestratorConfig{})
	h.start()
	h.speak("hello")
	h.runSpawned()
	require.Equal(t, domain.TurnStateCompleting, h.state())

	h.interrupt()
	assert.Equal(t, domain.TurnStateCapturing, h.state())

	h.runSpawned()
	assert.Equal(t, domain.TurnStateCapturing, h.state())
	assert.Empty(t, h.playback.replies)
	assert.Empty(t, h.o.History())
	assert.Equal(t, 1, h.conversation.canceled)
}

func TestOrchestratorStopReleasesEverything(t *testing.T) {
	t.Parallel()

	h := newHarness(OrchestratorConfig{})
	h.start()
	h.speak("hello")
	h.runSpawned()
	h.runSpawned()
	require.Equal(t, domain.TurnStateSpeaking, h.state())

	h.stop()
	status := h.o.Status()
	assert.Equal(t, domain.TurnStateStopped, status.State)
	assert.False(t, status.Speaking)
	assert.False(t, status.Capturing)
	assert.Empty(t, h.activeTimers())
	assert.Equal(t, domain.TurnStateStopped, h.sink.lastState())

	h.finishPlayback()
	assert.Equal(t, domain.TurnStateStopped, h.state())
}

func TestOrchestratorIgnoresStaleSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(OrchestratorConfig{})
	h.start()
	current := h.capture.current()

	h.o.listener().UtteranceAccepted(current+7, domain.CapturedUtterance{Text: "ghost"})
	h.o.listener().CaptureEnded(current+7, errors.New("old"))
	h.drain()
	assert.Equal(t, domain.TurnStateCapturing, h.state())

	h.send(emotionResolved{turnID: "nope", signal: domain.NeutralSignal()})
	h.send(completionDone{turnID: "nope", result: domain.CompletionResult{Reply: "x", OK: true}})
	h.send(rearmFired{gen: 999})
	assert.Equal(t, domain.TurnStateCapturing, h.state())
	assert.Empty(t, h.playback.replies)
}

func TestOrchestratorPublishesOnlyChanges(t *testing.T) {
	t.Parallel()

	h := newHarness(OrchestratorConfig{})
	h.start()
	n := len(h.sink.statuses)
	h.send(rearmFired{gen: 12345})
	assert.Len(t, h.sink.statuses, n)
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	assert.True(t, transitionAllowed(domain.TurnStateStopped, domain.TurnStateIdle))
	assert.False(t, transitionAllowed(domain.TurnStateStopped, domain.TurnStateCapturing))
	assert.False(t, transitionAllowed(domain.TurnStateSpeaking, domain.TurnStateCapturing))
	assert.False(t, transitionAllowed(domain.TurnStateClassifying, domain.TurnStateSpeaking))
	for state := range allowedTransitions {
		assert.True(t, transitionAllowed(state, domain.TurnStateStopped) || state == domain.TurnStateStopped, state)
	}
}

func TestOrchestratorInvariantsUnderRandomEvents(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(OrchestratorConfig{ResumeDelay: time.Second})
		h.capture.delay = 2 * time.Second
		historyLen := 0

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 9).Draw(rt, "action") {
			case 0:
				h.start()
			case 1:
				h.stop()
			case 2:
				h.interrupt()
			case 3:
				if h.capture.current() != 0 {
					h.speak("hello there")
				}
			case 4:
				stale := rapid.Uint64Range(1, 50).Draw(rt, "stale")
				h.o.listener().UtteranceAccepted(h.capture.nextID+stale, domain.CapturedUtterance{Text: "ghost"})
				h.drain()
			case 5:
				if id := h.capture.end(); id != 0 {
					var err error
					switch rapid.IntRange(0, 2).Draw(rt, "endKind") {
					case 1:
						err = domain.NewRecognitionError(domain.RecognitionErrorNetwork, errors.New("net"))
					case 2:
						err = domain.NewRecognitionError(domain.RecognitionErrorNoSpeech, errors.New("quiet"))
					}
					h.o.listener().CaptureEnded(id, err)
					h.drain()
				}
			case 6, 7:
				h.runSpawned()
			case 8:
				h.fire()
			case 9:
				if h.playback.Speaking() {
					h.finishPlayback()
				}
			}

			status := h.o.Status()
			if h.capture.current() != 0 && h.playback.Speaking() {
				rt.Fatalf("capturing while speaking in state %s", status.State)
			}
			if h.capture.overlaps > 0 {
				rt.Fatalf("capture started while playback was speaking")
			}
			if n := len(h.activeTimers()); n > 1 {
				rt.Fatalf("%d re-arm timers pending", n)
			}
			if status.State == domain.TurnStateCapturing && h.capture.current() == 0 {
				rt.Fatalf("capturing state without a capture session")
			}
			if status.State == domain.TurnStateSpeaking && !h.playback.Speaking() {
				rt.Fatalf("speaking state without playback")
			}
			if status.State == domain.TurnStateStopped {
				if h.capture.current() != 0 || h.playback.Speaking() || len(h.activeTimers()) != 0 {
					rt.Fatalf("stopped but still holding resources")
				}
			}
			if got := len(h.o.History()); got < historyLen || got%2 != 0 {
				rt.Fatalf("history length went from %d to %d", historyLen, got)
			} else {
				historyLen = got
			}
			if h.logs.Len() > 0 {
				rt.Fatalf("unexpected error log: %s", h.logs.String())
			}
		}
	})
}

type countingProbe struct {
	mu    sync.Mutex
	calls int
}

func (p *countingProbe) CheckHealth(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return false
}

func TestOrchestratorRunLoop(t *testing.T) {
	t.Parallel()

	playback := &fakePlaybackControl{}
	capture := &fakeCaptureControl{playback: playback, delay: time.Millisecond}
	sink := &recordingSink{}
	probe := &countingProbe{}
	o := NewOrchestrator(capture, fixedResolver{signal: domain.NeutralSignal()}, &echoConversation{}, playback, sink,
		OrchestratorConfig{ResumeDelay: time.Millisecond}, zerolog.Nop(), nil)
	o.UseHealthProbe(probe)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	require.NoError(t, o.Start(ctx))
	require.Eventually(t, func() bool { return o.Status().State == domain.TurnStateCapturing }, time.Second, time.Millisecond)
	require.NoError(t, o.Start(ctx))
	assert.Equal(t, 1, probe.calls, "probe runs once per session")

	o.listener().UtteranceAccepted(capture.current(), domain.CapturedUtterance{Text: "hi"})
	require.Eventually(t, func() bool { return o.Status().State == domain.TurnStateSpeaking }, time.Second, time.Millisecond)

	o.listener().PlaybackDrained(playback.finish())
	require.Eventually(t, func() bool { return o.Status().State == domain.TurnStateCapturing }, time.Second, time.Millisecond)
	assert.Len(t, o.History(), 2)

	require.NoError(t, o.Stop(ctx))
	assert.Equal(t, domain.TurnStateStopped, o.Status().State)

	cancel()
	<-done
	assert.ErrorIs(t, o.Start(context.Background()), ErrOrchestratorClosed)
	assert.ErrorIs(t, o.Interrupt(context.Background()), ErrOrchestratorClosed)
}
