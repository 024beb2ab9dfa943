package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"companion/internal/domain"
	"companion/internal/metrics"
	"companion/internal/ports"
)

// ErrOrchestratorClosed is returned by calls made after Run has exited.
var ErrOrchestratorClosed = errors.New("orchestrator is not running")

// CaptureControl is the part of CaptureController the orchestrator drives.
type CaptureControl interface {
	Start(ctx context.Context, listener CaptureListener) (uint64, error)
	Stop() error
	RestartDelay(err error) time.Duration
	ResetBackoff()
}

// PlaybackControl is the part of PlaybackQueue the orchestrator drives.
type PlaybackControl interface {
	EnqueueReply(text string, listener PlaybackListener) (uint64, int, error)
	CancelAll()
	Speaking() bool
}

// HealthProbe decides once per session whether audio emotion inference is attempted.
type HealthProbe interface {
	CheckHealth(ctx context.Context) bool
}

// OrchestratorConfig controls turn pacing.
type OrchestratorConfig struct {
	// ResumeDelay is the pause between the end of playback and re-arming capture.
	ResumeDelay time.Duration
	EventBuffer int
}

type activeTurn struct {
	turn    domain.Turn
	ctx     context.Context
	cancel  context.CancelFunc
	replyID uint64
}

// Orchestrator owns the turn state machine. All state below the loop marker
// is touched only by the goroutine running Run.
type Orchestrator struct {
	capture      CaptureControl
	emotion      ports.EmotionResolver
	conversation ports.Conversation
	playback     PlaybackControl
	sink         ports.EventSink
	health       HealthProbe
	cfg          OrchestratorConfig
	log          zerolog.Logger
	metrics      *metrics.Collector

	events chan event
	done   chan struct{}

	spawn    func(func())
	schedule func(time.Duration, func()) (stop func() bool)
	newID    func() string
	now      func() time.Time

	// loop state
	state       domain.TurnState
	captureID   uint64
	turn        *activeTurn
	history     domain.History
	timerGen    uint64
	stopTimer   func() bool
	lastErr     string
	lastErrCode domain.ErrorCode
	lastEmotion domain.EmotionSignal
	reply       string

	statusMu sync.RWMutex
	status   domain.Status
}

func NewOrchestrator(
	capture CaptureControl,
	emotion ports.EmotionResolver,
	conversation ports.Conversation,
	playback PlaybackControl,
	sink ports.EventSink,
	cfg OrchestratorConfig,
	log zerolog.Logger,
	m *metrics.Collector,
) *Orchestrator {
	if cfg.ResumeDelay < 0 {
		cfg.ResumeDelay = 0
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 128
	}
	o := &Orchestrator{
		capture:      capture,
		emotion:      emotion,
		conversation: conversation,
		playback:     playback,
		sink:         sink,
		cfg:          cfg,
		log:          log.With().Str("component", "orchestrator").Logger(),
		metrics:      m,
		events:       make(chan event, cfg.EventBuffer),
		done:         make(chan struct{}),
		spawn:        func(f func()) { go f() },
		schedule: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		newID:       uuid.NewString,
		now:         time.Now,
		state:       domain.TurnStateStopped,
		lastEmotion: domain.NeutralSignal(),
	}
	o.status = o.buildStatus()
	return o
}

// Run processes events until ctx is cancelled, then releases everything.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			o.publish()
			return
		case ev := <-o.events:
			o.handle(ctx, ev)
		}
	}
}

// UseHealthProbe installs the session-start probe. Call before Run.
func (o *Orchestrator) UseHealthProbe(p HealthProbe) {
	o.health = p
}

// Start begins continuous turn-taking. It is a no-op when already running.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.health != nil && o.Status().State == domain.TurnStateStopped {
		available := o.health.CheckHealth(ctx)
		o.log.Info().Bool("audioEmotion", available).Msg("emotion service probed")
	}

	reply := make(chan error, 1)
	if err := o.request(ctx, startRequest{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrOrchestratorClosed
	}
}

// Stop cancels the current turn, silences playback, and releases the microphone.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.call(ctx, func(reply chan struct{}) event { return stopRequest{reply: reply} })
}

// Interrupt abandons the current turn and listens again right away.
func (o *Orchestrator) Interrupt(ctx context.Context) error {
	return o.call(ctx, func(reply chan struct{}) event { return interruptRequest{reply: reply} })
}

// Status returns the latest published snapshot.
func (o *Orchestrator) Status() domain.Status {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.status
}

// History returns a copy of the conversation so far.
func (o *Orchestrator) History() domain.History {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	return o.history.Clone()
}

func (o *Orchestrator) call(ctx context.Context, build func(chan struct{}) event) error {
	reply := make(chan struct{}, 1)
	if err := o.request(ctx, build(reply)); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrOrchestratorClosed
	}
}

func (o *Orchestrator) request(ctx context.Context, ev event) error {
	select {
	case o.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrOrchestratorClosed
	}
}

func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.done:
	}
}

func (o *Orchestrator) listener() loopListener {
	return loopListener{o: o}
}

func (o *Orchestrator) handle(ctx context.Context, ev event) {
	var ack func()
	switch e := ev.(type) {
	case startRequest:
		o.onStart(ctx)
		ack = func() { e.reply <- nil }
	case stopRequest:
		o.shutdown()
		ack = func() { e.reply <- struct{}{} }
	case interruptRequest:
		o.onInterrupt(ctx)
		ack = func() { e.reply <- struct{}{} }
	case utteranceAccepted:
		o.onUtterance(ctx, e)
	case captureEnded:
		o.onCaptureEnded(e)
	case emotionResolved:
		o.onEmotion(e)
	case completionDone:
		o.onCompletion(e)
	case playbackDrained:
		o.onDrained(e)
	case rearmFired:
		o.onRearm(ctx, e)
	}
	o.publish()
	// Callers observe the published status once their request returns.
	if ack != nil {
		ack()
	}
}

func (o *Orchestrator) onStart(ctx context.Context) {
	if o.state != domain.TurnStateStopped {
		return
	}
	o.clearError()
	o.setState(domain.TurnStateIdle)
	o.log.Info().Msg("turn-taking started")
	o.startCapture(ctx)
}

func (o *Orchestrator) onInterrupt(ctx context.Context) {
	if o.turn == nil {
		return
	}
	o.log.Info().Str("turn", o.turn.turn.ID).Str("state", string(o.state)).Msg("turn interrupted")
	o.playback.CancelAll()
	o.endTurn("interrupted")
	o.setState(domain.TurnStateIdle)
	o.startCapture(ctx)
}

func (o *Orchestrator) onUtterance(ctx context.Context, e utteranceAccepted) {
	if o.state != domain.TurnStateCapturing || e.sessionID != o.captureID {
		o.ignore(e, "session is not current")
		return
	}

	o.stopCapture()
	o.capture.ResetBackoff()

	turnCtx, cancel := context.WithCancel(ctx)
	at := &activeTurn{
		turn: domain.Turn{
			ID:         o.newID(),
			Transcript: e.utterance.Text,
			StartedAt:  o.now(),
		},
		ctx:    turnCtx,
		cancel: cancel,
	}
	o.turn = at
	o.reply = ""
	o.setState(domain.TurnStateClassifying)
	o.log.Info().Str("turn", at.turn.ID).Str("transcript", at.turn.Transcript).Msg("utterance accepted")

	utterance := e.utterance
	turnID := at.turn.ID
	o.spawn(func() {
		signal := o.emotion.Resolve(turnCtx, utterance)
		o.post(emotionResolved{turnID: turnID, signal: signal})
	})
}

func (o *Orchestrator) onEmotion(e emotionResolved) {
	if o.state != domain.TurnStateClassifying || o.turn == nil || o.turn.turn.ID != e.turnID {
		o.ignore(e, "turn is not current")
		return
	}

	signal := e.signal.Normalize()
	o.turn.turn.Emotion = signal
	o.lastEmotion = signal
	o.setState(domain.TurnStateCompleting)

	turnCtx := o.turn.ctx
	transcript := o.turn.turn.Transcript
	snapshot := o.history.Clone()
	turnID := e.turnID
	o.spawn(func() {
		result := o.conversation.Complete(turnCtx, transcript, signal, snapshot)
		o.post(completionDone{turnID: turnID, result: result})
	})
}

func (o *Orchestrator) onCompletion(e completionDone) {
	if o.state != domain.TurnStateCompleting || o.turn == nil || o.turn.turn.ID != e.turnID {
		o.ignore(e, "turn is not current")
		return
	}

	if e.result.OK {
		o.statusMu.Lock()
		o.history = e.result.History.Clone()
		o.statusMu.Unlock()
	}

	// The microphone must be closed before anything is spoken.
	o.stopCapture()

	replyID, units, err := o.playback.EnqueueReply(e.result.Reply, o.listener())
	if err != nil {
		o.log.Warn().Err(err).Str("turn", e.turnID).Msg("reply not spoken")
		o.endTurn("silent")
		o.setState(domain.TurnStateIdle)
		o.scheduleRearm(o.cfg.ResumeDelay, "resume")
		return
	}

	o.turn.replyID = replyID
	o.turn.turn.Reply = e.result.Reply
	o.turn.turn.Units = units
	o.reply = e.result.Reply
	o.setState(domain.TurnStateSpeaking)
	o.sink.ReplyReady(e.turnID, e.result.Reply)
}

func (o *Orchestrator) onDrained(e playbackDrained) {
	if o.state != domain.TurnStateSpeaking || o.turn == nil || o.turn.replyID != e.replyID {
		o.ignore(e, "reply is not current")
		return
	}
	o.endTurn("replied")
	o.setState(domain.TurnStateIdle)
	o.scheduleRearm(o.cfg.ResumeDelay, "resume")
}

func (o *Orchestrator) onCaptureEnded(e captureEnded) {
	if e.sessionID == 0 || e.sessionID != o.captureID {
		o.ignore(e, "session is not current")
		return
	}
	o.captureID = 0
	o.metrics.SetCapturing(false)

	switch {
	case e.err == nil:
		o.setState(domain.TurnStateIdle)
		o.scheduleRearm(o.capture.RestartDelay(nil), "ended")
	case errors.Is(e.err, domain.ErrPermissionDenied):
		o.permissionDenied(e.err)
	default:
		o.degrade(e.err)
	}
}

func (o *Orchestrator) onRearm(ctx context.Context, e rearmFired) {
	if e.gen != o.timerGen {
		o.ignore(e, "timer superseded")
		return
	}
	o.stopTimer = nil
	if o.state != domain.TurnStateIdle && o.state != domain.TurnStateDegraded {
		o.ignore(e, "not waiting to capture")
		return
	}
	if o.state == domain.TurnStateDegraded {
		o.setState(domain.TurnStateIdle)
	}
	o.startCapture(ctx)
}

// startCapture opens the microphone when nothing is being spoken.
func (o *Orchestrator) startCapture(ctx context.Context) {
	if o.captureID != 0 {
		return
	}
	if o.playback.Speaking() {
		o.log.Debug().Msg("playback active, capture not started")
		return
	}
	o.cancelTimer()

	id, err := o.capture.Start(ctx, o.listener())
	if err != nil {
		if errors.Is(err, domain.ErrPermissionDenied) {
			o.permissionDenied(err)
			return
		}
		o.degrade(err)
		return
	}

	o.captureID = id
	if o.lastErrCode == domain.ErrorCodeRecognition {
		o.clearError()
	}
	o.setState(domain.TurnStateCapturing)
}

func (o *Orchestrator) stopCapture() {
	if o.captureID == 0 {
		return
	}
	_ = o.capture.Stop()
	o.captureID = 0
}

func (o *Orchestrator) degrade(err error) {
	delay := o.capture.RestartDelay(err)
	kind := string(domain.RecognitionKind(err))
	if kind == "" {
		kind = string(domain.RecognitionErrorOther)
	}
	o.log.Warn().Err(err).Dur("retryIn", delay).Msg("capture degraded")
	o.setError(domain.ErrorCodeRecognition, err.Error())
	o.setState(domain.TurnStateDegraded)
	o.scheduleRearm(delay, kind)
}

func (o *Orchestrator) permissionDenied(err error) {
	o.log.Error().Err(err).Msg("microphone permission denied")
	o.shutdown()
	o.setError(domain.ErrorCodePermissionDenied, "Microphone access was denied. Allow microphone access and start again.")
}

// shutdown releases every resource and parks the machine in stopped.
func (o *Orchestrator) shutdown() {
	o.cancelTimer()
	o.playback.CancelAll()
	o.endTurn("stopped")
	o.stopCapture()
	o.reply = ""
	if o.state != domain.TurnStateStopped {
		o.setState(domain.TurnStateStopped)
	}
}

func (o *Orchestrator) endTurn(outcome string) {
	if o.turn == nil {
		return
	}
	o.turn.cancel()
	o.metrics.RecordTurn(outcome)
	o.log.Debug().
		Str("turn", o.turn.turn.ID).
		Str("outcome", outcome).
		Dur("elapsed", o.now().Sub(o.turn.turn.StartedAt)).
		Msg("turn finished")
	o.turn = nil
	if outcome != "replied" {
		o.reply = ""
	}
}

// scheduleRearm replaces any pending re-arm timer.
func (o *Orchestrator) scheduleRearm(delay time.Duration, reason string) {
	o.cancelTimer()
	o.timerGen++
	gen := o.timerGen
	o.metrics.RecordCaptureRestart(reason)
	o.stopTimer = o.schedule(delay, func() { o.post(rearmFired{gen: gen}) })
}

func (o *Orchestrator) cancelTimer() {
	if o.stopTimer != nil {
		o.stopTimer()
		o.stopTimer = nil
	}
	o.timerGen++
}

func (o *Orchestrator) setState(next domain.TurnState) {
	if next == o.state && next != domain.TurnStateDegraded {
		return
	}
	if !transitionAllowed(o.state, next) {
		o.log.Error().Str("from", string(o.state)).Str("to", string(next)).Msg("illegal state transition refused")
		return
	}
	o.log.Debug().Str("from", string(o.state)).Str("to", string(next)).Msg("state transition")
	o.metrics.RecordTransition(string(o.state), string(next))
	o.state = next
}

func (o *Orchestrator) setError(code domain.ErrorCode, detail string) {
	o.lastErr = detail
	o.lastErrCode = code
	o.sink.Error(code, detail)
}

func (o *Orchestrator) clearError() {
	o.lastErr = ""
	o.lastErrCode = ""
}

func (o *Orchestrator) ignore(ev event, why string) {
	o.log.Debug().Str("event", ev.name()).Str("state", string(o.state)).Str("why", why).Msg("ignoring event")
}

func (o *Orchestrator) buildStatus() domain.Status {
	status := domain.Status{
		State:         o.state,
		Capturing:     o.captureID != 0,
		Speaking:      o.playback.Speaking(),
		CurrentReply:  o.reply,
		LastError:     o.lastErr,
		LastErrorCode: o.lastErrCode,
		Emotion:       o.lastEmotion,
	}
	if o.turn != nil {
		status.TurnID = o.turn.turn.ID
	}
	return status
}

// publish stores a new snapshot and notifies the sink when anything changed.
func (o *Orchestrator) publish() {
	next := o.buildStatus()

	o.statusMu.Lock()
	prev := o.status
	prev.UpdatedAt = time.Time{}
	changed := prev != next
	if changed {
		next.UpdatedAt = o.now()
		o.status = next
	}
	o.statusMu.Unlock()

	if changed {
		o.sink.StatusChanged(next)
	}
}
