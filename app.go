package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"companion/internal/bootstrap"
	"companion/internal/config"
	"companion/internal/domain"
	"companion/internal/logging"
	"companion/internal/usecase"
)

const (
	eventStatus = "companion:status"
	eventReply  = "companion:reply"
	eventError  = "companion:error"
)

// App is the Wails application root.
type App struct {
	ctx context.Context

	orchestrator *usecase.Orchestrator
	cfg          config.Config
	logger       *logging.Logger
	bootErr      error

	cancel  context.CancelFunc
	runDone chan struct{}
	mu      sync.Mutex
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	cfg, err := config.Load()
	if err != nil {
		a.fail(err)
		return
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}, os.Stderr)
	if err != nil {
		a.fail(err)
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Warn().Err(err).Msg("credentials missing, the first turn will fail")
	}

	services, err := bootstrap.Build(cfg, logger.Logger, a)
	if err != nil {
		_ = logger.Close()
		a.fail(err)
		return
	}

	a.cfg = services.Config
	a.logger = logger
	a.orchestrator = services.Orchestrator

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.runDone = make(chan struct{})
	go func() {
		defer close(a.runDone)
		a.orchestrator.Run(runCtx)
	}()

	a.StatusChanged(a.orchestrator.Status())
}

func (a *App) shutdown(context.Context) {
	if a.cancel != nil {
		a.cancel()
		<-a.runDone
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

func (a *App) fail(err error) {
	a.bootErr = err
	a.Error(domain.ErrorCodeStartup, err.Error())
}

// Start begins listening and replying.
func (a *App) Start() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.orchestrator.Start(a.ctx); err != nil {
		return domain.Status{}, err
	}
	return a.orchestrator.Status(), nil
}

// Stop ends the conversation and releases the microphone.
func (a *App) Stop() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.orchestrator.Stop(a.ctx); err != nil {
		return domain.Status{}, err
	}
	return a.orchestrator.Status(), nil
}

// Interrupt cuts the current reply short and listens again.
func (a *App) Interrupt() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.orchestrator.Interrupt(a.ctx)
}

// GetStatus returns the current turn status.
func (a *App) GetStatus() domain.Status {
	if a.orchestrator == nil {
		status := domain.Status{State: domain.TurnStateStopped}
		if a.bootErr != nil {
			status.LastError = a.bootErr.Error()
			status.LastErrorCode = domain.ErrorCodeStartup
		}
		return status
	}
	return a.orchestrator.Status()
}

// GetHistory returns the conversation so far.
func (a *App) GetHistory() domain.History {
	if a.orchestrator == nil {
		return nil
	}
	return a.orchestrator.History()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	return map[string]string{
		"recognizer":       "Deepgram " + a.cfg.Deepgram.Model,
		"completionModel":  a.cfg.Completion.Model,
		"voice":            a.cfg.Speech.Voice,
		"emotionService":   a.cfg.Emotion.BaseURL,
		"audioInput":       a.cfg.Audio.InputDevice,
		"audioInputFormat": a.cfg.Audio.InputFormat,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.orchestrator == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// StatusChanged emits turn state updates to the frontend.
func (a *App) StatusChanged(status domain.Status) {
	if a.ctx == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	runtime.EventsEmit(a.ctx, eventStatus, map[string]any{
		"status":  status,
		"message": statusMessage(status.State),
	})
}

// ReplyReady emits the reply text being spoken.
func (a *App) ReplyReady(turnID string, text string) {
	if a.ctx == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	runtime.EventsEmit(a.ctx, eventReply, map[string]string{
		"turnId": turnID,
		"text":   text,
	})
}

// Error emits backend errors to the UI.
func (a *App) Error(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func statusMessage(state domain.TurnState) string {
	switch state {
	case domain.TurnStateStopped:
		return "Not listening"
	case domain.TurnStateIdle:
		return "Getting ready to listen"
	case domain.TurnStateCapturing:
		return "Listening..."
	case domain.TurnStateClassifying:
		return "Reading your tone"
	case domain.TurnStateCompleting:
		return "Thinking..."
	case domain.TurnStateSpeaking:
		return "Speaking"
	case domain.TurnStateDegraded:
		return "Reconnecting"
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodePermissionDenied:
		return "Microphone access denied"
	case domain.ErrorCodeRecognition:
		return "Speech recognition issue"
	case domain.ErrorCodePlayback:
		return "Playback issue"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
