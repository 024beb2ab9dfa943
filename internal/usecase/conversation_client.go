package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"companion/internal/domain"
	"companion/internal/metrics"
	"companion/internal/ports"
)

// ConversationConfig controls completion parameters and warm-up retry.
type ConversationConfig struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
	// WarmupAttempts is the total number of requests made while the model warms up.
	WarmupAttempts int
	// WarmupDelay is the first retry delay; each later delay doubles.
	WarmupDelay time.Duration
}

// ConversationClient turns a transcript and emotion into a reply. It never
// returns an error: failures become apology replies with the history untouched.
type ConversationClient struct {
	provider ports.CompletionProvider
	cfg      ConversationConfig
	log      zerolog.Logger
	metrics  *metrics.Collector
}

func NewConversationClient(provider ports.CompletionProvider, cfg ConversationConfig, log zerolog.Logger, m *metrics.Collector) *ConversationClient {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 150
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 0.9
	}
	if cfg.WarmupAttempts <= 0 {
		cfg.WarmupAttempts = 3
	}
	if cfg.WarmupDelay <= 0 {
		cfg.WarmupDelay = 2 * time.Second
	}
	return &ConversationClient{
		provider: provider,
		cfg:      cfg,
		log:      log.With().Str("component", "conversation").Logger(),
		metrics:  m,
	}
}

// warmupBackoff yields WarmupDelay, 2*WarmupDelay, ... for WarmupAttempts-1 retries.
func (c *ConversationClient) warmupBackoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(c.cfg.WarmupAttempts-1), retry.NewExponential(c.cfg.WarmupDelay))
}

func (c *ConversationClient) Complete(ctx context.Context, userMessage string, emotion domain.EmotionSignal, history domain.History) domain.CompletionResult {
	signal := emotion.Normalize()
	prior := history.WithoutSystem()

	messages := make(domain.History, 0, len(prior)+2)
	messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: BuildSystemPrompt(signal)})
	messages = append(messages, prior...)
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: userMessage})

	req := ports.CompletionRequest{
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
	}

	start := time.Now()
	attempt := 0
	var reply string
	err := retry.Do(ctx, c.warmupBackoff(), func(ctx context.Context) error {
		attempt++
		out, err := c.provider.Complete(ctx, req)
		if err == nil {
			c.metrics.RecordCompletionAttempt("ok")
			reply = out
			return nil
		}

		kind := domain.CompletionKind(err)
		c.metrics.RecordCompletionAttempt(string(kind))
		if kind == domain.CompletionErrorWarming {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("model warming up, will retry")
			return retry.RetryableError(err)
		}
		return err
	})
	c.metrics.RecordCompletionDuration(time.Since(start))

	if err != nil {
		return c.failure(err, history, signal.Label)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = replyNoGeneration
	}

	updated := make(domain.History, 0, len(prior)+2)
	updated = append(updated, prior...)
	updated = append(updated,
		domain.Message{Role: domain.RoleUser, Content: userMessage},
		domain.Message{Role: domain.RoleAssistant, Content: reply},
	)
	return domain.CompletionResult{
		Reply:   reply,
		History: updated,
		Emotion: signal.Label,
		OK:      true,
	}
}

func (c *ConversationClient) failure(err error, history domain.History, label domain.Emotion) domain.CompletionResult {
	kind := domain.CompletionKind(err)
	reply := replyTechnical
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = domain.CompletionErrorOther
	case kind == domain.CompletionErrorClient:
		reply = replyRephrase
	case kind == domain.CompletionErrorWarming:
		reply = replyUnavailable
	}
	c.log.Warn().Err(err).Str("kind", string(kind)).Msg("completion failed, replying with apology")
	return domain.CompletionResult{
		Reply:   reply,
		History: history,
		Emotion: label,
		Failure: kind,
	}
}

var _ ports.Conversation = (*ConversationClient)(nil)
