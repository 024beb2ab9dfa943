package mistral

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"companion/internal/domain"
	"companion/internal/ports"
)

// Config controls the chat-completions endpoint.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client implements ports.CompletionProvider for Mistral's OpenAI-compatible API.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.mistral.ai/v1"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Model == "" {
		cfg.Model = "mistral-tiny"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With().Str("component", "mistral").Logger(),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		FinishReason string      `json:"finish_reason"`
		Message      chatMessage `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Message string `json:"message"`
	Detail  any    `json:"detail"`
	Error   struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one chat completion. An empty choice list yields "" and no error.
func (c *Client) Complete(ctx context.Context, req ports.CompletionRequest) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", &domain.CompletionError{Kind: domain.CompletionErrorOther, Message: "MISTRAL_API_KEY is not configured"}
	}

	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	for _, msg := range req.Messages {
		payload.Messages = append(payload.Messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &domain.CompletionError{Kind: domain.CompletionErrorOther, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &domain.CompletionError{Kind: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorMessage(resp.Body)
		c.log.Warn().Int("status", resp.StatusCode).Str("message", msg).Msg("chat completion failed")
		return "", mapHTTPError(resp.StatusCode, msg)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &domain.CompletionError{Kind: domain.CompletionErrorOther, Message: "decode chat response", Err: err}
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}

// mapHTTPError classifies a non-200 response for the retry decision.
func mapHTTPError(status int, msg string) *domain.CompletionError {
	kind := domain.CompletionErrorOther
	switch {
	case status == http.StatusServiceUnavailable, isWarmingMessage(msg):
		kind = domain.CompletionErrorWarming
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		kind = domain.CompletionErrorClient
	}
	return &domain.CompletionError{Kind: kind, StatusCode: status, Message: msg}
}

func isWarmingMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "warming up") || strings.Contains(lower, "currently loading")
}

func classifyTransport(err error) domain.CompletionErrorKind {
	if isWarmingMessage(err.Error()) {
		return domain.CompletionErrorWarming
	}
	return domain.CompletionErrorOther
}

func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 8192))
	if err != nil {
		return "failed to read error response"
	}

	var errResp errorResponse
	if err := json.Unmarshal(data, &errResp); err == nil {
		switch {
		case errResp.Error.Message != "":
			return errResp.Error.Message
		case errResp.Message != "":
			return errResp.Message
		}
	}
	return strings.TrimSpace(string(data))
}

var _ ports.CompletionProvider = (*Client)(nil)
