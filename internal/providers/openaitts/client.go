// Package openaitts synthesizes speech with an OpenAI-compatible /audio/speech endpoint.
package openaitts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"companion/internal/ports"
)

// Config holds synthesis settings. Voice and Speed are the pronunciation parameters.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	Speed   float64
	Format  string
	Timeout time.Duration
}

// Client calls POST {base}/audio/speech.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	if cfg.Voice == "" {
		cfg.Voice = "nova"
	}
	if cfg.Speed < 0.25 || cfg.Speed > 4 {
		cfg.Speed = 1.0
	}
	if cfg.Format == "" {
		cfg.Format = "mp3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With().Str("component", "openaitts").Logger(),
	}
}

type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format,omitempty"`
	Speed          float64 `json:"speed,omitempty"`
}

// Format is the encoding returned by Synthesize.
func (c *Client) Format() string { return c.cfg.Format }

// Synthesize returns encoded audio for text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, errors.New("OPENAI_API_KEY is not configured")
	}

	body, err := json.Marshal(speechRequest{
		Model:          c.cfg.Model,
		Input:          text,
		Voice:          c.cfg.Voice,
		ResponseFormat: c.cfg.Format,
		Speed:          c.cfg.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("speech synthesis %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	clip, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	c.log.Debug().
		Str("voice", c.cfg.Voice).
		Int("audioBytes", len(clip)).
		Dur("took", time.Since(start)).
		Msg("speech synthesized")
	return clip, nil
}

// Speaker synthesizes a unit and plays it to completion.
type Speaker struct {
	client *Client
	player ports.AudioPlayer
}

func NewSpeaker(client *Client, player ports.AudioPlayer) *Speaker {
	return &Speaker{client: client, player: player}
}

func (s *Speaker) Speak(ctx context.Context, text string) error {
	clip, err := s.client.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	return s.player.Play(ctx, clip, s.client.Format())
}

var _ ports.Synthesizer = (*Speaker)(nil)
