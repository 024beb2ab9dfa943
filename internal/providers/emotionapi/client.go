package emotionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"companion/internal/audio"
	"companion/internal/domain"
	"companion/internal/ports"
)

const (
	statusSuccess        = "success"
	statusError          = "error"
	statusModelNotLoaded = "model_not_loaded"
	// StatusHealthy is the health status that enables audio inference.
	StatusHealthy = "healthy"
)

// Config controls the remote emotion classifier.
type Config struct {
	BaseURL         string
	ClassifyTimeout time.Duration
	HealthTimeout   time.Duration
}

// Client implements ports.EmotionClassifier against the detection service.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "http://localhost:8000"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = 5 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{},
		log:  log.With().Str("component", "emotionapi").Logger(),
	}
}

type detectResponse struct {
	Emotion    string  `json:"emotion"`
	Confidence float64 `json:"confidence"`
	Status     string  `json:"status"`
	Message    string  `json:"message"`
}

// Classify uploads the clip as recording.wav and returns the detected emotion.
func (c *Client) Classify(ctx context.Context, clip domain.AudioClip) (domain.EmotionSignal, error) {
	wav, err := audio.EncodeWAV(clip)
	if err != nil {
		return domain.EmotionSignal{}, fmt.Errorf("%w: %v", domain.ErrInferenceUnavailable, err)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("audio_file", "recording.wav")
	if err != nil {
		return domain.EmotionSignal{}, err
	}
	if _, err := fw.Write(wav); err != nil {
		return domain.EmotionSignal{}, err
	}
	if err := w.Close(); err != nil {
		return domain.EmotionSignal{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ClassifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/detect-emotion", &body)
	if err != nil {
		return domain.EmotionSignal{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.EmotionSignal{}, fmt.Errorf("%w: %v", domain.ErrInferenceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.EmotionSignal{}, fmt.Errorf("%w: detect-emotion %s: %s", domain.ErrInferenceUnavailable, resp.Status, strings.TrimSpace(string(msg)))
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.EmotionSignal{}, fmt.Errorf("%w: detect-emotion decode: %v", domain.ErrInferenceUnavailable, err)
	}

	switch strings.ToLower(strings.TrimSpace(out.Status)) {
	case statusError, statusModelNotLoaded:
		return domain.EmotionSignal{}, fmt.Errorf("%w: service reported %s: %s", domain.ErrInferenceUnavailable, out.Status, out.Message)
	}
	if strings.TrimSpace(out.Emotion) == "" {
		return domain.EmotionSignal{}, fmt.Errorf("%w: empty emotion label", domain.ErrInferenceUnavailable)
	}

	c.log.Debug().Str("emotion", out.Emotion).Float64("confidence", out.Confidence).Msg("audio emotion detected")
	return domain.EmotionSignal{
		Label:      domain.Emotion(out.Emotion),
		Confidence: out.Confidence,
		Source:     domain.EmotionSourceAudio,
	}.Normalize(), nil
}

// Health queries GET /health.
func (c *Client) Health(ctx context.Context) (ports.EmotionHealth, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return ports.EmotionHealth{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ports.EmotionHealth{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ports.EmotionHealth{}, fmt.Errorf("health %s", resp.Status)
	}

	var out ports.EmotionHealth
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ports.EmotionHealth{}, fmt.Errorf("health decode: %w", err)
	}
	if out.Status == "" {
		return out, errors.New("health response missing status")
	}
	return out, nil
}
