package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores runtime configuration for the companion.
type Config struct {
	Deepgram   DeepgramConfig   `mapstructure:"deepgram"`
	Audio      AudioConfig      `mapstructure:"audio"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Emotion    EmotionConfig    `mapstructure:"emotion"`
	Completion CompletionConfig `mapstructure:"completion"`
	Speech     SpeechConfig     `mapstructure:"speech"`
	Turn       TurnConfig       `mapstructure:"turn"`
	Log        LogConfig        `mapstructure:"log"`
	Status     StatusConfig     `mapstructure:"status"`
}

type DeepgramConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	APIBaseURL  string        `mapstructure:"api_base"`
	Model       string        `mapstructure:"model"`
	Language    string        `mapstructure:"language"`
	SmartFormat bool          `mapstructure:"smart_format"`
	KeepAlive   time.Duration `mapstructure:"keep_alive"`
}

type AudioConfig struct {
	RecorderCommand string `mapstructure:"recorder_command"`
	PlayerCommand   string `mapstructure:"player_command"`
	InputFormat     string `mapstructure:"input_format"`
	InputDevice     string `mapstructure:"input_device"`
	SampleRate      int    `mapstructure:"sample_rate"`
	Channels        int    `mapstructure:"channels"`
	// OutputVolume is 0-100.
	OutputVolume int `mapstructure:"output_volume"`
}

type CaptureConfig struct {
	ChunkSize         int           `mapstructure:"chunk_size"`
	MinConfidence     float64       `mapstructure:"min_confidence"`
	MaxUtteranceBytes int           `mapstructure:"max_utterance_bytes"`
	RestartDelay      time.Duration `mapstructure:"restart_delay"`
	MaxRestartBackoff time.Duration `mapstructure:"max_restart_backoff"`
	RestartBurst      int           `mapstructure:"restart_burst"`
	RestartInterval   time.Duration `mapstructure:"restart_interval"`
}

type EmotionConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ReprobeInterval  time.Duration `mapstructure:"reprobe_interval"`
	KeywordsFile     string        `mapstructure:"keywords_file"`
}

type CompletionConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
	TopP           float64       `mapstructure:"top_p"`
	WarmupAttempts int           `mapstructure:"warmup_attempts"`
	WarmupDelay    time.Duration `mapstructure:"warmup_delay"`
}

type SpeechConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Voice   string        `mapstructure:"voice"`
	Speed   float64       `mapstructure:"speed"`
	Format  string        `mapstructure:"format"`
	Timeout time.Duration `mapstructure:"timeout"`
	ItemGap time.Duration `mapstructure:"item_gap"`
}

type TurnConfig struct {
	ResumeDelay time.Duration `mapstructure:"resume_delay"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

var defaults = map[string]any{
	"deepgram.api_base":     "https://api.deepgram.com/v1",
	"deepgram.model":        "nova-2",
	"deepgram.language":     "",
	"deepgram.smart_format": true,
	"deepgram.keep_alive":   5 * time.Second,

	"audio.recorder_command": "ffmpeg",
	"audio.player_command":   "ffplay",
	"audio.input_format":     "pulse",
	"audio.input_device":     "default",
	"audio.sample_rate":      16000,
	"audio.channels":         1,
	"audio.output_volume":    100,

	"capture.chunk_size":          4096,
	"capture.min_confidence":      0.5,
	"capture.max_utterance_bytes": 60 * 16000 * 2,
	"capture.restart_delay":       time.Second,
	"capture.max_restart_backoff": 30 * time.Second,
	"capture.restart_burst":       5,
	"capture.restart_interval":    2 * time.Second,

	"emotion.base_url":          "http://localhost:8000",
	"emotion.timeout":           5 * time.Second,
	"emotion.health_timeout":    2 * time.Second,
	"emotion.failure_threshold": 3,
	"emotion.reprobe_interval":  time.Minute,
	"emotion.keywords_file":     "",

	"completion.base_url":        "https://api.mistral.ai/v1",
	"completion.model":           "mistral-tiny",
	"completion.timeout":         15 * time.Second,
	"completion.max_tokens":      150,
	"completion.temperature":     0.7,
	"completion.top_p":           0.9,
	"completion.warmup_attempts": 3,
	"completion.warmup_delay":    2 * time.Second,

	"speech.base_url": "https://api.openai.com/v1",
	"speech.model":    "tts-1",
	"speech.voice":    "nova",
	"speech.speed":    0.95,
	"speech.format":   "mp3",
	"speech.timeout":  30 * time.Second,
	"speech.item_gap": 250 * time.Millisecond,

	"turn.resume_delay": 1500 * time.Millisecond,

	"log.level":  "info",
	"log.format": "console",
	"log.file":   "",

	"status.addr": "127.0.0.1:8765",
}

// providerEnv maps keys to the unprefixed variables the providers document.
var providerEnv = map[string][]string{
	"deepgram.api_key":      {"DEEPGRAM_API_KEY"},
	"deepgram.api_base":     {"DEEPGRAM_API_BASE"},
	"deepgram.model":        {"DEEPGRAM_MODEL"},
	"deepgram.language":     {"DEEPGRAM_LANGUAGE"},
	"deepgram.smart_format": {"DEEPGRAM_SMART_FORMAT"},
	"audio.input_device":    {"DEEPGRAM_PULSE_SOURCE"},
	"completion.api_key":    {"MISTRAL_API_KEY"},
	"speech.api_key":        {"OPENAI_API_KEY"},
}

// Load resolves configuration from defaults, an optional YAML file named by
// COMPANION_CONFIG_FILE, and environment variables.
func Load() (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("COMPANION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range providerEnv {
		prefixed := "COMPANION_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, envs...)...); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path := strings.TrimSpace(os.Getenv("COMPANION_CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else if path := defaultConfigFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// defaultConfigFile returns ~/.config/companion/config.yaml when it exists.
func defaultConfigFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".config", "companion", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func (c *Config) normalize() error {
	if c.Capture.MinConfidence < 0 || c.Capture.MinConfidence > 1 {
		return fmt.Errorf("capture.min_confidence must be within [0,1], got %v", c.Capture.MinConfidence)
	}

	c.Deepgram.APIKey = strings.TrimSpace(c.Deepgram.APIKey)
	c.Completion.APIKey = strings.TrimSpace(c.Completion.APIKey)
	c.Speech.APIKey = strings.TrimSpace(c.Speech.APIKey)
	c.Audio.InputDevice = firstNonEmpty(c.Audio.InputDevice, "default")

	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.OutputVolume < 0 || c.Audio.OutputVolume > 100 {
		c.Audio.OutputVolume = 100
	}
	if c.Capture.ChunkSize < 256 {
		c.Capture.ChunkSize = 4096
	}
	if c.Capture.RestartDelay <= 0 {
		c.Capture.RestartDelay = time.Second
	}
	if c.Capture.MaxRestartBackoff < c.Capture.RestartDelay {
		c.Capture.MaxRestartBackoff = c.Capture.RestartDelay
	}
	if c.Completion.WarmupAttempts <= 0 {
		c.Completion.WarmupAttempts = 3
	}
	if c.Turn.ResumeDelay < 0 {
		c.Turn.ResumeDelay = 0
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
		c.Log.Format = strings.ToLower(c.Log.Format)
	default:
		c.Log.Format = "console"
	}
	return nil
}

// Validate reports missing credentials needed for a live session.
func (c Config) Validate() error {
	var errs []error
	if c.Deepgram.APIKey == "" {
		errs = append(errs, errors.New("DEEPGRAM_API_KEY is not configured"))
	}
	if c.Completion.APIKey == "" {
		errs = append(errs, errors.New("MISTRAL_API_KEY is not configured"))
	}
	if c.Speech.APIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is not configured"))
	}
	return errors.Join(errs...)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
