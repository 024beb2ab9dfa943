package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"companion/internal/domain"
	"companion/internal/ports"
)

// Config controls Deepgram websocket settings.
type Config struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
	// KeepAlive is how often a KeepAlive frame is sent while the stream is open.
	KeepAlive time.Duration
}

// Provider implements ports.RecognitionProvider for Deepgram live streaming.
type Provider struct {
	cfg    Config
	dialer *websocket.Dialer
	log    zerolog.Logger
}

func NewProvider(cfg Config, log zerolog.Logger) *Provider {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 5 * time.Second
	}
	return &Provider{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		log:    log.With().Str("component", "deepgram").Logger(),
	}
}

func (p *Provider) StartStreaming(ctx context.Context, cfg ports.StreamingConfig) (ports.StreamingSession, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, domain.NewRecognitionError(domain.RecognitionErrorOther, errors.New("DEEPGRAM_API_KEY is not configured"))
	}

	wsURL, err := buildListenURL(p.cfg, cfg)
	if err != nil {
		return nil, domain.NewRecognitionError(domain.RecognitionErrorOther, err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, resp, err := p.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		kind := domain.RecognitionErrorNetwork
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = domain.RecognitionErrorOther
		}
		return nil, domain.NewRecognitionError(kind, fmt.Errorf("failed to connect to Deepgram websocket: %w", err))
	}

	session := newStreamingSession(conn, p.log)
	session.wg.Add(2)
	go session.readLoop()
	go session.writeLoop(p.cfg.KeepAlive)
	go func() {
		session.wg.Wait()
		close(session.events)
		close(session.done)
		_ = conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = session.Close()
		case <-session.done:
		}
	}()

	return session, nil
}

type streamingSession struct {
	conn *websocket.Conn
	log  zerolog.Logger

	events chan domain.RecognitionResult
	audio  chan []byte
	done   chan struct{}
	// readDone stops the writer once the provider stops talking.
	readDone chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	closing       atomic.Bool
	closeSendOnce sync.Once
	closeOnce     sync.Once
	sendMu        sync.RWMutex
	sendClosed    bool
}

func newStreamingSession(conn *websocket.Conn, log zerolog.Logger) *streamingSession {
	return &streamingSession{
		conn:     conn,
		log:      log,
		events:   make(chan domain.RecognitionResult, 64),
		audio:    make(chan []byte, 32),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

func (s *streamingSession) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errors.New("audio stream is already closed")
	}

	copied := append([]byte(nil), chunk...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.done:
		if err := s.waitErr(); err != nil {
			return err
		}
		return errors.New("session closed")
	}
}

func (s *streamingSession) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *streamingSession) Events() <-chan domain.RecognitionResult {
	return s.events
}

func (s *streamingSession) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		_ = s.conn.Close()
		_ = s.CloseSend()
	})
	<-s.done
	return s.waitErr()
}

func (s *streamingSession) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamingSession) setErr(err error) {
	if err == nil || s.closing.Load() || isNormalClose(err) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamingSession) writeLoop(keepAlive time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
					s.setErr(classifyTransportErr(fmt.Errorf("failed to close stream: %w", err)))
				}
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.setErr(classifyTransportErr(fmt.Errorf("failed to send audio: %w", err)))
				return
			}
		case <-s.readDone:
			return
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				s.setErr(classifyTransportErr(fmt.Errorf("failed to send keepalive: %w", err)))
				return
			}
		}
	}
}

func (s *streamingSession) readLoop() {
	defer s.wg.Done()
	defer close(s.readDone)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(classifyTransportErr(fmt.Errorf("failed to read provider event: %w", err)))
			return
		}

		var response deepgramResponse
		if err := json.Unmarshal(payload, &response); err != nil {
			s.log.Debug().Err(err).Msg("skipping undecodable provider event")
			continue
		}

		if strings.EqualFold(response.Type, "Error") {
			message := strings.TrimSpace(response.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.setErr(domain.NewRecognitionError(domain.RecognitionErrorOther, errors.New(message)))
			return
		}

		result, ok := toRecognitionResult(response)
		if !ok {
			continue
		}
		s.emit(result)
	}
}

func (s *streamingSession) emit(result domain.RecognitionResult) {
	select {
	case s.events <- result:
	case <-s.done:
	default:
		s.log.Warn().Str("text", result.Text).Msg("dropping recognition result, consumer is behind")
	}
}

func isNormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}

// classifyTransportErr marks connection-level failures as network errors.
func classifyTransportErr(err error) error {
	var netErr net.Error
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &netErr), errors.As(err, &closeErr), websocket.IsUnexpectedCloseError(err):
		return domain.NewRecognitionError(domain.RecognitionErrorNetwork, err)
	default:
		return domain.NewRecognitionError(domain.RecognitionErrorAudio, err)
	}
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`

	Results struct {
		Channels []struct {
			Alternatives []alternative `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func firstAlternative(response deepgramResponse) (alternative, bool) {
	if len(response.Channel.Alternatives) > 0 {
		alt := response.Channel.Alternatives[0]
		if strings.TrimSpace(alt.Transcript) != "" {
			return alt, true
		}
	}
	if len(response.Results.Channels) > 0 && len(response.Results.Channels[0].Alternatives) > 0 {
		alt := response.Results.Channels[0].Alternatives[0]
		return alt, strings.TrimSpace(alt.Transcript) != ""
	}
	return alternative{}, false
}

func toRecognitionResult(response deepgramResponse) (domain.RecognitionResult, bool) {
	alt, ok := firstAlternative(response)
	if !ok {
		return domain.RecognitionResult{}, false
	}
	return domain.RecognitionResult{
		Text:       strings.TrimSpace(alt.Transcript),
		Confidence: alt.Confidence,
		IsFinal:    response.IsFinal || response.SpeechFinal,
	}, true
}

func buildListenURL(providerCfg Config, streamCfg ports.StreamingConfig) (string, error) {
	base := providerCfg.APIBaseURL
	if base == "" {
		base = "https://api.deepgram.com/v1"
	}
	base = strings.TrimSpace(base)

	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}

	query := listenURL.Query()
	if streamCfg.Encoding == "" {
		streamCfg.Encoding = "linear16"
	}
	if streamCfg.SampleRate <= 0 {
		streamCfg.SampleRate = 16000
	}
	if streamCfg.Channels <= 0 {
		streamCfg.Channels = 1
	}
	query.Set("model", providerCfg.Model)
	query.Set("encoding", streamCfg.Encoding)
	query.Set("sample_rate", fmt.Sprintf("%d", streamCfg.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", streamCfg.Channels))
	query.Set("interim_results", fmt.Sprintf("%t", streamCfg.InterimResults))
	query.Set("smart_format", fmt.Sprintf("%t", providerCfg.SmartFormat))
	if providerCfg.Language != "" {
		query.Set("language", providerCfg.Language)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}
