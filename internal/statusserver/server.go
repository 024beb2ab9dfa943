// Package statusserver exposes the orchestrator status over HTTP for headless runs:
// a JSON snapshot, a websocket event stream, lifecycle controls, and metrics.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"companion/internal/domain"
	"companion/internal/metrics"
	"companion/internal/ports"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 32
)

// Controller is the lifecycle surface the server can drive.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Interrupt(ctx context.Context) error
	Status() domain.Status
}

// Event is one message on the websocket stream.
type Event struct {
	Type   string           `json:"type"`
	Status *domain.Status   `json:"status,omitempty"`
	TurnID string           `json:"turnId,omitempty"`
	Text   string           `json:"text,omitempty"`
	Code   domain.ErrorCode `json:"code,omitempty"`
	Detail string           `json:"detail,omitempty"`
}

const (
	EventStatus = "status"
	EventReply  = "reply"
	EventError  = "error"
)

// Server fans orchestrator events out to websocket clients.
type Server struct {
	addr     string
	log      zerolog.Logger
	metrics  *metrics.Collector
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	ctl     Controller
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Event
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func New(addr string, log zerolog.Logger, m *metrics.Collector) *Server {
	return &Server{
		addr:    addr,
		log:     log.With().Str("component", "statusserver").Logger(),
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Attach sets the controller once the orchestrator exists.
func (s *Server) Attach(ctl Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctl = ctl
}

// UseMetrics exposes m on /metrics. Call before Run.
func (s *Server) UseMetrics(m *metrics.Collector) {
	s.metrics = m
}

func (s *Server) controller() Controller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctl
}

func (s *Server) StatusChanged(status domain.Status) {
	s.broadcast(Event{Type: EventStatus, Status: &status})
}

func (s *Server) ReplyReady(turnID string, text string) {
	s.broadcast(Event{Type: EventReply, TurnID: turnID, Text: text})
}

func (s *Server) Error(code domain.ErrorCode, detail string) {
	s.broadcast(Event{Type: EventError, Code: code, Detail: detail})
}

// broadcast never blocks the orchestrator; slow clients miss events.
func (s *Server) broadcast(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- ev:
		default:
			s.log.Debug().Str("type", ev.Type).Msg("dropping event for slow client")
		}
	}
}

// Clients reports connected websocket clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Handler routes every endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /status/ws", s.handleStream)
	mux.HandleFunc("POST /control/start", s.handleControl(func(ctx context.Context, c Controller) error { return c.Start(ctx) }))
	mux.HandleFunc("POST /control/stop", s.handleControl(func(ctx context.Context, c Controller) error { return c.Stop(ctx) }))
	mux.HandleFunc("POST /control/interrupt", s.handleControl(func(ctx context.Context, c Controller) error { return c.Interrupt(ctx) }))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.log.Info().Str("addr", listener.Addr().String()).Msg("status server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctl := s.controller()
	if ctl == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, ctl.Status())
}

func (s *Server) handleControl(action func(context.Context, Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctl := s.controller()
		if ctl == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "not ready"})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := action(ctx, ctl); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ctl.Status())
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan Event, sendBuffer), done: make(chan struct{})}
	if ctl := s.controller(); ctl != nil {
		status := ctl.Status()
		c.send <- Event{Type: EventStatus, Status: &status}
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.readLoop(c)
	s.writeLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	_ = conn.Close()
}

// readLoop only watches for the peer going away.
func (s *Server) readLoop(c *client) {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) closeClients() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.close()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

var _ ports.EventSink = (*Server)(nil)
