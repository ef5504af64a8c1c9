// Package server is the websocket front end: it authenticates clients at
// upgrade, routes their commands to the round engine and fans engine output
// back out to the bound connections.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/lox/bingo/internal/auth"
	"github.com/lox/bingo/internal/engine"
	"github.com/lox/bingo/internal/protocol"
	"github.com/lox/bingo/internal/ratelimit"
	"github.com/lox/bingo/internal/registry"
)

// Engine is the round engine as seen by the router.
type Engine interface {
	ListRooms(ctx context.Context) ([]protocol.RoomInfo, error)
	Balance(ctx context.Context, playerID int64) protocol.BalanceUpdated
	CheckActiveRound(ctx context.Context, playerID int64) protocol.ActiveRound
	JoinRoom(ctx context.Context, playerID int64, roomID string) (*protocol.RoundJoined, error)
	SelectBoard(ctx context.Context, playerID int64, roundID string, boardNumber int) (*protocol.BoardAssigned, error)
	ClaimBingo(ctx context.Context, playerID int64, roundID string, marked []int) (*protocol.ClaimResult, error)
	LeaveRound(ctx context.Context, playerID int64, roundID string) error
	HandleDisconnect(roundID string)
	HandleReconnect(roundID string)
	RecoverStalled(ctx context.Context) int
	Stats() engine.Stats
}

var _ Engine = (*engine.Engine)(nil)

// Config holds the server tunables.
type Config struct {
	// OpTimeout bounds the engine work done for one inbound command.
	OpTimeout time.Duration
	// SweepSchedule is a cron spec for the registry, limiter and stall sweeps.
	SweepSchedule string
	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		OpTimeout:     5 * time.Second,
		SweepSchedule: "@every 30s",
	}
}

// Option configures a Server.
type Option func(*Server)

// WithConfig replaces the server configuration.
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.config = cfg
	}
}

// WithClock injects the clock used for timestamps in health output.
func WithClock(clock quartz.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// Server accepts websocket clients and implements engine.Notifier.
type Server struct {
	config    Config
	logger    zerolog.Logger
	clock     quartz.Clock
	engine    Engine
	registry  *registry.Registry
	limiter   *ratelimit.Limiter
	validator auth.Validator
	decoder   *protocol.Decoder
	upgrader  websocket.Upgrader
	mux       *http.ServeMux
	cron      *cron.Cron
	started   time.Time

	mu         sync.RWMutex
	conns      map[string]*Connection
	httpServer *http.Server
}

var _ engine.Notifier = (*Server)(nil)

// NewServer creates a server. The engine is attached afterwards with
// SetEngine because the engine notifies through the server.
func NewServer(logger zerolog.Logger, reg *registry.Registry, limiter *ratelimit.Limiter, validator auth.Validator, opts ...Option) (*Server, error) {
	decoder, err := protocol.NewDecoder()
	if err != nil {
		return nil, err
	}
	s := &Server{
		config:    DefaultConfig(),
		logger:    logger.With().Str("component", "server").Logger(),
		clock:     quartz.NewReal(),
		registry:  reg,
		limiter:   limiter,
		validator: validator,
		decoder:   decoder,
		mux:       http.NewServeMux(),
		conns:     make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.started = s.clock.Now()
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s, nil
}

// SetEngine attaches the round engine.
func (s *Server) SetEngine(e Engine) {
	s.engine = e
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	if s.engine == nil {
		return errors.New("server: engine not set")
	}
	if err := s.startSweeps(); err != nil {
		return err
	}
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info().Str("addr", l.Addr().String()).Msg("Starting WebSocket server")
	return srv.Serve(l)
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops the sweeps, closes every client and drains HTTP.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.mu.Lock()
	srv := s.httpServer
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// handleWebSocket authenticates the auth query parameter, admits the
// connection against the registry ceilings and upgrades.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, err := s.validator.Validate(r.Context(), r.URL.Query().Get("auth"))
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected unauthenticated connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	connID := uuid.NewString()
	address := clientAddress(r)
	if err := s.registry.Register(connID, id.PlayerID, address); err != nil {
		s.logger.Warn().Err(err).Int64("player_id", id.PlayerID).Str("address", address).Msg("Connection refused")
		status := http.StatusTooManyRequests
		if errors.Is(err, registry.ErrGlobalLimit) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.Remove(connID)
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	c := newConnection(connID, id.PlayerID, id.DisplayName, address, ws, s)
	s.mu.Lock()
	s.conns[connID] = c
	total := len(s.conns)
	s.mu.Unlock()

	s.logger.Info().
		Str("conn_id", connID).
		Int64("player_id", id.PlayerID).
		Int("total", total).
		Msg("Client connected")

	go c.writePump()
	go c.readPump()
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// unregister drops a closed connection. A connection bound to a round
// triggers the engine's disconnect check; the seat itself is kept.
func (s *Server) unregister(c *Connection) {
	s.mu.Lock()
	if s.conns[c.id] != c {
		s.mu.Unlock()
		return
	}
	delete(s.conns, c.id)
	total := len(s.conns)
	s.mu.Unlock()

	entry, ok := s.registry.Remove(c.id)
	s.limiter.Forget(c.id)
	if ok && entry.RoundID != "" {
		s.engine.HandleDisconnect(entry.RoundID)
	}
	s.logger.Info().Str("conn_id", c.id).Int64("player_id", c.playerID).Int("total", total).Msg("Client disconnected")
}

func (s *Server) connection(id string) *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

// Health is the /health document.
type Health struct {
	Status      string       `json:"status"`
	Uptime      string       `json:"uptime"`
	Connections int          `json:"connections"`
	Engine      engine.Stats `json:"engine"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Status:      "ok",
		Uptime:      s.clock.Since(s.started).Round(time.Second).String(),
		Connections: s.registry.Len(),
	}
	if s.engine != nil {
		h.Engine = s.engine.Stats()
		if h.Engine.Store.State != "closed" {
			h.Status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}
