// Package engine runs bingo rounds: board allocation, the calling loop,
// claim validation with a settlement window, forfeiture, and the
// disconnect pause/resume protocol. The engine is the only writer of
// in-memory round state; every money movement goes through a store
// transaction first and memory is updated only after commit.
package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/lox/bingo/internal/events"
	"github.com/lox/bingo/internal/protocol"
	"github.com/lox/bingo/internal/randutil"
	"github.com/lox/bingo/internal/resilience"
	"github.com/lox/bingo/internal/store"
)

var (
	ErrRoomNotFound      = errors.New("engine: room not found")
	ErrRoundNotFound     = errors.New("engine: round not found")
	ErrBoardNotFound     = errors.New("engine: board not found")
	ErrBoardTaken        = errors.New("engine: board already taken")
	ErrInsufficientFunds = errors.New("engine: insufficient funds")
	ErrRoundFull         = errors.New("engine: round is full")
	ErrRoundStarted      = errors.New("engine: round already started")
	ErrAlreadySeated     = errors.New("engine: player already has a board in this round")
	ErrNotParticipant    = errors.New("engine: not a participant")
	ErrNotPlaying        = errors.New("engine: round is not playing")
	ErrPaused            = errors.New("engine: round is paused")
	ErrAlreadyWon        = errors.New("engine: already won")
	ErrWindowClosed      = errors.New("engine: claim window closed")
)

// Notifier delivers engine output to connected clients. Implementations
// must not block and must not call back into the engine.
type Notifier interface {
	SendToPlayer(playerID int64, msg protocol.Message)
	Broadcast(roundID string, msg protocol.Message)
	// ForceLeave sends forced_leave to the player's connections bound to
	// the round and unbinds them.
	ForceLeave(playerID int64, roundID, reason string)
}

// Presence answers which connections a player has bound to a round.
type Presence interface {
	PlayerConnectionsInRound(playerID int64, roundID string) []string
}

// Config holds the engine timings.
type Config struct {
	DrawInterval     time.Duration
	SettlementWindow time.Duration
	DisconnectCheck  time.Duration
	DisconnectGrace  time.Duration
	EvictAfter       time.Duration
	OpTimeout        time.Duration
	// NewRand supplies the generator for each round's boards and draws.
	NewRand func() *rand.Rand
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		DrawInterval:     3 * time.Second,
		SettlementWindow: 150 * time.Millisecond,
		DisconnectCheck:  2 * time.Second,
		DisconnectGrace:  30 * time.Second,
		EvictAfter:       time.Minute,
		OpTimeout:        5 * time.Second,
		NewRand:          randutil.NewSecure,
	}
}

// Stats is the aggregate health view of the engine.
type Stats struct {
	ActiveRounds   int              `json:"active_rounds"`
	PausedRounds   int              `json:"paused_rounds"`
	PlayingRounds  int              `json:"playing_rounds"`
	Completed      int64            `json:"completed_rounds"`
	HouseForfeits  int64            `json:"house_forfeits"`
	FalseClaims    int64            `json:"false_claims"`
	DatabasePauses int64            `json:"database_pauses"`
	Store          resilience.Stats `json:"store"`
}

// Engine owns every live round.
type Engine struct {
	cfg      Config
	db       *resilience.Executor
	clock    quartz.Clock
	notify   Notifier
	presence Presence
	events   events.Publisher
	logger   zerolog.Logger

	mu     sync.Mutex
	rounds map[string]*round
	byRoom map[string]*round

	completed      atomic.Int64
	houseForfeits  atomic.Int64
	falseClaims    atomic.Int64
	databasePauses atomic.Int64
	publishing     sync.WaitGroup
}

// New creates an engine.
func New(cfg Config, db *resilience.Executor, clock quartz.Clock, notify Notifier, presence Presence, pub events.Publisher, logger zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.DrawInterval <= 0 {
		cfg.DrawInterval = def.DrawInterval
	}
	if cfg.SettlementWindow <= 0 {
		cfg.SettlementWindow = def.SettlementWindow
	}
	if cfg.DisconnectCheck <= 0 {
		cfg.DisconnectCheck = def.DisconnectCheck
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = def.DisconnectGrace
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = def.EvictAfter
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.NewRand == nil {
		cfg.NewRand = def.NewRand
	}
	if pub == nil {
		pub = events.NewLogPublisher(logger)
	}
	return &Engine{
		cfg:      cfg,
		db:       db,
		clock:    clock,
		notify:   notify,
		presence: presence,
		events:   pub,
		logger:   logger.With().Str("component", "engine").Logger(),
		rounds:   make(map[string]*round),
		byRoom:   make(map[string]*round),
	}
}

// opContext bounds store work started from timers.
func (e *Engine) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.cfg.OpTimeout)
}

func (e *Engine) lookup(roundID string) (*round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rounds[roundID]
	if !ok {
		return nil, ErrRoundNotFound
	}
	return r, nil
}

func (e *Engine) snapshotRounds() []*round {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*round, 0, len(e.rounds))
	for _, r := range e.rounds {
		out = append(out, r)
	}
	return out
}

// schedule replaces the round's main timer. A fire whose epoch no longer
// matches is ignored. Callers hold r.mu.
func (e *Engine) schedule(r *round, d time.Duration, tag string, fn func(r *round)) {
	r.stopTimer()
	epoch := r.epoch
	r.timer = e.clock.AfterFunc(d, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.epoch != epoch {
			return
		}
		r.timer = nil
		fn(r)
	}, "engine", tag)
}

// finish moves a round out of the live set and schedules eviction.
// Callers hold r.mu.
func (e *Engine) finish(r *round) {
	r.stopTimer()
	r.stopGrace()
	e.mu.Lock()
	if e.byRoom[r.roomID] == r {
		delete(e.byRoom, r.roomID)
	}
	e.mu.Unlock()

	id := r.id
	e.clock.AfterFunc(e.cfg.EvictAfter, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.rounds, id)
	}, "engine", "evict")
}

func (e *Engine) publish(ev events.RoundCompleted) {
	e.publishing.Add(1)
	go func() {
		defer e.publishing.Done()
		ctx, cancel := e.opContext()
		defer cancel()
		if err := e.events.PublishRoundCompleted(ctx, ev); err != nil {
			e.logger.Warn().Err(err).Str("round_id", ev.RoundID).Msg("Failed to publish round event")
		}
	}()
}

// Stats returns aggregate counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Completed:      e.completed.Load(),
		HouseForfeits:  e.houseForfeits.Load(),
		FalseClaims:    e.falseClaims.Load(),
		DatabasePauses: e.databasePauses.Load(),
		Store:          e.db.Stats(),
	}
	for _, r := range e.snapshotRounds() {
		r.mu.Lock()
		if r.rec.Status.Live() {
			s.ActiveRounds++
			if r.rec.Status == store.StatusPlaying {
				s.PlayingRounds++
			}
			if r.rec.PauseReason != store.PauseNone {
				s.PausedRounds++
			}
		}
		r.mu.Unlock()
	}
	return s
}

// Shutdown stops every timer and waits for in-flight event publishing.
func (e *Engine) Shutdown() {
	for _, r := range e.snapshotRounds() {
		r.mu.Lock()
		r.stopTimer()
		r.stopGrace()
		r.mu.Unlock()
	}
	e.publishing.Wait()
}
