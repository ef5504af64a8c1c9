// Package registry tracks every live transport connection and the round it
// is bound to.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
)

var (
	ErrPlayerLimit  = errors.New("registry: too many connections for player")
	ErrAddressLimit = errors.New("registry: too many connections from address")
	ErrGlobalLimit  = errors.New("registry: server connection limit reached")
	ErrDuplicate    = errors.New("registry: connection already registered")
	ErrUnknown      = errors.New("registry: unknown connection")
)

// Eviction reasons reported by Sweep.
const (
	ReasonIdle    = "idle_timeout"
	ReasonSession = "session_expired"
)

// Limits are the connection ceilings and session bounds.
type Limits struct {
	PerPlayer   int
	PerAddress  int
	Global      int
	IdleTimeout time.Duration
	MaxSession  time.Duration
}

// DefaultLimits returns production ceilings.
func DefaultLimits() Limits {
	return Limits{
		PerPlayer:   3,
		PerAddress:  20,
		Global:      5000,
		IdleTimeout: 10 * time.Minute,
		MaxSession:  6 * time.Hour,
	}
}

// Entry is a snapshot of one connection.
type Entry struct {
	ConnID       string
	PlayerID     int64
	Address      string
	RoundID      string
	BoardNumber  int
	ConnectedAt  time.Time
	LastActivity time.Time
}

// Eviction names a connection the sweep wants closed.
type Eviction struct {
	Entry  Entry
	Reason string
}

// Registry is the single authority over live connections. All indexes are
// kept in step under one lock.
type Registry struct {
	limits    Limits
	clock     quartz.Clock
	mu        sync.RWMutex
	conns     map[string]*Entry
	byPlayer  map[int64]map[string]struct{}
	byAddress map[string]map[string]struct{}
	byRound   map[string]map[string]struct{}
}

// New creates an empty registry.
func New(limits Limits, clock quartz.Clock) *Registry {
	return &Registry{
		limits:    limits,
		clock:     clock,
		conns:     make(map[string]*Entry),
		byPlayer:  make(map[int64]map[string]struct{}),
		byAddress: make(map[string]map[string]struct{}),
		byRound:   make(map[string]map[string]struct{}),
	}
}

// Register admits a connection if every ceiling allows it.
func (r *Registry) Register(connID string, playerID int64, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; ok {
		return ErrDuplicate
	}
	if r.limits.Global > 0 && len(r.conns) >= r.limits.Global {
		return ErrGlobalLimit
	}
	if r.limits.PerPlayer > 0 && len(r.byPlayer[playerID]) >= r.limits.PerPlayer {
		return ErrPlayerLimit
	}
	if r.limits.PerAddress > 0 && len(r.byAddress[address]) >= r.limits.PerAddress {
		return ErrAddressLimit
	}

	now := r.clock.Now()
	r.conns[connID] = &Entry{
		ConnID:       connID,
		PlayerID:     playerID,
		Address:      address,
		ConnectedAt:  now,
		LastActivity: now,
	}
	add(r.byPlayer, playerID, connID)
	add(r.byAddress, address, connID)
	return nil
}

// Remove drops the connection from every index and returns its last state.
func (r *Registry) Remove(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return Entry{}, false
	}
	delete(r.conns, connID)
	del(r.byPlayer, e.PlayerID, connID)
	del(r.byAddress, e.Address, connID)
	if e.RoundID != "" {
		del(r.byRound, e.RoundID, connID)
	}
	return *e, true
}

// JoinRoom binds the connection to a round, leaving any previous one.
func (r *Registry) JoinRoom(connID, roundID string, boardNumber int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknown
	}
	if e.RoundID != "" && e.RoundID != roundID {
		del(r.byRound, e.RoundID, connID)
	}
	e.RoundID = roundID
	e.BoardNumber = boardNumber
	e.LastActivity = r.clock.Now()
	add(r.byRound, roundID, connID)
	return nil
}

// SetBoard records the board a bound connection now owns.
func (r *Registry) SetBoard(connID string, boardNumber int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		e.BoardNumber = boardNumber
	}
}

// LeaveRoom unbinds the connection from its round and returns the round id.
func (r *Registry) LeaveRoom(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok || e.RoundID == "" {
		return ""
	}
	roundID := e.RoundID
	del(r.byRound, roundID, connID)
	e.RoundID = ""
	e.BoardNumber = 0
	return roundID
}

// Touch records activity on the connection.
func (r *Registry) Touch(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		e.LastActivity = r.clock.Now()
	}
}

// Get returns a snapshot of the connection.
func (r *Registry) Get(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ConnectionsInRound returns the ids bound to roundID, sorted.
func (r *Registry) ConnectionsInRound(roundID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byRound[roundID])
}

// CountInRound returns how many connections are bound to roundID.
func (r *Registry) CountInRound(roundID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRound[roundID])
}

// PlayerConnectionsInRound returns the player's connections bound to roundID.
func (r *Registry) PlayerConnectionsInRound(playerID int64, roundID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id := range r.byPlayer[playerID] {
		if r.conns[id].RoundID == roundID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ConnectionsForPlayer returns every connection owned by playerID, sorted.
func (r *Registry) ConnectionsForPlayer(playerID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byPlayer[playerID])
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Sweep returns connections idle past the idle timeout or older than the
// session cap. It does not remove them; the caller notifies, closes and
// then calls Remove.
func (r *Registry) Sweep() []Eviction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	var out []Eviction
	for _, e := range r.conns {
		switch {
		case r.limits.MaxSession > 0 && now.Sub(e.ConnectedAt) >= r.limits.MaxSession:
			out = append(out, Eviction{Entry: *e, Reason: ReasonSession})
		case r.limits.IdleTimeout > 0 && now.Sub(e.LastActivity) >= r.limits.IdleTimeout:
			out = append(out, Eviction{Entry: *e, Reason: ReasonIdle})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.ConnID < out[j].Entry.ConnID })
	return out
}

func add[K comparable](idx map[K]map[string]struct{}, k K, connID string) {
	set, ok := idx[k]
	if !ok {
		set = make(map[string]struct{})
		idx[k] = set
	}
	set[connID] = struct{}{}
}

func del[K comparable](idx map[K]map[string]struct{}, k K, connID string) {
	set, ok := idx[k]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(idx, k)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
