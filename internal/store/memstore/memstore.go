// Package memstore is an in-process implementation of store.Store used by
// tests and single-node development runs. Transactions hold one store-wide
// lock and undo their writes on rollback.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lox/bingo/internal/store"
)

// Store keeps every table in maps guarded by a single mutex.
type Store struct {
	mu    sync.Mutex
	fault func(op string) error
	now   func() time.Time

	rooms        map[string]store.Room
	rounds       map[string]store.Round
	boards       map[string]map[int]store.Board
	participants map[string]map[int64]store.Participant
	calls        map[string][]store.Call
	wallets      map[int64]store.Wallet
	players      map[int64]store.Player
	ledger       []store.LedgerEntry
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:          time.Now,
		rooms:        make(map[string]store.Room),
		rounds:       make(map[string]store.Round),
		boards:       make(map[string]map[int]store.Board),
		participants: make(map[string]map[int64]store.Participant),
		calls:        make(map[string][]store.Call),
		wallets:      make(map[int64]store.Wallet),
		players:      make(map[int64]store.Player),
	}
}

// SetFault installs a hook consulted before every operation. A non-nil
// return fails the operation with that error. Pass nil to clear it.
func (s *Store) SetFault(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// SetNow overrides the clock used for ledger timestamps.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutWallet creates or replaces a wallet.
func (s *Store) PutWallet(w store.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.PlayerID] = w
}

// PutPlayer creates or replaces a user directory entry.
func (s *Store) PutPlayer(p store.Player) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.players[p.ID] = p
}

// Ledger returns a copy of every ledger entry in insertion order.
func (s *Store) Ledger() []store.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ledger)
}

// Conn returns a handle whose operations each take the store lock.
func (s *Store) Conn() store.Tx {
	return &handle{s: s, auto: true}
}

// InTx runs fn with the store locked. Writes are reverted if fn fails.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.locked(ctx, "InTx", fn)
}

// InSnapshot runs fn with the store locked, so every read sees the same
// state.
func (s *Store) InSnapshot(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.locked(ctx, "InSnapshot", fn)
}

func (s *Store) locked(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(op); err != nil {
		return err
	}
	h := &handle{s: s}
	if err := fn(h); err != nil {
		for i := len(h.undo) - 1; i >= 0; i-- {
			h.undo[i]()
		}
		return err
	}
	return nil
}

// Ping reports the injected fault for "Ping", if any.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check("Ping")
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) check(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

// handle implements store.Tx. Inside a transaction the store lock is
// already held and every write pushes its inverse onto undo.
type handle struct {
	s    *Store
	auto bool
	undo []func()
}

func (h *handle) begin(ctx context.Context, op string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.auto {
		h.s.mu.Lock()
	}
	release := func() {
		if h.auto {
			h.s.mu.Unlock()
		}
	}
	if err := h.s.check(op); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (h *handle) record(fn func()) {
	if !h.auto {
		h.undo = append(h.undo, fn)
	}
}

func copyRound(r store.Round) *store.Round {
	r.Winners = slices.Clone(r.Winners)
	return &r
}

func copyRoom(r store.Room) *store.Room {
	r.Bands = slices.Clone(r.Bands)
	return &r
}

func (h *handle) ListRooms(ctx context.Context) ([]store.Room, error) {
	release, err := h.begin(ctx, "ListRooms")
	if err != nil {
		return nil, err
	}
	defer release()
	out := make([]store.Room, 0, len(h.s.rooms))
	for _, r := range h.s.rooms {
		out = append(out, *copyRoom(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (h *handle) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	release, err := h.begin(ctx, "GetRoom")
	if err != nil {
		return nil, err
	}
	defer release()
	r, ok := h.s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, store.ErrNotFound)
	}
	return copyRoom(r), nil
}

func (h *handle) UpsertRoom(ctx context.Context, room store.Room) error {
	release, err := h.begin(ctx, "UpsertRoom")
	if err != nil {
		return err
	}
	defer release()
	prev, existed := h.s.rooms[room.ID]
	h.s.rooms[room.ID] = *copyRoom(room)
	h.record(func() {
		if existed {
			h.s.rooms[room.ID] = prev
		} else {
			delete(h.s.rooms, room.ID)
		}
	})
	return nil
}

func (h *handle) InsertRound(ctx context.Context, round *store.Round) error {
	release, err := h.begin(ctx, "InsertRound")
	if err != nil {
		return err
	}
	defer release()
	if _, ok := h.s.rounds[round.ID]; ok {
		return fmt.Errorf("round %s already exists", round.ID)
	}
	h.s.rounds[round.ID] = *copyRound(*round)
	h.record(func() { delete(h.s.rounds, round.ID) })
	return nil
}

func (h *handle) getRound(ctx context.Context, op string, roundID string) (*store.Round, error) {
	release, err := h.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer release()
	r, ok := h.s.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", roundID, store.ErrNotFound)
	}
	return copyRound(r), nil
}

func (h *handle) GetRound(ctx context.Context, roundID string) (*store.Round, error) {
	return h.getRound(ctx, "GetRound", roundID)
}

func (h *handle) LockRound(ctx context.Context, roundID string) (*store.Round, error) {
	return h.getRound(ctx, "LockRound", roundID)
}

func (h *handle) UpdateRound(ctx context.Context, round *store.Round) error {
	release, err := h.begin(ctx, "UpdateRound")
	if err != nil {
		return err
	}
	defer release()
	prev, ok := h.s.rounds[round.ID]
	if !ok {
		return fmt.Errorf("round %s: %w", round.ID, store.ErrNotFound)
	}
	h.s.rounds[round.ID] = *copyRound(*round)
	h.record(func() { h.s.rounds[round.ID] = prev })
	return nil
}

func (h *handle) LiveRounds(ctx context.Context) ([]store.Round, error) {
	release, err := h.begin(ctx, "LiveRounds")
	if err != nil {
		return nil, err
	}
	defer release()
	var out []store.Round
	for _, r := range h.s.rounds {
		if r.Status.Live() {
			out = append(out, *copyRound(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (h *handle) InsertBoards(ctx context.Context, boards []store.Board) error {
	release, err := h.begin(ctx, "InsertBoards")
	if err != nil {
		return err
	}
	defer release()
	for _, b := range boards {
		m, ok := h.s.boards[b.RoundID]
		if !ok {
			m = make(map[int]store.Board)
			h.s.boards[b.RoundID] = m
		}
		if _, dup := m[b.Number]; dup {
			return fmt.Errorf("board %s/%d already exists", b.RoundID, b.Number)
		}
		m[b.Number] = b
		roundID, number := b.RoundID, b.Number
		h.record(func() { delete(h.s.boards[roundID], number) })
	}
	return nil
}

func (h *handle) getBoard(ctx context.Context, op string, roundID string, number int) (*store.Board, error) {
	release, err := h.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer release()
	b, ok := h.s.boards[roundID][number]
	if !ok {
		return nil, fmt.Errorf("board %s/%d: %w", roundID, number, store.ErrNotFound)
	}
	return &b, nil
}

func (h *handle) GetBoard(ctx context.Context, roundID string, number int) (*store.Board, error) {
	return h.getBoard(ctx, "GetBoard", roundID, number)
}

func (h *handle) LockBoard(ctx context.Context, roundID string, number int) (*store.Board, error) {
	return h.getBoard(ctx, "LockBoard", roundID, number)
}

func (h *handle) AssignBoard(ctx context.Context, roundID string, number int, playerID int64) error {
	release, err := h.begin(ctx, "AssignBoard")
	if err != nil {
		return err
	}
	defer release()
	b, ok := h.s.boards[roundID][number]
	if !ok {
		return fmt.Errorf("board %s/%d: %w", roundID, number, store.ErrNotFound)
	}
	prev := b
	b.AssignedTo = playerID
	h.s.boards[roundID][number] = b
	h.record(func() { h.s.boards[roundID][number] = prev })
	return nil
}

func (h *handle) ListBoards(ctx context.Context, roundID string) ([]store.Board, error) {
	release, err := h.begin(ctx, "ListBoards")
	if err != nil {
		return nil, err
	}
	defer release()
	out := make([]store.Board, 0, len(h.s.boards[roundID]))
	for _, b := range h.s.boards[roundID] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (h *handle) InsertParticipant(ctx context.Context, p *store.Participant) error {
	release, err := h.begin(ctx, "InsertParticipant")
	if err != nil {
		return err
	}
	defer release()
	m, ok := h.s.participants[p.RoundID]
	if !ok {
		m = make(map[int64]store.Participant)
		h.s.participants[p.RoundID] = m
	}
	prev, existed := m[p.PlayerID]
	if existed && prev.Active {
		return fmt.Errorf("participant %s/%d already exists", p.RoundID, p.PlayerID)
	}
	m[p.PlayerID] = *p
	h.record(func() {
		if existed {
			m[p.PlayerID] = prev
		} else {
			delete(m, p.PlayerID)
		}
	})
	return nil
}

func (h *handle) GetParticipant(ctx context.Context, roundID string, playerID int64) (*store.Participant, error) {
	release, err := h.begin(ctx, "GetParticipant")
	if err != nil {
		return nil, err
	}
	defer release()
	p, ok := h.s.participants[roundID][playerID]
	if !ok {
		return nil, fmt.Errorf("participant %s/%d: %w", roundID, playerID, store.ErrNotFound)
	}
	return &p, nil
}

func (h *handle) UpdateParticipant(ctx context.Context, p *store.Participant) error {
	release, err := h.begin(ctx, "UpdateParticipant")
	if err != nil {
		return err
	}
	defer release()
	m := h.s.participants[p.RoundID]
	prev, ok := m[p.PlayerID]
	if !ok {
		return fmt.Errorf("participant %s/%d: %w", p.RoundID, p.PlayerID, store.ErrNotFound)
	}
	m[p.PlayerID] = *p
	h.record(func() { m[p.PlayerID] = prev })
	return nil
}

func (h *handle) ListParticipants(ctx context.Context, roundID string) ([]store.Participant, error) {
	release, err := h.begin(ctx, "ListParticipants")
	if err != nil {
		return nil, err
	}
	defer release()
	out := make([]store.Participant, 0, len(h.s.participants[roundID]))
	for _, p := range h.s.participants[roundID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoardNumber < out[j].BoardNumber })
	return out, nil
}

func (h *handle) ActiveRoundForPlayer(ctx context.Context, playerID int64) (*store.Participant, error) {
	release, err := h.begin(ctx, "ActiveRoundForPlayer")
	if err != nil {
		return nil, err
	}
	defer release()
	var found *store.Participant
	var foundAt time.Time
	for roundID, m := range h.s.participants {
		p, ok := m[playerID]
		if !ok || !p.Active {
			continue
		}
		r, ok := h.s.rounds[roundID]
		if !ok || !r.Status.Live() {
			continue
		}
		if found == nil || r.CreatedAt.After(foundAt) {
			found, foundAt = &p, r.CreatedAt
		}
	}
	if found == nil {
		return nil, fmt.Errorf("active round for %d: %w", playerID, store.ErrNotFound)
	}
	return found, nil
}

func (h *handle) AppendCall(ctx context.Context, call store.Call) error {
	release, err := h.begin(ctx, "AppendCall")
	if err != nil {
		return err
	}
	defer release()
	calls := h.s.calls[call.RoundID]
	if call.Order != len(calls)+1 {
		return fmt.Errorf("call order %d out of sequence, have %d", call.Order, len(calls))
	}
	for _, c := range calls {
		if c.Number == call.Number {
			return fmt.Errorf("number %d already called", call.Number)
		}
	}
	h.s.calls[call.RoundID] = append(calls, call)
	h.record(func() { h.s.calls[call.RoundID] = calls })
	return nil
}

func (h *handle) ListCalls(ctx context.Context, roundID string) ([]store.Call, error) {
	release, err := h.begin(ctx, "ListCalls")
	if err != nil {
		return nil, err
	}
	defer release()
	return slices.Clone(h.s.calls[roundID]), nil
}

func (h *handle) getWallet(ctx context.Context, op string, playerID int64) (*store.Wallet, error) {
	release, err := h.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	defer release()
	w, ok := h.s.wallets[playerID]
	if !ok {
		return nil, fmt.Errorf("wallet %d: %w", playerID, store.ErrNotFound)
	}
	return &w, nil
}

func (h *handle) GetWallet(ctx context.Context, playerID int64) (*store.Wallet, error) {
	return h.getWallet(ctx, "GetWallet", playerID)
}

func (h *handle) LockWallet(ctx context.Context, playerID int64) (*store.Wallet, error) {
	return h.getWallet(ctx, "LockWallet", playerID)
}

func (h *handle) AdjustWallet(ctx context.Context, playerID int64, kind store.WalletKind, delta int64) error {
	release, err := h.begin(ctx, "AdjustWallet")
	if err != nil {
		return err
	}
	defer release()
	w, ok := h.s.wallets[playerID]
	if !ok {
		return fmt.Errorf("wallet %d: %w", playerID, store.ErrNotFound)
	}
	prev := w
	switch kind {
	case store.WalletBonus:
		w.Bonus += delta
	default:
		w.Main += delta
	}
	if w.Main < 0 || w.Bonus < 0 {
		return fmt.Errorf("wallet %d would go negative", playerID)
	}
	h.s.wallets[playerID] = w
	h.record(func() { h.s.wallets[playerID] = prev })
	return nil
}

func (h *handle) IncrementGamesPlayed(ctx context.Context, playerIDs []int64) error {
	release, err := h.begin(ctx, "IncrementGamesPlayed")
	if err != nil {
		return err
	}
	defer release()
	for _, id := range playerIDs {
		w, ok := h.s.wallets[id]
		if !ok {
			continue
		}
		prev := w
		w.GamesPlayed++
		h.s.wallets[id] = w
		h.record(func() { h.s.wallets[id] = prev })
	}
	return nil
}

func (h *handle) InsertLedger(ctx context.Context, entry store.LedgerEntry) error {
	release, err := h.begin(ctx, "InsertLedger")
	if err != nil {
		return err
	}
	defer release()
	if entry.At.IsZero() {
		entry.At = h.s.now()
	}
	n := len(h.s.ledger)
	h.s.ledger = append(h.s.ledger, entry)
	h.record(func() { h.s.ledger = h.s.ledger[:n] })
	return nil
}

func (h *handle) GetPlayer(ctx context.Context, playerID int64) (*store.Player, error) {
	release, err := h.begin(ctx, "GetPlayer")
	if err != nil {
		return nil, err
	}
	defer release()
	p, ok := h.s.players[playerID]
	if !ok {
		return nil, fmt.Errorf("player %d: %w", playerID, store.ErrNotFound)
	}
	return &p, nil
}
