package engine

import (
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/coder/quartz"

	"github.com/lox/bingo/bingo"
	"github.com/lox/bingo/internal/protocol"
	"github.com/lox/bingo/internal/store"
)

// seat is an active participant.
type seat struct {
	playerID int64
	board    int
	stake    int64
	wallet   store.WalletKind
	name     string
}

// claim is an accepted bingo awaiting settlement.
type claim struct {
	playerID int64
	board    int
	name     string
}

// round is the in-memory state of one round. All fields are guarded by mu.
type round struct {
	mu     sync.Mutex
	id     string
	roomID string
	room   store.Room
	rec    store.Round
	grids  []bingo.Grid
	rng    *rand.Rand

	seats map[int64]*seat
	taken map[int]int64

	called    []int
	drawn     bingo.Marks
	remaining int

	winners      []claim
	windowOpen   bool
	windowClosed bool

	// epoch invalidates fires of a replaced or stopped main timer.
	epoch uint64
	timer *quartz.Timer

	graceEpoch uint64
	grace      *quartz.Timer

	// retry re-runs the step interrupted by a database pause.
	retry func(r *round)
}

func newRound(rec store.Round, room store.Room, grids []bingo.Grid, rng *rand.Rand) *round {
	return &round{
		id:     rec.ID,
		roomID: room.ID,
		room:   room,
		rec:    rec,
		grids:  grids,
		rng:    rng,
		seats:  make(map[int64]*seat),
		taken:  make(map[int]int64),
	}
}

func (r *round) stopTimer() {
	r.epoch++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *round) stopGrace() {
	r.graceEpoch++
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
}

func (r *round) paused() bool {
	return r.rec.PauseReason != store.PauseNone
}

func (r *round) grid(number int) (bingo.Grid, bool) {
	if number < 1 || number > len(r.grids) {
		return bingo.Grid{}, false
	}
	return r.grids[number-1], true
}

func (r *round) availableBoards() []int {
	out := make([]int, 0, len(r.grids)-len(r.taken))
	for n := 1; n <= len(r.grids); n++ {
		if _, ok := r.taken[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

func (r *round) history() []int {
	return slices.Clone(r.called)
}

// connectedSeats counts seated players with at least one bound connection.
func (r *round) connectedSeats(p Presence) int {
	n := 0
	for id := range r.seats {
		if len(p.PlayerConnectionsInRound(id, r.id)) > 0 {
			n++
		}
	}
	return n
}

func (r *round) seatIDs() []int64 {
	ids := make([]int64, 0, len(r.seats))
	for id := range r.seats {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// payoutPercent derives the effective payout percentage for a player count.
// Banded rooms fall back to the dynamic rule when no band matches.
func payoutPercent(room store.Room, players int) int {
	switch room.PayoutMode {
	case store.PayoutBanded:
		for _, b := range room.Bands {
			if players >= b.MinPlayers && players <= b.MaxPlayers {
				return b.Percent
			}
		}
		return dynamicPercent(room, players)
	case store.PayoutDynamic:
		return dynamicPercent(room, players)
	}
	return room.PayoutPercent
}

// dynamicPercent skews the base payout one point per player away from the
// room's midpoint: fewer players pay more, more players pay less.
func dynamicPercent(room store.Room, players int) int {
	mid := (room.MinPlayers + room.MaxPlayers) / 2
	return min(max(room.PayoutPercent+(mid-players), 50), 95)
}

func gridCells(g bingo.Grid) []int {
	return slices.Clone(g[:])
}

func (r *round) joinedSnapshot(playerID int64) *protocol.RoundJoined {
	snap := &protocol.RoundJoined{
		RoundID:         r.id,
		RoomID:          r.roomID,
		Status:          string(r.rec.Status),
		EntryFee:        r.rec.EntryFee,
		PlayerCount:     r.rec.PlayerCount,
		PrizePool:       r.rec.PrizePool,
		PayoutPercent:   r.rec.PayoutPercent,
		Called:          r.history(),
		AvailableBoards: r.availableBoards(),
		Paused:          r.paused(),
	}
	if r.rec.Status == store.StatusCountdown {
		snap.CountdownRemaining = r.remaining
	}
	if s, ok := r.seats[playerID]; ok {
		snap.Reconnect = true
		snap.BoardNumber = s.board
		if g, ok := r.grid(s.board); ok {
			snap.Board = gridCells(g)
		}
	}
	return snap
}

func (r *round) roomInfo() protocol.RoomInfo {
	return protocol.RoomInfo{
		ID:            r.room.ID,
		Name:          r.room.Name,
		EntryFee:      r.room.EntryFee,
		MinPlayers:    r.room.MinPlayers,
		MaxPlayers:    r.room.MaxPlayers,
		BoardCount:    r.room.BoardCount,
		PayoutPercent: r.rec.PayoutPercent,
		RoundID:       r.id,
		Status:        string(r.rec.Status),
		PlayerCount:   r.rec.PlayerCount,
		PrizePool:     r.rec.PrizePool,
	}
}
