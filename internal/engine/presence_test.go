package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/bingo/internal/protocol"
	"github.com/lox/bingo/internal/store"
)

func TestDisconnectPausesAndReconnectResumes(t *testing.T) {
	h := newHarness(t, testRoom())
	roundID := h.startRound(1, 2)
	h.advance(3 * time.Second)
	require.Len(t, h.calls(roundID), 1)

	h.presence.set(1, false)
	h.eng.HandleDisconnect(roundID)
	h.advance(2 * time.Second)
	assert.Equal(t, 0, h.notify.count(protocol.TypeRoundPaused), "one player still connected")

	h.advance(time.Second)
	require.Len(t, h.calls(roundID), 2)

	h.presence.set(2, false)
	h.eng.HandleDisconnect(roundID)
	h.advance(2 * time.Second)

	rec := h.round(roundID)
	assert.Equal(t, store.PauseDisconnect, rec.PauseReason)
	require.NotNil(t, rec.PausedAt)
	paused, ok := h.notify.last(protocol.TypeRoundPaused)
	require.True(t, ok)
	assert.Equal(t, protocol.RoundPaused{RoundID: roundID, Reason: protocol.ReasonDisconnect, GraceSeconds: 30}, paused.Data)
	assert.Equal(t, 1, h.eng.Stats().PausedRounds)

	_, err := h.eng.ClaimBingo(h.ctx, 1, roundID, nil)
	assert.ErrorIs(t, err, ErrPaused)

	// no calls while paused
	h.advance(10 * time.Second)
	assert.Len(t, h.calls(roundID), 2)

	h.presence.set(2, true)
	h.eng.HandleReconnect(roundID)
	assert.Equal(t, store.PauseNone, h.round(roundID).PauseReason)
	resumed, ok := h.notify.last(protocol.TypeRoundResumed)
	require.True(t, ok)
	assert.Equal(t, 3, resumed.Data.(protocol.RoundResumed).NextOrder)

	h.advance(3 * time.Second)
	assert.Len(t, h.calls(roundID), 3)
	called, _ := h.notify.last(protocol.TypeNumberCalled)
	assert.Equal(t, 3, called.Data.(protocol.NumberCalled).Order)

	assert.Equal(t, []string{
		protocol.TypeCountdownStart,
		protocol.TypeRoundStarted,
		protocol.TypeNumberCalled,
		protocol.TypeNumberCalled,
		protocol.TypeRoundPaused,
		protocol.TypeRoundResumed,
		protocol.TypeNumberCalled,
	}, h.notify.types())

	// the grace timer was cancelled by the resume
	h.advance(30 * time.Second)
	assert.Equal(t, store.StatusPlaying, h.round(roundID).Status)
}

func TestGraceExpiryForfeitsToHouse(t *testing.T) {
	h := newHarness(t, testRoom())
	roundID := h.startRound(1, 2)

	h.presence.set(1, false)
	h.presence.set(2, false)
	h.eng.HandleDisconnect(roundID)
	h.advance(2 * time.Second)
	require.Equal(t, store.PauseDisconnect, h.round(roundID).PauseReason)

	h.advance(30 * time.Second)
	rec := h.round(roundID)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.Equal(t, store.OutcomeHouseForfeit, rec.Outcome)
	assert.Equal(t, int64(200), rec.Commission)
	assert.Equal(t, int64(900), h.wallet(1).Main)
	assert.Equal(t, 1, h.wallet(1).GamesPlayed)

	ended, ok := h.notify.last(protocol.TypeRoundEnded)
	require.True(t, ok)
	assert.Equal(t, protocol.ReasonHouseForfeit, ended.Data.(protocol.RoundEnded).Reason)
	assert.Equal(t, int64(1), h.eng.Stats().HouseForfeits)

	require.Eventually(t, func() bool { return len(h.pub.published()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, string(store.OutcomeHouseForfeit), h.pub.published()[0].Outcome)
}

func TestReconnectDuringGraceResumesOnExpiry(t *testing.T) {
	h := newHarness(t, testRoom())
	roundID := h.startRound(1, 2)

	h.presence.set(1, false)
	h.presence.set(2, false)
	h.eng.HandleDisconnect(roundID)
	h.advance(2 * time.Second)

	// bound again without the reconnect hook firing
	h.presence.set(1, true)
	h.advance(30 * time.Second)
	rec := h.round(roundID)
	assert.Equal(t, store.StatusPlaying, rec.Status)
	assert.Equal(t, store.PauseNone, rec.PauseReason)
}

func TestLosingLastConnectedSeatPauses(t *testing.T) {
	exits := map[string]func(h *harness, roundID string){
		"leave": func(h *harness, roundID string) {
			require.NoError(h.t, h.eng.LeaveRound(h.ctx, 3, roundID))
		},
		"false claim": func(h *harness, roundID string) {
			res, err := h.eng.ClaimBingo(h.ctx, 3, roundID, []int{5})
			require.NoError(h.t, err)
			require.False(h.t, res.Accepted)
		},
	}
	for name, exit := range exits {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, testRoom())
			roundID := h.startRound(1, 2, 3)

			h.presence.set(1, false)
			h.presence.set(2, false)
			h.eng.HandleDisconnect(roundID)
			h.advance(2 * time.Second)
			require.Equal(t, store.PauseNone, h.round(roundID).PauseReason, "player 3 still connected")

			exit(h, roundID)
			rec := h.round(roundID)
			assert.Equal(t, store.StatusPlaying, rec.Status)
			assert.Equal(t, store.PauseDisconnect, rec.PauseReason)
			assert.Equal(t, int64(200), rec.PrizePool)

			// no numbers are called to an empty room
			calls := len(h.calls(roundID))
			h.advance(29 * time.Second)
			assert.Len(t, h.calls(roundID), calls)

			h.advance(time.Second)
			rec = h.round(roundID)
			assert.Equal(t, store.OutcomeHouseForfeit, rec.Outcome)
			assert.Equal(t, int64(200), rec.Commission)
			assert.Equal(t, int64(100), rec.Forfeited)
			for _, id := range []int64{1, 2, 3} {
				assert.Equal(t, int64(900), h.wallet(id).Main)
			}
		})
	}
}

func TestReconnectDuringStoreOutageAvoidsForfeit(t *testing.T) {
	h := newHarness(t, testRoom())
	roundID := h.startRound(1, 2)

	h.presence.set(1, false)
	h.presence.set(2, false)
	h.eng.HandleDisconnect(roundID)
	h.advance(2 * time.Second)
	require.Equal(t, store.PauseDisconnect, h.round(roundID).PauseReason)

	h.st.SetFault(func(op string) error {
		if op == "InTx" {
			return store.ErrTransient
		}
		return nil
	})
	h.advance(30 * time.Second)
	assert.Equal(t, store.StatusPlaying, h.round(roundID).Status)
	assert.Zero(t, h.eng.Stats().HouseForfeits)
	_, ok := h.notify.last(protocol.TypeRoundFault)
	require.True(t, ok)

	// reconnecting while the store is down does not lift a store pause
	h.presence.set(1, true)
	h.eng.HandleReconnect(roundID)

	h.st.SetFault(nil)
	require.Equal(t, 1, h.eng.RecoverStalled(h.ctx))
	rec := h.round(roundID)
	assert.Equal(t, store.StatusPlaying, rec.Status)
	assert.Equal(t, store.PauseNone, rec.PauseReason)
	assert.Empty(t, rec.Outcome)
	assert.Zero(t, h.eng.Stats().HouseForfeits)
	assert.Equal(t, 1, h.notify.count(protocol.TypeRoundResumed))

	h.advance(3 * time.Second)
	assert.Len(t, h.calls(roundID), 1)
}

func TestNobodyConnectedAtStartPauses(t *testing.T) {
	h := newHarness(t, testRoom())
	h.fund(1000, 0, 1, 2)
	roundID := h.seat(1, 1)
	h.seat(2, 2)
	h.presence.set(1, false)
	h.presence.set(2, false)

	h.advance(5 * time.Second)
	assert.Equal(t, []string{
		protocol.TypeCountdownStart,
		protocol.TypeRoundStarted,
		protocol.TypeRoundPaused,
	}, h.notify.types())
	assert.Equal(t, store.PauseDisconnect, h.round(roundID).PauseReason)
}

func TestDatabaseFaultPausesUntilRecovered(t *testing.T) {
	h := newHarness(t, testRoom())
	roundID := h.startRound(1, 2)

	h.st.SetFault(func(op string) error {
		if op == "AppendCall" || op == "Ping" {
			return store.ErrTransient
		}
		return nil
	})
	h.advance(3 * time.Second)

	assert.Empty(t, h.calls(roundID))
	fault, ok := h.notify.last(protocol.TypeRoundFault)
	require.True(t, ok)
	assert.Equal(t, protocol.ReasonDatabase, fault.Data.(protocol.RoundFault).Reason)
	stats := h.eng.Stats()
	assert.Equal(t, int64(1), stats.DatabasePauses)
	assert.Equal(t, 1, stats.PausedRounds)

	_, err := h.eng.ClaimBingo(h.ctx, 1, roundID, nil)
	assert.ErrorIs(t, err, ErrPaused)

	// nothing is drawn while the store is down
	h.advance(10 * time.Second)
	assert.Zero(t, h.notify.count(protocol.TypeNumberCalled))
	assert.Zero(t, h.eng.RecoverStalled(h.ctx))

	h.st.SetFault(nil)
	assert.Equal(t, 1, h.eng.RecoverStalled(h.ctx))
	require.Len(t, h.calls(roundID), 1)
	called, ok := h.notify.last(protocol.TypeNumberCalled)
	require.True(t, ok)
	assert.Equal(t, 1, called.Data.(protocol.NumberCalled).Order)

	h.advance(3 * time.Second)
	assert.Len(t, h.calls(roundID), 2)
	assert.Zero(t, h.eng.RecoverStalled(h.ctx))
}

func TestSettlementFaultRetriesPayout(t *testing.T) {
	h := newHarness(t, testRoom())
	roundID := h.startRound(1, 2)
	for !h.boardWins(roundID, 1) {
		h.advance(3 * time.Second)
	}
	res, err := h.eng.ClaimBingo(h.ctx, 1, roundID, nil)
	require.NoError(t, err)
	require.True(t, res.Accepted)

	h.st.SetFault(func(op string) error {
		if op == "InTx" {
			return store.ErrTransient
		}
		return nil
	})
	h.advance(150 * time.Millisecond)
	assert.Equal(t, store.StatusPlaying, h.round(roundID).Status)
	assert.Equal(t, int64(900), h.wallet(1).Main)

	_, err = h.eng.ClaimBingo(h.ctx, 2, roundID, nil)
	assert.ErrorIs(t, err, ErrAlreadyWon)

	h.st.SetFault(nil)
	require.Equal(t, 1, h.eng.RecoverStalled(h.ctx))
	rec := h.round(roundID)
	assert.Equal(t, store.OutcomeWon, rec.Outcome)
	assert.Equal(t, int64(160), rec.PayoutEach)
	assert.Equal(t, int64(1060), h.wallet(1).Main)
}

func TestStoreErrorsAreNotDisguised(t *testing.T) {
	h := newHarness(t, testRoom())
	h.fund(1000, 0, 1)
	joined, err := h.eng.JoinRoom(h.ctx, 1, "classic")
	require.NoError(t, err)

	boom := errors.New("constraint violated")
	h.st.SetFault(func(op string) error {
		if op == "AssignBoard" {
			return boom
		}
		return nil
	})
	_, err = h.eng.SelectBoard(h.ctx, 1, joined.RoundID, 1)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1000), h.wallet(1).Main, "failed transaction must not debit")
	assert.Zero(t, h.round(joined.RoundID).PrizePool)
}
