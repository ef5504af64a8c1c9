package engine

import (
	"context"

	"github.com/lox/bingo/bingo"
	"github.com/lox/bingo/internal/protocol"
	"github.com/lox/bingo/internal/resilience"
	"github.com/lox/bingo/internal/store"
)

// draw calls the next number. Once all 75 are out, the following tick
// ends the round without a winner.
func (e *Engine) draw(r *round) {
	if r.rec.Status != store.StatusPlaying || r.paused() || r.windowOpen {
		return
	}
	n := bingo.Draw(r.rng, r.drawn)
	if n == 0 {
		e.logger.Info().Str("round_id", r.id).Msg("All numbers called without a winner")
		e.settleRefund(r, store.StatusCompleted, store.OutcomeNoWinnerRefund, protocol.ReasonNoWinnerRefund)
		return
	}
	order := len(r.called) + 1

	ctx, cancel := e.opContext()
	defer cancel()
	err := e.db.ExecuteTx(ctx, func(tx store.Tx) error {
		if err := tx.AppendCall(ctx, store.Call{RoundID: r.id, Number: n, Order: order}); err != nil {
			return err
		}
		rr, err := tx.LockRound(ctx, r.id)
		if err != nil {
			return err
		}
		rr.Status, rr.PauseReason, rr.StartedAt = r.rec.Status, r.rec.PauseReason, r.rec.StartedAt
		rr.CallCount = order
		return tx.UpdateRound(ctx, rr)
	}, resilience.Options{Name: "append_call", Critical: true})
	if err != nil {
		e.databasePause(r, err, e.draw)
		return
	}

	r.called = append(r.called, n)
	r.drawn[n] = true
	r.rec.CallCount = order

	e.logger.Debug().Str("round_id", r.id).Int("number", n).Int("order", order).Msg("Number called")
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeNumberCalled, protocol.NumberCalled{
		RoundID: r.id,
		Letter:  bingo.Letter(n),
		Number:  n,
		Order:   order,
		History: r.history(),
	}))
	e.schedule(r, e.cfg.DrawInterval, "draw", e.draw)
}

// databasePause halts a round whose store write failed. retry re-runs the
// interrupted step once RecoverStalled finds the store healthy.
func (e *Engine) databasePause(r *round, cause error, retry func(r *round)) {
	r.stopTimer()
	now := e.clock.Now()
	r.rec.PauseReason = store.PauseDatabase
	r.rec.PausedAt = &now
	r.retry = retry
	e.databasePauses.Add(1)

	e.logger.Error().Err(cause).Str("round_id", r.id).Msg("Store failure, round paused")
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeRoundFault, protocol.RoundFault{
		RoundID: r.id, Reason: protocol.ReasonDatabase,
	}))
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeRoundPaused, protocol.RoundPaused{
		RoundID: r.id, Reason: protocol.ReasonDatabase,
	}))
}

// RecoverStalled resumes rounds paused by a store failure once the store
// answers again. It returns the number of rounds resumed.
func (e *Engine) RecoverStalled(ctx context.Context) int {
	var stalled []*round
	for _, r := range e.snapshotRounds() {
		r.mu.Lock()
		if r.rec.PauseReason == store.PauseDatabase && !r.rec.Status.Terminal() {
			stalled = append(stalled, r)
		}
		r.mu.Unlock()
	}
	if len(stalled) == 0 {
		return 0
	}
	if err := e.db.Ping(ctx); err != nil {
		e.logger.Warn().Err(err).Int("rounds", len(stalled)).Msg("Store still unavailable, rounds remain paused")
		return 0
	}

	resumed := 0
	for _, r := range stalled {
		r.mu.Lock()
		if r.rec.PauseReason == store.PauseDatabase && !r.rec.Status.Terminal() {
			retry := r.retry
			r.retry = nil
			r.rec.PauseReason = store.PauseNone
			r.rec.PausedAt = nil
			e.logger.Info().Str("round_id", r.id).Msg("Store recovered, resuming round")
			e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeRoundResumed, protocol.RoundResumed{
				RoundID: r.id, NextOrder: len(r.called) + 1,
			}))
			if retry != nil {
				retry(r)
			}
			resumed++
		}
		r.mu.Unlock()
	}
	return resumed
}
