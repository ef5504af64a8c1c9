package engine

import (
	"context"
	"slices"
	"time"

	"github.com/lox/bingo/internal/events"
	"github.com/lox/bingo/internal/protocol"
	"github.com/lox/bingo/internal/resilience"
	"github.com/lox/bingo/internal/store"
)

// settleWin pays the accepted claims. The payout is split evenly and the
// remainder of the split goes to commission with the house share.
func (e *Engine) settleWin(r *round) {
	r.windowClosed = true
	winners := slices.Clone(r.winners)
	ids := make([]int64, len(winners))
	for i, w := range winners {
		ids[i] = w.playerID
	}

	ctx, cancel := e.opContext()
	defer cancel()
	now := e.clock.Now()
	var settled *store.Round
	err := e.db.ExecuteTx(ctx, func(tx store.Tx) error {
		rr, err := tx.LockRound(ctx, r.id)
		if err != nil {
			return err
		}
		payout := rr.PrizePool * int64(r.rec.PayoutPercent) / 100
		each := payout / int64(len(ids))
		for _, id := range ids {
			if err := tx.AdjustWallet(ctx, id, store.WalletMain, each); err != nil {
				return err
			}
			if err := tx.InsertLedger(ctx, store.LedgerEntry{
				RoundID: r.id, PlayerID: id, Wallet: store.WalletMain, Kind: store.LedgerPayout, Amount: each, At: now,
			}); err != nil {
				return err
			}
		}
		if err := e.countGamesPlayed(ctx, tx, r.id); err != nil {
			return err
		}

		rr.Status = store.StatusCompleted
		rr.Outcome = store.OutcomeWon
		rr.PauseReason = store.PauseNone
		rr.PayoutPercent = r.rec.PayoutPercent
		rr.Winners = ids
		rr.PayoutEach = each
		rr.Commission = rr.PrizePool - each*int64(len(ids))
		rr.CallCount = len(r.called)
		rr.StartedAt = r.rec.StartedAt
		rr.EndedAt = &now
		if err := tx.UpdateRound(ctx, rr); err != nil {
			return err
		}
		settled = rr
		return nil
	}, resilience.Options{Name: "settle_win", Critical: true})
	if err != nil {
		e.databasePause(r, err, e.settleWin)
		return
	}

	r.rec = *settled
	e.logger.Info().
		Str("round_id", r.id).
		Ints64("winners", ids).
		Int64("payout_each", settled.PayoutEach).
		Int64("commission", settled.Commission).
		Int("calls", len(r.called)).
		Msg("Round won")

	if len(winners) == 1 {
		e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeRoundWon, protocol.RoundWon{
			RoundID:       r.id,
			Winner:        winners[0].wire(),
			Payout:        settled.PayoutEach,
			PrizePool:     settled.PrizePool,
			PayoutPercent: settled.PayoutPercent,
			Called:        r.history(),
		}))
	} else {
		wire := make([]protocol.Winner, len(winners))
		for i, w := range winners {
			wire[i] = w.wire()
		}
		e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeMultipleWinners, protocol.MultipleWinners{
			RoundID:       r.id,
			Winners:       wire,
			PayoutEach:    settled.PayoutEach,
			PrizePool:     settled.PrizePool,
			PayoutPercent: settled.PayoutPercent,
			Called:        r.history(),
		}))
	}
	for _, id := range ids {
		e.sendBalance(ctx, id)
	}
	e.complete(r)
}

func (c claim) wire() protocol.Winner {
	return protocol.Winner{PlayerID: c.playerID, DisplayName: c.name, BoardNumber: c.board}
}

// countGamesPlayed credits a completed game to every participant whose
// stake was not returned.
func (e *Engine) countGamesPlayed(ctx context.Context, tx store.Tx, roundID string) error {
	ps, err := tx.ListParticipants(ctx, roundID)
	if err != nil {
		return err
	}
	var ids []int64
	for _, p := range ps {
		if !p.Refunded {
			ids = append(ids, p.PlayerID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return tx.IncrementGamesPlayed(ctx, ids)
}

// refundActive returns every active participant's stake to its source
// wallet and reports who was refunded. Stakes forfeited earlier stay with
// the house.
func refundActive(ctx context.Context, tx store.Tx, rr *store.Round, at time.Time) ([]int64, error) {
	ps, err := tx.ListParticipants(ctx, rr.ID)
	if err != nil {
		return nil, err
	}
	var refunded []int64
	for i := range ps {
		p := &ps[i]
		if !p.Active || p.Refunded {
			continue
		}
		if err := tx.AdjustWallet(ctx, p.PlayerID, p.StakeWallet, p.Stake); err != nil {
			return nil, err
		}
		if err := tx.InsertLedger(ctx, store.LedgerEntry{
			RoundID: rr.ID, PlayerID: p.PlayerID, Wallet: p.StakeWallet, Kind: store.LedgerRefund, Amount: p.Stake, At: at,
		}); err != nil {
			return nil, err
		}
		p.Refunded = true
		if err := tx.UpdateParticipant(ctx, p); err != nil {
			return nil, err
		}
		rr.PrizePool -= p.Stake
		refunded = append(refunded, p.PlayerID)
	}
	rr.Commission = rr.PrizePool
	return refunded, nil
}

// settleRefund ends a round by refunding active participants. It serves
// cancellation and the no-winner outcome.
func (e *Engine) settleRefund(r *round, status store.RoundStatus, outcome store.Outcome, reason string) {
	r.stopTimer()
	r.windowClosed = true

	ctx, cancel := e.opContext()
	defer cancel()
	now := e.clock.Now()
	var (
		settled  *store.Round
		refunded []int64
	)
	err := e.db.ExecuteTx(ctx, func(tx store.Tx) error {
		rr, err := tx.LockRound(ctx, r.id)
		if err != nil {
			return err
		}
		ids, err := refundActive(ctx, tx, rr, now)
		if err != nil {
			return err
		}
		rr.Status = status
		rr.Outcome = outcome
		rr.PauseReason = store.PauseNone
		rr.PayoutPercent = r.rec.PayoutPercent
		rr.CallCount = len(r.called)
		rr.StartedAt = r.rec.StartedAt
		rr.EndedAt = &now
		if err := tx.UpdateRound(ctx, rr); err != nil {
			return err
		}
		settled, refunded = rr, ids
		return nil
	}, resilience.Options{Name: "settle_refund", Critical: true})
	if err != nil {
		r.windowClosed = false
		e.databasePause(r, err, func(r *round) { e.settleRefund(r, status, outcome, reason) })
		return
	}

	r.rec = *settled
	e.logger.Info().
		Str("round_id", r.id).
		Str("outcome", string(outcome)).
		Int("refunded", len(refunded)).
		Int64("commission", settled.Commission).
		Msg("Round ended with refunds")

	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeRoundEnded, protocol.RoundEnded{RoundID: r.id, Reason: reason}))
	for _, id := range refunded {
		e.sendBalance(ctx, id)
	}
	e.complete(r)
}

// houseForfeit ends a round whose players all stayed away past the grace
// period. Nobody is paid and nothing is refunded. If the store write fails
// the retry checks presence again first.
func (e *Engine) houseForfeit(r *round) {
	r.stopTimer()
	r.windowClosed = true

	ctx, cancel := e.opContext()
	defer cancel()
	now := e.clock.Now()
	var settled *store.Round
	err := e.db.ExecuteTx(ctx, func(tx store.Tx) error {
		rr, err := tx.LockRound(ctx, r.id)
		if err != nil {
			return err
		}
		if err := e.countGamesPlayed(ctx, tx, r.id); err != nil {
			return err
		}
		rr.Status = store.StatusCompleted
		rr.Outcome = store.OutcomeHouseForfeit
		rr.PauseReason = store.PauseNone
		rr.PayoutPercent = r.rec.PayoutPercent
		rr.Commission = rr.PrizePool
		rr.CallCount = len(r.called)
		rr.StartedAt = r.rec.StartedAt
		rr.EndedAt = &now
		if err := tx.UpdateRound(ctx, rr); err != nil {
			return err
		}
		settled = rr
		return nil
	}, resilience.Options{Name: "house_forfeit", Critical: true})
	if err != nil {
		r.windowClosed = false
		e.databasePause(r, err, e.graceExpired)
		return
	}

	r.rec = *settled
	e.houseForfeits.Add(1)
	e.logger.Warn().
		Str("round_id", r.id).
		Int64("commission", settled.Commission).
		Int64("forfeited", settled.Forfeited).
		Msg("Round forfeited to the house")
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeRoundEnded, protocol.RoundEnded{
		RoundID: r.id, Reason: protocol.ReasonHouseForfeit,
	}))
	e.complete(r)
}

// complete publishes the outcome and retires the round.
func (e *Engine) complete(r *round) {
	if r.rec.Outcome != store.OutcomeCancelled {
		e.completed.Add(1)
	}
	e.publish(events.RoundCompleted{
		RoundID:       r.id,
		RoomID:        r.roomID,
		Outcome:       string(r.rec.Outcome),
		PrizePool:     r.rec.PrizePool,
		Commission:    r.rec.Commission,
		Forfeited:     r.rec.Forfeited,
		PayoutPercent: r.rec.PayoutPercent,
		PayoutEach:    r.rec.PayoutEach,
		Winners:       slices.Clone(r.rec.Winners),
		PlayerCount:   r.rec.PlayerCount,
		CallCount:     r.rec.CallCount,
		EndedAt:       *r.rec.EndedAt,
	})
	e.finish(r)
}

// RestoreOrphans cancels live rounds left in the store by a previous
// process and refunds their active participants. It runs before the
// engine accepts connections.
func (e *Engine) RestoreOrphans(ctx context.Context) (int, error) {
	live, err := resilience.Value(ctx, e.db, func(ctx context.Context, q store.Tx) ([]store.Round, error) {
		return q.LiveRounds(ctx)
	}, resilience.Options{Name: "live_rounds", Critical: true})
	if err != nil {
		return 0, err
	}
	now := e.clock.Now()
	for _, orphan := range live {
		var refunded []int64
		err := e.db.ExecuteTx(ctx, func(tx store.Tx) error {
			rr, err := tx.LockRound(ctx, orphan.ID)
			if err != nil {
				return err
			}
			ids, err := refundActive(ctx, tx, rr, now)
			if err != nil {
				return err
			}
			rr.Status = store.StatusCancelled
			rr.Outcome = store.OutcomeCancelled
			rr.PauseReason = store.PauseNone
			rr.EndedAt = &now
			refunded = ids
			return tx.UpdateRound(ctx, rr)
		}, resilience.Options{Name: "restore_orphan", Critical: true})
		if err != nil {
			return 0, err
		}
		e.logger.Warn().
			Str("round_id", orphan.ID).
			Str("status", string(orphan.Status)).
			Int("refunded", len(refunded)).
			Msg("Cancelled round left over from previous run")
	}
	return len(live), nil
}
