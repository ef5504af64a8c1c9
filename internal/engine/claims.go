package engine

import (
	"context"
	"errors"
	"slices"

	"github.com/lox/bingo/bingo"
	"github.com/lox/bingo/internal/protocol"
	"github.com/lox/bingo/internal/resilience"
	"github.com/lox/bingo/internal/store"
)

// claimable reports why a claim cannot be taken. Callers hold r.mu.
func (r *round) claimable(playerID int64) error {
	switch {
	case r.windowClosed && len(r.winners) > 0, r.rec.Outcome == store.OutcomeWon:
		return ErrAlreadyWon
	case r.windowClosed, r.rec.Status.Terminal():
		return ErrWindowClosed
	case r.rec.Status != store.StatusPlaying:
		return ErrNotPlaying
	case r.paused():
		return ErrPaused
	}
	if _, ok := r.seats[playerID]; !ok {
		return ErrNotParticipant
	}
	return nil
}

type claimSnapshot struct {
	participant *store.Participant
	board       *store.Board
	calls       []store.Call
}

// ClaimBingo validates a claim against the stored board and call history.
// A valid claim opens the settlement window; further valid claims that
// arrive before it closes share the payout. An invalid claim forfeits the
// seat and stake.
func (e *Engine) ClaimBingo(ctx context.Context, playerID int64, roundID string, marked []int) (*protocol.ClaimResult, error) {
	r, err := e.lookup(roundID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	err = r.claimable(playerID)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var snap claimSnapshot
	err = e.db.ExecuteTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetParticipant(ctx, roundID, playerID)
		if err != nil {
			return err
		}
		b, err := tx.GetBoard(ctx, roundID, p.BoardNumber)
		if err != nil {
			return err
		}
		calls, err := tx.ListCalls(ctx, roundID)
		if err != nil {
			return err
		}
		snap = claimSnapshot{participant: p, board: b, calls: calls}
		return nil
	}, resilience.Options{Name: "claim_snapshot", Critical: true, ReadOnly: true})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, err
	}
	if !snap.participant.Active {
		return nil, ErrNotParticipant
	}
	reason := checkClaim(snap.board.Grid, snap.calls, marked)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.claimable(playerID); err != nil {
		return nil, err
	}
	s := r.seats[playerID]

	if reason != "" {
		return e.forfeit(ctx, r, s, reason)
	}

	if slices.ContainsFunc(r.winners, func(c claim) bool { return c.playerID == playerID }) {
		return &protocol.ClaimResult{RoundID: r.id, Accepted: true}, nil
	}
	r.winners = append(r.winners, claim{playerID: playerID, board: s.board, name: s.name})
	if !r.windowOpen {
		r.windowOpen = true
		e.schedule(r, e.cfg.SettlementWindow, "settle", e.settleWin)
	}
	e.logger.Info().
		Str("round_id", r.id).
		Int64("player_id", playerID).
		Int("board", s.board).
		Int("calls", len(snap.calls)).
		Int("winners", len(r.winners)).
		Msg("Bingo claim accepted")
	return &protocol.ClaimResult{RoundID: r.id, Accepted: true}, nil
}

// checkClaim returns the rejection reason for a claim, or "" if it wins.
// Without marked numbers every called number counts.
func checkClaim(grid bingo.Grid, calls []store.Call, marked []int) string {
	numbers := make([]int, len(calls))
	for i, c := range calls {
		numbers[i] = c.Number
	}
	called := bingo.NewMarks(numbers)
	marks := called
	if len(marked) > 0 {
		for _, n := range marked {
			if n < 1 || n > bingo.MaxNumber || !called[n] {
				return protocol.ReasonUncalledNumber
			}
		}
		marks = bingo.NewMarks(marked)
	}
	if !bingo.Wins(grid, marks) {
		return protocol.ReasonNoLine
	}
	return ""
}

// forfeit removes a false claimant. The stake is not refunded.
func (e *Engine) forfeit(ctx context.Context, r *round, s *seat, reason string) (*protocol.ClaimResult, error) {
	if err := e.unseat(ctx, r, s, protocol.ReasonFalseClaim); err != nil {
		return nil, err
	}
	e.falseClaims.Add(1)
	e.logger.Warn().
		Str("round_id", r.id).
		Int64("player_id", s.playerID).
		Int("board", s.board).
		Str("reason", reason).
		Msg("False claim, player removed")

	e.notify.ForceLeave(s.playerID, r.id, protocol.ReasonFalseClaim)
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypePlayerRemoved, protocol.PlayerRemoved{
		RoundID: r.id, Reason: protocol.ReasonFalseClaim, PlayerCount: len(r.seats),
	}))
	e.checkRemaining(r)
	e.checkPresence(r)
	return &protocol.ClaimResult{RoundID: r.id, Accepted: false, Reason: reason}, nil
}

// unseat takes a player out of a playing round. Their stake moves from the
// prize pool to the house's forfeited total.
func (e *Engine) unseat(ctx context.Context, r *round, s *seat, reason string) error {
	var updated *store.Round
	err := e.db.ExecuteTx(ctx, func(tx store.Tx) error {
		rr, err := tx.LockRound(ctx, r.id)
		if err != nil {
			return err
		}
		p, err := tx.GetParticipant(ctx, r.id, s.playerID)
		if err != nil {
			return err
		}
		if !p.Active || p.Refunded {
			return ErrNotParticipant
		}
		p.Active, p.RemovedReason = false, reason
		if reason == protocol.ReasonFalseClaim {
			p.FalseClaims++
		}
		if err := tx.UpdateParticipant(ctx, p); err != nil {
			return err
		}
		rr.Status, rr.PauseReason = r.rec.Status, r.rec.PauseReason
		rr.PrizePool -= p.Stake
		rr.Forfeited += p.Stake
		rr.PayoutPercent = r.rec.PayoutPercent
		rr.Commission = projectedCommission(rr.PrizePool, rr.PayoutPercent)
		if err := tx.UpdateRound(ctx, rr); err != nil {
			return err
		}
		updated = rr
		return nil
	}, resilience.Options{Name: "unseat", Critical: true})
	if err != nil {
		return err
	}
	r.applyMoney(updated)
	delete(r.seats, s.playerID)
	return nil
}

// checkRemaining ends a playing round that has lost its contest: nobody
// left settles without a winner, a lone survivor wins automatically.
func (e *Engine) checkRemaining(r *round) {
	if r.rec.Status != store.StatusPlaying || r.windowOpen {
		return
	}
	switch len(r.seats) {
	case 0:
		e.logger.Info().Str("round_id", r.id).Msg("No players left")
		e.settleRefund(r, store.StatusCompleted, store.OutcomeNoWinnerRefund, protocol.ReasonNoWinnerRefund)
	case 1:
		for _, s := range r.seats {
			e.logger.Info().Str("round_id", r.id).Int64("player_id", s.playerID).Msg("One player left, awarding round")
			r.winners = []claim{{playerID: s.playerID, board: s.board, name: s.name}}
		}
		r.windowOpen = true
		e.settleWin(r)
	}
}
