package engine

import (
	"github.com/lox/bingo/internal/protocol"
	"github.com/lox/bingo/internal/store"
)

// HandleDisconnect is called when a connection bound to the round goes
// away. After a short check delay the round pauses if no seated player is
// still connected.
func (e *Engine) HandleDisconnect(roundID string) {
	r, err := e.lookup(roundID)
	if err != nil {
		return
	}
	e.clock.AfterFunc(e.cfg.DisconnectCheck, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		e.checkPresence(r)
	}, "engine", "disconnect_check")
}

// checkPresence pauses a playing round once no seated player has a bound
// connection. Callers hold r.mu.
func (e *Engine) checkPresence(r *round) {
	if r.rec.Status != store.StatusPlaying || r.paused() || r.windowOpen {
		return
	}
	if r.connectedSeats(e.presence) > 0 {
		return
	}
	e.pauseForDisconnect(r)
}

// HandleReconnect resumes a round paused for disconnect once a seated
// player is bound to it again.
func (e *Engine) HandleReconnect(roundID string) {
	r, err := e.lookup(roundID)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec.PauseReason != store.PauseDisconnect || r.rec.Status.Terminal() {
		return
	}
	if r.connectedSeats(e.presence) == 0 {
		return
	}
	e.resume(r)
}

func (e *Engine) pauseForDisconnect(r *round) {
	r.stopTimer()
	now := e.clock.Now()
	r.rec.PauseReason = store.PauseDisconnect
	r.rec.PausedAt = &now
	e.persist(r, "pause_round")

	e.logger.Warn().
		Str("round_id", r.id).
		Int("calls", len(r.called)).
		Dur("grace", e.cfg.DisconnectGrace).
		Msg("All players disconnected, round paused")
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeRoundPaused, protocol.RoundPaused{
		RoundID:      r.id,
		Reason:       protocol.ReasonDisconnect,
		GraceSeconds: int(e.cfg.DisconnectGrace.Seconds()),
	}))

	r.stopGrace()
	epoch := r.graceEpoch
	r.grace = e.clock.AfterFunc(e.cfg.DisconnectGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.graceEpoch != epoch {
			return
		}
		r.grace = nil
		if r.rec.PauseReason != store.PauseDisconnect || r.rec.Status.Terminal() {
			return
		}
		e.graceExpired(r)
	}, "engine", "grace")
}

// graceExpired resumes the round if a seated player came back, otherwise
// forfeits it to the house.
func (e *Engine) graceExpired(r *round) {
	if r.connectedSeats(e.presence) > 0 {
		e.resume(r)
		return
	}
	e.houseForfeit(r)
}

// resume restarts the calling loop. RecoverStalled has already announced
// the resume when it clears a store pause, so only a live pause is
// broadcast here.
func (e *Engine) resume(r *round) {
	r.stopGrace()
	announce := r.paused()
	r.rec.PauseReason = store.PauseNone
	r.rec.PausedAt = nil
	e.persist(r, "resume_round")

	e.logger.Info().Str("round_id", r.id).Int("next_order", len(r.called)+1).Msg("Round resumed")
	if announce {
		e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeRoundResumed, protocol.RoundResumed{
			RoundID: r.id, NextOrder: len(r.called) + 1,
		}))
	}
	e.schedule(r, e.cfg.DrawInterval, "draw", e.draw)
}
