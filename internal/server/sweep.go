package server

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/lox/bingo/internal/protocol"
)

// startSweeps schedules the periodic maintenance on its own cron.
func (s *Server) startSweeps() error {
	if s.config.SweepSchedule == "" {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.config.SweepSchedule, s.Sweep); err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

// Sweep closes idle and expired connections, prunes rate-limit windows and
// retries rounds paused by a store failure.
func (s *Server) Sweep() {
	evicted := s.registry.Sweep()
	for _, ev := range evicted {
		c := s.connection(ev.Entry.ConnID)
		if c == nil {
			s.registry.Remove(ev.Entry.ConnID)
			continue
		}
		c.SendMessage(protocol.NewMessage(protocol.TypeForcedLeave, protocol.ForcedLeave{
			RoundID: ev.Entry.RoundID,
			Reason:  ev.Reason,
		}))
		c.Close()
	}
	pruned := s.limiter.Sweep()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.OpTimeout)
	defer cancel()
	resumed := s.engine.RecoverStalled(ctx)

	if len(evicted) > 0 || resumed > 0 {
		s.logger.Info().
			Int("evicted", len(evicted)).
			Int("windows_pruned", pruned).
			Int("rounds_resumed", resumed).
			Msg("Sweep complete")
	}
}
