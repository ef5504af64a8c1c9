package server

import (
	"github.com/lox/bingo/internal/protocol"
)

// SendToPlayer delivers msg to every connection of the player.
func (s *Server) SendToPlayer(playerID int64, msg protocol.Message) {
	s.fanOut(s.registry.ConnectionsForPlayer(playerID), msg)
}

// Broadcast delivers msg to every connection bound to the round.
func (s *Server) Broadcast(roundID string, msg protocol.Message) {
	n := s.fanOut(s.registry.ConnectionsInRound(roundID), msg)
	s.logger.Debug().Str("round_id", roundID).Str("type", msg.Type).Int("recipients", n).Msg("Broadcast")
}

// ForceLeave unbinds the player's connections from the round and tells
// them why. The connections stay open.
func (s *Server) ForceLeave(playerID int64, roundID, reason string) {
	ids := s.registry.PlayerConnectionsInRound(playerID, roundID)
	for _, id := range ids {
		s.registry.LeaveRoom(id)
	}
	s.fanOut(ids, protocol.NewMessage(protocol.TypeForcedLeave, protocol.ForcedLeave{RoundID: roundID, Reason: reason}))
}

// fanOut encodes once and queues the frame on each live connection.
func (s *Server) fanOut(connIDs []string, msg protocol.Message) int {
	if len(connIDs) == 0 {
		return 0
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to encode message")
		return 0
	}
	sent := 0
	for _, id := range connIDs {
		if c := s.connection(id); c != nil && c.Send(frame) {
			sent++
		}
	}
	return sent
}
