package server

import (
	"context"
	"errors"

	"github.com/lox/bingo/internal/engine"
	"github.com/lox/bingo/internal/protocol"
	"github.com/lox/bingo/internal/ratelimit"
	"github.com/lox/bingo/internal/resilience"
	"github.com/lox/bingo/internal/store"
)

// route handles one inbound frame for c. Client mistakes get an error
// event and the connection stays open.
func (s *Server) route(c *Connection, frame []byte) {
	s.registry.Touch(c.id)

	if !s.limiter.Allow(c.id, ratelimit.General) {
		c.sendError("", protocol.CodeRateLimited, "too many messages")
		return
	}
	req, err := s.decoder.Decode(frame)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Rejected message")
		c.sendError("", protocol.CodeInvalidMessage, err.Error())
		return
	}
	if cat, ok := category(req.Command); ok && !s.limiter.Allow(c.id, cat) {
		c.sendError(req.RequestID, protocol.CodeRateLimited, "too many "+string(cat)+" requests")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.OpTimeout)
	defer cancel()

	c.logger.Debug().Str("type", req.Command.CommandType()).Str("request_id", req.RequestID).Msg("Received message")

	var reply protocol.Message
	switch cmd := req.Command.(type) {
	case protocol.GetRooms:
		rooms, err := s.engine.ListRooms(ctx)
		if err != nil {
			s.fail(c, req.RequestID, err)
			return
		}
		reply = protocol.NewMessage(protocol.TypeRoomsList, protocol.RoomsList{Rooms: rooms})

	case protocol.GetBalance:
		reply = protocol.NewMessage(protocol.TypeBalanceUpdated, s.engine.Balance(ctx, c.playerID))

	case protocol.CheckActiveRound:
		reply = protocol.NewMessage(protocol.TypeActiveRound, s.engine.CheckActiveRound(ctx, c.playerID))

	case protocol.JoinRoom:
		snap, err := s.joinRoom(ctx, c, cmd.RoomID)
		if err != nil {
			s.fail(c, req.RequestID, err)
			return
		}
		c.SendMessage(protocol.NewMessage(protocol.TypeRoundJoined, snap).Reply(req.RequestID))
		if snap.Reconnect {
			s.engine.HandleReconnect(snap.RoundID)
		}
		return

	case protocol.SelectBoard:
		assigned, err := s.engine.SelectBoard(ctx, c.playerID, cmd.RoundID, cmd.BoardNumber)
		if errors.Is(err, engine.ErrBoardTaken) {
			reply = protocol.NewMessage(protocol.TypeBoardUnavailable, protocol.BoardUnavailable{
				RoundID:     cmd.RoundID,
				BoardNumber: cmd.BoardNumber,
				Code:        protocol.CodeBoardTaken,
				Message:     "board already taken",
			})
			break
		}
		if err != nil {
			s.fail(c, req.RequestID, err)
			return
		}
		s.bindSeat(c, cmd.RoundID, cmd.BoardNumber)
		reply = protocol.NewMessage(protocol.TypeBoardAssigned, assigned)

	case protocol.ClaimBingo:
		result, err := s.engine.ClaimBingo(ctx, c.playerID, cmd.RoundID, cmd.MarkedNumbers)
		if err != nil {
			s.fail(c, req.RequestID, err)
			return
		}
		reply = protocol.NewMessage(protocol.TypeClaimResult, result)

	case protocol.LeaveRound:
		if err := s.engine.LeaveRound(ctx, c.playerID, cmd.RoundID); err != nil {
			s.fail(c, req.RequestID, err)
			return
		}
		for _, id := range s.registry.PlayerConnectionsInRound(c.playerID, cmd.RoundID) {
			s.registry.LeaveRoom(id)
		}
		return
	}
	c.SendMessage(reply.Reply(req.RequestID))
}

func category(cmd protocol.Command) (ratelimit.Category, bool) {
	switch cmd.(type) {
	case protocol.JoinRoom, protocol.SelectBoard:
		return ratelimit.Join, true
	case protocol.ClaimBingo:
		return ratelimit.Claim, true
	}
	return "", false
}

// joinRoom binds the connection to the room's live round. Moving to a new
// round counts as leaving the old one for presence.
func (s *Server) joinRoom(ctx context.Context, c *Connection, roomID string) (*protocol.RoundJoined, error) {
	snap, err := s.engine.JoinRoom(ctx, c.playerID, roomID)
	if err != nil {
		return nil, err
	}
	prev, _ := s.registry.Get(c.id)
	if err := s.registry.JoinRoom(c.id, snap.RoundID, snap.BoardNumber); err != nil {
		return nil, err
	}
	if prev.RoundID != "" && prev.RoundID != snap.RoundID {
		s.engine.HandleDisconnect(prev.RoundID)
	}
	return snap, nil
}

// bindSeat records the board on every connection the player has in the
// round and binds the requesting one if it was not already.
func (s *Server) bindSeat(c *Connection, roundID string, board int) {
	if entry, ok := s.registry.Get(c.id); !ok || entry.RoundID != roundID {
		if err := s.registry.JoinRoom(c.id, roundID, board); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to bind connection to round")
		}
	}
	for _, id := range s.registry.PlayerConnectionsInRound(c.playerID, roundID) {
		s.registry.SetBoard(id, board)
	}
}

func (s *Server) fail(c *Connection, requestID string, err error) {
	code := errorCode(err)
	if code == protocol.CodeInternal || code == protocol.CodeUnavailable {
		c.logger.Error().Err(err).Str("code", code).Msg("Request failed")
		c.sendError(requestID, code, "request failed, try again")
		return
	}
	c.logger.Debug().Err(err).Str("code", code).Msg("Request rejected")
	c.sendError(requestID, code, err.Error())
}

var errorCodes = []struct {
	err  error
	code string
}{
	{engine.ErrBoardTaken, protocol.CodeBoardTaken},
	{engine.ErrBoardNotFound, protocol.CodeBoardNotFound},
	{engine.ErrInsufficientFunds, protocol.CodeInsufficientFunds},
	{engine.ErrRoundFull, protocol.CodeRoundFull},
	{engine.ErrRoundStarted, protocol.CodeRoundStarted},
	{engine.ErrAlreadySeated, protocol.CodeAlreadySeated},
	{engine.ErrAlreadyWon, protocol.CodeAlreadyWon},
	{engine.ErrWindowClosed, protocol.CodeWindowClosed},
	{engine.ErrNotPlaying, protocol.CodeNotPlaying},
	{engine.ErrPaused, protocol.CodeRoundPaused},
	{engine.ErrNotParticipant, protocol.CodeNotParticipant},
	{engine.ErrRoundNotFound, protocol.CodeRoundNotFound},
	{engine.ErrRoomNotFound, protocol.CodeRoomNotFound},
	{resilience.ErrCircuitOpen, protocol.CodeUnavailable},
	{store.ErrTransient, protocol.CodeUnavailable},
	{context.DeadlineExceeded, protocol.CodeUnavailable},
}

// errorCode maps an engine error to its wire code.
func errorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return protocol.CodeInternal
}
