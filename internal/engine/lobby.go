package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/lox/bingo/bingo"
	"github.com/lox/bingo/internal/protocol"
	"github.com/lox/bingo/internal/resilience"
	"github.com/lox/bingo/internal/store"
)

// ListRooms returns every active room with its live round, if any.
func (e *Engine) ListRooms(ctx context.Context) ([]protocol.RoomInfo, error) {
	rooms, err := resilience.Value(ctx, e.db, func(ctx context.Context, q store.Tx) ([]store.Room, error) {
		return q.ListRooms(ctx)
	}, resilience.Options{Name: "list_rooms"})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	live := make(map[string]*round, len(e.byRoom))
	for id, r := range e.byRoom {
		live[id] = r
	}
	e.mu.Unlock()

	out := make([]protocol.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		if !room.Active {
			continue
		}
		if r, ok := live[room.ID]; ok {
			r.mu.Lock()
			info := r.roomInfo()
			r.mu.Unlock()
			out = append(out, info)
			continue
		}
		out = append(out, protocol.RoomInfo{
			ID:            room.ID,
			Name:          room.Name,
			EntryFee:      room.EntryFee,
			MinPlayers:    room.MinPlayers,
			MaxPlayers:    room.MaxPlayers,
			BoardCount:    room.BoardCount,
			PayoutPercent: room.PayoutPercent,
		})
	}
	return out, nil
}

// Balance returns the player's wallet. A missing wallet or an unavailable
// store reads as zero.
func (e *Engine) Balance(ctx context.Context, playerID int64) protocol.BalanceUpdated {
	w, _ := resilience.Value(ctx, e.db, func(ctx context.Context, q store.Tx) (*store.Wallet, error) {
		return q.GetWallet(ctx, playerID)
	}, resilience.Options{Name: "get_balance"})
	if w == nil {
		return protocol.BalanceUpdated{}
	}
	return protocol.BalanceUpdated{Main: w.Main, Bonus: w.Bonus, Total: w.Balance()}
}

func (e *Engine) sendBalance(ctx context.Context, playerID int64) {
	e.notify.SendToPlayer(playerID, protocol.NewMessage(protocol.TypeBalanceUpdated, e.Balance(ctx, playerID)))
}

func (e *Engine) displayName(ctx context.Context, playerID int64) string {
	p, _ := resilience.Value(ctx, e.db, func(ctx context.Context, q store.Tx) (*store.Player, error) {
		return q.GetPlayer(ctx, playerID)
	}, resilience.Options{Name: "get_player", MaxAttempts: 1})
	if p == nil || p.DisplayName == "" {
		return fmt.Sprintf("Player %d", playerID)
	}
	return p.DisplayName
}

// CheckActiveRound reports the live round the player holds a seat in.
func (e *Engine) CheckActiveRound(ctx context.Context, playerID int64) protocol.ActiveRound {
	p, _ := resilience.Value(ctx, e.db, func(ctx context.Context, q store.Tx) (*store.Participant, error) {
		return q.ActiveRoundForPlayer(ctx, playerID)
	}, resilience.Options{Name: "active_round"})
	if p == nil {
		return protocol.ActiveRound{}
	}
	r, err := e.lookup(p.RoundID)
	if err != nil {
		return protocol.ActiveRound{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seated := r.seats[playerID]; !seated || r.rec.Status.Terminal() {
		return protocol.ActiveRound{}
	}
	return protocol.ActiveRound{
		Active:      true,
		RoundID:     r.id,
		RoomID:      r.roomID,
		Status:      string(r.rec.Status),
		BoardNumber: p.BoardNumber,
	}
}

// JoinRoom returns a snapshot of the room's live round, creating one in
// lobby if none exists. A seated player gets their board back with
// Reconnect set.
func (e *Engine) JoinRoom(ctx context.Context, playerID int64, roomID string) (*protocol.RoundJoined, error) {
	room, err := resilience.Value(ctx, e.db, func(ctx context.Context, q store.Tx) (*store.Room, error) {
		return q.GetRoom(ctx, roomID)
	}, resilience.Options{Name: "get_room", Critical: true})
	if errors.Is(err, store.ErrNotFound) || err == nil && !room.Active {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}

	// A round can finish between lookup and lock; the next lookup then
	// creates its successor.
	for range 3 {
		r, err := e.liveRound(ctx, *room)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.rec.Status.Terminal() {
			r.mu.Unlock()
			continue
		}
		snap := r.joinedSnapshot(playerID)
		r.mu.Unlock()
		return snap, nil
	}
	return nil, ErrRoundNotFound
}

func (e *Engine) liveRound(ctx context.Context, room store.Room) (*round, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.byRoom[room.ID]; ok {
		return r, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("round id: %w", err)
	}
	rng := e.cfg.NewRand()
	grids := bingo.NewGrids(rng, room.BoardCount)
	rec := store.Round{
		ID:            id.String(),
		RoomID:        room.ID,
		Status:        store.StatusLobby,
		EntryFee:      room.EntryFee,
		PayoutPercent: room.PayoutPercent,
		CreatedAt:     e.clock.Now(),
	}
	boards := make([]store.Board, len(grids))
	for i, g := range grids {
		boards[i] = store.Board{RoundID: rec.ID, Number: i + 1, Grid: g, Hash: g.Hash()}
	}
	err = e.db.ExecuteTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertRound(ctx, &rec); err != nil {
			return err
		}
		return tx.InsertBoards(ctx, boards)
	}, resilience.Options{Name: "create_round", Critical: true})
	if err != nil {
		return nil, err
	}

	r := newRound(rec, room, grids, rng)
	e.rounds[r.id] = r
	e.byRoom[room.ID] = r
	e.logger.Info().Str("round_id", r.id).Str("room_id", room.ID).Int("boards", len(grids)).Msg("Round created")
	return r, nil
}

// SelectBoard seats the player on a board, debiting the entry fee from the
// bonus wallet when it covers the fee and from the main wallet otherwise.
func (e *Engine) SelectBoard(ctx context.Context, playerID int64, roundID string, boardNumber int) (*protocol.BoardAssigned, error) {
	r, err := e.lookup(roundID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.rec.Status != store.StatusLobby && r.rec.Status != store.StatusCountdown:
		return nil, ErrRoundStarted
	case r.seats[playerID] != nil:
		return nil, ErrAlreadySeated
	}
	grid, ok := r.grid(boardNumber)
	if !ok {
		return nil, ErrBoardNotFound
	}
	if _, taken := r.taken[boardNumber]; taken {
		return nil, ErrBoardTaken
	}
	if r.rec.PlayerCount >= r.room.MaxPlayers {
		return nil, ErrRoundFull
	}

	now := e.clock.Now()
	var (
		updated *store.Round
		wallet  store.Wallet
		kind    store.WalletKind
	)
	err = e.db.ExecuteTx(ctx, func(tx store.Tx) error {
		rr, err := tx.LockRound(ctx, r.id)
		if err != nil {
			return err
		}
		if rr.Status != store.StatusLobby && rr.Status != store.StatusCountdown {
			return ErrRoundStarted
		}
		if rr.PlayerCount >= r.room.MaxPlayers {
			return ErrRoundFull
		}
		existing, err := tx.GetParticipant(ctx, r.id, playerID)
		switch {
		case err == nil && existing.Active:
			return ErrAlreadySeated
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		}
		b, err := tx.LockBoard(ctx, r.id, boardNumber)
		if errors.Is(err, store.ErrNotFound) {
			return ErrBoardNotFound
		} else if err != nil {
			return err
		}
		if b.Assigned() {
			return ErrBoardTaken
		}
		w, err := tx.LockWallet(ctx, playerID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInsufficientFunds
		} else if err != nil {
			return err
		}

		fee := rr.EntryFee
		switch {
		case w.Bonus >= fee:
			kind = store.WalletBonus
			w.Bonus -= fee
		case w.Main >= fee:
			kind = store.WalletMain
			w.Main -= fee
		default:
			return ErrInsufficientFunds
		}
		if err := tx.AdjustWallet(ctx, playerID, kind, -fee); err != nil {
			return err
		}
		if err := tx.AssignBoard(ctx, r.id, boardNumber, playerID); err != nil {
			return err
		}
		if err := tx.InsertParticipant(ctx, &store.Participant{
			RoundID:     r.id,
			PlayerID:    playerID,
			BoardNumber: boardNumber,
			Stake:       fee,
			StakeWallet: kind,
			Active:      true,
			JoinedAt:    now,
		}); err != nil {
			return err
		}
		if err := tx.InsertLedger(ctx, store.LedgerEntry{
			RoundID: r.id, PlayerID: playerID, Wallet: kind, Kind: store.LedgerEntryFee, Amount: -fee, At: now,
		}); err != nil {
			return err
		}

		rr.Status, rr.PauseReason = r.rec.Status, r.rec.PauseReason
		rr.PrizePool += fee
		rr.PlayerCount++
		rr.PayoutPercent = payoutPercent(r.room, rr.PlayerCount)
		rr.Commission = projectedCommission(rr.PrizePool, rr.PayoutPercent)
		if err := tx.UpdateRound(ctx, rr); err != nil {
			return err
		}
		updated, wallet = rr, *w
		return nil
	}, resilience.Options{Name: "select_board", Critical: true})
	if err != nil {
		return nil, err
	}

	name := e.displayName(ctx, playerID)
	r.applyMoney(updated)
	r.seats[playerID] = &seat{playerID: playerID, board: boardNumber, stake: r.rec.EntryFee, wallet: kind, name: name}
	r.taken[boardNumber] = playerID

	e.logger.Info().
		Str("round_id", r.id).
		Int64("player_id", playerID).
		Int("board", boardNumber).
		Str("wallet", string(kind)).
		Int64("prize_pool", r.rec.PrizePool).
		Msg("Board assigned")

	e.notify.SendToPlayer(playerID, protocol.NewMessage(protocol.TypeBalanceUpdated, protocol.BalanceUpdated{
		Main: wallet.Main, Bonus: wallet.Bonus, Total: wallet.Balance(),
	}))
	e.broadcastBoards(r)
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypePlayerJoined, protocol.PlayerJoined{
		RoundID:     r.id,
		DisplayName: name,
		BoardNumber: boardNumber,
		PlayerCount: r.rec.PlayerCount,
		PrizePool:   r.rec.PrizePool,
	}))

	if r.rec.Status == store.StatusLobby && r.rec.PlayerCount >= r.room.MinPlayers {
		e.startCountdown(r)
	}

	return &protocol.BoardAssigned{
		RoundID:     r.id,
		BoardNumber: boardNumber,
		Board:       gridCells(grid),
		Hash:        grid.Hash(),
		Stake:       r.rec.EntryFee,
		Wallet:      string(kind),
	}, nil
}

func projectedCommission(pool int64, percent int) int64 {
	return pool - pool*int64(percent)/100
}

// applyMoney copies the financial fields of a committed round row.
func (r *round) applyMoney(rr *store.Round) {
	r.rec.PrizePool = rr.PrizePool
	r.rec.PlayerCount = rr.PlayerCount
	r.rec.PayoutPercent = rr.PayoutPercent
	r.rec.Commission = rr.Commission
	r.rec.Forfeited = rr.Forfeited
}

func (e *Engine) broadcastBoards(r *round) {
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeAvailableBoards, protocol.AvailableBoards{
		RoundID: r.id,
		Boards:  r.availableBoards(),
		Taken:   len(r.taken),
	}))
}

// LeaveRound gives up a seat. Before the round starts the stake is refunded
// to the wallet it came from and the board is released. During play the
// stake is forfeited to the house.
func (e *Engine) LeaveRound(ctx context.Context, playerID int64, roundID string) error {
	r, err := e.lookup(roundID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.seats[playerID]
	if !ok {
		return ErrNotParticipant
	}
	switch r.rec.Status {
	case store.StatusLobby, store.StatusCountdown:
		return e.leaveBeforeStart(ctx, r, s)
	case store.StatusPlaying:
		if r.windowOpen {
			return ErrWindowClosed
		}
		return e.leaveDuringPlay(ctx, r, s)
	}
	return ErrNotParticipant
}

func (e *Engine) leaveBeforeStart(ctx context.Context, r *round, s *seat) error {
	now := e.clock.Now()
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
		if err := tx.AdjustWallet(ctx, p.PlayerID, p.StakeWallet, p.Stake); err != nil {
			return err
		}
		if err := tx.InsertLedger(ctx, store.LedgerEntry{
			RoundID: r.id, PlayerID: p.PlayerID, Wallet: p.StakeWallet, Kind: store.LedgerRefund, Amount: p.Stake, At: now,
		}); err != nil {
			return err
		}
		if err := tx.AssignBoard(ctx, r.id, p.BoardNumber, 0); err != nil {
			return err
		}
		p.Active, p.Refunded, p.RemovedReason = false, true, protocol.ReasonLeft
		if err := tx.UpdateParticipant(ctx, p); err != nil {
			return err
		}
		rr.Status, rr.PauseReason = r.rec.Status, r.rec.PauseReason
		rr.PrizePool -= p.Stake
		rr.PlayerCount--
		rr.PayoutPercent = payoutPercent(r.room, rr.PlayerCount)
		rr.Commission = projectedCommission(rr.PrizePool, rr.PayoutPercent)
		if err := tx.UpdateRound(ctx, rr); err != nil {
			return err
		}
		updated = rr
		return nil
	}, resilience.Options{Name: "leave_round", Critical: true})
	if err != nil {
		return err
	}

	r.applyMoney(updated)
	delete(r.seats, s.playerID)
	delete(r.taken, s.board)
	e.logger.Info().Str("round_id", r.id).Int64("player_id", s.playerID).Msg("Player left before start, stake refunded")

	e.sendBalance(ctx, s.playerID)
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypePlayerLeft, protocol.PlayerLeft{
		RoundID: r.id, BoardNumber: s.board, PlayerCount: r.rec.PlayerCount, PrizePool: r.rec.PrizePool,
	}))
	e.broadcastBoards(r)

	if r.rec.Status == store.StatusCountdown && r.rec.PlayerCount < r.room.MinPlayers {
		e.logger.Info().Str("round_id", r.id).Msg("Player count dropped below minimum, cancelling round")
		e.settleRefund(r, store.StatusCancelled, store.OutcomeCancelled, protocol.ReasonCancelled)
	}
	return nil
}

func (e *Engine) leaveDuringPlay(ctx context.Context, r *round, s *seat) error {
	if err := e.unseat(ctx, r, s, protocol.ReasonLeft); err != nil {
		return err
	}
	e.logger.Info().Str("round_id", r.id).Int64("player_id", s.playerID).Msg("Player left during play, stake retained")
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypePlayerLeft, protocol.PlayerLeft{
		RoundID: r.id, BoardNumber: s.board, PlayerCount: len(r.seats), PrizePool: r.rec.PrizePool,
	}))
	e.checkRemaining(r)
	e.checkPresence(r)
	return nil
}

func (e *Engine) startCountdown(r *round) {
	r.rec.Status = store.StatusCountdown
	r.remaining = r.room.CountdownSeconds
	r.rec.PayoutPercent = payoutPercent(r.room, r.rec.PlayerCount)
	e.persist(r, "start_countdown")

	e.logger.Info().Str("round_id", r.id).Int("seconds", r.remaining).Msg("Countdown started")
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeCountdownStart, protocol.CountdownStart{
		RoundID:       r.id,
		Seconds:       r.remaining,
		PlayerCount:   r.rec.PlayerCount,
		PrizePool:     r.rec.PrizePool,
		PayoutPercent: r.rec.PayoutPercent,
	}))
	e.schedule(r, time.Second, "countdown", e.countdownTick)
}

func (e *Engine) countdownTick(r *round) {
	if r.rec.Status != store.StatusCountdown {
		return
	}
	r.remaining--
	r.rec.PayoutPercent = payoutPercent(r.room, r.rec.PlayerCount)
	if r.remaining <= 0 {
		e.startPlaying(r)
		return
	}
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeCountdownTick, protocol.CountdownTick{
		RoundID:       r.id,
		Remaining:     r.remaining,
		PlayerCount:   r.rec.PlayerCount,
		PrizePool:     r.rec.PrizePool,
		PayoutPercent: r.rec.PayoutPercent,
	}))
	e.schedule(r, time.Second, "countdown", e.countdownTick)
}

func (e *Engine) startPlaying(r *round) {
	now := e.clock.Now()
	r.rec.Status = store.StatusPlaying
	r.rec.StartedAt = &now
	r.rec.Commission = projectedCommission(r.rec.PrizePool, r.rec.PayoutPercent)
	e.persist(r, "start_playing")

	e.logger.Info().
		Str("round_id", r.id).
		Int("players", len(r.seats)).
		Int64("prize_pool", r.rec.PrizePool).
		Int("payout_percent", r.rec.PayoutPercent).
		Msg("Round started")
	e.notify.Broadcast(r.id, protocol.NewMessage(protocol.TypeRoundStarted, protocol.RoundStarted{
		RoundID:       r.id,
		PlayerCount:   r.rec.PlayerCount,
		PrizePool:     r.rec.PrizePool,
		PayoutPercent: r.rec.PayoutPercent,
	}))

	if r.connectedSeats(e.presence) == 0 {
		e.pauseForDisconnect(r)
		return
	}
	e.schedule(r, e.cfg.DrawInterval, "draw", e.draw)
}

// persist mirrors the in-memory round row. Failures are logged; money
// fields only change through transactions, so the row never regresses.
func (e *Engine) persist(r *round, what string) {
	ctx, cancel := e.opContext()
	defer cancel()
	rec := r.rec
	rec.Winners = slices.Clone(rec.Winners)
	err := e.db.Execute(ctx, func(ctx context.Context, q store.Tx) error {
		return q.UpdateRound(ctx, &rec)
	}, resilience.Options{Name: what, Critical: true})
	if err != nil {
		e.logger.Warn().Err(err).Str("round_id", r.id).Str("op", what).Msg("Failed to persist round state")
	}
}
