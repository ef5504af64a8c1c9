// Package postgres implements store.Store on PostgreSQL with pgx. Lock
// methods issue SELECT ... FOR UPDATE when called inside InTx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lox/bingo/bingo"
	"github.com/lox/bingo/internal/store"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store is a pgx-backed store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, dsn string, cfg PoolConfig) (*Store, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Conn() store.Tx {
	return &queries{db: s.pool}
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&queries{db: tx, forUpdate: true})
	})
}

func (s *Store) InSnapshot(ctx context.Context, fn func(tx store.Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		return fn(&queries{db: tx})
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

type queries struct {
	db        DBTX
	forUpdate bool
}

func (q *queries) lockSuffix() string {
	if q.forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, store.ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

const roomColumns = `id, name, entry_fee, min_players, max_players, board_count,
	countdown_seconds, payout_percent, payout_mode, bands, active`

type bandJSON struct {
	MinPlayers int `json:"min_players"`
	MaxPlayers int `json:"max_players"`
	Percent    int `json:"percent"`
}

func scanRoom(row pgx.Row) (*store.Room, error) {
	var (
		r     store.Room
		mode  string
		bands []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &r.EntryFee, &r.MinPlayers, &r.MaxPlayers, &r.BoardCount,
		&r.CountdownSeconds, &r.PayoutPercent, &mode, &bands, &r.Active); err != nil {
		return nil, err
	}
	r.PayoutMode = store.PayoutMode(mode)
	var decoded []bandJSON
	if err := json.Unmarshal(bands, &decoded); err != nil {
		return nil, fmt.Errorf("decode bands: %w", err)
	}
	for _, b := range decoded {
		r.Bands = append(r.Bands, store.PayoutBand(b))
	}
	return &r, nil
}

func (q *queries) ListRooms(ctx context.Context) ([]store.Room, error) {
	rows, err := q.db.Query(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	var out []store.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (q *queries) GetRoom(ctx context.Context, roomID string) (*store.Room, error) {
	r, err := scanRoom(q.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID))
	if err != nil {
		return nil, notFound(err, "room %s", roomID)
	}
	return r, nil
}

func (q *queries) UpsertRoom(ctx context.Context, room store.Room) error {
	bands := make([]bandJSON, 0, len(room.Bands))
	for _, b := range room.Bands {
		bands = append(bands, bandJSON(b))
	}
	encoded, err := json.Marshal(bands)
	if err != nil {
		return fmt.Errorf("encode bands: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO rooms (`+roomColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, entry_fee = EXCLUDED.entry_fee,
			min_players = EXCLUDED.min_players, max_players = EXCLUDED.max_players,
			board_count = EXCLUDED.board_count, countdown_seconds = EXCLUDED.countdown_seconds,
			payout_percent = EXCLUDED.payout_percent, payout_mode = EXCLUDED.payout_mode,
			bands = EXCLUDED.bands, active = EXCLUDED.active`,
		room.ID, room.Name, room.EntryFee, room.MinPlayers, room.MaxPlayers, room.BoardCount,
		room.CountdownSeconds, room.PayoutPercent, string(room.PayoutMode), encoded, room.Active)
	if err != nil {
		return fmt.Errorf("upsert room %s: %w", room.ID, err)
	}
	return nil
}

const roundColumns = `id, room_id, status, pause_reason, outcome, entry_fee, prize_pool,
	commission, forfeited, payout_percent, player_count, call_count, winners, payout_each,
	created_at, started_at, paused_at, ended_at`

func scanRound(row pgx.Row) (*store.Round, error) {
	var (
		r                      store.Round
		status, pause, outcome string
	)
	if err := row.Scan(&r.ID, &r.RoomID, &status, &pause, &outcome, &r.EntryFee, &r.PrizePool,
		&r.Commission, &r.Forfeited, &r.PayoutPercent, &r.PlayerCount, &r.CallCount, &r.Winners, &r.PayoutEach,
		&r.CreatedAt, &r.StartedAt, &r.PausedAt, &r.EndedAt); err != nil {
		return nil, err
	}
	r.Status = store.RoundStatus(status)
	r.PauseReason = store.PauseReason(pause)
	r.Outcome = store.Outcome(outcome)
	return &r, nil
}

func (q *queries) InsertRound(ctx context.Context, r *store.Round) error {
	winners := r.Winners
	if winners == nil {
		winners = []int64{}
	}
	_, err := q.db.Exec(ctx, `INSERT INTO rounds (`+roundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		r.ID, r.RoomID, string(r.Status), string(r.PauseReason), string(r.Outcome), r.EntryFee, r.PrizePool,
		r.Commission, r.Forfeited, r.PayoutPercent, r.PlayerCount, r.CallCount, winners, r.PayoutEach,
		r.CreatedAt, r.StartedAt, r.PausedAt, r.EndedAt)
	if err != nil {
		return fmt.Errorf("insert round %s: %w", r.ID, err)
	}
	return nil
}

func (q *queries) GetRound(ctx context.Context, roundID string) (*store.Round, error) {
	r, err := scanRound(q.db.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, roundID))
	if err != nil {
		return nil, notFound(err, "round %s", roundID)
	}
	return r, nil
}

func (q *queries) LockRound(ctx context.Context, roundID string) (*store.Round, error) {
	r, err := scanRound(q.db.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE id = $1`+q.lockSuffix(), roundID))
	if err != nil {
		return nil, notFound(err, "lock round %s", roundID)
	}
	return r, nil
}

func (q *queries) UpdateRound(ctx context.Context, r *store.Round) error {
	winners := r.Winners
	if winners == nil {
		winners = []int64{}
	}
	tag, err := q.db.Exec(ctx, `UPDATE rounds SET
			status = $2, pause_reason = $3, outcome = $4, prize_pool = $5, commission = $6,
			forfeited = $7, payout_percent = $8, player_count = $9, call_count = $10, winners = $11,
			payout_each = $12, started_at = $13, paused_at = $14, ended_at = $15
		WHERE id = $1`,
		r.ID, string(r.Status), string(r.PauseReason), string(r.Outcome), r.PrizePool, r.Commission,
		r.Forfeited, r.PayoutPercent, r.PlayerCount, r.CallCount, winners,
		r.PayoutEach, r.StartedAt, r.PausedAt, r.EndedAt)
	if err != nil {
		return fmt.Errorf("update round %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update round %s: %w", r.ID, store.ErrNotFound)
	}
	return nil
}

func (q *queries) LiveRounds(ctx context.Context) ([]store.Round, error) {
	rows, err := q.db.Query(ctx, `SELECT `+roundColumns+` FROM rounds
		WHERE status NOT IN ('completed', 'cancelled') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("live rounds: %w", err)
	}
	defer rows.Close()
	var out []store.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (q *queries) InsertBoards(ctx context.Context, boards []store.Board) error {
	rows := make([][]any, 0, len(boards))
	for _, b := range boards {
		rows = append(rows, []any{b.RoundID, b.Number, b.Grid.String(), b.Hash})
	}
	if _, err := q.db.CopyFrom(ctx, pgx.Identifier{"boards"},
		[]string{"round_id", "number", "grid", "hash"}, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("insert boards: %w", err)
	}
	return nil
}

func scanBoard(row pgx.Row) (*store.Board, error) {
	var (
		b        store.Board
		grid     string
		assigned *int64
	)
	if err := row.Scan(&b.RoundID, &b.Number, &grid, &b.Hash, &assigned); err != nil {
		return nil, err
	}
	g, err := bingo.ParseGrid(grid)
	if err != nil {
		return nil, fmt.Errorf("board %s/%d: %w", b.RoundID, b.Number, err)
	}
	b.Grid = g
	if assigned != nil {
		b.AssignedTo = *assigned
	}
	return &b, nil
}

const boardColumns = `round_id, number, grid, hash, assigned_to`

func (q *queries) GetBoard(ctx context.Context, roundID string, number int) (*store.Board, error) {
	b, err := scanBoard(q.db.QueryRow(ctx,
		`SELECT `+boardColumns+` FROM boards WHERE round_id = $1 AND number = $2`, roundID, number))
	if err != nil {
		return nil, notFound(err, "board %s/%d", roundID, number)
	}
	return b, nil
}

func (q *queries) LockBoard(ctx context.Context, roundID string, number int) (*store.Board, error) {
	b, err := scanBoard(q.db.QueryRow(ctx,
		`SELECT `+boardColumns+` FROM boards WHERE round_id = $1 AND number = $2`+q.lockSuffix(), roundID, number))
	if err != nil {
		return nil, notFound(err, "lock board %s/%d", roundID, number)
	}
	return b, nil
}

func (q *queries) AssignBoard(ctx context.Context, roundID string, number int, playerID int64) error {
	var assigned any
	if playerID != 0 {
		assigned = playerID
	}
	tag, err := q.db.Exec(ctx, `UPDATE boards SET assigned_to = $3 WHERE round_id = $1 AND number = $2`,
		roundID, number, assigned)
	if err != nil {
		return fmt.Errorf("assign board %s/%d: %w", roundID, number, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("assign board %s/%d: %w", roundID, number, store.ErrNotFound)
	}
	return nil
}

func (q *queries) ListBoards(ctx context.Context, roundID string) ([]store.Board, error) {
	rows, err := q.db.Query(ctx, `SELECT `+boardColumns+` FROM boards WHERE round_id = $1 ORDER BY number`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()
	var out []store.Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

const participantColumns = `round_id, player_id, board_number, stake, stake_wallet, false_claims,
	active, refunded, removed_reason, joined_at`

func scanParticipant(row pgx.Row) (*store.Participant, error) {
	var (
		p      store.Participant
		wallet string
	)
	if err := row.Scan(&p.RoundID, &p.PlayerID, &p.BoardNumber, &p.Stake, &wallet, &p.FalseClaims,
		&p.Active, &p.Refunded, &p.RemovedReason, &p.JoinedAt); err != nil {
		return nil, err
	}
	p.StakeWallet = store.WalletKind(wallet)
	return &p, nil
}

// InsertParticipant replaces an inactive row so a player who left before the
// start can take a seat again.
func (q *queries) InsertParticipant(ctx context.Context, p *store.Participant) error {
	tag, err := q.db.Exec(ctx, `INSERT INTO participants (`+participantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (round_id, player_id) DO UPDATE SET
			board_number = EXCLUDED.board_number, stake = EXCLUDED.stake,
			stake_wallet = EXCLUDED.stake_wallet, false_claims = EXCLUDED.false_claims,
			active = EXCLUDED.active, refunded = EXCLUDED.refunded,
			removed_reason = EXCLUDED.removed_reason, joined_at = EXCLUDED.joined_at
		WHERE NOT participants.active`,
		p.RoundID, p.PlayerID, p.BoardNumber, p.Stake, string(p.StakeWallet), p.FalseClaims,
		p.Active, p.Refunded, p.RemovedReason, p.JoinedAt)
	if err != nil {
		return fmt.Errorf("insert participant %s/%d: %w", p.RoundID, p.PlayerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s/%d already active", p.RoundID, p.PlayerID)
	}
	return nil
}

func (q *queries) GetParticipant(ctx context.Context, roundID string, playerID int64) (*store.Participant, error) {
	p, err := scanParticipant(q.db.QueryRow(ctx, `SELECT `+participantColumns+`
		FROM participants WHERE round_id = $1 AND player_id = $2`, roundID, playerID))
	if err != nil {
		return nil, notFound(err, "participant %s/%d", roundID, playerID)
	}
	return p, nil
}

func (q *queries) UpdateParticipant(ctx context.Context, p *store.Participant) error {
	tag, err := q.db.Exec(ctx, `UPDATE participants SET
			board_number = $3, stake = $4, stake_wallet = $5, false_claims = $6,
			active = $7, refunded = $8, removed_reason = $9
		WHERE round_id = $1 AND player_id = $2`,
		p.RoundID, p.PlayerID, p.BoardNumber, p.Stake, string(p.StakeWallet), p.FalseClaims,
		p.Active, p.Refunded, p.RemovedReason)
	if err != nil {
		return fmt.Errorf("update participant %s/%d: %w", p.RoundID, p.PlayerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update participant %s/%d: %w", p.RoundID, p.PlayerID, store.ErrNotFound)
	}
	return nil
}

func (q *queries) ListParticipants(ctx context.Context, roundID string) ([]store.Participant, error) {
	rows, err := q.db.Query(ctx, `SELECT `+participantColumns+`
		FROM participants WHERE round_id = $1 ORDER BY board_number`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()
	var out []store.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (q *queries) ActiveRoundForPlayer(ctx context.Context, playerID int64) (*store.Participant, error) {
	p, err := scanParticipant(q.db.QueryRow(ctx, `SELECT p.round_id, p.player_id, p.board_number, p.stake,
			p.stake_wallet, p.false_claims, p.active, p.refunded, p.removed_reason, p.joined_at
		FROM participants p JOIN rounds r ON r.id = p.round_id
		WHERE p.player_id = $1 AND p.active AND r.status NOT IN ('completed', 'cancelled')
		ORDER BY r.created_at DESC LIMIT 1`, playerID))
	if err != nil {
		return nil, notFound(err, "active round for %d", playerID)
	}
	return p, nil
}

func (q *queries) AppendCall(ctx context.Context, call store.Call) error {
	_, err := q.db.Exec(ctx, `INSERT INTO called_numbers (round_id, number, ord) VALUES ($1, $2, $3)`,
		call.RoundID, call.Number, call.Order)
	if err != nil {
		return fmt.Errorf("append call %s#%d: %w", call.RoundID, call.Order, err)
	}
	return nil
}

func (q *queries) ListCalls(ctx context.Context, roundID string) ([]store.Call, error) {
	rows, err := q.db.Query(ctx, `SELECT round_id, number, ord FROM called_numbers
		WHERE round_id = $1 ORDER BY ord`, roundID)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()
	var out []store.Call
	for rows.Next() {
		var c store.Call
		if err := rows.Scan(&c.RoundID, &c.Number, &c.Order); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const walletColumns = `player_id, main, bonus, games_played`

func (q *queries) GetWallet(ctx context.Context, playerID int64) (*store.Wallet, error) {
	var w store.Wallet
	err := q.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE player_id = $1`, playerID).
		Scan(&w.PlayerID, &w.Main, &w.Bonus, &w.GamesPlayed)
	if err != nil {
		return nil, notFound(err, "wallet %d", playerID)
	}
	return &w, nil
}

func (q *queries) LockWallet(ctx context.Context, playerID int64) (*store.Wallet, error) {
	var w store.Wallet
	err := q.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE player_id = $1`+q.lockSuffix(), playerID).
		Scan(&w.PlayerID, &w.Main, &w.Bonus, &w.GamesPlayed)
	if err != nil {
		return nil, notFound(err, "lock wallet %d", playerID)
	}
	return &w, nil
}

func (q *queries) AdjustWallet(ctx context.Context, playerID int64, kind store.WalletKind, delta int64) error {
	column := "main"
	if kind == store.WalletBonus {
		column = "bonus"
	}
	tag, err := q.db.Exec(ctx, `UPDATE wallets SET `+column+` = `+column+` + $2 WHERE player_id = $1`, playerID, delta)
	if err != nil {
		return fmt.Errorf("adjust wallet %d: %w", playerID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("adjust wallet %d: %w", playerID, store.ErrNotFound)
	}
	return nil
}

func (q *queries) IncrementGamesPlayed(ctx context.Context, playerIDs []int64) error {
	if len(playerIDs) == 0 {
		return nil
	}
	if _, err := q.db.Exec(ctx, `UPDATE wallets SET games_played = games_played + 1
		WHERE player_id = ANY($1)`, playerIDs); err != nil {
		return fmt.Errorf("increment games played: %w", err)
	}
	return nil
}

func (q *queries) InsertLedger(ctx context.Context, e store.LedgerEntry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := q.db.Exec(ctx, `INSERT INTO ledger (round_id, player_id, wallet, kind, amount, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.RoundID, e.PlayerID, string(e.Wallet), string(e.Kind), e.Amount, at); err != nil {
		return fmt.Errorf("insert ledger: %w", err)
	}
	return nil
}

func (q *queries) GetPlayer(ctx context.Context, playerID int64) (*store.Player, error) {
	var p store.Player
	err := q.db.QueryRow(ctx, `SELECT id, display_name FROM players WHERE id = $1`, playerID).
		Scan(&p.ID, &p.DisplayName)
	if err != nil {
		return nil, notFound(err, "player %d", playerID)
	}
	return &p, nil
}
