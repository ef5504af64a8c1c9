//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lox/bingo/bingo"
	"github.com/lox/bingo/internal/randutil"
	"github.com/lox/bingo/internal/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("bingo"),
		tcpostgres.WithUsername("bingo"),
		tcpostgres.WithPassword("bingo"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	m, err := NewMigrator(dsn, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, m.Close())

	s, err := Open(ctx, dsn, PoolConfig{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func seedRound(t *testing.T, s *Store) *store.Round {
	t.Helper()
	ctx := context.Background()
	conn := s.Conn()
	require.NoError(t, conn.UpsertRoom(ctx, store.Room{
		ID: "classic", Name: "Classic", EntryFee: 10, MinPlayers: 2, MaxPlayers: 50,
		BoardCount: 10, CountdownSeconds: 5, PayoutPercent: 80, PayoutMode: store.PayoutBanded,
		Bands: []store.PayoutBand{{MinPlayers: 2, MaxPlayers: 10, Percent: 85}}, Active: true,
	}))
	round := &store.Round{ID: "round-1", RoomID: "classic", Status: store.StatusLobby, EntryFee: 10, CreatedAt: time.Now()}
	require.NoError(t, conn.InsertRound(ctx, round))

	grids := bingo.NewGrids(randutil.New(1), 10)
	boards := make([]store.Board, len(grids))
	for i, g := range grids {
		boards[i] = store.Board{RoundID: round.ID, Number: i + 1, Grid: g, Hash: g.Hash()}
	}
	require.NoError(t, conn.InsertBoards(ctx, boards))
	return round
}

func TestRoundTripRowsIntegration(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedRound(t, s)
	conn := s.Conn()

	room, err := conn.GetRoom(ctx, "classic")
	require.NoError(t, err)
	assert.Equal(t, store.PayoutBanded, room.PayoutMode)
	require.Len(t, room.Bands, 1)
	assert.Equal(t, 85, room.Bands[0].Percent)

	boards, err := conn.ListBoards(ctx, "round-1")
	require.NoError(t, err)
	require.Len(t, boards, 10)
	assert.Equal(t, boards[0].Grid.Hash(), boards[0].Hash)

	require.NoError(t, conn.AppendCall(ctx, store.Call{RoundID: "round-1", Number: 12, Order: 1}))
	assert.Error(t, conn.AppendCall(ctx, store.Call{RoundID: "round-1", Number: 12, Order: 2}))
	calls, err := conn.ListCalls(ctx, "round-1")
	require.NoError(t, err)
	assert.Len(t, calls, 1)

	_, err = conn.GetRound(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestForfeitedAndSnapshotIntegration(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	round := seedRound(t, s)

	round.Status = store.StatusPlaying
	round.PrizePool = 20
	round.Forfeited = 10
	require.NoError(t, s.Conn().UpdateRound(ctx, round))

	err := s.InSnapshot(ctx, func(tx store.Tx) error {
		got, err := tx.GetRound(ctx, round.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(20), got.PrizePool)
		assert.Equal(t, int64(10), got.Forfeited)
		return tx.UpdateRound(ctx, got)
	})
	assert.Error(t, err, "snapshot transactions are read-only")
}

func TestConcurrentBoardLockIntegration(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	seedRound(t, s)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func(player int64) {
			defer wg.Done()
			results[player-1] = s.InTx(ctx, func(tx store.Tx) error {
				b, err := tx.LockBoard(ctx, "round-1", 3)
				if err != nil {
					return err
				}
				if b.Assigned() {
					return assert.AnError
				}
				return tx.AssignBoard(ctx, "round-1", 3, player)
			})
		}(int64(i + 1))
	}
	wg.Wait()

	failures := 0
	for _, err := range results {
		if err != nil {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestWalletCheckConstraintIntegration(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `INSERT INTO wallets (player_id, main, bonus) VALUES (1, 5, 0)`)
	require.NoError(t, err)

	err = s.Conn().AdjustWallet(ctx, 1, store.WalletMain, -6)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
