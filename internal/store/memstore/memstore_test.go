package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/bingo/internal/store"
)

func TestTxRollbackRestoresState(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutWallet(store.Wallet{PlayerID: 1, Main: 100})
	require.NoError(t, s.Conn().InsertRound(ctx, &store.Round{ID: "r1", Status: store.StatusLobby}))
	require.NoError(t, s.Conn().InsertBoards(ctx, []store.Board{{RoundID: "r1", Number: 1}}))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.AdjustWallet(ctx, 1, store.WalletMain, -10))
		require.NoError(t, tx.AssignBoard(ctx, "r1", 1, 1))
		require.NoError(t, tx.InsertParticipant(ctx, &store.Participant{RoundID: "r1", PlayerID: 1, BoardNumber: 1, Active: true}))
		require.NoError(t, tx.InsertLedger(ctx, store.LedgerEntry{RoundID: "r1", PlayerID: 1, Amount: -10}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := s.Conn().GetWallet(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.Main)
	b, err := s.Conn().GetBoard(ctx, "r1", 1)
	require.NoError(t, err)
	assert.False(t, b.Assigned())
	_, err = s.Conn().GetParticipant(ctx, "r1", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, s.Ledger())
}

func TestTxCommit(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutWallet(store.Wallet{PlayerID: 1, Main: 50, Bonus: 5})

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return tx.AdjustWallet(ctx, 1, store.WalletBonus, 7)
	}))
	w, err := s.Conn().GetWallet(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(12), w.Bonus)
	assert.Equal(t, int64(62), w.Balance())
}

func TestSnapshotReadsUnderLock(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Conn().InsertRound(ctx, &store.Round{ID: "r1", Status: store.StatusPlaying, PrizePool: 20, Forfeited: 10}))

	var ops []string
	s.SetFault(func(op string) error {
		ops = append(ops, op)
		return nil
	})
	require.NoError(t, s.InSnapshot(ctx, func(tx store.Tx) error {
		r, err := tx.GetRound(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), r.Forfeited)
		return nil
	}))
	assert.Contains(t, ops, "InSnapshot")
}

func TestAdjustWalletRejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutWallet(store.Wallet{PlayerID: 1, Main: 5})
	assert.Error(t, s.Conn().AdjustWallet(ctx, 1, store.WalletMain, -6))
}

func TestAppendCallEnforcesOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	conn := s.Conn()
	require.NoError(t, conn.AppendCall(ctx, store.Call{RoundID: "r", Number: 7, Order: 1}))
	assert.Error(t, conn.AppendCall(ctx, store.Call{RoundID: "r", Number: 8, Order: 3}))
	assert.Error(t, conn.AppendCall(ctx, store.Call{RoundID: "r", Number: 7, Order: 2}))
	require.NoError(t, conn.AppendCall(ctx, store.Call{RoundID: "r", Number: 8, Order: 2}))

	calls, err := conn.ListCalls(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, calls, 2)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New()
	down := errors.New("connection reset")
	s.SetFault(func(op string) error {
		if op == "AppendCall" {
			return down
		}
		return nil
	})
	assert.ErrorIs(t, s.Conn().AppendCall(ctx, store.Call{RoundID: "r", Number: 1, Order: 1}), down)
	assert.NoError(t, s.Ping(ctx))

	s.SetFault(nil)
	assert.NoError(t, s.Conn().AppendCall(ctx, store.Call{RoundID: "r", Number: 1, Order: 1}))
}

func TestActiveRoundForPlayer(t *testing.T) {
	ctx := context.Background()
	s := New()
	conn := s.Conn()
	require.NoError(t, conn.InsertRound(ctx, &store.Round{ID: "done", Status: store.StatusCompleted}))
	require.NoError(t, conn.InsertRound(ctx, &store.Round{ID: "live", Status: store.StatusPlaying}))
	require.NoError(t, conn.InsertParticipant(ctx, &store.Participant{RoundID: "done", PlayerID: 9, Active: true}))
	require.NoError(t, conn.InsertParticipant(ctx, &store.Participant{RoundID: "live", PlayerID: 9, BoardNumber: 4, Active: true}))

	p, err := conn.ActiveRoundForPlayer(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "live", p.RoundID)

	_, err = conn.ActiveRoundForPlayer(ctx, 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.PutWallet(store.Wallet{PlayerID: 1})

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.InTx(ctx, func(tx store.Tx) error {
				return tx.AdjustWallet(ctx, 1, store.WalletMain, 1)
			})
		}()
	}
	wg.Wait()
	w, err := s.Conn().GetWallet(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), w.Main)
}
