package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/bingo/internal/store"
	"github.com/lox/bingo/internal/store/memstore"
)

var errReset = errors.New("connection reset")

func transient(err error) bool { return errors.Is(err, errReset) }

func testConfig() Config {
	return Config{
		StatementAttempts: 4,
		TxAttempts:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		FailureThreshold:  3,
		Cooldown:          30 * time.Millisecond,
	}
}

func newExecutor(t *testing.T) (*Executor, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	return New(st, testConfig(), transient, zerolog.Nop()), st
}

func TestExecuteRetriesTransient(t *testing.T) {
	e, _ := newExecutor(t)
	var calls atomic.Int32
	err := e.Execute(context.Background(), func(ctx context.Context, q store.Tx) error {
		if calls.Add(1) < 3 {
			return errReset
		}
		return nil
	}, Options{Name: "append", Critical: true})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, uint64(2), e.Stats().Retries)
}

func TestExecuteGivesUpAfterBudget(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 100
	e := New(memstore.New(), cfg, transient, zerolog.Nop())
	var calls atomic.Int32
	err := e.Execute(context.Background(), func(ctx context.Context, q store.Tx) error {
		calls.Add(1)
		return errReset
	}, Options{Name: "append", Critical: true})
	require.ErrorIs(t, err, errReset)
	assert.Equal(t, int32(4), calls.Load())
}

func TestBusinessErrorsAreNotRetried(t *testing.T) {
	e, _ := newExecutor(t)
	var calls atomic.Int32
	for range 10 {
		err := e.Execute(context.Background(), func(ctx context.Context, q store.Tx) error {
			calls.Add(1)
			return store.ErrNotFound
		}, Options{Critical: true})
		require.ErrorIs(t, err, store.ErrNotFound)
	}
	assert.Equal(t, int32(10), calls.Load())
	assert.Equal(t, "closed", e.Stats().State)
}

func TestExecuteTxCapsAttempts(t *testing.T) {
	e, st := newExecutor(t)
	var calls atomic.Int32
	st.SetFault(func(op string) error {
		if op == "InTx" {
			calls.Add(1)
			return errReset
		}
		return nil
	})
	err := e.ExecuteTx(context.Background(), func(tx store.Tx) error { return nil },
		Options{Name: "settle", Critical: true, MaxAttempts: 10})
	require.ErrorIs(t, err, errReset)
	assert.Equal(t, int32(2), calls.Load())
}

func TestReadOnlyExecuteTxUsesSnapshot(t *testing.T) {
	e, st := newExecutor(t)
	var ops []string
	st.SetFault(func(op string) error {
		if op == "InTx" || op == "InSnapshot" {
			ops = append(ops, op)
		}
		return nil
	})
	ctx := context.Background()
	noop := func(tx store.Tx) error { return nil }
	require.NoError(t, e.ExecuteTx(ctx, noop, Options{Name: "claim", Critical: true, ReadOnly: true}))
	require.NoError(t, e.ExecuteTx(ctx, noop, Options{Name: "settle", Critical: true}))
	assert.Equal(t, []string{"InSnapshot", "InTx"}, ops)
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	e, _ := newExecutor(t)
	ctx := context.Background()
	fail := func(ctx context.Context, q store.Tx) error { return errReset }

	err := e.Execute(ctx, fail, Options{Critical: true, MaxAttempts: 3})
	require.Error(t, err)
	assert.Equal(t, "open", e.Stats().State)

	var touched atomic.Bool
	err = e.Execute(ctx, func(ctx context.Context, q store.Tx) error {
		touched.Store(true)
		return nil
	}, Options{Critical: true})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, touched.Load(), "open breaker must not reach the store")

	require.Eventually(t, func() bool {
		return e.Execute(ctx, func(ctx context.Context, q store.Tx) error { return nil },
			Options{Critical: true, MaxAttempts: 1}) == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "closed", e.Stats().State)
}

func TestNonCriticalReturnsFallback(t *testing.T) {
	e, _ := newExecutor(t)
	got, err := Value(context.Background(), e, func(ctx context.Context, q store.Tx) (int64, error) {
		return 0, errReset
	}, Options{Name: "balance", Fallback: int64(-1), MaxAttempts: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), got)
	assert.Equal(t, uint64(1), e.Stats().Fallbacks)
}

func TestValueReturnsResult(t *testing.T) {
	e, st := newExecutor(t)
	st.PutWallet(store.Wallet{PlayerID: 4, Main: 30, Bonus: 2})
	w, err := Value(context.Background(), e, func(ctx context.Context, q store.Tx) (*store.Wallet, error) {
		return q.GetWallet(ctx, 4)
	}, Options{Critical: true})
	require.NoError(t, err)
	assert.Equal(t, int64(32), w.Balance())
}

func TestPingUsesStore(t *testing.T) {
	e, st := newExecutor(t)
	require.NoError(t, e.Ping(context.Background()))
	st.SetFault(func(op string) error {
		if op == "Ping" {
			return errReset
		}
		return nil
	})
	assert.ErrorIs(t, e.Ping(context.Background()), errReset)
}
