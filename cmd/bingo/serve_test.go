package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/bingo/internal/config"
	"github.com/lox/bingo/internal/ratelimit"
	"github.com/lox/bingo/internal/resilience"
	"github.com/lox/bingo/internal/store"
	"github.com/lox/bingo/internal/store/memstore"
)

func TestRoomRecords(t *testing.T) {
	rooms := roomRecords(config.Default())
	require.Len(t, rooms, 2)

	assert.Equal(t, "classic-10", rooms[0].ID)
	assert.Equal(t, int64(10), rooms[0].EntryFee)
	assert.Equal(t, store.PayoutStatic, rooms[0].PayoutMode)
	assert.True(t, rooms[0].Active)

	assert.Equal(t, store.PayoutBanded, rooms[1].PayoutMode)
	require.Len(t, rooms[1].Bands, 3)
	assert.Equal(t, store.PayoutBand{MinPlayers: 10, MaxPlayers: 49, Percent: 80}, rooms[1].Bands[1])
}

func TestSeedRoomsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	exec := resilience.New(st, resilience.DefaultConfig(), nil, zerolog.Nop())
	cfg := config.Default()

	require.NoError(t, seedRooms(ctx, exec, cfg))
	require.NoError(t, seedRooms(ctx, exec, cfg))

	rooms, err := st.Conn().ListRooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 2)
}

func TestRuntimeSettingsFromConfig(t *testing.T) {
	cfg := config.Default()

	limits := registryLimits(cfg)
	assert.Equal(t, 3, limits.PerPlayer)
	assert.Equal(t, 10*time.Minute, limits.IdleTimeout)
	assert.Equal(t, 6*time.Hour, limits.MaxSession)

	rules := rateRules(cfg)
	assert.Equal(t, ratelimit.Rule{Limit: 3, Window: 5 * time.Second}, rules[ratelimit.Claim])
	assert.Equal(t, ratelimit.Rule{Limit: 10, Window: time.Minute}, rules[ratelimit.Join])

	rc := resilienceConfig(cfg)
	assert.Equal(t, uint32(5), rc.FailureThreshold)
	assert.Equal(t, 10*time.Second, rc.Cooldown)

	ec := engineConfig(cfg, nil)
	assert.Equal(t, 3*time.Second, ec.DrawInterval)
	assert.Equal(t, 150*time.Millisecond, ec.SettlementWindow)
	assert.Equal(t, 30*time.Second, ec.DisconnectGrace)
}

func TestSeededEngineConfigIsDeterministic(t *testing.T) {
	seed := int64(42)
	a := engineConfig(config.Default(), &seed)
	b := engineConfig(config.Default(), &seed)

	for range 3 {
		assert.Equal(t, a.NewRand().Uint64(), b.NewRand().Uint64())
	}
}
