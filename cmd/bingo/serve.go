package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lox/bingo/cmd/bingo/shared"
	"github.com/lox/bingo/internal/auth"
	"github.com/lox/bingo/internal/config"
	"github.com/lox/bingo/internal/engine"
	"github.com/lox/bingo/internal/events"
	"github.com/lox/bingo/internal/randutil"
	"github.com/lox/bingo/internal/ratelimit"
	"github.com/lox/bingo/internal/registry"
	"github.com/lox/bingo/internal/resilience"
	"github.com/lox/bingo/internal/server"
	"github.com/lox/bingo/internal/store"
	"github.com/lox/bingo/internal/store/memstore"
	"github.com/lox/bingo/internal/store/postgres"
)

// ServeCmd runs the websocket server.
type ServeCmd struct {
	Config string `kong:"default='bingo.hcl',help='Path to the HCL configuration file'"`
	Addr   string `kong:"help='Listen address, overriding the configuration'"`
	Store  string `kong:"help='Store backend (memory or postgres), overriding the configuration'"`
	Debug  bool   `kong:"help='Enable debug logging'"`
	Pretty bool   `kong:"help='Console log output even in production'"`
	Seed   *int64 `kong:"help='Deterministic RNG seed for boards and draws (non-production only)'"`
}

func (c *ServeCmd) Run() error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.Store != "" {
		cfg.Database.Backend = c.Store
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Seed != nil && cfg.Production() {
		return errors.New("--seed is not allowed in production")
	}

	logger := shared.SetupLogger(shared.ParseLevel(cfg.Server.LogLevel, c.Debug), c.Pretty || c.Debug || !cfg.Production())
	ctx, stop := shared.SignalContext(logger)
	defer stop()

	st, isTransient, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	exec := resilience.New(st, resilienceConfig(cfg), isTransient, logger)
	if err := seedRooms(ctx, exec, cfg); err != nil {
		return err
	}

	pub, err := events.New(events.Config{
		Backend:  cfg.Events.Backend,
		RedisURL: cfg.Events.RedisURL,
		NATSURL:  cfg.Events.NATSURL,
		Topic:    cfg.Events.Topic,
	}, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	clock := quartz.NewReal()
	reg := registry.New(registryLimits(cfg), clock)
	limiter := ratelimit.New(rateRules(cfg), clock)

	var validator auth.Validator = auth.NewHMACValidator(cfg.Auth.BotToken, config.Duration(cfg.Auth.MaxAge), clock)
	if cfg.Auth.AllowDebug {
		logger.Warn().Msg("Accepting unsigned debug tokens")
		validator = auth.NewDebugValidator(validator)
	}

	srvCfg := server.DefaultConfig()
	srvCfg.SweepSchedule = cfg.Timing.SweepSchedule
	srv, err := server.NewServer(logger, reg, limiter, validator, server.WithConfig(srvCfg), server.WithClock(clock))
	if err != nil {
		return err
	}
	eng := engine.New(engineConfig(cfg, c.Seed), exec, clock, srv, reg, pub, logger)
	srv.SetEngine(eng)

	restored, err := eng.RestoreOrphans(ctx)
	if err != nil {
		return fmt.Errorf("restore orphaned rounds: %w", err)
	}

	addr := cfg.ListenAddress()
	if c.Addr != "" {
		addr = c.Addr
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	logger.Info().
		Str("address", l.Addr().String()).
		Str("environment", cfg.Server.Environment).
		Str("store", cfg.Database.Backend).
		Str("events", cfg.Events.Backend).
		Int("rooms", len(cfg.Rooms)).
		Int("orphans_refunded", restored).
		Msg("Starting bingo server")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		eng.Shutdown()
		return err
	})
	return g.Wait()
}

// openStore returns the configured store and its transient-error classifier.
// The postgres backend is migrated before use.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, func(error) bool, error) {
	if cfg.Database.Backend != "postgres" {
		logger.Warn().Msg("Using in-memory store; balances are lost on restart")
		return memstore.New(), nil, nil
	}

	m, err := postgres.NewMigrator(cfg.Database.URL, logger)
	if err != nil {
		return nil, nil, err
	}
	err = m.Up()
	if cerr := m.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, nil, err
	}

	st, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{
		MaxConns: int32(cfg.Database.MaxConns),
		MinConns: int32(cfg.Database.MinConns),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	return st, postgres.IsTransient, nil
}

func resilienceConfig(cfg *config.Config) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.StatementAttempts = cfg.Database.StatementAttempts
	rc.TxAttempts = cfg.Database.TxAttempts
	rc.FailureThreshold = uint32(cfg.Database.BreakerThreshold)
	rc.Cooldown = config.Duration(cfg.Database.BreakerCooldown)
	return rc
}

// roomRecords converts configured rooms to store rows.
func roomRecords(cfg *config.Config) []store.Room {
	rooms := make([]store.Room, 0, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		room := store.Room{
			ID:               r.ID,
			Name:             r.Name,
			EntryFee:         r.EntryFee,
			MinPlayers:       r.MinPlayers,
			MaxPlayers:       r.MaxPlayers,
			BoardCount:       r.BoardCount,
			CountdownSeconds: r.CountdownSeconds,
			PayoutPercent:    r.PayoutPercent,
			PayoutMode:       store.PayoutMode(r.PayoutMode),
			Active:           true,
		}
		for _, b := range r.Bands {
			room.Bands = append(room.Bands, store.PayoutBand{
				MinPlayers: b.MinPlayers,
				MaxPlayers: b.MaxPlayers,
				Percent:    b.Percent,
			})
		}
		rooms = append(rooms, room)
	}
	return rooms
}

func seedRooms(ctx context.Context, exec *resilience.Executor, cfg *config.Config) error {
	for _, room := range roomRecords(cfg) {
		err := exec.Execute(ctx, func(ctx context.Context, q store.Tx) error {
			return q.UpsertRoom(ctx, room)
		}, resilience.Options{Name: "seed_room", Critical: true})
		if err != nil {
			return fmt.Errorf("seed room %s: %w", room.ID, err)
		}
	}
	return nil
}

func registryLimits(cfg *config.Config) registry.Limits {
	return registry.Limits{
		PerPlayer:   cfg.Limits.PerPlayer,
		PerAddress:  cfg.Limits.PerAddress,
		Global:      cfg.Limits.Global,
		IdleTimeout: config.Duration(cfg.Limits.IdleTimeout),
		MaxSession:  config.Duration(cfg.Limits.MaxSession),
	}
}

func rateRules(cfg *config.Config) map[ratelimit.Category]ratelimit.Rule {
	return map[ratelimit.Category]ratelimit.Rule{
		ratelimit.General: {Limit: cfg.Limits.GeneralLimit, Window: config.Duration(cfg.Limits.GeneralWindow)},
		ratelimit.Join:    {Limit: cfg.Limits.JoinLimit, Window: config.Duration(cfg.Limits.JoinWindow)},
		ratelimit.Claim:   {Limit: cfg.Limits.ClaimLimit, Window: config.Duration(cfg.Limits.ClaimWindow)},
	}
}

func engineConfig(cfg *config.Config, seed *int64) engine.Config {
	ec := engine.DefaultConfig()
	ec.DrawInterval = config.Duration(cfg.Timing.DrawInterval)
	ec.SettlementWindow = config.Duration(cfg.Timing.SettlementWindow)
	ec.DisconnectCheck = config.Duration(cfg.Timing.DisconnectCheck)
	ec.DisconnectGrace = config.Duration(cfg.Timing.DisconnectGrace)
	ec.EvictAfter = config.Duration(cfg.Timing.EvictAfter)
	if seed != nil {
		base := *seed
		var n atomic.Int64
		ec.NewRand = func() *rand.Rand {
			return randutil.New(base + n.Add(1) - 1)
		}
	}
	return ec
}
