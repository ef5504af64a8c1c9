// Package resilience wraps store access in bounded retries and a circuit
// breaker so a degraded database fails fast instead of stalling rounds.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/lox/bingo/internal/store"
)

// ErrCircuitOpen is returned without touching the store while the breaker
// is open or its single half-open trial is in flight.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// maxTxAttempts bounds replays of multi-statement money movement.
const maxTxAttempts = 2

// Config tunes retries and the breaker.
type Config struct {
	StatementAttempts int
	TxAttempts        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	FailureThreshold  uint32
	Cooldown          time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		StatementAttempts: 4,
		TxAttempts:        maxTxAttempts,
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        time.Second,
		FailureThreshold:  5,
		Cooldown:          10 * time.Second,
	}
}

// Options describe one call site.
type Options struct {
	// Name labels log lines and wrapped errors.
	Name string
	// Critical calls return their error; others log it and yield Fallback.
	Critical bool
	// Fallback is returned by Value for non-critical failures when it has
	// the requested type.
	Fallback any
	// MaxAttempts overrides the configured attempt budget when positive.
	MaxAttempts int
	// ReadOnly runs ExecuteTx against a read-only snapshot.
	ReadOnly bool
}

// Stats is a health snapshot.
type Stats struct {
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	Failures            uint64 `json:"failures"`
	Retries             uint64 `json:"retries"`
	Fallbacks           uint64 `json:"fallbacks"`
	ShortCircuits       uint64 `json:"short_circuits"`
}

// Executor runs store operations through retry and the breaker.
type Executor struct {
	store       store.Store
	cfg         Config
	isTransient func(error) bool
	breaker     *gobreaker.CircuitBreaker
	logger      zerolog.Logger

	failures      atomic.Uint64
	retries       atomic.Uint64
	fallbacks     atomic.Uint64
	shortCircuits atomic.Uint64
}

// New creates an executor. isTransient decides which errors are retried and
// counted by the breaker; everything else is treated as a business outcome.
func New(st store.Store, cfg Config, isTransient func(error) bool, logger zerolog.Logger) *Executor {
	if cfg.StatementAttempts <= 0 {
		cfg.StatementAttempts = DefaultConfig().StatementAttempts
	}
	if cfg.TxAttempts <= 0 || cfg.TxAttempts > maxTxAttempts {
		cfg.TxAttempts = maxTxAttempts
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if isTransient == nil {
		isTransient = func(err error) bool { return errors.Is(err, store.ErrTransient) }
	}
	e := &Executor{
		store:       st,
		cfg:         cfg,
		isTransient: isTransient,
		logger:      logger.With().Str("component", "resilience").Logger(),
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !e.isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
	return e
}

// Store returns the wrapped store.
func (e *Executor) Store() store.Store {
	return e.store
}

// Execute runs an idempotent operation against the store connection.
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context, q store.Tx) error, opts Options) error {
	_, err := Value(ctx, e, func(ctx context.Context, q store.Tx) (struct{}, error) {
		return struct{}{}, op(ctx, q)
	}, opts)
	return err
}

// ExecuteTx runs fn in a transaction. At most two attempts are made.
func (e *Executor) ExecuteTx(ctx context.Context, fn func(tx store.Tx) error, opts Options) error {
	attempts := e.cfg.TxAttempts
	if opts.MaxAttempts > 0 && opts.MaxAttempts < attempts {
		attempts = opts.MaxAttempts
	}
	begin := e.store.InTx
	if opts.ReadOnly {
		begin = e.store.InSnapshot
	}
	err := e.run(ctx, attempts, opts.Name, func() error {
		return begin(ctx, fn)
	})
	return e.finish(err, opts)
}

// Value runs op and returns its result. Non-critical failures yield
// opts.Fallback when it is a T, otherwise the zero T.
func Value[T any](ctx context.Context, e *Executor, op func(ctx context.Context, q store.Tx) (T, error), opts Options) (T, error) {
	attempts := e.cfg.StatementAttempts
	if opts.MaxAttempts > 0 {
		attempts = opts.MaxAttempts
	}
	var result T
	err := e.run(ctx, attempts, opts.Name, func() error {
		v, err := op(ctx, e.store.Conn())
		if err == nil {
			result = v
		}
		return err
	})
	if err == nil {
		return result, nil
	}
	if err = e.finish(err, opts); err != nil {
		return result, err
	}
	fb, _ := opts.Fallback.(T)
	return fb, nil
}

// Ping checks store reachability through the breaker without retries.
func (e *Executor) Ping(ctx context.Context) error {
	return e.Execute(ctx, func(ctx context.Context, _ store.Tx) error {
		return e.store.Ping(ctx)
	}, Options{Name: "ping", Critical: true, MaxAttempts: 1})
}

func (e *Executor) run(ctx context.Context, attempts int, name string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	if e.cfg.InitialBackoff > 0 {
		policy.InitialInterval = e.cfg.InitialBackoff
	}
	if e.cfg.MaxBackoff > 0 {
		policy.MaxInterval = e.cfg.MaxBackoff
	}
	policy.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(policy, uint64(max(attempts, 1)-1))
	b = backoff.WithContext(b, ctx)

	attempt := func() error {
		_, err := e.breaker.Execute(func() (interface{}, error) {
			return nil, op()
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			e.shortCircuits.Add(1)
			return backoff.Permanent(ErrCircuitOpen)
		case e.isTransient(err):
			e.failures.Add(1)
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		e.retries.Add(1)
		e.logger.Debug().Err(err).Str("op", name).Dur("wait", wait).Msg("Retrying store operation")
	}
	return backoff.RetryNotify(attempt, b, notify)
}

func (e *Executor) finish(err error, opts Options) error {
	if err == nil {
		return nil
	}
	if opts.Critical {
		if opts.Name == "" {
			return err
		}
		return fmt.Errorf("%s: %w", opts.Name, err)
	}
	e.fallbacks.Add(1)
	e.logger.Warn().Err(err).Str("op", opts.Name).Msg("Store operation failed, using fallback")
	return nil
}

// Stats returns breaker state and counters.
func (e *Executor) Stats() Stats {
	counts := e.breaker.Counts()
	return Stats{
		State:               e.breaker.State().String(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Failures:            e.failures.Load(),
		Retries:             e.retries.Load(),
		Fallbacks:           e.fallbacks.Load(),
		ShortCircuits:       e.shortCircuits.Load(),
	}
}
