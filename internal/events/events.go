// Package events publishes round-completion records for audit and
// notification consumers. Publishing is best effort: failures are logged by
// the caller and never affect settlement.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RoundCompleted describes a round that reached a terminal state.
type RoundCompleted struct {
	RoundID       string    `json:"roundId"`
	RoomID        string    `json:"roomId"`
	Outcome       string    `json:"outcome"`
	PrizePool     int64     `json:"prizePool"`
	Commission    int64     `json:"commission"`
	Forfeited     int64     `json:"forfeited"`
	PayoutPercent int       `json:"payoutPercent"`
	PayoutEach    int64     `json:"payoutEach"`
	Winners       []int64   `json:"winners"`
	PlayerCount   int       `json:"playerCount"`
	CallCount     int       `json:"callCount"`
	EndedAt       time.Time `json:"endedAt"`
}

// Publisher delivers round events.
type Publisher interface {
	PublishRoundCompleted(ctx context.Context, ev RoundCompleted) error
	Close() error
}

// Backends accepted by Config.Backend.
const (
	BackendLog   = "log"
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

// Config selects and addresses the backend.
type Config struct {
	Backend  string
	RedisURL string
	NATSURL  string
	// Topic is the Redis channel or NATS subject.
	Topic string
}

// New builds the configured publisher. Every backend also logs.
func New(cfg Config, logger zerolog.Logger) (Publisher, error) {
	logPub := NewLogPublisher(logger)
	topic := cfg.Topic
	if topic == "" {
		topic = "bingo.rounds.completed"
	}
	switch cfg.Backend {
	case "", BackendLog:
		return logPub, nil
	case BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return Multi{logPub, NewRedisPublisher(redis.NewClient(opts), topic)}, nil
	case BackendNATS:
		conn, err := nats.Connect(cfg.NATSURL,
			nats.Name("bingo"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return Multi{logPub, NewNATSPublisher(conn, topic)}, nil
	}
	return nil, fmt.Errorf("unknown events backend %q", cfg.Backend)
}

// LogPublisher writes events as structured log lines.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) PublishRoundCompleted(_ context.Context, ev RoundCompleted) error {
	p.logger.Info().
		Str("round_id", ev.RoundID).
		Str("room_id", ev.RoomID).
		Str("outcome", ev.Outcome).
		Int64("prize_pool", ev.PrizePool).
		Int64("commission", ev.Commission).
		Int64("forfeited", ev.Forfeited).
		Int64("payout_each", ev.PayoutEach).
		Ints64("winners", ev.Winners).
		Int("calls", ev.CallCount).
		Msg("Round completed")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher sends events with PUBLISH on one channel.
type RedisPublisher struct {
	client  redisClient
	channel string
}

func NewRedisPublisher(client redisClient, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) PublishRoundCompleted(ctx context.Context, ev RoundCompleted) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

type natsConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSPublisher sends events on one subject and flushes each one.
type NATSPublisher struct {
	conn    natsConn
	subject string
}

func NewNATSPublisher(conn natsConn, subject string) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject}
}

func (p *NATSPublisher) PublishRoundCompleted(ctx context.Context, ev RoundCompleted) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) PublishRoundCompleted(ctx context.Context, ev RoundCompleted) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishRoundCompleted(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
