package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() RoundCompleted {
	return RoundCompleted{
		RoundID: "r-1", RoomID: "classic", Outcome: "won", PrizePool: 20, Commission: 4,
		PayoutPercent: 80, PayoutEach: 16, Winners: []int64{7}, PlayerCount: 2, CallCount: 31,
		EndedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(zerolog.New(&buf))
	require.NoError(t, p.PublishRoundCompleted(context.Background(), sampleEvent()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "events", line["component"])
	assert.Equal(t, "r-1", line["round_id"])
	assert.Equal(t, "won", line["outcome"])
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
	closed  bool
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisPublisher(t *testing.T) {
	client := &fakeRedis{}
	p := NewRedisPublisher(client, "rounds")
	require.NoError(t, p.PublishRoundCompleted(context.Background(), sampleEvent()))
	assert.Equal(t, "rounds", client.channel)

	var got RoundCompleted
	require.NoError(t, json.Unmarshal(client.payload, &got))
	assert.Equal(t, sampleEvent(), got)

	client.err = errors.New("down")
	assert.Error(t, p.PublishRoundCompleted(context.Background(), sampleEvent()))
	require.NoError(t, p.Close())
	assert.True(t, client.closed)
}

type fakeNATS struct {
	subject string
	payload []byte
	flushed int
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.subject, f.payload = subject, data
	return nil
}

func (f *fakeNATS) FlushWithContext(ctx context.Context) error {
	f.flushed++
	return nil
}

func (f *fakeNATS) Close() {}

func TestNATSPublisher(t *testing.T) {
	conn := &fakeNATS{}
	p := NewNATSPublisher(conn, "bingo.rounds.completed")
	require.NoError(t, p.PublishRoundCompleted(context.Background(), sampleEvent()))
	assert.Equal(t, "bingo.rounds.completed", conn.subject)
	assert.Equal(t, 1, conn.flushed)
	assert.Contains(t, string(conn.payload), `"roundId":"r-1"`)
}

func TestMultiJoinsErrors(t *testing.T) {
	failing := NewRedisPublisher(&fakeRedis{err: errors.New("down")}, "c")
	m := Multi{NewLogPublisher(zerolog.Nop()), failing}
	assert.Error(t, m.PublishRoundCompleted(context.Background(), sampleEvent()))
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "kafka"}, zerolog.Nop())
	assert.Error(t, err)

	p, err := New(Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, p)
}
