// Package redisstream appends alarm events to a Redis stream so other
// services can consume them with consumer groups.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-redis/redis/v8"

	"devices-manager/internal/events"
)

const (
	DefaultStream = "devices-manager:events"
	DefaultMaxLen = 10000
)

// Config holds the Redis connection and stream settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64 // approximate cap on stream length, 0 for the default
}

// Publisher is an events.Publisher backed by XADD.
type Publisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

// NewPublisher creates a publisher. The connection is established lazily;
// use Ping to check it.
func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &Publisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With("component", "redis"),
	}
}

// Ping checks the connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish appends ev to the stream. The entry carries the kind and group as
// plain fields for filtering and the whole event as JSON in "data".
func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind, err)
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":        ev.ID,
			"kind":      string(ev.Kind),
			"group_id":  ev.GroupID,
			"timestamp": strconv.FormatInt(ev.Timestamp, 10),
			"data":      string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", ev.Kind, err)
	}
	p.logger.Debug("event appended", "stream", p.stream, "kind", ev.Kind, "entry", id)
	return nil
}

// Close closes the connection pool.
func (p *Publisher) Close() error {
	return p.client.Close()
}
