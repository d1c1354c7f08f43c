package main

import (
	"context"
	"log/slog"
	"time"

	"devices-manager/internal/redisstream"
)

// initRedis returns nil when the Redis stream is disabled. An unreachable
// server is only logged: the retrying publisher keeps trying until it is up.
func initRedis(cfg *Config, logger *slog.Logger) (*redisstream.Publisher, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	pub := redisstream.NewPublisher(redisstream.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Stream:   cfg.Redis.Stream,
		MaxLen:   cfg.Redis.MaxLen,
	}, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.Ping(ctx); err != nil {
		logger.Warn("redis not reachable yet", "addr", cfg.Redis.Addr, "err", err)
	} else {
		logger.Info("redis stream publisher ready", "addr", cfg.Redis.Addr)
	}
	return pub, nil
}
