package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	dedupPrefix  = "notify:dedup:"
	eventsList   = "notify:events"
	channelBase  = "notify:"
	dedupWindow  = 24 * time.Hour
	redisTimeout = 5 * time.Second
)

// RedisSink appends events to a list and publishes them on a per-module
// channel. A SETNX marker per idempotency key suppresses redeliveries for
// the dedup window.
type RedisSink struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisSink(redisURL string, logger zerolog.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisSink{client: client, logger: logger}, nil
}

func NewRedisSinkWithClient(client *redis.Client, logger zerolog.Logger) *RedisSink {
	return &RedisSink{client: client, logger: logger}
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) (bool, error) {
	if err := ev.validate(); err != nil {
		return false, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshal notification: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	first, err := s.client.SetNX(ctx, dedupPrefix+ev.IdempotencyKey, ev.CorrelationID, dedupWindow).Result()
	if err != nil {
		return false, fmt.Errorf("claim notification key: %w", err)
	}
	if !first {
		s.logger.Debug().Str("key", ev.IdempotencyKey).Msg("duplicate notification dropped")
		return false, nil
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, eventsList, payload)
	pipe.Publish(ctx, channelBase+ev.Module, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		// Release the key so a retry can deliver.
		_ = s.client.Del(context.Background(), dedupPrefix+ev.IdempotencyKey).Err()
		return false, fmt.Errorf("publish notification: %w", err)
	}
	return true, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
