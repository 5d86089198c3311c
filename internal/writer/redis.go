package writer

import (
	"NetFusion/internal/config"
	"NetFusion/internal/model"
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisWriter keeps the most recent alerts in Redis lists: one per entity
// and one global list.
type RedisWriter struct {
	client *redis.Client
	prefix string
	keep   int64
	ttl    time.Duration
}

// NewRedisWriter connects to Redis.
func NewRedisWriter(ctx context.Context, cfg config.RedisConfig) (*RedisWriter, error) {
	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Connecting to Redis")
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return newRedisWriter(client, cfg), nil
}

func newRedisWriter(client *redis.Client, cfg config.RedisConfig) *RedisWriter {
	keep := cfg.Keep
	if keep <= 0 {
		keep = 100
	}
	return &RedisWriter{client: client, prefix: cfg.Prefix, keep: keep, ttl: cfg.TTL.Duration()}
}

func (w *RedisWriter) recentKey() string { return w.prefix + ":alerts:recent" }

func (w *RedisWriter) entityKey(addr netip.Addr) string {
	return w.prefix + ":alerts:entity:" + addr.String()
}

// Write pushes the alerts of one export in a single pipeline.
func (w *RedisWriter) Write(ctx context.Context, alerts []*model.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	pipe := w.client.TxPipeline()
	for _, a := range alerts {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to encode alert: %w", err)
		}
		key := w.entityKey(a.Address)
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, w.keep-1)
		if w.ttl > 0 {
			pipe.Expire(ctx, key, w.ttl)
		}
		pipe.LPush(ctx, w.recentKey(), data)
	}
	pipe.LTrim(ctx, w.recentKey(), 0, w.keep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store alerts in redis: %w", err)
	}
	return nil
}

// Recent returns up to n alerts, newest first.
func (w *RedisWriter) Recent(ctx context.Context, n int) ([]*model.Alert, error) {
	return w.load(ctx, w.recentKey(), n)
}

// ForEntity returns up to n alerts raised for addr, newest first.
func (w *RedisWriter) ForEntity(ctx context.Context, addr netip.Addr, n int) ([]*model.Alert, error) {
	return w.load(ctx, w.entityKey(addr), n)
}

func (w *RedisWriter) load(ctx context.Context, key string, n int) ([]*model.Alert, error) {
	if n <= 0 {
		return nil, nil
	}
	items, err := w.client.LRange(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	alerts := make([]*model.Alert, 0, len(items))
	for _, item := range items {
		var a model.Alert
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping malformed alert")
			continue
		}
		alerts = append(alerts, &a)
	}
	return alerts, nil
}

// Close closes the client.
func (w *RedisWriter) Close() error { return w.client.Close() }
