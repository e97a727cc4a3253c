package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const coldOpTimeout = 2 * time.Second

// ColdStore is the long-term KV store. Written only at session-idle
// boundaries, on REST writes and on publish/remix; reads are a fallback
// when the hot store is empty.
type ColdStore struct {
	client *redis.Client
	logger zerolog.Logger
}

// ColdConfig holds redis connection configuration.
type ColdConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewColdStore connects to redis and verifies the connection.
func NewColdStore(cfg ColdConfig, logger zerolog.Logger) (*ColdStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cold store connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to cold store")
	return &ColdStore{client: client, logger: logger}, nil
}

func sessionKey(id string) string { return "session:" + id }

// Get loads a session record. Returns ErrNotFound when absent.
func (c *ColdStore) Get(ctx context.Context, id string) (*SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, coldOpTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		if isQuotaSignal(err) {
			return nil, &QuotaError{RetryAfter: UntilMidnightUTC(time.Now())}
		}
		return nil, fmt.Errorf("cold get: %w", err)
	}
	var rec SessionRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("cold unmarshal: %w", err)
	}
	return &rec, nil
}

// Put writes a session record. Quota rejections surface as *QuotaError with
// a retry-after running to midnight UTC.
func (c *ColdStore) Put(ctx context.Context, rec *SessionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, coldOpTimeout)
	defer cancel()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cold marshal: %w", err)
	}
	if err := c.client.Set(ctx, sessionKey(rec.ID), data, 0).Err(); err != nil {
		if isQuotaSignal(err) {
			return &QuotaError{RetryAfter: UntilMidnightUTC(time.Now())}
		}
		return fmt.Errorf("cold put: %w", err)
	}
	return nil
}

// Touch bumps lastAccessedAt without rewriting state. Best effort.
func (c *ColdStore) Touch(ctx context.Context, id string, now time.Time) {
	rec, err := c.Get(ctx, id)
	if err != nil {
		return
	}
	rec.LastAccessedAt = now
	if err := c.Put(ctx, rec); err != nil {
		c.logger.Warn().Err(err).Str("session_id", id).Msg("cold touch failed")
	}
}

// HealthCheck pings the backing redis.
func (c *ColdStore) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *ColdStore) Close() error { return c.client.Close() }

// isQuotaSignal recognizes storage-full rejections (redis maxmemory with a
// noeviction policy reports OOM on writes).
func isQuotaSignal(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "OOM") || strings.Contains(msg, "quota")
}
