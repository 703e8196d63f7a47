// Package store mirrors live engine state into Redis for external
// observers (dashboards, the status CLI, a second process tailing the
// session). The mirror is write-behind and best-effort: the in-process
// wallet and position store remain the source of truth, and a Redis
// outage degrades to log warnings, never to trading failures.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"dhan-scalper/internal/positions"
	"dhan-scalper/internal/wallet"
	"dhan-scalper/pkg/types"
)

const (
	positionTTL = 24 * time.Hour
	tickTTL     = 5 * time.Minute
)

// StateStore is the mirror surface the engine writes to.
type StateStore interface {
	SaveBalance(ctx context.Context, snap wallet.Snapshot) error
	SavePosition(ctx context.Context, sessionID string, pos positions.Position) error
	RemovePosition(ctx context.Context, sessionID string, key types.PositionKey) error
	SaveTick(ctx context.Context, tick types.Tick) error
	SaveSession(ctx context.Context, sessionID string, report any) error
	SetSessionMeta(ctx context.Context, sessionID string, fields map[string]string) error
	Close() error
}

// ————————————————————————————————————————————————————————————————————————
// Redis implementation
// ————————————————————————————————————————————————————————————————————————

// RedisStore mirrors state under a versioned namespace so schema changes
// can coexist with older readers.
type RedisStore struct {
	logger    *slog.Logger
	client    *redis.Client
	namespace string
}

// NewRedis connects to the given URL (redis://host:port/db). A ping
// failure is returned to the caller; the engine falls back to the noop
// mirror rather than refusing to start.
func NewRedis(ctx context.Context, logger *slog.Logger, url, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	if namespace == "" {
		namespace = "dhan_scalper:v1"
	}
	return &RedisStore{
		logger:    logger.With("component", "store"),
		client:    client,
		namespace: namespace,
	}, nil
}

func (s *RedisStore) key(parts ...string) string {
	k := s.namespace
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// SaveBalance writes the wallet snapshot as a hash.
func (s *RedisStore) SaveBalance(ctx context.Context, snap wallet.Snapshot) error {
	return s.client.HSet(ctx, s.key("balance"), map[string]any{
		"available":        snap.Available.String(),
		"used":             snap.Used.String(),
		"total":            snap.Total.String(),
		"realized_pnl":     snap.RealizedPnL.String(),
		"starting_balance": snap.StartingBalance.String(),
		"updated_at":       time.Now().Format(time.RFC3339),
	}).Err()
}

// SavePosition writes one position as JSON and tracks its key in the
// session's position set. Position keys expire after a day so stale
// entries from crashed sessions age out on their own.
func (s *RedisStore) SavePosition(ctx context.Context, sessionID string, pos positions.Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("store: marshal position: %w", err)
	}
	k := s.positionKey(pos.Key)
	if err := s.client.Set(ctx, k, data, positionTTL).Err(); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.key("positions", sessionID), k).Err()
}

// RemovePosition drops a closed position from the mirror.
func (s *RedisStore) RemovePosition(ctx context.Context, sessionID string, key types.PositionKey) error {
	k := s.positionKey(key)
	if err := s.client.Del(ctx, k).Err(); err != nil {
		return err
	}
	return s.client.SRem(ctx, s.key("positions", sessionID), k).Err()
}

// SaveTick mirrors the latest quote for one instrument.
func (s *RedisStore) SaveTick(ctx context.Context, tick types.Tick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("store: marshal tick: %w", err)
	}
	k := s.key("ticks", string(tick.Segment), tick.SecurityID)
	return s.client.Set(ctx, k, data, tickTTL).Err()
}

// SaveSession mirrors the full session report JSON.
func (s *RedisStore) SaveSession(ctx context.Context, sessionID string, report any) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}
	return s.client.Set(ctx, s.key("session", sessionID), data, 0).Err()
}

// SetSessionMeta updates quick-glance session fields (mode, state, pnl)
// without rewriting the full report.
func (s *RedisStore) SetSessionMeta(ctx context.Context, sessionID string, fields map[string]string) error {
	vals := make(map[string]any, len(fields))
	for k, v := range fields {
		vals[k] = v
	}
	return s.client.HSet(ctx, s.key("session_meta", sessionID), vals).Err()
}

// ReadBalance returns the mirrored wallet hash for the status CLI. An
// empty map means nothing has been mirrored yet.
func (s *RedisStore) ReadBalance(ctx context.Context) (map[string]string, error) {
	return s.client.HGetAll(ctx, s.key("balance")).Result()
}

// Close releases the connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) positionKey(key types.PositionKey) string {
	return s.key("position", string(key.Segment), key.SecurityID, string(key.Side))
}

// ————————————————————————————————————————————————————————————————————————
// Noop implementation
// ————————————————————————————————————————————————————————————————————————

// NoopStore is used when no Redis URL is configured. Every write
// succeeds without effect.
type NoopStore struct{}

func (NoopStore) SaveBalance(context.Context, wallet.Snapshot) error              { return nil }
func (NoopStore) SavePosition(context.Context, string, positions.Position) error  { return nil }
func (NoopStore) RemovePosition(context.Context, string, types.PositionKey) error { return nil }
func (NoopStore) SaveTick(context.Context, types.Tick) error                      { return nil }
func (NoopStore) SaveSession(context.Context, string, any) error                  { return nil }
func (NoopStore) SetSessionMeta(context.Context, string, map[string]string) error { return nil }
func (NoopStore) Close() error                                                    { return nil }
