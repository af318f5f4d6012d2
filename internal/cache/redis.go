package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"autotrader/internal/config"
	"autotrader/internal/models"
)

// Store зеркало heartbeat и распределённая блокировка восстановления.
// Источник истины по сессиям остаётся в БД.
type Store interface {
	MirrorHeartbeat(ctx context.Context, hb models.Heartbeat, ttl time.Duration) error
	LastHeartbeat(ctx context.Context, sessionID string) (time.Time, bool, error)
	AcquireRecoveryLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error)
	ReleaseRecoveryLock(ctx context.Context, sessionID, owner string) error
	Ping(ctx context.Context) error
	Close() error
}

const keyPrefix = "autotrader:"

// снимает блокировку только своему владельцу
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisStore реализация на go-redis
type RedisStore struct {
	client *redis.Client
	prefix string
}

// New возвращает RedisStore или NoopStore, если адрес не задан
func New(cfg config.RedisConfig) Store {
	if cfg.Addr == "" {
		return NoopStore{}
	}
	return NewRedisStore(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}))
}

// NewRedisStore оборачивает готовый клиент
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: keyPrefix}
}

func (s *RedisStore) heartbeatKey(sessionID string) string {
	return s.prefix + "heartbeat:" + sessionID
}

func (s *RedisStore) lockKey(sessionID string) string {
	return s.prefix + "recovery:" + sessionID
}

// MirrorHeartbeat пишет время heartbeat в миллисекундах с TTL
func (s *RedisStore) MirrorHeartbeat(ctx context.Context, hb models.Heartbeat, ttl time.Duration) error {
	return s.client.Set(ctx, s.heartbeatKey(hb.SessionID), hb.Timestamp.UnixMilli(), ttl).Err()
}

// LastHeartbeat время последнего зеркалированного heartbeat
func (s *RedisStore) LastHeartbeat(ctx context.Context, sessionID string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.heartbeatKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// AcquireRecoveryLock SETNX с TTL. true - блокировка наша.
func (s *RedisStore) AcquireRecoveryLock(ctx context.Context, sessionID, owner string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.lockKey(sessionID), owner, ttl).Result()
}

// ReleaseRecoveryLock снимает блокировку, если она принадлежит owner
func (s *RedisStore) ReleaseRecoveryLock(ctx context.Context, sessionID, owner string) error {
	return releaseScript.Run(ctx, s.client, []string{s.lockKey(sessionID)}, owner).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// NoopStore используется без Redis: heartbeat только в БД,
// блокировку восстановления обеспечивает CAS в БД.
type NoopStore struct{}

func (NoopStore) MirrorHeartbeat(context.Context, models.Heartbeat, time.Duration) error { return nil }

func (NoopStore) LastHeartbeat(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (NoopStore) AcquireRecoveryLock(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (NoopStore) ReleaseRecoveryLock(context.Context, string, string) error { return nil }
func (NoopStore) Ping(context.Context) error { return nil }
func (NoopStore) Close() error { return nil }
