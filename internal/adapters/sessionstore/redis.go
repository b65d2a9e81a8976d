package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"smm-autoposter/internal/domain"
	"smm-autoposter/internal/infra/metrics"
)

const keyPrefix = "session:"

// RedisStore реализует domain.SessionRepo поверх Redis. TTL ключа держится
// равным сроку жизни записи, так что просроченные сессии исчезают сами;
// DeleteExpired подчищает записи, пережившие свой expires_at.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore создаёт хранилище сессий.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(id string) string {
	return keyPrefix + id
}

func recordTTL(record domain.SessionRecord, now time.Time) time.Duration {
	ttl := record.ExpiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Save сохраняет запись и выставляет TTL до её expires_at.
func (s *RedisStore) Save(ctx context.Context, record domain.SessionRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	start := time.Now()
	err = s.client.Set(ctx, sessionKey(record.ID), payload, recordTTL(record, time.Now())).Err()
	metrics.ObserveNetworkRequest("redis", "session_save", "sessions", start, err)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// Get возвращает запись или ErrSessionNotFound.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	start := time.Now()
	payload, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	metrics.ObserveNetworkRequest("redis", "session_get", "sessions", start, err)
	if errors.Is(err, redis.Nil) {
		return domain.SessionRecord{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	var record domain.SessionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return domain.SessionRecord{}, fmt.Errorf("decode session: %w", err)
	}
	return record, nil
}

// Delete идемпотентно удаляет запись.
func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	start := time.Now()
	err := s.client.Del(ctx, sessionKey(sessionID)).Err()
	metrics.ObserveNetworkRequest("redis", "session_delete", "sessions", start, err)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// Swap атомарно записывает новую сессию и удаляет старую: обе команды
// уходят одной транзакцией, окна с двумя живыми идентификаторами нет.
func (s *RedisStore) Swap(ctx context.Context, oldSessionID string, fresh domain.SessionRecord) error {
	payload, err := json.Marshal(fresh)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKey(fresh.ID), payload, recordTTL(fresh, time.Now()))
	pipe.Del(ctx, sessionKey(oldSessionID))
	start := time.Now()
	_, err = pipe.Exec(ctx)
	metrics.ObserveNetworkRequest("redis", "session_swap", "sessions", start, err)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

// DeleteExpired проходит по ключам сессий и удаляет записи с истекшим
// expires_at, у которых TTL по какой-то причине не сработал.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		payload, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
		var record domain.SessionRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			// Нечитаемая запись бесполезна, убираем вместе с истёкшими.
			_ = s.client.Del(ctx, key).Err()
			removed++
			continue
		}
		if record.IsExpired(now) {
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return removed, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return removed, nil
}
