package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	predis "github.com/hanko-field/cart/internal/platform/redis"
)

const redisKeyPrefix = "idempotency:"

// RedisStore shares records across replicas. Each record is a JSON string whose TTL matches the
// record expiry.
type RedisStore struct {
	client goredis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore constructs a Redis-backed store. keyPrefix namespaces the keys, e.g. "ecommerce:".
func NewRedisStore(client goredis.UniversalClient, keyPrefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	return &RedisStore{client: client, prefix: keyPrefix + redisKeyPrefix}, nil
}

// Reserve claims the key with SET NX. An existing record is returned for replay or conflict detection.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := s.key(key)
	record := pendingRecord(key, fingerprint, now, ttl)
	data, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	// A record can expire between SET NX and GET; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.client.SetNX(ctx, id, data, ttl).Result()
		if err != nil {
			return Reservation{}, predis.WrapError("idempotency.reserve", err)
		}
		if created {
			return Reservation{State: ReservationStateNew, Record: record}, nil
		}
		existing, found, err := s.load(ctx, s.client, id)
		if err != nil {
			return Reservation{}, err
		}
		if found {
			return reservationFor(existing, fingerprint)
		}
	}
	return Reservation{}, predis.WrapError("idempotency.reserve", goredis.TxFailedErr)
}

// SaveResponse stores the completed response, keeping the original creation time.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := s.key(key)
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		record, found, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if found && record.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		if !found {
			record = Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		}
		data, err := json.Marshal(completeRecord(record, resp, now, ttl))
		if err != nil {
			return fmt.Errorf("idempotency: encode record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, id, data, ttl)
			return nil
		})
		return err
	}, id)
	if errors.Is(err, ErrFingerprintMismatch) {
		return err
	}
	return predis.WrapError("idempotency.save", err)
}

// Release deletes a pending reservation owned by fingerprint.
func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	id := s.key(key)
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		record, found, err := s.load(ctx, tx, id)
		if err != nil || !found || record.Fingerprint != fingerprint {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, id)
			return nil
		})
		return err
	}, id)
	return predis.WrapError("idempotency.release", err)
}

func (s *RedisStore) load(ctx context.Context, client goredis.Cmdable, id string) (Record, bool, error) {
	raw, err := client.Get(ctx, id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, predis.WrapError("idempotency.load", err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, true, nil
}

func (s *RedisStore) key(key string) string {
	return s.prefix + compositeKey(key)
}
