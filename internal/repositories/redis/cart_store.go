// Package redis implements the cart repositories on top of Redis hashes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	domain "github.com/hanko-field/cart/internal/domain"
	"github.com/hanko-field/cart/internal/platform/cachekey"
	predis "github.com/hanko-field/cart/internal/platform/redis"
	"github.com/hanko-field/cart/internal/repositories"
)

const (
	fieldUserID     = "userId"
	fieldCreatedAt  = "createdAt"
	fieldUpdatedAt  = "updatedAt"
	fieldExpiresAt  = "expiresAt"
	itemFieldPrefix = "item:"

	reservationKeyPrefix  = "reservation:"
	notificationKeyPrefix = "cart_expiration_notification:"

	defaultCartTTL       = 30 * 24 * time.Hour
	defaultWatchAttempts = 3
	scanBatchSize        = 100
)

// Options configures the cart store.
type Options struct {
	// KeyPrefix is prepended to every key, e.g. "ecommerce:".
	KeyPrefix string
	// TTL is the sliding cart lifetime refreshed on every write.
	TTL     time.Duration
	Deriver cachekey.Deriver
	Clock   func() time.Time
}

// CartStore persists carts as one hash per user at the sharded cache key.
type CartStore struct {
	client  goredis.UniversalClient
	prefix  string
	ttl     time.Duration
	deriver cachekey.Deriver
	now     func() time.Time
}

var (
	_ repositories.CartStore        = (*CartStore)(nil)
	_ repositories.ReservationStore = (*CartStore)(nil)
	_ repositories.CartScanner      = (*CartStore)(nil)
)

type itemRecord struct {
	ProductID string    `json:"productId"`
	Quantity  int       `json:"quantity"`
	AddedAt   time.Time `json:"addedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewCartStore constructs a Redis-backed cart store.
func NewCartStore(client goredis.UniversalClient, opts Options) (*CartStore, error) {
	if client == nil {
		return nil, errors.New("cart store: redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultCartTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CartStore{
		client:  client,
		prefix:  opts.KeyPrefix,
		ttl:     ttl,
		deriver: opts.Deriver,
		now: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Get implements repositories.CartStore.
func (s *CartStore) Get(ctx context.Context, userID string) (*domain.StoredCart, error) {
	key := s.cartKey(userID)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, predis.WrapError("cart.get", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	cart, err := decodeCart(userID, fields)
	if err != nil {
		return nil, predis.WrapError("cart.get", err)
	}
	if !cart.ExpiresAt.IsZero() && !cart.ExpiresAt.After(s.now()) {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return nil, predis.WrapError("cart.get", err)
		}
		return nil, nil
	}
	if len(cart.Items) == 0 {
		return nil, nil
	}
	return cart, nil
}

// SetItem implements repositories.CartStore.
func (s *CartStore) SetItem(ctx context.Context, userID, productID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("cart.set_item: quantity must be positive, got %d", quantity)
	}
	key := s.cartKey(userID)
	field := itemFieldPrefix + productID

	return s.watch(ctx, "cart.set_item", key, func(tx *goredis.Tx) error {
		now := s.now()
		record := itemRecord{ProductID: productID, Quantity: quantity, AddedAt: now, UpdatedAt: now}

		existing, err := tx.HGet(ctx, key, field).Result()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return err
		default:
			var previous itemRecord
			if json.Unmarshal([]byte(existing), &previous) == nil && !previous.AddedAt.IsZero() {
				record.AddedAt = previous.AddedAt
			}
		}

		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSetNX(ctx, key, fieldCreatedAt, formatTime(now))
			pipe.HSet(ctx, key,
				fieldUserID, userID,
				field, string(payload),
				fieldUpdatedAt, formatTime(now),
				fieldExpiresAt, formatTime(now.Add(s.ttl)),
			)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		return err
	})
}

// RemoveItem implements repositories.CartStore.
func (s *CartStore) RemoveItem(ctx context.Context, userID, productID string) error {
	key := s.cartKey(userID)
	field := itemFieldPrefix + productID

	return s.watch(ctx, "cart.remove_item", key, func(tx *goredis.Tx) error {
		fields, err := tx.HKeys(ctx, key).Result()
		if err != nil {
			return err
		}
		present := false
		remaining := 0
		for _, f := range fields {
			if !strings.HasPrefix(f, itemFieldPrefix) {
				continue
			}
			if f == field {
				present = true
				continue
			}
			remaining++
		}
		if !present {
			return nil
		}

		now := s.now()
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if remaining == 0 {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.HDel(ctx, key, field)
			pipe.HSet(ctx, key,
				fieldUpdatedAt, formatTime(now),
				fieldExpiresAt, formatTime(now.Add(s.ttl)),
			)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		return err
	})
}

// Replace implements repositories.CartStore.
func (s *CartStore) Replace(ctx context.Context, userID string, items []domain.CartItem) error {
	key := s.cartKey(userID)

	return s.watch(ctx, "cart.replace", key, func(tx *goredis.Tx) error {
		now := s.now()
		createdAt, err := tx.HGet(ctx, key, fieldCreatedAt).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if createdAt == "" {
			createdAt = formatTime(now)
		}

		values := make([]any, 0, 8+2*len(items))
		values = append(values,
			fieldUserID, userID,
			fieldCreatedAt, createdAt,
			fieldUpdatedAt, formatTime(now),
			fieldExpiresAt, formatTime(now.Add(s.ttl)),
		)
		written := 0
		for _, item := range items {
			if item.Quantity <= 0 || item.ProductID == "" {
				continue
			}
			record := itemRecord{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				AddedAt:   item.AddedAt.UTC(),
				UpdatedAt: item.UpdatedAt.UTC(),
			}
			if record.AddedAt.IsZero() {
				record.AddedAt = now
			}
			if record.UpdatedAt.IsZero() {
				record.UpdatedAt = now
			}
			payload, err := json.Marshal(record)
			if err != nil {
				return err
			}
			values = append(values, itemFieldPrefix+item.ProductID, string(payload))
			written++
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, key)
			if written == 0 {
				return nil
			}
			pipe.HSet(ctx, key, values...)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		return err
	})
}

// Clear implements repositories.CartStore.
func (s *CartStore) Clear(ctx context.Context, userID string) error {
	return predis.WrapError("cart.clear", s.client.Del(ctx, s.cartKey(userID)).Err())
}

// Count implements repositories.CartStore.
func (s *CartStore) Count(ctx context.Context, userID string) (int, error) {
	fields, err := s.client.HKeys(ctx, s.cartKey(userID)).Result()
	if err != nil {
		return 0, predis.WrapError("cart.count", err)
	}
	count := 0
	for _, field := range fields {
		if strings.HasPrefix(field, itemFieldPrefix) {
			count++
		}
	}
	return count, nil
}

// SaveReservation implements repositories.ReservationStore.
func (s *CartStore) SaveReservation(ctx context.Context, userID, reservationID string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cart.save_reservation: ttl must be positive, got %s", ttl)
	}
	err := s.client.Set(ctx, s.reservationKey(userID), reservationID, ttl).Err()
	return predis.WrapError("cart.save_reservation", err)
}

// ClearReservation implements repositories.ReservationStore.
func (s *CartStore) ClearReservation(ctx context.Context, userID string) error {
	return predis.WrapError("cart.clear_reservation", s.client.Del(ctx, s.reservationKey(userID)).Err())
}

// ScanUserIDs implements repositories.CartScanner.
func (s *CartStore) ScanUserIDs(ctx context.Context, fn func(userID string) error) error {
	if fn == nil {
		return errors.New("cart.scan: callback is required")
	}
	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, s.prefix+s.deriver.Pattern(), scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		userID, err := s.client.HGet(ctx, key, fieldUserID).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return predis.WrapError("cart.scan", err)
		}
		if err := fn(userID); err != nil {
			return err
		}
	}
	return predis.WrapError("cart.scan", iter.Err())
}

// MarkExpirationNotified implements repositories.CartScanner.
func (s *CartStore) MarkExpirationNotified(ctx context.Context, userID string, days int, ttl time.Duration) (bool, error) {
	key := s.prefix + notificationKeyPrefix + userID + ":" + strconv.Itoa(days)
	ok, err := s.client.SetNX(ctx, key, formatTime(s.now()), ttl).Result()
	if err != nil {
		return false, predis.WrapError("cart.mark_notified", err)
	}
	return ok, nil
}

func (s *CartStore) watch(ctx context.Context, op, key string, fn func(tx *goredis.Tx) error) error {
	var err error
	for attempt := 0; attempt < defaultWatchAttempts; attempt++ {
		err = s.client.Watch(ctx, fn, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	return predis.WrapError(op, err)
}

func (s *CartStore) cartKey(userID string) string {
	return s.prefix + s.deriver.ShardedKey(userID)
}

func (s *CartStore) reservationKey(userID string) string {
	return s.prefix + reservationKeyPrefix + s.deriver.Key(userID)
}

func decodeCart(userID string, fields map[string]string) (*domain.StoredCart, error) {
	cart := &domain.StoredCart{UserID: userID}
	if stored := fields[fieldUserID]; stored != "" {
		cart.UserID = stored
	}
	var err error
	if cart.CreatedAt, err = parseTime(fields[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("decode createdAt: %w", err)
	}
	if cart.UpdatedAt, err = parseTime(fields[fieldUpdatedAt]); err != nil {
		return nil, fmt.Errorf("decode updatedAt: %w", err)
	}
	if cart.ExpiresAt, err = parseTime(fields[fieldExpiresAt]); err != nil {
		return nil, fmt.Errorf("decode expiresAt: %w", err)
	}

	for field, value := range fields {
		if !strings.HasPrefix(field, itemFieldPrefix) {
			continue
		}
		var record itemRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, fmt.Errorf("decode %s: %w", field, err)
		}
		if record.ProductID == "" {
			record.ProductID = strings.TrimPrefix(field, itemFieldPrefix)
		}
		if record.Quantity <= 0 {
			continue
		}
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID: record.ProductID,
			Quantity:  record.Quantity,
			AddedAt:   record.AddedAt.UTC(),
			UpdatedAt: record.UpdatedAt.UTC(),
		})
	}
	sort.Slice(cart.Items, func(i, j int) bool {
		a, b := cart.Items[i], cart.Items[j]
		if !a.AddedAt.Equal(b.AddedAt) {
			return a.AddedAt.Before(b.AddedAt)
		}
		return a.ProductID < b.ProductID
	})
	return cart, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
