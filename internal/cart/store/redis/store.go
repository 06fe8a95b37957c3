package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"cartkeep/internal/cart/models"
	"cartkeep/internal/cart/store"
	"cartkeep/pkg/platform/sentinel"
)

const keyPrefix = "cart:"

// RedisStore keeps one JSON document per cart under cart:<owner key> and
// enforces record versions with WATCH/MULTI/EXEC.
type RedisStore struct {
	client   *redis.Client
	guestTTL time.Duration
}

type Option func(*RedisStore)

// WithGuestTTL expires guest carts after ttl of inactivity. Account carts
// never expire.
func WithGuestTTL(ttl time.Duration) Option {
	return func(s *RedisStore) {
		s.guestTTL = ttl
	}
}

func New(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Load(ctx context.Context, ownerKey string) (*models.Record, error) {
	val, err := s.client.Get(ctx, key(ownerKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load cart %s: %w: %w", ownerKey, sentinel.ErrUnavailable, err)
	}
	return store.DecodeRecord(val)
}

func (s *RedisStore) Save(ctx context.Context, rec *models.Record, expectedVersion int64) error {
	k := key(rec.OwnerKey)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := storedVersion(ctx, tx, k)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return sentinel.ErrConflict
		}

		next := rec.Clone()
		next.Version = expectedVersion + 1
		body, err := store.EncodeRecord(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, body, s.ttlFor(rec.OwnerKey))
			return nil
		})
		if err != nil {
			return err
		}
		rec.Version = next.Version
		return nil
	}, k)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, redis.TxFailedErr):
		return sentinel.ErrConflict
	default:
		return fmt.Errorf("save cart %s: %w: %w", rec.OwnerKey, sentinel.ErrUnavailable, err)
	}
}

func storedVersion(ctx context.Context, tx *redis.Tx, k string) (int64, error) {
	val, err := tx.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	rec, err := store.DecodeRecord(val)
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

func (s *RedisStore) ttlFor(ownerKey string) time.Duration {
	if strings.HasPrefix(ownerKey, string(models.OwnerGuest)+":") {
		return s.guestTTL
	}
	return 0
}

func key(ownerKey string) string {
	return keyPrefix + ownerKey
}
