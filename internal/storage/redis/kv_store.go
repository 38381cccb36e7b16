// -----------------------------------------------------------------------
// Redis KV store - shared backing for sessions and limits across instances
// -----------------------------------------------------------------------

package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/common"
	"github.com/ternarybob/dirigo/internal/interfaces"
)

// KVStore implements interfaces.KVStore on Redis. Drop-in replacement for
// the in-memory store when more than one instance serves traffic: TTLs map
// to native key expiry and compare-and-swap runs under WATCH.
type KVStore struct {
	rdb    *r.Client
	logger arbor.ILogger
}

// NewKVStore connects to Redis and verifies the connection.
func NewKVStore(config *common.RedisConfig, logger arbor.ILogger) (*KVStore, error) {
	rdb := r.NewClient(&r.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	logger.Debug().Str("addr", config.Addr).Msg("Redis KV store connected")

	return &KVStore{rdb: rdb, logger: logger}, nil
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.rdb.Get(ctx, key).Bytes()
	if err == r.Nil {
		return nil, interfaces.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0 // redis treats 0 as no expiry
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *KVStore) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}

	err := s.rdb.Watch(ctx, func(tx *r.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err == r.Nil {
			current = nil
		} else if err != nil {
			return err
		}

		if expected == nil {
			if current != nil {
				return interfaces.ErrCASConflict
			}
		} else {
			if current == nil || !bytes.Equal(current, expected) {
				return interfaces.ErrCASConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.Set(ctx, key, value, ttl)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, r.TxFailedErr) {
		// Watched key changed under us
		return interfaces.ErrCASConflict
	}
	return err
}

func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

func (s *KVStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis expire: %w", err)
	}
	if !ok {
		return interfaces.ErrKeyNotFound
	}
	return nil
}

func (s *KVStore) Close() error {
	return s.rdb.Close()
}
