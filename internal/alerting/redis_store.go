package alerting

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	derrors "dfir-detect/internal/errors"
)

// RedisConfig holds Redis connection settings for the shared dedup store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
	// MaxAttempts is how many conflicting writers are retried immediately.
	// Further conflicts back off and keep retrying until the context ends.
	MaxAttempts int `yaml:"max_attempts"`
}

// DefaultRedisConfig returns the default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "dfir:alert:",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MaxAttempts:  10,
	}
}

// RedisStore is a DedupStore shared between processor replicas. Upserts use
// WATCH/MULTI so concurrent writers for one key serialize; a writer that
// loses the race re-reads and merges, it never fails for losing.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	maxAttempts int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 10
	}
	return &RedisStore{client: client, prefix: cfg.KeyPrefix, maxAttempts: attempts}
}

// Upsert implements DedupStore.
func (s *RedisStore) Upsert(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) (*Alert, error) {
	rkey := s.prefix + key

	var result *Alert
	txf := func(tx *redis.Tx) error {
		cur, err := decodeAlert(tx.Get(ctx, rkey).Bytes())
		if err != nil {
			return err
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			result = cur
			return nil
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode alert: %w", err)
		}
		expiration := ttl
		if expiration <= 0 {
			expiration = redis.KeepTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, data, expiration)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	if err := retryConflicts(ctx, key, s.maxAttempts, func() error {
		return s.client.Watch(ctx, txf, rkey)
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// Backoff between optimistic transaction attempts.
const (
	conflictBackoff    = 2 * time.Millisecond
	maxConflictBackoff = 100 * time.Millisecond
)

// retryConflicts runs attempt until it stops failing with a transaction
// conflict. Conflicts mean another writer merged into the same key first, so
// the next attempt merges on top of it. Past warnAfter conflicts the race is
// logged once and retries continue with backoff until ctx is done.
func retryConflicts(ctx context.Context, key string, warnAfter int, attempt func() error) error {
	backoff := conflictBackoff
	for n := 1; ; n++ {
		err := attempt()
		if err == nil || !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if n == warnAfter {
			slog.Warn("dedup key under heavy contention, still retrying",
				"error", &derrors.DuplicateAlertRace{DedupKey: key, Attempts: n},
			)
		}
		if n < warnAfter {
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if backoff *= 2; backoff > maxConflictBackoff {
			backoff = maxConflictBackoff
		}
	}
}

// Get implements DedupStore.
func (s *RedisStore) Get(ctx context.Context, key string) (*Alert, error) {
	a, err := decodeAlert(s.client.Get(ctx, s.prefix+key).Bytes())
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrAlertNotFound
	}
	return a, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func decodeAlert(raw []byte, err error) (*Alert, error) {
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a Alert
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to decode alert: %w", err)
	}
	return &a, nil
}
