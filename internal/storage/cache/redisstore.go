package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
)

func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Fail fast if connection is bad
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// changeEvent is published on the namespace's change channel for every write.
type changeEvent struct {
	Origin  string `json:"origin"`
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Removed bool   `json:"removed,omitempty"`
}

// RedisStore is a Storage shared by every process using the same namespace.
// Writes are announced on a pub/sub channel so other processes observe them as
// changes; each store ignores the announcements it made itself.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	origin string
	logger *slog.Logger
}

func NewRedisStore(rdb *redis.Client, namespace string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		prefix: "pushbridge:" + namespace,
		origin: uuid.NewString(),
		logger: logger.With("component", "RedisStore", "namespace", namespace),
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	event, err := s.event(key, value, false)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(key), value, 0)
		pipe.Publish(ctx, s.changesChannel(), event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, s.key(key)).Result()
	if err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	if n == 0 {
		return nil
	}
	event, err := s.event(key, "", true)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, s.changesChannel(), event).Err(); err != nil {
		s.logger.Warn("Failed to announce removal", "key", key, "err", err)
	}
	return nil
}

// Watch subscribes to the change channel. The returned channel closes once ctx
// is done or the subscription fails.
func (s *RedisStore) Watch(ctx context.Context) (<-chan platform.Change, error) {
	pubsub := s.rdb.Subscribe(ctx, s.changesChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan platform.Change, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev changeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("Dropping malformed change event", "err", err)
					continue
				}
				if ev.Origin == s.origin {
					continue
				}
				select {
				case out <- platform.Change{Key: ev.Key, Value: ev.Value, Removed: ev.Removed}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) changesChannel() string {
	return s.prefix + ":changes"
}

func (s *RedisStore) event(key, value string, removed bool) (string, error) {
	b, err := json.Marshal(changeEvent{Origin: s.origin, Key: key, Value: value, Removed: removed})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
