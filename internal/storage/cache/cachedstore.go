// Package cache provides the redis-backed Storage and a read-aside decorator
// that keeps hot keys in process memory.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
)

type entry struct {
	value   string
	present bool
	expires time.Time
}

// CachedStorage is a Decorator that adds Read-Aside caching to any Storage.
// Local writes and changes reported by Watch invalidate the cached key.
type CachedStorage struct {
	realStore platform.Storage
	ttl       time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func NewCachedStorage(realStore platform.Storage, ttl time.Duration) *CachedStorage {
	return &CachedStorage{
		realStore: realStore,
		ttl:       ttl,
		now:       time.Now,
		entries:   make(map[string]entry),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedStorage) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if ok && s.now().Before(e.expires) {
		return e.value, e.present, nil
	}

	value, present, err := s.realStore.Get(ctx, key)
	if err != nil {
		return "", false, err
	}

	s.mu.Lock()
	s.entries[key] = entry{value: value, present: present, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return value, present, nil
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedStorage) Set(ctx context.Context, key, value string) error {
	if err := s.realStore.Set(ctx, key, value); err != nil {
		return err
	}
	s.invalidate(key)
	return nil
}

func (s *CachedStorage) Remove(ctx context.Context, key string) error {
	if err := s.realStore.Remove(ctx, key); err != nil {
		return err
	}
	s.invalidate(key)
	return nil
}

// Watch forwards the underlying changes, dropping each changed key from the
// cache before the change is delivered.
func (s *CachedStorage) Watch(ctx context.Context) (<-chan platform.Change, error) {
	in, err := s.realStore.Watch(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan platform.Change, cap(in))
	go func() {
		defer close(out)
		for c := range in {
			s.invalidate(c.Key)
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *CachedStorage) invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}
