// Package memory is an in-process Storage. Stores created from the same Hub share
// their data and see each other's writes as change events, the way browser tabs
// share localStorage.
package memory

import (
	"context"
	"sync"

	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
)

type Hub struct {
	mu       sync.RWMutex
	data     map[string]string
	watchers map[*watcher]struct{}
}

type watcher struct {
	origin *Store
	ch     chan platform.Change
}

func NewHub() *Hub {
	return &Hub{
		data:     make(map[string]string),
		watchers: make(map[*watcher]struct{}),
	}
}

// Store is one context's view of a Hub.
type Store struct {
	hub *Hub
}

// NewStore returns a store backed by its own private hub.
func NewStore() *Store {
	return NewHub().NewStore()
}

func (h *Hub) NewStore() *Store {
	return &Store{hub: h}
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	v, ok := s.hub.data[key]
	return v, ok, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.data[key] = value
	s.hub.notifyLocked(s, platform.Change{Key: key, Value: value})
	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.data[key]; !ok {
		return nil
	}
	delete(s.hub.data, key)
	s.hub.notifyLocked(s, platform.Change{Key: key, Removed: true})
	return nil
}

func (s *Store) Watch(ctx context.Context) (<-chan platform.Change, error) {
	w := &watcher{origin: s, ch: make(chan platform.Change, 16)}

	s.hub.mu.Lock()
	s.hub.watchers[w] = struct{}{}
	s.hub.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.hub.mu.Lock()
		delete(s.hub.watchers, w)
		close(w.ch)
		s.hub.mu.Unlock()
	}()
	return w.ch, nil
}

// notifyLocked delivers to every watcher except the writer's own. A watcher
// that is not keeping up loses the event rather than blocking writers.
func (h *Hub) notifyLocked(origin *Store, c platform.Change) {
	for w := range h.watchers {
		if w.origin == origin {
			continue
		}
		select {
		case w.ch <- c:
		default:
		}
	}
}
