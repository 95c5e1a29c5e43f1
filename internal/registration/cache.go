// Package registration owns the process-wide service-worker registration.
package registration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// DefaultScriptURL is the worker script registered by the client.
const DefaultScriptURL = "/sw.js"

// Cache lazily registers the service worker once and memoizes the handle.
// Concurrent cold-start callers share one registration attempt.
type Cache struct {
	container platform.WorkerContainer
	scriptURL string
	logger    *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	reg   platform.Registration
}

func NewCache(container platform.WorkerContainer, scriptURL string, logger *slog.Logger) *Cache {
	if scriptURL == "" {
		scriptURL = DefaultScriptURL
	}
	return &Cache{
		container: container,
		scriptURL: scriptURL,
		logger:    logger.With("component", "RegistrationCache"),
	}
}

// Get returns the cached registration, registering the worker on first use.
// Failures are not cached so a later call retries.
func (c *Cache) Get(ctx context.Context) (platform.Registration, error) {
	if reg := c.cached(); reg != nil {
		return reg, nil
	}

	v, err, shared := c.group.Do("registration", func() (interface{}, error) {
		if reg := c.cached(); reg != nil {
			return reg, nil
		}
		return c.register(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Joined in-flight registration")
	}
	return v.(platform.Registration), nil
}

func (c *Cache) cached() platform.Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reg
}

func (c *Cache) register(ctx context.Context) (platform.Registration, error) {
	if !c.container.Supported() {
		c.logger.Warn("Service workers are not supported")
		return nil, push.ErrWorkerUnavailable
	}

	reg, err := c.container.Register(ctx, c.scriptURL)
	if err != nil {
		c.logger.Error("Service worker registration failed", "script", c.scriptURL, "err", err)
		return nil, fmt.Errorf("%w: %v", push.ErrWorkerRegistrationFailed, err)
	}

	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
	c.logger.Info("Service worker registered", "script", c.scriptURL)
	return reg, nil
}
