package registration_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-bridge/internal/registration"
	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

const (
	timeout = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRegistration struct {
	platform.Registration
	id int32
}

type fakeContainer struct {
	supported bool
	err       error
	release   chan struct{}
	calls     atomic.Int32
	lastURL   atomic.Value
}

func (f *fakeContainer) Supported() bool { return f.supported }

func (f *fakeContainer) Register(ctx context.Context, scriptURL string) (platform.Registration, error) {
	n := f.calls.Add(1)
	f.lastURL.Store(scriptURL)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &fakeRegistration{id: n}, nil
}

func TestCache_SingleFlight(t *testing.T) {
	container := &fakeContainer{supported: true, release: make(chan struct{})}
	cache := registration.NewCache(container, "", newTestLogger())

	const callers = 16
	var wg sync.WaitGroup
	results := make([]platform.Registration, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Get(context.Background())
		}(i)
	}

	// Let the goroutines pile up behind the first registration, then release it.
	require.Eventually(t, func() bool { return container.calls.Load() == 1 }, timeout, tick)
	close(container.release)
	wg.Wait()

	assert.Equal(t, int32(1), container.calls.Load())
	assert.Equal(t, registration.DefaultScriptURL, container.lastURL.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}

	t.Run("Cached handle is returned without re-registering", func(t *testing.T) {
		reg, err := cache.Get(context.Background())
		require.NoError(t, err)
		assert.Same(t, results[0], reg)
		assert.Equal(t, int32(1), container.calls.Load())
	})
}

func TestCache_Failures(t *testing.T) {
	t.Run("Unsupported platform", func(t *testing.T) {
		container := &fakeContainer{supported: false}
		_, err := registration.NewCache(container, "/sw.js", newTestLogger()).Get(context.Background())
		assert.ErrorIs(t, err, push.ErrWorkerUnavailable)
		assert.Equal(t, int32(0), container.calls.Load())
	})

	t.Run("Registration failure is not cached", func(t *testing.T) {
		container := &fakeContainer{supported: true, err: errors.New("script 404")}
		cache := registration.NewCache(container, "/sw.js", newTestLogger())

		_, err := cache.Get(context.Background())
		assert.ErrorIs(t, err, push.ErrWorkerRegistrationFailed)

		container.err = nil
		reg, err := cache.Get(context.Background())
		require.NoError(t, err)
		assert.NotNil(t, reg)
		assert.Equal(t, int32(2), container.calls.Load())
	})
}
