package pushbridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-bridge/internal/cable"
	"github.com/tinywideclouds/go-push-bridge/internal/platform/headless"
	"github.com/tinywideclouds/go-push-bridge/internal/ports"
	"github.com/tinywideclouds/go-push-bridge/internal/storage/memory"
	"github.com/tinywideclouds/go-push-bridge/internal/theme"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
	"github.com/tinywideclouds/go-push-bridge/pushbridge"
	"github.com/tinywideclouds/go-push-bridge/pushbridge/config"
)

const timeout = 2 * time.Second

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Fake cable transport ---

type fakeConsumer struct {
	mu     sync.Mutex
	subs   map[string]cable.Callbacks
	closed bool
}

type fakeSub struct {
	consumer *fakeConsumer
	id       cable.Identifier
}

func (s *fakeSub) Identifier() cable.Identifier { return s.id }
func (s *fakeSub) Unsubscribe() error {
	s.consumer.mu.Lock()
	defer s.consumer.mu.Unlock()
	delete(s.consumer.subs, s.id.String())
	return nil
}

func (c *fakeConsumer) Subscribe(id cable.Identifier, cb cable.Callbacks) (cable.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[id.String()] = cb
	return &fakeSub{consumer: c, id: id}, nil
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConsumer) identifiers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

func (c *fakeConsumer) deliver(id cable.Identifier, data string) {
	c.mu.Lock()
	cb := c.subs[id.String()]
	c.mu.Unlock()
	cb.Received(json.RawMessage(data))
}

type fakeDialer struct {
	mu        sync.Mutex
	tokens    []string
	consumers []*fakeConsumer
	err       error
}

// Dial refuses an empty token the way the websocket dialer does.
func (d *fakeDialer) Dial(_ context.Context, token string) (cable.Consumer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if token == "" {
		return nil, errors.New("empty token")
	}
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConsumer{subs: make(map[string]cable.Callbacks)}
	d.tokens = append(d.tokens, token)
	d.consumers = append(d.consumers, c)
	return c, nil
}

func (d *fakeDialer) last() (string, *fakeConsumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.consumers) == 0 {
		return "", nil
	}
	return d.tokens[len(d.tokens)-1], d.consumers[len(d.consumers)-1]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

// --- Harness ---

type harness struct {
	core      *pushbridge.Core
	hub       *memory.Hub
	store     *memory.Store
	dialer    *fakeDialer
	container *headless.Container
	events    <-chan ports.Event
}

func setup(t *testing.T, seed map[string]string) *harness {
	t.Helper()
	return setupWithDialer(t, memory.NewHub(), seed, &fakeDialer{})
}

func setupWithDialer(t *testing.T, hub *memory.Hub, seed map[string]string, dialer *fakeDialer) *harness {
	t.Helper()
	ctx := context.Background()

	_, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	cfg := &config.Config{APIURL: "https://api.example.com", ApplicationServerKey: publicKey}

	store := hub.NewStore()
	for k, v := range seed {
		require.NoError(t, store.Set(ctx, k, v))
	}

	notifications := headless.NewNotifications(headless.PolicyGrant)
	container := headless.NewContainer(notifications, store, "https://push.example.com/p", newTestLogger())

	core, err := pushbridge.NewCore(cfg, pushbridge.Platform{
		Notifications: notifications,
		Workers:       container,
		Storage:       store,
	}, dialer, newTestLogger())
	require.NoError(t, err)

	events, detach := core.Bridge().Attach()
	t.Cleanup(func() {
		core.Stop()
		detach()
	})
	require.NoError(t, core.Start(ctx))

	return &harness{core: core, hub: hub, store: store, dialer: dialer, container: container, events: events}
}

func (h *harness) dispatch(t *testing.T, name ports.CommandName, payload string) {
	t.Helper()
	cmd := ports.Command{Name: name}
	if payload != "" {
		cmd.Payload = json.RawMessage(payload)
	}
	require.NoError(t, h.core.Bridge().Dispatch(context.Background(), cmd))
}

func (h *harness) expect(t *testing.T, name ports.EventName) json.RawMessage {
	t.Helper()
	select {
	case ev := <-h.events:
		require.Equal(t, name, ev.Name, "payload: %s", ev.Payload)
		return ev.Payload
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %s", name)
		return nil
	}
}

func pushStatus(t *testing.T, payload json.RawMessage) push.Status {
	t.Helper()
	var s push.Status
	require.NoError(t, json.Unmarshal(payload, &s))
	return s
}

// --- Tests ---

func TestCore_PushLifecycle(t *testing.T) {
	h := setup(t, nil)

	assert.Equal(t, push.StatusNotAsked, pushStatus(t, h.expect(t, ports.OnPushChange)).Code)

	h.dispatch(t, ports.RequestPermission, "")
	assert.JSONEq(t, `"granted"`, string(h.expect(t, ports.ReceivedPermission)))

	h.dispatch(t, ports.SubscribePush, "")
	subscribed := pushStatus(t, h.expect(t, ports.OnPushChange))
	require.True(t, subscribed.IsSubscribed())

	h.dispatch(t, ports.SubscribePush, "")
	again := pushStatus(t, h.expect(t, ports.OnPushChange))
	require.True(t, again.IsSubscribed())
	assert.Equal(t, subscribed.Subscription.Endpoint, again.Subscription.Endpoint)
	assert.Equal(t, 1, h.container.Registrations())

	h.dispatch(t, ports.UnsubscribePush, "")
	removed := pushStatus(t, h.expect(t, ports.OnPushChange))
	assert.Equal(t, push.StatusUnsubscribed, removed.Code)
	require.NotNil(t, removed.Subscription)
	assert.Equal(t, subscribed.Subscription.Endpoint, removed.Subscription.Endpoint)

	h.dispatch(t, ports.UnsubscribePush, "")
	assert.Equal(t, push.Unsubscribed(nil), pushStatus(t, h.expect(t, ports.OnPushChange)))
}

func TestCore_Session(t *testing.T) {
	ctx := context.Background()
	h := setup(t, nil)
	h.expect(t, ports.OnPushChange)
	assert.Zero(t, h.dialer.dials())

	t.Run("Login connects and reports", func(t *testing.T) {
		h.dispatch(t, ports.StoreSession, `{"bearer":"Token abc","info":{"name":"dana"}}`)
		assert.JSONEq(t, `{"bearer":"Token abc","info":{"name":"dana"}}`, string(h.expect(t, ports.OnSessionChange)))

		stored, ok, _ := h.store.Get(ctx, pushbridge.BearerKey)
		require.True(t, ok)
		assert.JSONEq(t, `{"bearer":"Token abc","info":{"name":"dana"}}`, stored)

		token, consumer := h.dialer.last()
		assert.Equal(t, "abc", token)
		assert.Equal(t, []string{`{"channel":"NotificationsChannel"}`}, consumer.identifiers())
	})

	t.Run("Games and notifications are forwarded", func(t *testing.T) {
		h.dispatch(t, ports.SubscribeToGame, `7`)
		_, consumer := h.dialer.last()
		assert.ElementsMatch(t, []string{
			`{"channel":"NotificationsChannel"}`,
			`{"channel":"GameChannel","game":"7"}`,
		}, consumer.identifiers())

		consumer.deliver(cable.Identifier{Channel: cable.GameChannel, Game: "7"}, `{"move":"e4"}`)
		assert.JSONEq(t, `{"move":"e4"}`, string(h.expect(t, ports.OnGameMessage)))

		consumer.deliver(cable.Identifier{Channel: cable.NotificationsChannel}, `{"kind":"turn"}`)
		assert.JSONEq(t, `{"kind":"turn"}`, string(h.expect(t, ports.OnNotification)))
	})

	t.Run("Another context logs in as someone else", func(t *testing.T) {
		_, previous := h.dialer.last()
		other := h.hub.NewStore()
		require.NoError(t, other.Set(ctx, pushbridge.BearerKey, `{"bearer":"Token xyz"}`))

		assert.JSONEq(t, `{"bearer":"Token xyz"}`, string(h.expect(t, ports.OnSessionChange)))
		token, consumer := h.dialer.last()
		assert.Equal(t, "xyz", token)
		assert.NotSame(t, previous, consumer)
		assert.Empty(t, previous.identifiers())
	})

	t.Run("Another context logs out", func(t *testing.T) {
		other := h.hub.NewStore()
		require.NoError(t, other.Remove(ctx, pushbridge.BearerKey))
		assert.Equal(t, "null", string(h.expect(t, ports.OnSessionChange)))
	})

	t.Run("Local logout", func(t *testing.T) {
		dials := h.dialer.dials()
		h.dispatch(t, ports.StoreSession, `null`)
		assert.Equal(t, "null", string(h.expect(t, ports.OnSessionChange)))
		_, ok, _ := h.store.Get(ctx, pushbridge.BearerKey)
		assert.False(t, ok)
		assert.Equal(t, dials, h.dialer.dials())
	})

	t.Run("Bad payloads are rejected", func(t *testing.T) {
		err := h.core.Bridge().Dispatch(ctx, ports.Command{Name: ports.StoreSession, Payload: json.RawMessage(`{"info":{}}`)})
		assert.ErrorIs(t, err, pushbridge.ErrInvalidPayload)
		err = h.core.Bridge().Dispatch(ctx, ports.Command{Name: ports.SubscribeToGame, Payload: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, pushbridge.ErrInvalidPayload)
	})
}

func TestCore_RejectsBlankBearer(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	h := setupWithDialer(t, hub, nil, &fakeDialer{})
	h.expect(t, ports.OnPushChange)

	err := h.core.Bridge().Dispatch(ctx, ports.Command{Name: ports.StoreSession, Payload: json.RawMessage(`{"bearer":"   ","info":{}}`)})
	assert.ErrorIs(t, err, pushbridge.ErrInvalidPayload)
	_, ok, _ := h.store.Get(ctx, pushbridge.BearerKey)
	assert.False(t, ok)

	t.Run("Another context writing one is ignored", func(t *testing.T) {
		other := hub.NewStore()
		require.NoError(t, other.Set(ctx, pushbridge.BearerKey, `{"bearer":"   "}`))
		require.NoError(t, other.Set(ctx, pushbridge.BearerKey, `{"bearer":"Token ok"}`))

		// Only the readable credential gets through.
		assert.JSONEq(t, `{"bearer":"Token ok"}`, string(h.expect(t, ports.OnSessionChange)))
		assert.Equal(t, 1, h.dialer.dials())
	})
}

func TestCore_RestartSurvivesBadStoredState(t *testing.T) {
	t.Run("Unusable stored credential", func(t *testing.T) {
		dialer := &fakeDialer{}
		h := setupWithDialer(t, memory.NewHub(), map[string]string{pushbridge.BearerKey: `{"bearer":"   ","info":{}}`}, dialer)
		h.expect(t, ports.OnPushChange)
		assert.Zero(t, dialer.dials())

		flags, err := h.core.Flags(context.Background())
		require.NoError(t, err)
		assert.Nil(t, flags.Bearer)

		h.dispatch(t, ports.StoreSession, `{"bearer":"Token abc"}`)
		h.expect(t, ports.OnSessionChange)
		token, _ := dialer.last()
		assert.Equal(t, "abc", token)
	})

	t.Run("Connection failure at startup", func(t *testing.T) {
		dialer := &fakeDialer{err: errors.New("backend unreachable")}
		h := setupWithDialer(t, memory.NewHub(), map[string]string{pushbridge.BearerKey: `{"bearer":"Token abc"}`}, dialer)
		h.expect(t, ports.OnPushChange)
		assert.Zero(t, dialer.dials())

		flags, err := h.core.Flags(context.Background())
		require.NoError(t, err)
		require.NotNil(t, flags.Bearer)
		assert.Equal(t, "Token abc", flags.Bearer.Bearer)
	})
}

func TestCore_IgnoresUnchangedCredentialFromAnotherContext(t *testing.T) {
	ctx := context.Background()
	hub := memory.NewHub()
	h := setupWithDialer(t, hub, map[string]string{pushbridge.BearerKey: `{"bearer":"Token abc"}`}, &fakeDialer{})
	h.expect(t, ports.OnPushChange)
	require.Equal(t, 1, h.dialer.dials())

	other := hub.NewStore()
	require.NoError(t, other.Set(ctx, pushbridge.BearerKey, `{"bearer":"Token abc"}`))
	require.NoError(t, other.Set(ctx, pushbridge.BearerKey, `{"bearer":"Token def"}`))

	assert.JSONEq(t, `{"bearer":"Token def"}`, string(h.expect(t, ports.OnSessionChange)))
	assert.Equal(t, 2, h.dialer.dials())
}

func TestCore_StartsConnectedWithStoredCredential(t *testing.T) {
	h := setup(t, map[string]string{pushbridge.BearerKey: `"Token legacy"`})
	h.expect(t, ports.OnPushChange)

	token, _ := h.dialer.last()
	assert.Equal(t, "legacy", token)

	flags, err := h.core.Flags(context.Background())
	require.NoError(t, err)
	require.NotNil(t, flags.Bearer)
	assert.Equal(t, "Token legacy", flags.Bearer.Bearer)
	assert.Equal(t, "https://api.example.com", flags.APIURL)
	assert.Nil(t, flags.Bytes)
}

func TestCore_Collaborators(t *testing.T) {
	ctx := context.Background()
	h := setup(t, nil)
	h.expect(t, ports.OnPushChange)

	t.Run("Random bytes", func(t *testing.T) {
		h.dispatch(t, ports.GenRandomBytes, `8`)
		var got []int
		require.NoError(t, json.Unmarshal(h.expect(t, ports.RandomBytes), &got))
		assert.Len(t, got, 8)

		flags, err := h.core.Flags(ctx)
		require.NoError(t, err)
		require.Len(t, flags.Bytes, 8)
		for i, b := range flags.Bytes {
			assert.Equal(t, got[i], int(b))
		}
	})

	t.Run("User info", func(t *testing.T) {
		h.dispatch(t, ports.StoreUserInfo, `{"nick":"d"}`)
		v, ok, _ := h.store.Get(ctx, pushbridge.UserInfoKey)
		require.True(t, ok)
		assert.JSONEq(t, `{"nick":"d"}`, v)

		h.dispatch(t, ports.StoreUserInfo, `null`)
		_, ok, _ = h.store.Get(ctx, pushbridge.UserInfoKey)
		assert.False(t, ok)
	})

	t.Run("Theme", func(t *testing.T) {
		h.dispatch(t, ports.ToggleDarkMode, "")
		v, _, _ := h.store.Get(ctx, theme.StorageKey)
		assert.Equal(t, theme.Dark, v)
	})
}
