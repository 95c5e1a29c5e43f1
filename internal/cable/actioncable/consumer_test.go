package actioncable_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-bridge/internal/cable"
	"github.com/tinywideclouds/go-push-bridge/internal/cable/actioncable"
)

const (
	timeout = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type serverCommand struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
}

// fakeCable is a minimal ActionCable server. Each accepted connection is
// welcomed, every subscribe command is confirmed and recorded.
type fakeCable struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	commands []serverCommand
	tokens   []string
	accepted atomic.Int32
}

func newFakeCable(t *testing.T) (*fakeCable, *httptest.Server) {
	f := &fakeCable{t: t, upgrader: websocket.Upgrader{Subprotocols: []string{"actioncable-v1-json"}}}
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeCable) handle(w http.ResponseWriter, r *http.Request) {
	protocols := websocket.Subprotocols(r)
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	if len(protocols) == 3 {
		f.tokens = append(f.tokens, protocols[2])
	}
	f.mu.Unlock()
	f.accepted.Add(1)

	f.write(conn, map[string]string{"type": "welcome"})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd serverCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()
		if cmd.Command == "subscribe" {
			f.write(conn, map[string]string{"type": "confirm_subscription", "identifier": cmd.Identifier})
		}
	}
}

func (f *fakeCable) write(conn *websocket.Conn, v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = conn.WriteJSON(v)
}

func (f *fakeCable) latest() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeCable) count(command, identifier string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.commands {
		if c.Command == command && c.Identifier == identifier {
			n++
		}
	}
	return n
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/cable"
}

func TestCableURL(t *testing.T) {
	cases := map[string]string{
		"https://otodavar-api.fetsh.me":  "wss://otodavar-api.fetsh.me/cable",
		"https://api.example.com/":       "wss://api.example.com/cable",
		"http://localhost:3001":          "ws://localhost:3001/cable",
		"https://example.com/v1?debug=1": "wss://example.com/v1/cable",
	}
	for in, want := range cases {
		got, err := actioncable.CableURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := actioncable.CableURL("ftp://example.com")
	assert.Error(t, err)
	_, err = actioncable.CableURL("https://")
	assert.Error(t, err)
}

func TestConsumer_SubscribeAndReceive(t *testing.T) {
	server, srv := newFakeCable(t)
	dialer := actioncable.NewDialer(actioncable.Config{URL: wsURL(srv)}, newTestLogger())

	consumer, err := dialer.Dial(context.Background(), "abc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })

	var connected atomic.Bool
	received := make(chan json.RawMessage, 1)
	id := cable.Identifier{Channel: cable.NotificationsChannel}
	_, err = consumer.Subscribe(id, cable.Callbacks{
		Connected: func() { connected.Store(true) },
		Received:  func(data json.RawMessage) { received <- data },
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return connected.Load() }, timeout, tick)
	assert.Equal(t, 1, server.count("subscribe", id.String()))
	server.mu.Lock()
	assert.Equal(t, []string{"abc"}, server.tokens)
	server.mu.Unlock()

	server.write(server.latest(), map[string]interface{}{
		"identifier": id.String(),
		"message":    map[string]int{"id": 7},
	})

	select {
	case data := <-received:
		assert.JSONEq(t, `{"id":7}`, string(data))
	case <-time.After(timeout):
		t.Fatal("message was not forwarded")
	}
}

func TestConsumer_UnsubscribeSendsCommand(t *testing.T) {
	server, srv := newFakeCable(t)
	consumer, err := actioncable.NewDialer(actioncable.Config{URL: wsURL(srv)}, newTestLogger()).Dial(context.Background(), "abc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })

	var connected atomic.Bool
	id := cable.Identifier{Channel: cable.GameChannel, Game: "g1"}
	sub, err := consumer.Subscribe(id, cable.Callbacks{Connected: func() { connected.Store(true) }})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return connected.Load() }, timeout, tick)

	require.NoError(t, sub.Unsubscribe())
	require.Eventually(t, func() bool { return server.count("unsubscribe", id.String()) == 1 }, timeout, tick)

	// A second removal is a no-op.
	require.NoError(t, sub.Unsubscribe())
}

func TestConsumer_ResubscribesAfterReconnect(t *testing.T) {
	server, srv := newFakeCable(t)
	consumer, err := actioncable.NewDialer(actioncable.Config{
		URL:            wsURL(srv),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}, newTestLogger()).Dial(context.Background(), "abc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })

	var disconnects atomic.Int32
	id := cable.Identifier{Channel: cable.NotificationsChannel}
	_, err = consumer.Subscribe(id, cable.Callbacks{Disconnected: func() { disconnects.Add(1) }})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return server.count("subscribe", id.String()) == 1 }, timeout, tick)

	// Drop the socket from the server side.
	_ = server.latest().Close()

	require.Eventually(t, func() bool { return server.accepted.Load() == 2 }, timeout, tick)
	require.Eventually(t, func() bool { return server.count("subscribe", id.String()) == 2 }, timeout, tick)
	assert.GreaterOrEqual(t, disconnects.Load(), int32(1))
}

func TestConsumer_Close(t *testing.T) {
	server, srv := newFakeCable(t)
	consumer, err := actioncable.NewDialer(actioncable.Config{URL: wsURL(srv)}, newTestLogger()).Dial(context.Background(), "abc")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return server.accepted.Load() == 1 }, timeout, tick)
	require.NoError(t, consumer.Close())
	require.NoError(t, consumer.Close())

	select {
	case <-consumer.(*actioncable.Consumer).Done():
	case <-time.After(timeout):
		t.Fatal("consumer loop did not exit")
	}

	_, err = consumer.Subscribe(cable.Identifier{Channel: cable.NotificationsChannel}, cable.Callbacks{})
	assert.ErrorIs(t, err, actioncable.ErrClosed)
	assert.Equal(t, int32(1), server.accepted.Load())
}

func TestConsumer_NoDeliveryAfterClose(t *testing.T) {
	server, srv := newFakeCable(t)
	consumer, err := actioncable.NewDialer(actioncable.Config{URL: wsURL(srv)}, newTestLogger()).Dial(context.Background(), "abc")
	require.NoError(t, err)

	var connected atomic.Bool
	var received atomic.Int32
	id := cable.Identifier{Channel: cable.NotificationsChannel}
	_, err = consumer.Subscribe(id, cable.Callbacks{
		Connected: func() { connected.Store(true) },
		Received: func(json.RawMessage) {
			received.Add(1)
			_ = consumer.Close()
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return connected.Load() }, timeout, tick)

	// Both frames reach the client before the first callback closes it.
	conn := server.latest()
	server.mu.Lock()
	_ = conn.WriteJSON(map[string]interface{}{"identifier": id.String(), "message": map[string]int{"id": 1}})
	_ = conn.WriteJSON(map[string]interface{}{"identifier": id.String(), "message": map[string]int{"id": 2}})
	server.mu.Unlock()

	select {
	case <-consumer.(*actioncable.Consumer).Done():
	case <-time.After(timeout):
		t.Fatal("consumer loop did not exit")
	}
	assert.Equal(t, int32(1), received.Load())
}

func TestConsumer_ServerRefusesReconnect(t *testing.T) {
	server, srv := newFakeCable(t)
	consumer, err := actioncable.NewDialer(actioncable.Config{URL: wsURL(srv), InitialBackoff: 10 * time.Millisecond}, newTestLogger()).Dial(context.Background(), "abc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = consumer.Close() })

	require.Eventually(t, func() bool { return server.latest() != nil }, timeout, tick)
	server.write(server.latest(), map[string]interface{}{"type": "disconnect", "reason": "unauthorized", "reconnect": false})

	select {
	case <-consumer.(*actioncable.Consumer).Done():
	case <-time.After(timeout):
		t.Fatal("consumer kept running after reconnect:false")
	}
	assert.Equal(t, int32(1), server.accepted.Load())
}

func TestDialer_RejectsBadInput(t *testing.T) {
	_, err := actioncable.NewDialer(actioncable.Config{}, newTestLogger()).Dial(context.Background(), "abc")
	assert.Error(t, err)

	_, err = actioncable.NewDialer(actioncable.Config{URL: "ws://localhost:1/cable"}, newTestLogger()).Dial(context.Background(), "")
	assert.Error(t, err)
}
