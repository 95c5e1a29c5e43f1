package actioncable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-push-bridge/internal/cable"
)

var ErrClosed = errors.New("actioncable: consumer closed")

// Config tunes the transport. Zero values take the defaults below.
type Config struct {
	URL    string
	Origin string

	// StaleThreshold closes a socket that has been silent this long. The server
	// pings every 3 seconds.
	StaleThreshold   time.Duration
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 6 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Dialer creates lazily connecting consumers, like createConsumer in the JS client.
type Dialer struct {
	cfg    Config
	ws     *websocket.Dialer
	logger *slog.Logger
}

func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	cfg = cfg.withDefaults()
	return &Dialer{
		cfg:    cfg,
		ws:     &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.With("component", "ActionCableConsumer"),
	}
}

// Dial returns immediately; the connection is opened and kept open in the
// background until Close.
func (d *Dialer) Dial(ctx context.Context, token string) (cable.Consumer, error) {
	if d.cfg.URL == "" {
		return nil, fmt.Errorf("actioncable: no cable url configured")
	}
	if token == "" {
		return nil, fmt.Errorf("actioncable: empty token")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Consumer{
		cfg:    d.cfg,
		ws:     d.ws,
		token:  token,
		logger: d.logger,
		ctx:    runCtx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
		done:   make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Consumer is one physical ActionCable connection.
type Consumer struct {
	cfg    Config
	ws     *websocket.Dialer
	token  string
	logger *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	welcomed bool
	subs     map[string]*subscription

	writeMu sync.Mutex
}

type subscription struct {
	consumer *Consumer
	id       cable.Identifier
	key      string
	cb       cable.Callbacks
}

func (s *subscription) Identifier() cable.Identifier { return s.id }

func (s *subscription) Unsubscribe() error {
	return s.consumer.remove(s)
}

// Subscribe registers the channel and sends the subscribe command as soon as the
// server has welcomed the connection. Subscriptions are re-sent after reconnects.
func (c *Consumer) Subscribe(id cable.Identifier, cb cable.Callbacks) (cable.Subscription, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	s := &subscription{consumer: c, id: id, key: id.String(), cb: cb}

	c.mu.Lock()
	c.subs[s.key] = s
	conn, ready := c.conn, c.welcomed
	c.mu.Unlock()

	if ready {
		if err := c.send(conn, command{Command: commandSubscribe, Identifier: s.key}); err != nil {
			c.logger.Warn("Subscribe command not delivered, will resend on reconnect", "identifier", s.key, "err", err)
		}
	}
	return s, nil
}

func (c *Consumer) remove(s *subscription) error {
	c.mu.Lock()
	if c.subs[s.key] != s {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, s.key)
	conn, ready := c.conn, c.welcomed
	c.mu.Unlock()

	if !ready {
		return nil
	}
	return c.send(conn, command{Command: commandUnsubscribe, Identifier: s.key})
}

// Close stops reconnecting and closes the socket without waiting for the
// server. It is idempotent.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.welcomed = false
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteWait))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
	})
	return nil
}

// Done is closed once the background loop has exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) run() {
	defer close(c.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		header := http.Header{}
		if c.cfg.Origin != "" {
			header.Set("Origin", c.cfg.Origin)
		}
		ws := *c.ws
		ws.Subprotocols = subprotocols(c.token)

		conn, _, err := ws.DialContext(c.ctx, c.cfg.URL, header)
		if err == nil {
			c.mu.Lock()
			if c.ctx.Err() != nil {
				c.mu.Unlock()
				_ = conn.Close()
				return
			}
			c.conn = conn
			c.mu.Unlock()

			reconnect := c.serve(conn, b)
			if !reconnect {
				return
			}
		} else if c.ctx.Err() == nil {
			c.logger.Warn("cable: dial failed", "url", c.cfg.URL, "err", err)
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Error("cable: giving up reconnecting")
			return
		}
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// serve reads frames until the socket fails. It reports whether to reconnect.
func (c *Consumer) serve(conn *websocket.Conn, b backoff.BackOff) bool {
	defer c.dropConn(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.StaleThreshold))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return false
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("cable: connection lost", "err", err)
			} else {
				c.logger.Info("cable: connection closed", "err", err)
			}
			return true
		}

		// Frames already buffered when Close ran belong to a retired connection.
		if c.ctx.Err() != nil {
			return false
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("cable: dropping malformed frame", "err", err)
			continue
		}

		switch f.Type {
		case typePing:
		case typeWelcome:
			b.Reset()
			c.onWelcome(conn)
		case typeConfirm:
			if s := c.lookup(f.Identifier); s != nil && s.cb.Connected != nil {
				s.cb.Connected()
			}
		case typeReject:
			if s := c.lookup(f.Identifier); s != nil {
				c.mu.Lock()
				delete(c.subs, s.key)
				c.mu.Unlock()
				if s.cb.Rejected != nil {
					s.cb.Rejected()
				}
			}
		case typeDisconnect:
			c.logger.Info("cable: server requested disconnect", "reason", f.Reason)
			if f.Reconnect != nil && !*f.Reconnect {
				c.cancel()
				return false
			}
			return true
		case "":
			if s := c.lookup(f.Identifier); s != nil && s.cb.Received != nil {
				s.cb.Received(f.Message)
			}
		default:
			c.logger.Debug("cable: ignoring frame", "type", f.Type)
		}
	}
}

func (c *Consumer) onWelcome(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.welcomed = true
	keys := make([]string, 0, len(c.subs))
	for key := range c.subs {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		if err := c.send(conn, command{Command: commandSubscribe, Identifier: key}); err != nil {
			c.logger.Warn("cable: resubscribe failed", "identifier", key, "err", err)
			return
		}
	}
}

func (c *Consumer) dropConn(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	wasCurrent := c.conn == conn
	if wasCurrent {
		c.conn = nil
		c.welcomed = false
	}
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	if !wasCurrent && c.ctx.Err() == nil {
		return
	}
	for _, s := range subs {
		if s.cb.Disconnected != nil {
			s.cb.Disconnected()
		}
	}
}

func (c *Consumer) lookup(identifier string) *subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[identifier]
}

func (c *Consumer) send(conn *websocket.Conn, cmd command) error {
	if conn == nil {
		return ErrClosed
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
