package cable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-bridge/pkg/session"
)

// State of the connection as derived from the credential.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

type gameSubscription struct {
	gameID string
	sub    Subscription
}

// Manager owns the one live Consumer together with its notifications
// subscription and at most one game subscription. Every transition runs under a
// single lock, so teardown always completes before a replacement is dialed.
//
// Transitions are driven only by credential changes. Transport level
// connected/disconnected callbacks are logged and never change State.
type Manager struct {
	dialer Dialer
	events Events
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	consumer      Consumer
	notifications Subscription
	game          *gameSubscription
}

func NewManager(dialer Dialer, events Events, logger *slog.Logger) *Manager {
	return &Manager{
		dialer: dialer,
		events: events,
		logger: logger.With("component", "ChannelConnectionManager"),
	}
}

// Start derives the initial state from the stored credential.
func (m *Manager) Start(ctx context.Context, cred *session.Credential) error {
	if cred == nil {
		m.logger.Info("No credential at startup, staying disconnected")
		return nil
	}
	return m.OnCredentialChange(ctx, cred)
}

// OnCredentialChange closes everything for a nil credential and otherwise
// rebuilds the connection from scratch with the new token.
func (m *Manager) OnCredentialChange(ctx context.Context, cred *session.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()
	if cred == nil {
		m.logger.Info("Credential cleared, disconnected")
		return nil
	}

	consumer, err := m.dialer.Dial(ctx, cred.Token())
	if err != nil {
		m.logger.Error("Failed to open connection", "err", err)
		return fmt.Errorf("failed to open connection: %w", err)
	}
	m.consumer = consumer
	m.state = Connected

	notifications, err := consumer.Subscribe(Identifier{Channel: NotificationsChannel}, m.callbacks(NotificationsChannel, m.events.Notification))
	if err != nil {
		m.logger.Error("Failed to subscribe to notifications", "err", err)
		m.teardownLocked()
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}
	m.notifications = notifications
	m.logger.Info("Connection rebuilt for new credential")
	return nil
}

// SubscribeToGame keeps exactly one game subscription alive. Calling it while
// disconnected is a caller error; it is logged and ignored.
func (m *Manager) SubscribeToGame(ctx context.Context, gameID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Connected {
		m.logger.Warn("Ignoring game subscription while disconnected", "game", gameID)
		return
	}
	if m.game != nil && m.game.gameID == gameID {
		return
	}

	m.dropGameLocked()

	sub, err := m.consumer.Subscribe(Identifier{Channel: GameChannel, Game: gameID}, m.callbacks(GameChannel, m.events.GameMessage))
	if err != nil {
		m.logger.Error("Failed to subscribe to game", "game", gameID, "err", err)
		return
	}
	m.game = &gameSubscription{gameID: gameID, sub: sub}
	m.logger.Info("Subscribed to game", "game", gameID)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveGame returns the subscribed game id, or "" when there is none.
func (m *Manager) ActiveGame() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.game == nil {
		return ""
	}
	return m.game.gameID
}

// Close tears down the connection without touching the credential.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

func (m *Manager) teardownLocked() {
	if m.notifications != nil {
		if err := m.notifications.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to remove notifications subscription", "err", err)
		}
		m.notifications = nil
	}
	m.dropGameLocked()
	if m.consumer != nil {
		if err := m.consumer.Close(); err != nil {
			m.logger.Warn("Failed to close connection", "err", err)
		}
		m.consumer = nil
	}
	m.state = Disconnected
}

func (m *Manager) dropGameLocked() {
	if m.game == nil {
		return
	}
	if err := m.game.sub.Unsubscribe(); err != nil {
		m.logger.Warn("Failed to remove game subscription", "game", m.game.gameID, "err", err)
	}
	m.game = nil
}

func (m *Manager) callbacks(channel string, forward func(json.RawMessage)) Callbacks {
	logger := m.logger.With("channel", channel)
	return Callbacks{
		Connected:    func() { logger.Debug("cable: connected") },
		Disconnected: func() { logger.Debug("cable: disconnected") },
		Rejected:     func() { logger.Warn("cable: subscription rejected") },
		Received: func(data json.RawMessage) {
			logger.Debug("cable received", "bytes", len(data))
			forward(data)
		},
	}
}
