// Package ports is the typed message seam between the core and the UI runtime.
// Commands flow from the UI to registered handlers; events flow from the core to
// every attached sink.
package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

type CommandName string

const (
	ToggleDarkMode    CommandName = "toggleDarkMode"
	RequestPermission CommandName = "requestPermission"
	SubscribePush     CommandName = "subscribePush"
	UnsubscribePush   CommandName = "unsubscribePush"
	StoreSession      CommandName = "storeSession"
	StoreUserInfo     CommandName = "storeUserInfo"
	SubscribeToGame   CommandName = "subscribeToGame"
	GenRandomBytes    CommandName = "genRandomBytes"
)

type EventName string

const (
	OnPushChange       EventName = "onPushChange"
	ReceivedPermission EventName = "receivedPermission"
	OnSessionChange    EventName = "onSessionChange"
	OnNotification     EventName = "onNotification"
	OnGameMessage      EventName = "onGameMessage"
	RandomBytes        EventName = "randomBytes"
)

var (
	ErrUnknownCommand = errors.New("ports: unknown command")
	ErrUnknownEvent   = errors.New("ports: unknown event")
	ErrNoHandler      = errors.New("ports: no handler subscribed")
)

var commands = map[CommandName]bool{
	ToggleDarkMode: true, RequestPermission: true, SubscribePush: true, UnsubscribePush: true,
	StoreSession: true, StoreUserInfo: true, SubscribeToGame: true, GenRandomBytes: true,
}

var events = map[EventName]bool{
	OnPushChange: true, ReceivedPermission: true, OnSessionChange: true,
	OnNotification: true, OnGameMessage: true, RandomBytes: true,
}

// sticky events describe current state, so a sink attaching late still gets them.
var sticky = []EventName{OnPushChange, ReceivedPermission}

// Command is a message from the UI. Payload is absent for commands without one.
type Command struct {
	Name    CommandName     `json:"port"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a message to the UI.
type Event struct {
	Name    EventName       `json:"port"`
	Payload json.RawMessage `json:"payload"`
}

type Handler func(ctx context.Context, payload json.RawMessage) error

const sinkBuffer = 64

type sink struct {
	ch   chan Event
	once sync.Once
}

func (s *sink) close() {
	s.once.Do(func() { close(s.ch) })
}

type Bridge struct {
	mu       sync.RWMutex
	handlers map[CommandName]Handler
	sinks    map[*sink]struct{}
	latest   map[EventName]Event
	logger   *slog.Logger
}

func NewBridge(logger *slog.Logger) *Bridge {
	return &Bridge{
		handlers: make(map[CommandName]Handler),
		sinks:    make(map[*sink]struct{}),
		latest:   make(map[EventName]Event),
		logger:   logger.With("component", "PortBridge"),
	}
}

// Subscribe registers the handler for a command, replacing any previous one.
func (b *Bridge) Subscribe(name CommandName, h Handler) error {
	if !commands[name] {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	b.mu.Lock()
	b.handlers[name] = h
	b.mu.Unlock()
	return nil
}

// Dispatch routes a command to its handler.
func (b *Bridge) Dispatch(ctx context.Context, cmd Command) error {
	if !commands[cmd.Name] {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
	b.mu.RLock()
	h, ok := b.handlers[cmd.Name]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, cmd.Name)
	}
	b.logger.Debug("Dispatching command", "port", cmd.Name)
	return h(ctx, cmd.Payload)
}

// Send serializes payload and delivers it to every attached sink.
// A sink that has fallen behind by more than its buffer is detached and its
// channel closed, so its reader can reattach and pick up the current state.
func (b *Bridge) Send(name EventName, payload any) error {
	if !events[name] {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", name, err)
	}
	ev := Event{Name: name, Payload: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if isSticky(name) {
		b.latest[name] = ev
	}
	for s := range b.sinks {
		select {
		case s.ch <- ev:
		default:
			b.logger.Warn("Sink is full, detaching it", "port", name)
			delete(b.sinks, s)
			s.close()
		}
	}
	return nil
}

// Attach registers a new sink. The current value of every state event is queued
// on it before any later event. The returned func detaches and closes the sink;
// it is safe to call after the bridge has already evicted it.
func (b *Bridge) Attach() (<-chan Event, func()) {
	s := &sink{ch: make(chan Event, sinkBuffer)}

	b.mu.Lock()
	for _, name := range sticky {
		if ev, ok := b.latest[name]; ok {
			s.ch <- ev
		}
	}
	b.sinks[s] = struct{}{}
	b.mu.Unlock()

	detach := func() {
		b.mu.Lock()
		delete(b.sinks, s)
		b.mu.Unlock()
		s.close()
	}
	return s.ch, detach
}

func isSticky(name EventName) bool {
	for _, n := range sticky {
		if n == name {
			return true
		}
	}
	return false
}
