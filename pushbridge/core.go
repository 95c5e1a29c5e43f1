package pushbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-push-bridge/internal/api"
	"github.com/tinywideclouds/go-push-bridge/internal/cable"
	"github.com/tinywideclouds/go-push-bridge/internal/entropy"
	"github.com/tinywideclouds/go-push-bridge/internal/permission"
	"github.com/tinywideclouds/go-push-bridge/internal/ports"
	"github.com/tinywideclouds/go-push-bridge/internal/pushsub"
	"github.com/tinywideclouds/go-push-bridge/internal/registration"
	"github.com/tinywideclouds/go-push-bridge/internal/theme"
	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
	"github.com/tinywideclouds/go-push-bridge/pkg/session"
	"github.com/tinywideclouds/go-push-bridge/pushbridge/config"
)

// Storage keys owned by the core. The theme and entropy collaborators own theirs.
const (
	BearerKey   = "bearer"
	UserInfoKey = "user_info"
)

var ErrInvalidPayload = errors.New("pushbridge: invalid command payload")

var errUnreadableCredential = errors.New("pushbridge: unreadable stored credential")

// Platform bundles the host capabilities the core runs on.
type Platform struct {
	Notifications platform.Notifications
	Workers       platform.WorkerContainer
	Storage       platform.Storage
}

// Core connects the port bridge to the push, connection and storage managers.
type Core struct {
	apiURL  string
	storage platform.Storage
	gate    *permission.Gate
	push    *pushsub.Manager
	cable   *cable.Manager
	bridge  *ports.Bridge
	theme   *theme.Switcher
	entropy *entropy.Generator
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// current is the credential the connection was last built for.
	credMu  sync.Mutex
	current *session.Credential
}

func NewCore(cfg *config.Config, p Platform, dialer cable.Dialer, logger *slog.Logger) (*Core, error) {
	gate := permission.NewGate(p.Notifications, logger)
	registrations := registration.NewCache(p.Workers, registration.DefaultScriptURL, logger)
	pushManager, err := pushsub.NewManager(registrations, gate, cfg.ApplicationServerKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create push manager: %w", err)
	}

	bridge := ports.NewBridge(logger)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Core{
		apiURL:  cfg.APIURL,
		storage: p.Storage,
		gate:    gate,
		push:    pushManager,
		bridge:  bridge,
		theme:   theme.NewSwitcher(p.Storage, cfg.PrefersDark),
		entropy: entropy.NewGenerator(p.Storage),
		logger:  logger.With("component", "PushBridgeCore"),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.cable = cable.NewManager(dialer, &cableEvents{core: c}, logger)

	handlers := map[ports.CommandName]ports.Handler{
		ports.ToggleDarkMode:    c.toggleDarkMode,
		ports.RequestPermission: c.requestPermission,
		ports.SubscribePush:     c.subscribePush,
		ports.UnsubscribePush:   c.unsubscribePush,
		ports.StoreSession:      c.storeSession,
		ports.StoreUserInfo:     c.storeUserInfo,
		ports.SubscribeToGame:   c.subscribeToGame,
		ports.GenRandomBytes:    c.genRandomBytes,
	}
	for name, h := range handlers {
		if err := bridge.Subscribe(name, h); err != nil {
			cancel()
			return nil, err
		}
	}
	return c, nil
}

func (c *Core) Bridge() *ports.Bridge { return c.bridge }

// Start reports the startup push status, connects when a credential is stored
// and begins following storage changes made by other contexts. An unreadable
// credential or a failed connection leaves the core running disconnected.
func (c *Core) Start(ctx context.Context) error {
	changes, err := c.storage.Watch(c.ctx)
	if err != nil {
		return fmt.Errorf("failed to watch storage: %w", err)
	}
	c.wg.Add(1)
	go c.watch(changes)

	c.send(ports.OnPushChange, c.push.Init(ctx))

	cred, err := c.storedCredential(ctx)
	if err != nil {
		c.logger.Warn("Ignoring stored credential, starting disconnected", "err", err)
		return nil
	}
	c.setCurrent(cred)
	if err := c.cable.Start(ctx, cred); err != nil {
		c.logger.Error("Failed to connect with stored credential, starting disconnected", "err", err)
	}
	return nil
}

// Stop closes the connection and waits for in-flight push operations.
func (c *Core) Stop() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.cable.Close()
	c.logger.Info("Core stopped")
}

// Flags returns the startup values handed to a newly loaded UI.
func (c *Core) Flags(ctx context.Context) (api.Flags, error) {
	remembered, err := c.entropy.Remembered(ctx)
	if err != nil {
		return api.Flags{}, err
	}
	cred, err := c.storedCredential(ctx)
	if errors.Is(err, errUnreadableCredential) {
		c.logger.Warn("Reporting unreadable stored credential as logged out", "err", err)
		cred, err = nil, nil
	}
	if err != nil {
		return api.Flags{}, err
	}
	return api.Flags{Bytes: remembered, Bearer: cred, APIURL: c.apiURL}, nil
}

func (c *Core) storedCredential(ctx context.Context) (*session.Credential, error) {
	raw, ok, err := c.storage.Get(ctx, BearerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	if !ok {
		return nil, nil
	}
	cred, err := session.ParseCredential([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnreadableCredential, err)
	}
	return cred, nil
}

// async runs fn in the background on the core's lifetime context.
func (c *Core) async(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

func (c *Core) send(name ports.EventName, payload any) {
	if err := c.bridge.Send(name, payload); err != nil {
		c.logger.Error("Failed to send event", "port", name, "err", err)
	}
}

// --- Command handlers ---

func (c *Core) toggleDarkMode(ctx context.Context, _ json.RawMessage) error {
	t, err := c.theme.Toggle(ctx)
	if err != nil {
		return fmt.Errorf("failed to toggle theme: %w", err)
	}
	c.logger.Info("Theme toggled", "theme", t)
	return nil
}

func (c *Core) requestPermission(_ context.Context, _ json.RawMessage) error {
	c.async(func(ctx context.Context) {
		c.send(ports.ReceivedPermission, c.gate.Request(ctx))
	})
	return nil
}

func (c *Core) subscribePush(_ context.Context, _ json.RawMessage) error {
	c.async(func(ctx context.Context) {
		c.send(ports.OnPushChange, c.push.Subscribe(ctx))
	})
	return nil
}

func (c *Core) unsubscribePush(_ context.Context, _ json.RawMessage) error {
	c.async(func(ctx context.Context) {
		c.send(ports.OnPushChange, c.push.Unsubscribe(ctx))
	})
	return nil
}

// storeSession persists first, rebuilds the connection second and reports last.
func (c *Core) storeSession(ctx context.Context, payload json.RawMessage) error {
	cred, err := session.ParseCredential(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if cred == nil {
		err = c.storage.Remove(ctx, BearerKey)
	} else {
		var data []byte
		if data, err = session.Marshal(cred); err == nil {
			err = c.storage.Set(ctx, BearerKey, string(data))
		}
	}
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	c.credentialChanged(ctx, cred)
	return nil
}

func (c *Core) storeUserInfo(ctx context.Context, payload json.RawMessage) error {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return c.storage.Remove(ctx, UserInfoKey)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: user info is not valid json", ErrInvalidPayload)
	}
	return c.storage.Set(ctx, UserInfoKey, string(payload))
}

// subscribeToGame accepts the game id as a JSON string or number.
func (c *Core) subscribeToGame(ctx context.Context, payload json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var id string
	switch t := v.(type) {
	case string:
		id = t
	case json.Number:
		id = t.String()
	}
	if id == "" {
		return fmt.Errorf("%w: game id must be a non-empty string or number", ErrInvalidPayload)
	}
	c.cable.SubscribeToGame(ctx, id)
	return nil
}

func (c *Core) genRandomBytes(ctx context.Context, payload json.RawMessage) error {
	var n int
	if err := json.Unmarshal(payload, &n); err != nil {
		return fmt.Errorf("%w: byte count: %v", ErrInvalidPayload, err)
	}
	b, err := c.entropy.Generate(ctx, n)
	if err != nil {
		return err
	}
	c.send(ports.RandomBytes, entropy.Bytes(b))
	return nil
}

// --- Credential changes ---

func (c *Core) setCurrent(cred *session.Credential) {
	c.credMu.Lock()
	c.current = cred
	c.credMu.Unlock()
}

func (c *Core) isCurrent(cred *session.Credential) bool {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	return session.Equal(c.current, cred)
}

func (c *Core) credentialChanged(ctx context.Context, cred *session.Credential) {
	c.setCurrent(cred)
	if err := c.cable.OnCredentialChange(ctx, cred); err != nil {
		c.logger.Error("Failed to rebuild connection", "err", err)
	}
	c.send(ports.OnSessionChange, cred)
}

// watch treats a credential written by another context like a local storeSession.
func (c *Core) watch(changes <-chan platform.Change) {
	defer c.wg.Done()
	for change := range changes {
		if c.ctx.Err() != nil {
			return
		}
		if change.Key != BearerKey {
			continue
		}
		var cred *session.Credential
		if !change.Removed {
			parsed, err := session.ParseCredential([]byte(change.Value))
			if err != nil {
				c.logger.Warn("Ignoring unreadable credential from another context", "err", err)
				continue
			}
			cred = parsed
		}
		if c.isCurrent(cred) {
			continue
		}
		c.logger.Info("Credential changed in another context", "logged_in", cred != nil)
		c.credentialChanged(c.ctx, cred)
	}
}

// cableEvents forwards channel payloads to the UI untouched.
type cableEvents struct {
	core *Core
}

func (e *cableEvents) Notification(data json.RawMessage) {
	e.core.send(ports.OnNotification, data)
}

func (e *cableEvents) GameMessage(data json.RawMessage) {
	e.core.send(ports.OnGameMessage, data)
}
