package headless

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// SubscriptionKey is where the active subscription and its private key live.
const SubscriptionKey = "push_subscription"

var (
	ErrNotAllowed         = errors.New("headless: notification permission not granted")
	ErrUserVisibleOnly    = errors.New("headless: subscriptions must be user visible")
	ErrMissingServerKey   = errors.New("headless: application server key required")
	ErrServerKeyMismatch  = errors.New("headless: subscription exists for a different application server key")
	ErrEmptyScriptURL     = errors.New("headless: empty script url")
	ErrSubscriptionClosed = errors.New("headless: subscription already removed")
)

var b64 = base64.RawURLEncoding

// record is the persisted form of a subscription, including its secrets.
type record struct {
	ID           string            `json:"id"`
	Subscription push.Subscription `json:"subscription"`
	PrivateKey   string            `json:"privateKey"`
	ServerKey    string            `json:"applicationServerKey"`
}

func loadRecord(ctx context.Context, store platform.Storage) (*record, error) {
	raw, ok, err := store.Get(ctx, SubscriptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("corrupt stored subscription: %w", err)
	}
	return &rec, nil
}

// Container hands out the single registration for this process.
type Container struct {
	notifications platform.Notifications
	store         platform.Storage
	pushBaseURL   string
	logger        *slog.Logger

	mu            sync.Mutex
	reg           *Registration
	registrations int
}

func NewContainer(notifications platform.Notifications, store platform.Storage, pushBaseURL string, logger *slog.Logger) *Container {
	return &Container{
		notifications: notifications,
		store:         store,
		pushBaseURL:   strings.TrimRight(pushBaseURL, "/"),
		logger:        logger.With("component", "HeadlessWorkerContainer"),
	}
}

func (c *Container) Supported() bool { return true }

func (c *Container) Register(ctx context.Context, scriptURL string) (platform.Registration, error) {
	if scriptURL == "" {
		return nil, ErrEmptyScriptURL
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registrations++
	if c.reg == nil {
		c.reg = &Registration{
			scriptURL:     scriptURL,
			notifications: c.notifications,
			store:         c.store,
			pushBaseURL:   c.pushBaseURL,
			logger:        c.logger,
		}
		c.logger.Info("Service worker registered", "script", scriptURL)
	}
	return c.reg, nil
}

// Registrations counts Register calls.
func (c *Container) Registrations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registrations
}

type Registration struct {
	scriptURL     string
	notifications platform.Notifications
	store         platform.Storage
	pushBaseURL   string
	logger        *slog.Logger

	mu sync.Mutex
}

func (r *Registration) ScriptURL() string { return r.scriptURL }

func (r *Registration) GetSubscription(ctx context.Context) (platform.PushSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := loadRecord(ctx, r.store)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return &Subscription{reg: r, rec: *rec}, nil
}

// Subscribe returns the existing subscription when it was made for the same
// application server key, and creates a fresh key pair otherwise.
func (r *Registration) Subscribe(ctx context.Context, opts platform.SubscribeOptions) (platform.PushSubscription, error) {
	if r.notifications.Permission() != platform.PermissionGranted {
		return nil, ErrNotAllowed
	}
	if !opts.UserVisibleOnly {
		return nil, ErrUserVisibleOnly
	}
	if len(opts.ApplicationServerKey) == 0 {
		return nil, ErrMissingServerKey
	}
	serverKey := b64.EncodeToString(opts.ApplicationServerKey)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := loadRecord(ctx, r.store)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ServerKey != serverKey {
			return nil, ErrServerKeyMismatch
		}
		return &Subscription{reg: r, rec: *existing}, nil
	}

	rec, err := r.newRecord(serverKey)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subscription: %w", err)
	}
	if err := r.store.Set(ctx, SubscriptionKey, string(data)); err != nil {
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}
	r.logger.Info("Push subscription created", "endpoint", rec.Subscription.Endpoint)
	return &Subscription{reg: r, rec: *rec}, nil
}

func (r *Registration) newRecord(serverKey string) (*record, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate subscription key: %w", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return nil, fmt.Errorf("failed to generate auth secret: %w", err)
	}
	id := uuid.NewString()
	return &record{
		ID: id,
		Subscription: push.Subscription{
			Endpoint: r.pushBaseURL + "/" + id,
			Keys: push.Keys{
				P256dh: b64.EncodeToString(priv.PublicKey().Bytes()),
				Auth:   b64.EncodeToString(auth),
			},
		},
		PrivateKey: b64.EncodeToString(priv.Bytes()),
		ServerKey:  serverKey,
	}, nil
}

type Subscription struct {
	reg *Registration
	rec record
}

func (s *Subscription) JSON() push.Subscription { return s.rec.Subscription }

// Unsubscribe removes the subscription if it is still the active one.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	current, err := loadRecord(ctx, s.reg.store)
	if err != nil {
		return err
	}
	if current == nil || current.ID != s.rec.ID {
		return ErrSubscriptionClosed
	}
	if err := s.reg.store.Remove(ctx, SubscriptionKey); err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}
	s.reg.logger.Info("Push subscription removed", "endpoint", s.rec.Subscription.Endpoint)
	return nil
}
