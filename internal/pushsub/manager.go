// Package pushsub orchestrates the push subscription lifecycle against the
// service-worker registration and reports every outcome as a push.Status.
package pushsub

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// RegistrationSource yields the shared service-worker registration.
type RegistrationSource interface {
	Get(ctx context.Context) (platform.Registration, error)
}

// PermissionSource reads the current notification permission.
type PermissionSource interface {
	Permission() push.PermissionState
}

type Manager struct {
	registrations RegistrationSource
	permissions   PermissionSource
	serverKey     []byte
	logger        *slog.Logger
}

// NewManager decodes the application server (VAPID) public key once.
func NewManager(
	registrations RegistrationSource,
	permissions PermissionSource,
	applicationServerKey string,
	logger *slog.Logger,
) (*Manager, error) {
	key, err := DecodeServerKey(applicationServerKey)
	if err != nil {
		return nil, err
	}
	return &Manager{
		registrations: registrations,
		permissions:   permissions,
		serverKey:     key,
		logger:        logger.With("component", "PushSubscriptionManager"),
	}, nil
}

// DecodeServerKey decodes a base64url VAPID public key, with or without padding,
// into its uncompressed P-256 point.
func DecodeServerKey(key string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(key), "="))
	if err != nil {
		return nil, fmt.Errorf("invalid application server key: %w", err)
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, fmt.Errorf("invalid application server key: want 65-byte uncompressed P-256 point, got %d bytes", len(raw))
	}
	return raw, nil
}

// Init reports the status shown at startup, taking permission into account
// before looking at the registration.
func (m *Manager) Init(ctx context.Context) push.Status {
	switch m.permissions.Permission() {
	case push.PermissionNotSupported:
		return push.NotSupported()
	case push.PermissionDenied:
		return push.Failed(push.KindPermissionDenied)
	case push.PermissionNotAsked:
		return push.NotAsked()
	}
	return m.GetSubscription(ctx)
}

func (m *Manager) GetSubscription(ctx context.Context) push.Status {
	reg, err := m.registrations.Get(ctx)
	if err != nil {
		m.logger.Warn("GetSubscription: no registration", "err", err)
		return push.Failed(push.KindGetRegistration)
	}

	sub, err := reg.GetSubscription(ctx)
	if err != nil {
		m.logger.Warn("GetSubscription: query failed", "err", fmt.Errorf("%w: %v", push.ErrGetSubscriptionFailed, err))
		return push.Failed(push.KindGetSubscription)
	}
	if sub == nil {
		return push.Unsubscribed(nil)
	}
	return push.Subscribed(sub.JSON())
}

// Subscribe never calls the platform while permission is denied.
func (m *Manager) Subscribe(ctx context.Context) push.Status {
	reg, err := m.registrations.Get(ctx)
	if err != nil {
		m.logger.Warn("Subscribe: no registration", "err", err)
		return push.Failed(push.KindGetRegistration)
	}

	if m.permissions.Permission() == push.PermissionDenied {
		m.logger.Info("Subscribe: permission denied, not calling platform", "err", push.ErrPermissionDenied)
		return push.Failed(push.KindSubscribe)
	}

	sub, err := reg.Subscribe(ctx, platform.SubscribeOptions{
		UserVisibleOnly:      true,
		ApplicationServerKey: m.serverKey,
	})
	if err != nil || sub == nil {
		m.logger.Warn("Subscribe: platform rejected", "err", fmt.Errorf("%w: %v", push.ErrSubscribeFailed, err))
		return push.Failed(push.KindSubscribe)
	}

	payload := sub.JSON()
	m.logger.Info("Subscribe: subscribed", "endpoint", payload.Endpoint)
	return push.Subscribed(payload)
}

// Unsubscribe is a no-op reporting Unsubscribed when there is no subscription.
func (m *Manager) Unsubscribe(ctx context.Context) push.Status {
	reg, err := m.registrations.Get(ctx)
	if err != nil {
		m.logger.Warn("Unsubscribe: no registration", "err", err)
		return push.Failed(push.KindGetRegistration)
	}

	sub, err := reg.GetSubscription(ctx)
	if err != nil {
		m.logger.Warn("Unsubscribe: query failed", "err", err)
		return push.Failed(push.KindGetSubscription)
	}
	if sub == nil {
		return push.Unsubscribed(nil)
	}

	removed := sub.JSON()
	if err := sub.Unsubscribe(ctx); err != nil {
		m.logger.Warn("Unsubscribe: platform rejected", "endpoint", removed.Endpoint, "err", fmt.Errorf("%w: %v", push.ErrUnsubscribeFailed, err))
		return push.Failed(push.KindUnsubscribe)
	}
	m.logger.Info("Unsubscribe: removed", "endpoint", removed.Endpoint)
	return push.Unsubscribed(&removed)
}
