// Package platform defines the capability contracts the bridge needs from its host
// platform: notification permission, service-worker registration, push
// subscriptions and persistent key-value storage.
package platform

import (
	"context"

	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

// Raw notification permission values as reported by the platform.
const (
	PermissionDefault = "default"
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
)

// Notifications exposes the platform's notification permission.
type Notifications interface {
	// Supported reports whether push notifications exist on this platform at all.
	Supported() bool
	// Permission returns the current raw permission value.
	Permission() string
	// RequestPermission shows the permission prompt and returns the resulting value.
	RequestPermission(ctx context.Context) (string, error)
}

// WorkerContainer registers service workers.
type WorkerContainer interface {
	Supported() bool
	Register(ctx context.Context, scriptURL string) (Registration, error)
}

// SubscribeOptions mirrors PushSubscriptionOptionsInit.
type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

// Registration is an active service-worker registration and its push manager.
type Registration interface {
	// GetSubscription returns the current subscription, or nil when there is none.
	GetSubscription(ctx context.Context) (PushSubscription, error)
	// Subscribe returns a new subscription, or the existing one for the same key.
	Subscribe(ctx context.Context, opts SubscribeOptions) (PushSubscription, error)
}

// PushSubscription is a live platform subscription.
type PushSubscription interface {
	JSON() push.Subscription
	Unsubscribe(ctx context.Context) error
}

// Change is a storage mutation made by another context sharing the same storage.
type Change struct {
	Key     string
	Value   string
	Removed bool
}

// Storage is the persistent key-value store.
type Storage interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// Watch streams changes made by other contexts until ctx is done.
	// Writes made through this Storage are never reported to its own watchers.
	Watch(ctx context.Context) (<-chan Change, error)
}
