// Package push contains the public domain model for Web Push subscription state
// as it is reported across the UI boundary.
package push

import (
	"errors"

	"github.com/SherClockHolmes/webpush-go"
)

// PermissionState is the notification permission as seen by the client.
type PermissionState string

const (
	PermissionNotSupported PermissionState = "not_supported"
	PermissionNotAsked     PermissionState = "not_asked"
	PermissionDenied       PermissionState = "denied"
	PermissionGranted      PermissionState = "granted"
)

// ErrorKind names the step of a push operation that failed.
type ErrorKind string

const (
	KindGetRegistration  ErrorKind = "get_registration"
	KindGetSubscription  ErrorKind = "get_subscription"
	KindSubscribe        ErrorKind = "subscribe"
	KindUnsubscribe      ErrorKind = "unsubscribe"
	KindPermissionDenied ErrorKind = "permission_denied"
)

var (
	ErrNotSupported             = errors.New("push: not supported")
	ErrPermissionDenied         = errors.New("push: permission denied")
	ErrWorkerUnavailable        = errors.New("push: service worker unavailable")
	ErrWorkerRegistrationFailed = errors.New("push: service worker registration failed")
	ErrSubscribeFailed          = errors.New("push: subscribe failed")
	ErrUnsubscribeFailed        = errors.New("push: unsubscribe failed")
	ErrGetSubscriptionFailed    = errors.New("push: get subscription failed")
)

// Keys holds the client's public key material, base64url encoded.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is the serialized platform subscription (PushSubscription.toJSON).
type Subscription struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime"`
	Keys           Keys   `json:"keys"`
}

// WebPush converts the subscription into the shape webpush-go sends to.
func (s Subscription) WebPush() *webpush.Subscription {
	return &webpush.Subscription{
		Endpoint: s.Endpoint,
		Keys: webpush.Keys{
			P256dh: s.Keys.P256dh,
			Auth:   s.Keys.Auth,
		},
	}
}
