// Package cable manages the single authenticated socket connection and the
// logical channels multiplexed over it.
package cable

import (
	"context"
	"encoding/json"
)

// Channel names understood by the backend.
const (
	NotificationsChannel = "NotificationsChannel"
	GameChannel          = "GameChannel"
)

// Identifier names one channel subscription. Its JSON encoding is the wire
// identifier, so field order is fixed by the struct.
type Identifier struct {
	Channel string `json:"channel"`
	Game    string `json:"game,omitempty"`
}

func (id Identifier) String() string {
	b, _ := json.Marshal(id)
	return string(b)
}

// Callbacks receive channel lifecycle and data events. Any field may be nil.
type Callbacks struct {
	Connected    func()
	Disconnected func()
	Rejected     func()
	Received     func(data json.RawMessage)
}

// Subscription is one live channel subscription on a Consumer.
type Subscription interface {
	Identifier() Identifier
	// Unsubscribe removes the subscription. Removal is best-effort: the command is
	// written without waiting for the server to acknowledge it.
	Unsubscribe() error
}

// Consumer is one physical connection carrying many channel subscriptions.
type Consumer interface {
	Subscribe(id Identifier, cb Callbacks) (Subscription, error)
	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// Dialer opens consumers authenticated with a bearer token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Consumer, error)
}

// Events receives channel payloads verbatim.
type Events interface {
	Notification(data json.RawMessage)
	GameMessage(data json.RawMessage)
}
