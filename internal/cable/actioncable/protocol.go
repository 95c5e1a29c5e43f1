// Package actioncable is a websocket client for the ActionCable JSON protocol,
// authenticating with a bearer token carried as a websocket subprotocol.
package actioncable

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	protocolJSON        = "actioncable-v1-json"
	protocolUnsupported = "actioncable-unsupported"
)

// Server frame types.
const (
	typeWelcome    = "welcome"
	typePing       = "ping"
	typeConfirm    = "confirm_subscription"
	typeReject     = "reject_subscription"
	typeDisconnect = "disconnect"
)

// Client commands.
const (
	commandSubscribe   = "subscribe"
	commandUnsubscribe = "unsubscribe"
)

type frame struct {
	Type       string          `json:"type,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Reconnect  *bool           `json:"reconnect,omitempty"`
}

type command struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
}

// CableURL derives the websocket endpoint from the API base URL:
// https://host/x becomes wss://host/x/cable and http becomes ws.
func CableURL(apiURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil {
		return "", fmt.Errorf("invalid api url %q: %w", apiURL, err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("invalid api url %q: unsupported scheme %q", apiURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid api url %q: missing host", apiURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/cable"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func subprotocols(token string) []string {
	return []string{protocolJSON, protocolUnsupported, token}
}
