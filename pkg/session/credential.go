// Package session holds the authenticated user's credential as persisted by the
// storage collaborator.
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMissingToken means a credential object has no usable bearer token.
var ErrMissingToken = errors.New("credential is missing a bearer token")

// Credential identifies the authenticated user to the backend.
// A nil *Credential means logged out.
type Credential struct {
	Bearer string          `json:"bearer"`
	Info   json.RawMessage `json:"info,omitempty"`
}

// ParseCredential normalises a persisted credential value. It accepts JSON null,
// an empty value, a credential object or a bare bearer string written by older
// clients.
func ParseCredential(data []byte) (*Credential, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	if data[0] == '"' {
		var bearer string
		if err := json.Unmarshal(data, &bearer); err != nil {
			return nil, fmt.Errorf("invalid credential string: %w", err)
		}
		if strings.TrimSpace(bearer) == "" {
			return nil, nil
		}
		return &Credential{Bearer: bearer}, nil
	}

	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid credential object: %w", err)
	}
	if c.Token() == "" {
		return nil, ErrMissingToken
	}
	return &c, nil
}

// Marshal encodes a possibly-nil credential; nil encodes as JSON null.
func Marshal(c *Credential) ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	return json.Marshal(c)
}

// Token extracts the raw token from the bearer value ("Token abc" -> "abc").
func (c *Credential) Token() string {
	if c == nil {
		return ""
	}
	fields := strings.Fields(c.Bearer)
	switch len(fields) {
	case 0:
		return ""
	case 1:
		return fields[0]
	default:
		return fields[1]
	}
}

// Equal reports whether two credentials carry the same bearer and info.
func Equal(a, b *Credential) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Bearer == b.Bearer && bytes.Equal(a.Info, b.Info)
}
