// Package entropy generates and remembers the random bytes the UI uses to protect
// its authorization flow across redirects.
package entropy

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
)

const (
	StorageKey = "bytes"

	// MaxBytes bounds a single request, matching the Web Crypto quota.
	MaxBytes = 65536
)

type Generator struct {
	store platform.Storage
}

func NewGenerator(store platform.Storage) *Generator {
	return &Generator{store: store}
}

// Generate returns n random bytes and persists them as a comma-separated list.
func (g *Generator) Generate(ctx context.Context, n int) ([]byte, error) {
	if n < 0 || n > MaxBytes {
		return nil, fmt.Errorf("invalid byte count %d: must be between 0 and %d", n, MaxBytes)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	if err := g.store.Set(ctx, StorageKey, Encode(buf)); err != nil {
		return nil, fmt.Errorf("failed to store random bytes: %w", err)
	}
	return buf, nil
}

// Remembered returns the previously stored bytes, or nil when there are none.
func (g *Generator) Remembered(ctx context.Context) ([]byte, error) {
	v, ok, err := g.store.Get(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	if !ok || v == "" {
		return nil, nil
	}
	return Decode(v)
}

func Encode(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, ",")
}

func Decode(s string) ([]byte, error) {
	parts := strings.Split(s, ",")
	out := make([]byte, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid stored byte %q: %w", p, err)
		}
		out[i] = byte(v)
	}
	return out, nil
}

// Bytes encodes as a JSON array of numbers instead of base64.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return []byte("[" + Encode(b) + "]"), nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make(Bytes, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
