// Package theme persists the light/dark preference.
package theme

import (
	"context"
	"fmt"

	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
)

const (
	StorageKey = "theme"

	Light = "light"
	Dark  = "dark"
)

type Switcher struct {
	store       platform.Storage
	prefersDark bool
}

// NewSwitcher takes the system colour-scheme preference used when nothing is stored.
func NewSwitcher(store platform.Storage, prefersDark bool) *Switcher {
	return &Switcher{store: store, prefersDark: prefersDark}
}

// Current returns the stored theme, falling back to the system preference.
func (s *Switcher) Current(ctx context.Context) (string, error) {
	v, ok, err := s.store.Get(ctx, StorageKey)
	if err != nil {
		return "", fmt.Errorf("failed to read theme: %w", err)
	}
	if ok && v == Dark {
		return Dark, nil
	}
	if !ok && s.prefersDark {
		return Dark, nil
	}
	return Light, nil
}

// Toggle flips and persists the theme, returning the new value.
func (s *Switcher) Toggle(ctx context.Context) (string, error) {
	current, err := s.Current(ctx)
	if err != nil {
		return "", err
	}
	next := Dark
	if current == Dark {
		next = Light
	}
	if err := s.store.Set(ctx, StorageKey, next); err != nil {
		return "", fmt.Errorf("failed to store theme: %w", err)
	}
	return next, nil
}
