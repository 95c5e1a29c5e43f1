// Package permission wraps the platform notification permission.
package permission

import (
	"context"
	"log/slog"

	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
	"github.com/tinywideclouds/go-push-bridge/pkg/push"
)

type Gate struct {
	platform platform.Notifications
	logger   *slog.Logger
}

func NewGate(p platform.Notifications, logger *slog.Logger) *Gate {
	return &Gate{
		platform: p,
		logger:   logger.With("component", "PermissionGate"),
	}
}

// Permission reads the current state from the platform. It is never cached.
func (g *Gate) Permission() push.PermissionState {
	if !g.platform.Supported() {
		return push.PermissionNotSupported
	}
	return fromPlatform(g.platform.Permission())
}

// Request prompts the user only when the permission has not been decided yet.
// It never fails: a prompt error is folded into the state read afterwards.
func (g *Gate) Request(ctx context.Context) push.PermissionState {
	current := g.Permission()
	if current != push.PermissionNotAsked {
		g.logger.Debug("Permission already decided, not prompting", "state", current)
		return current
	}

	raw, err := g.platform.RequestPermission(ctx)
	if err != nil {
		g.logger.Warn("Permission prompt failed", "err", err)
		return g.Permission()
	}
	state := fromPlatform(raw)
	g.logger.Info("Permission prompt resolved", "state", state)
	return state
}

func fromPlatform(raw string) push.PermissionState {
	switch raw {
	case platform.PermissionGranted:
		return push.PermissionGranted
	case platform.PermissionDenied:
		return push.PermissionDenied
	default:
		return push.PermissionNotAsked
	}
}
