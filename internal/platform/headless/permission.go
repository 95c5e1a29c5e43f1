// Package headless implements the platform capabilities without a browser: a
// scripted permission prompt, a single service-worker registration and a local
// push service that decrypts Web Push messages for the worker.
package headless

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
)

// PromptPolicy decides how the simulated user answers the permission prompt.
type PromptPolicy string

const (
	PolicyGrant   PromptPolicy = "grant"
	PolicyDeny    PromptPolicy = "deny"
	PolicyDismiss PromptPolicy = "dismiss"
)

func ParsePromptPolicy(s string) (PromptPolicy, error) {
	switch p := PromptPolicy(s); p {
	case PolicyGrant, PolicyDeny, PolicyDismiss:
		return p, nil
	default:
		return "", fmt.Errorf("unknown permission policy %q", s)
	}
}

type Notifications struct {
	mu         sync.RWMutex
	policy     PromptPolicy
	permission string
	prompts    int
}

// NewNotifications starts in the default (never asked) state.
func NewNotifications(policy PromptPolicy) *Notifications {
	return &Notifications{policy: policy, permission: platform.PermissionDefault}
}

func (n *Notifications) Supported() bool { return true }

func (n *Notifications) Permission() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.permission
}

// RequestPermission answers according to the policy. Dismissing leaves the
// permission at default, as closing the browser prompt does.
func (n *Notifications) RequestPermission(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prompts++
	switch n.policy {
	case PolicyGrant:
		n.permission = platform.PermissionGranted
	case PolicyDeny:
		n.permission = platform.PermissionDenied
	}
	return n.permission, nil
}

// Prompts counts how many times the prompt was shown.
func (n *Notifications) Prompts() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.prompts
}
