// Package worker implements the service worker's push and notification-click
// handlers against host-provided display and window capabilities.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
)

// ErrInvalidPayload means a push message decoded fine but is not a notification.
var ErrInvalidPayload = errors.New("worker: invalid push payload")

const (
	DefaultTitle = "oto | davar"
	DefaultIcon  = "android-chrome-192x192.png"
	DefaultBadge = "favicon-16x16.png"
)

// PushPayload is what the backend sends through the push service.
type PushPayload struct {
	Body string `json:"body"`
	URL  string `json:"url"`
}

type NotificationData struct {
	URL string `json:"url"`
}

type Notification struct {
	Title string           `json:"title"`
	Body  string           `json:"body"`
	Icon  string           `json:"icon"`
	Badge string           `json:"badge"`
	Data  NotificationData `json:"data"`
}

// Display shows and dismisses system notifications.
type Display interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, n Notification) error
}

// WindowClient is an open window controlled by the worker.
type WindowClient interface {
	URL() string
	Focus(ctx context.Context) error
}

// Clients enumerates and opens window clients.
type Clients interface {
	MatchAll(ctx context.Context) ([]WindowClient, error)
	OpenWindow(ctx context.Context, url string) error
}

type Worker struct {
	display Display
	clients Clients
	logger  *slog.Logger
}

func New(display Display, clients Clients, logger *slog.Logger) *Worker {
	return &Worker{
		display: display,
		clients: clients,
		logger:  logger.With("component", "ServiceWorker"),
	}
}

// HandlePush displays the notification described by a raw push message.
func (w *Worker) HandlePush(ctx context.Context, data []byte) error {
	w.logger.Debug("Push received", "bytes", len(data))

	var p PushPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	n := Notification{
		Title: DefaultTitle,
		Body:  p.Body,
		Icon:  DefaultIcon,
		Badge: DefaultBadge,
		Data:  NotificationData{URL: p.URL},
	}
	if err := w.display.Show(ctx, n); err != nil {
		return fmt.Errorf("failed to show notification: %w", err)
	}
	return nil
}

// HandleClick closes the notification and focuses the window already showing its
// url, opening a new window when none is.
func (w *Worker) HandleClick(ctx context.Context, n Notification) error {
	if err := w.display.Close(ctx, n); err != nil {
		w.logger.Warn("Failed to close notification", "err", err)
	}

	target := n.Data.URL
	if target == "" {
		target = "/"
	}

	clients, err := w.clients.MatchAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list clients: %w", err)
	}
	for _, c := range clients {
		u, err := url.Parse(c.URL())
		if err != nil {
			continue
		}
		if u.Path == target {
			w.logger.Debug("Focusing existing client", "url", c.URL())
			return c.Focus(ctx)
		}
	}

	w.logger.Debug("Opening new client", "url", target)
	return w.clients.OpenWindow(ctx, target)
}
