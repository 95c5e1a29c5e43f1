package headless

import (
	"context"
	"log/slog"
	"net/url"
	"sync"

	"github.com/tinywideclouds/go-push-bridge/internal/worker"
)

// Display records shown notifications and logs them.
type Display struct {
	mu     sync.Mutex
	shown  []worker.Notification
	logger *slog.Logger
}

func NewDisplay(logger *slog.Logger) *Display {
	return &Display{logger: logger.With("component", "HeadlessDisplay")}
}

func (d *Display) Show(_ context.Context, n worker.Notification) error {
	d.mu.Lock()
	d.shown = append(d.shown, n)
	d.mu.Unlock()
	d.logger.Info("Notification shown", "title", n.Title, "body", n.Body, "url", n.Data.URL)
	return nil
}

func (d *Display) Close(_ context.Context, n worker.Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.shown {
		if s == n {
			d.shown = append(d.shown[:i], d.shown[i+1:]...)
			break
		}
	}
	return nil
}

// Shown returns the notifications currently on screen.
func (d *Display) Shown() []worker.Notification {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]worker.Notification(nil), d.shown...)
}

// Windows tracks the open window clients of an origin.
type Windows struct {
	origin *url.URL

	mu      sync.Mutex
	windows []*Window
	focused *Window
}

func NewWindows(origin string) (*Windows, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}
	return &Windows{origin: u}, nil
}

type Window struct {
	owner *Windows
	url   string
}

func (w *Window) URL() string { return w.url }

func (w *Window) Focus(_ context.Context) error {
	w.owner.mu.Lock()
	w.owner.focused = w
	w.owner.mu.Unlock()
	return nil
}

func (ws *Windows) MatchAll(_ context.Context) ([]worker.WindowClient, error) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]worker.WindowClient, len(ws.windows))
	for i, w := range ws.windows {
		out[i] = w
	}
	return out, nil
}

// OpenWindow resolves target against the origin and focuses the new window.
func (ws *Windows) OpenWindow(_ context.Context, target string) error {
	ref, err := url.Parse(target)
	if err != nil {
		return err
	}
	w := &Window{owner: ws, url: ws.origin.ResolveReference(ref).String()}
	ws.mu.Lock()
	ws.windows = append(ws.windows, w)
	ws.focused = w
	ws.mu.Unlock()
	return nil
}

// Focused returns the url of the focused window, or "" when none is.
func (ws *Windows) Focused() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.focused == nil {
		return ""
	}
	return ws.focused.url
}
