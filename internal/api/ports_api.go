package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tinywideclouds/go-push-bridge/internal/ports"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type Bridge interface {
	Dispatch(ctx context.Context, cmd ports.Command) error
	Attach() (<-chan ports.Event, func())
}

// PortsAPI carries port traffic over a websocket: the UI writes commands and
// receives every event the bridge sends while it is attached.
type PortsAPI struct {
	Bridge   Bridge
	Logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewPortsAPI accepts sockets from allowedOrigins, or only from the serving
// host when the list is empty.
func NewPortsAPI(bridge Bridge, allowedOrigins []string, logger *slog.Logger) *PortsAPI {
	api := &PortsAPI{
		Bridge: bridge,
		Logger: logger,
	}
	api.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(allowedOrigins) > 0 {
		api.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, origin)
		}
	}
	return api
}

func (api *PortsAPI) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		api.Logger.Warn("Serve: websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, detach := api.Bridge.Attach()
	api.Logger.Info("Serve: UI attached", "remote", r.RemoteAddr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		api.writeLoop(conn, events)
	}()

	api.readLoop(r.Context(), conn)

	detach()
	wg.Wait()
	api.Logger.Info("Serve: UI detached", "remote", r.RemoteAddr)
}

func (api *PortsAPI) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var cmd ports.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				api.Logger.Warn("readLoop: invalid command frame", "err", err)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				api.Logger.Warn("readLoop: socket closed", "err", err)
			}
			return
		}
		if err := api.Bridge.Dispatch(ctx, cmd); err != nil {
			api.Logger.Warn("readLoop: command failed", "port", cmd.Name, "err", err)
		}
	}
}

func (api *PortsAPI) writeLoop(conn *websocket.Conn, events <-chan ports.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Detached, or evicted for falling behind. Closing unblocks readLoop.
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				api.Logger.Warn("writeLoop: write failed", "port", ev.Name, "err", err)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
