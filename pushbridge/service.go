// Package pushbridge assembles the push bridge: the core state machines behind
// the port bridge, served to the UI over HTTP.
package pushbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-bridge/internal/api"
	"github.com/tinywideclouds/go-push-bridge/pushbridge/config"
)

type Wrapper struct {
	*microservice.BaseServer
	core   *Core
	logger *slog.Logger
}

// New assembles the service. deliverer receives messages posted to the local
// push endpoints and may be nil when subscriptions point at a real push service.
func New(
	cfg *config.Config,
	core *Core,
	deliverer api.Deliverer,
	logger *slog.Logger,
) (*Wrapper, error) {
	if core == nil {
		return nil, fmt.Errorf("core is required")
	}

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. APIs
	flagsAPI := api.NewFlagsAPI(core, logger)
	portsAPI := api.NewPortsAPI(core.Bridge(), cfg.CorsConfig.AllowedOrigins, logger)

	// Register Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	mux.Handle("GET /api/v1/flags", corsMiddleware(http.HandlerFunc(flagsAPI.GetFlags)))

	// The websocket upgrade checks the origin itself.
	mux.HandleFunc("GET /api/v1/ports", portsAPI.Serve)

	if deliverer != nil {
		pushAPI := api.NewPushAPI(deliverer, logger)
		mux.HandleFunc("POST /api/v1/push/{id}", pushAPI.Receive)
	}

	// Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Just returns 200 OK with CORS headers handled by middleware
	})))

	return &Wrapper{
		BaseServer: baseServer,
		core:       core,
		logger:     logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core starting...")
	if err := w.core.Start(ctx); err != nil {
		return fmt.Errorf("failed to start core: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	w.core.Stop()
	var finalErr error
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
