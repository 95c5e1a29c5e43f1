package main

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-bridge/internal/cable/actioncable"
	"github.com/tinywideclouds/go-push-bridge/internal/platform/headless"
	"github.com/tinywideclouds/go-push-bridge/internal/storage/cache"
	"github.com/tinywideclouds/go-push-bridge/internal/storage/memory"
	"github.com/tinywideclouds/go-push-bridge/internal/worker"
	"github.com/tinywideclouds/go-push-bridge/pkg/platform"
	"github.com/tinywideclouds/go-push-bridge/pushbridge"
	"github.com/tinywideclouds/go-push-bridge/pushbridge/config"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-bridge")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Storage (Decorated) ---
	var store platform.Storage = memory.NewStore()
	logger.Info("Storage initialized", "type", "memory")

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis storage...", "addr", cfg.Redis.Addr, "namespace", cfg.StorageNamespace)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		store = cache.NewCachedStorage(cache.NewRedisStore(redisClient, cfg.StorageNamespace, logger), cfg.Redis.CacheTTL)
		logger.Info("Storage upgraded", "type", "redis_cached")
	}

	// --- Headless Platform ---
	policy, err := headless.ParsePromptPolicy(cfg.PermissionPolicy)
	if err != nil {
		logger.Error("Invalid permission policy", "err", err)
		os.Exit(1)
	}
	notifications := headless.NewNotifications(policy)
	container := headless.NewContainer(notifications, store, cfg.PushBaseURL, logger)

	windows, err := headless.NewWindows(cfg.AppOrigin)
	if err != nil {
		logger.Error("Invalid app origin", "err", err)
		os.Exit(1)
	}
	serviceWorker := worker.New(headless.NewDisplay(logger), windows, logger)
	pushService := headless.NewPushService(store, serviceWorker, logger)

	// --- Cable ---
	cableURL, err := actioncable.CableURL(cfg.APIURL)
	if err != nil {
		logger.Error("Invalid api url", "err", err)
		os.Exit(1)
	}
	dialer := actioncable.NewDialer(actioncable.Config{URL: cableURL, Origin: cfg.AppOrigin}, logger)
	logger.Info("Cable configured", "url", cableURL)

	// --- Core & Service ---
	core, err := pushbridge.NewCore(cfg, pushbridge.Platform{
		Notifications: notifications,
		Workers:       container,
		Storage:       store,
	}, dialer, logger)
	if err != nil {
		logger.Error("Core creation failed", "err", err)
		os.Exit(1)
	}

	service, err := pushbridge.New(cfg, core, pushService, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting service...", "addr", cfg.ListenAddr)
		errCh <- service.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Service shutdown with error", "err", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", "err", err)
		os.Exit(1)
	}
}
