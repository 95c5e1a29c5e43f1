package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ListenAddr string

	// APIURL is the backend the cable connects to (its /cable endpoint).
	APIURL string
	// AppOrigin is the origin the UI windows are served from.
	AppOrigin string

	// ApplicationServerKey is the public key subscriptions are made for.
	// Defaults to the VAPID public key.
	ApplicationServerKey string
	// PushBaseURL is the prefix of the endpoints handed out by the headless push service.
	PushBaseURL string

	PermissionPolicy string
	PrefersDark      bool
	StorageNamespace string

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Vapid      VapidConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("API_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "API_URL", "source", "env")
		cfg.APIURL = val
	}
	if val := os.Getenv("APP_ORIGIN"); val != "" {
		logger.Debug("Overriding config value", "key", "APP_ORIGIN", "source", "env")
		cfg.AppOrigin = val
	}
	if val := os.Getenv("APPLICATION_SERVER_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "APPLICATION_SERVER_KEY", "source", "env")
		cfg.ApplicationServerKey = val
	}
	if val := os.Getenv("PUSH_BASE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "PUSH_BASE_URL", "source", "env")
		cfg.PushBaseURL = val
	}
	if val := os.Getenv("PERMISSION_POLICY"); val != "" {
		logger.Debug("Overriding config value", "key", "PERMISSION_POLICY", "source", "env")
		cfg.PermissionPolicy = val
	}
	if val := os.Getenv("PREFERS_DARK"); val != "" {
		if dark, err := strconv.ParseBool(val); err == nil {
			cfg.PrefersDark = dark
		}
	}
	if val := os.Getenv("STORAGE_NAMESPACE"); val != "" {
		logger.Debug("Overriding config value", "key", "STORAGE_NAMESPACE", "source", "env")
		cfg.StorageNamespace = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// VAPID Overrides
	if val := os.Getenv("VAPID_PUBLIC_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PUBLIC_KEY", "source", "env")
		cfg.Vapid.PublicKey = val
	}
	if val := os.Getenv("VAPID_PRIVATE_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PRIVATE_KEY", "source", "env")
		cfg.Vapid.PrivateKey = val
	}
	if val := os.Getenv("VAPID_SUB_EMAIL"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_SUB_EMAIL", "source", "env")
		cfg.Vapid.SubscriberEmail = val
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.AppOrigin == "" {
		cfg.AppOrigin = "http://localhost" + cfg.ListenAddr
	}
	if cfg.PushBaseURL == "" {
		cfg.PushBaseURL = "http://localhost" + cfg.ListenAddr + "/api/v1/push"
	}
	if cfg.ApplicationServerKey == "" {
		cfg.ApplicationServerKey = cfg.Vapid.PublicKey
	}
	if cfg.PermissionPolicy == "" {
		cfg.PermissionPolicy = "grant"
	}
	if cfg.StorageNamespace == "" {
		cfg.StorageNamespace = "default"
	}
	if cfg.Redis.CacheTTL <= 0 {
		cfg.Redis.CacheTTL = 24 * time.Hour
	}

	// 3. Final Validation
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("api_url is required (set via YAML or API_URL env var)")
	}
	if u, err := url.Parse(cfg.APIURL); err != nil || u.Host == "" {
		return nil, fmt.Errorf("api_url %q is not an absolute url", cfg.APIURL)
	}
	if cfg.ApplicationServerKey == "" {
		return nil, fmt.Errorf("application_server_key is required (set via YAML, APPLICATION_SERVER_KEY or VAPID_PUBLIC_KEY)")
	}
	switch cfg.PermissionPolicy {
	case "grant", "deny", "dismiss":
	default:
		return nil, fmt.Errorf("permission_policy must be grant, deny or dismiss, got %q", cfg.PermissionPolicy)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
