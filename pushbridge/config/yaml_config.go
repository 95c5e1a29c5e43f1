package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	CacheTTL string `yaml:"cache_ttl"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	PrivateKey      string `yaml:"private_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ListenAddr           string          `yaml:"listen_addr"`
	APIURL               string          `yaml:"api_url"`
	AppOrigin            string          `yaml:"app_origin"`
	ApplicationServerKey string          `yaml:"application_server_key"`
	PushBaseURL          string          `yaml:"push_base_url"`
	PermissionPolicy     string          `yaml:"permission_policy"`
	PrefersDark          bool            `yaml:"prefers_dark"`
	StorageNamespace     string          `yaml:"storage_namespace"`
	CorsConfig           YamlCorsConfig  `yaml:"cors"`
	RedisConfig          YamlRedisConfig `yaml:"redis"`
	VapidConfig          YamlVapidConfig `yaml:"vapid"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	var ttl time.Duration
	if baseCfg.RedisConfig.CacheTTL != "" {
		d, err := time.ParseDuration(baseCfg.RedisConfig.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis.cache_ttl: %w", err)
		}
		ttl = d
	}

	cfg := &Config{
		ListenAddr:           baseCfg.ListenAddr,
		APIURL:               baseCfg.APIURL,
		AppOrigin:            baseCfg.AppOrigin,
		ApplicationServerKey: baseCfg.ApplicationServerKey,
		PushBaseURL:          baseCfg.PushBaseURL,
		PermissionPolicy:     baseCfg.PermissionPolicy,
		PrefersDark:          baseCfg.PrefersDark,
		StorageNamespace:     baseCfg.StorageNamespace,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			CacheTTL: ttl,
		},
		Vapid: VapidConfig{
			PublicKey:       baseCfg.VapidConfig.PublicKey,
			PrivateKey:      baseCfg.VapidConfig.PrivateKey,
			SubscriberEmail: baseCfg.VapidConfig.SubscriberEmail,
		},
	}

	logger.Debug("YAML config mapping complete",
		"listen_addr", cfg.ListenAddr,
		"api_url", cfg.APIURL,
		"redis_enabled", cfg.Redis.Enabled,
	)

	return cfg, nil
}
