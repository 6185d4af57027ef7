package config

import (
	"fmt"

	pkgconfig "homebase/pkg/config"
)

// Config 服务的完整配置（api 和 worker 共用）
type Config struct {
	Server   pkgconfig.ServerConfig   `yaml:"server"`
	DB       pkgconfig.DBConfig       `yaml:"db"`
	MQ       pkgconfig.MQConfig       `yaml:"mq"`
	Redis    pkgconfig.RedisConfig    `yaml:"redis"`
	JWT      pkgconfig.JWTConfig      `yaml:"jwt"`
	Delivery pkgconfig.DeliveryConfig `yaml:"delivery"`
	Otel     pkgconfig.OtelConfig     `yaml:"otel"`
}

// Load reads the layered yaml config for the current CONFIG_ENV and
// applies environment-variable overrides on top.
func Load(configDir string) (*Config, error) {
	env := pkgconfig.GetConfigEnv()
	merged, err := pkgconfig.LoadLayered(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config for env %s: %w", env, err)
	}

	var cfg Config
	if err := pkgconfig.DecodeInto(merged, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideJWTFromEnv(&cfg.JWT)
	pkgconfig.OverrideDeliveryFromEnv(&cfg.Delivery)

	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Delivery.MaxRetries == 0 {
		cfg.Delivery.MaxRetries = 5
	}
	if cfg.Delivery.ScanIntervalSec == 0 {
		cfg.Delivery.ScanIntervalSec = 10
	}
	if cfg.Delivery.BatchSize == 0 {
		cfg.Delivery.BatchSize = 100
	}

	return &cfg, nil
}
