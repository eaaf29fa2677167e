// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package config loads SessionBridge's environment configuration the way
// the integration-api does: a viper instance seeded with
// defaults, then validated into a typed struct.
package config

import (
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppConfig holds every environment-derived value this process needs.
// Compile-time protocol constants (timeouts, batch sizes) live next to
// the components they govern, not here — only deployment-varying values
// belong in AppConfig "Environment".
type AppConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`

	RedisAddr     string `mapstructure:"redis_addr" validate:"required"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	SFUBaseURL     string `mapstructure:"sfu_base_url" validate:"required"`
	SFUAppID       string `mapstructure:"sfu_app_id" validate:"required"`
	SFUBearerToken string `mapstructure:"sfu_bearer_token" validate:"required"`

	AIProviderAccountID string `mapstructure:"ai_provider_account_id" validate:"required"`
	AIProviderAPIToken  string `mapstructure:"ai_provider_api_token" validate:"required"`
	TTSModel            string `mapstructure:"tts_model" validate:"required"`
	STTModel            string `mapstructure:"stt_model" validate:"required"`
}

// InitConfig builds a viper instance seeded from the environment, using
// the same "__" nested-key delimiter convention as this project's
// integration-api config.
func InitConfig() (*viper.Viper, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("__"))
	v.AddConfigPath(".")
	v.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Printf("reading config from %s", path)
		v.SetConfigFile(path)
	}
	v.SetConfigType("env")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("sessionbridge: no .env file found, relying on environment variables")
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8787)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("SFU_BASE_URL", "")
	v.SetDefault("SFU_APP_ID", "")
	v.SetDefault("SFU_BEARER_TOKEN", "")

	v.SetDefault("AI_PROVIDER_ACCOUNT_ID", "")
	v.SetDefault("AI_PROVIDER_API_TOKEN", "")
	v.SetDefault("TTS_MODEL", "aura-asteria-en")
	v.SetDefault("STT_MODEL", "nova-2")
}

// GetApplicationConfig unmarshals and validates the final AppConfig.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Compile-time protocol constants "Timeouts" and .
const (
	DefaultInactivityTimeout = 10 * time.Minute
	CleanupGrace             = 100 * time.Millisecond
	KeepAliveInterval        = 5 * time.Second
	DebugNoClientGrace       = 30 * time.Second
	UpstreamOpenTimeout      = 10 * time.Second
	MaxReconnectAttempts     = 5
	ReconnectBaseDelay       = 1 * time.Second
	ReconnectMaxDelay        = 30 * time.Second
	ReconnectChurnGuard      = 250 * time.Millisecond
	InactivityChurnGuard     = 1 * time.Second

	MinBatchBytes      = 3200
	MaxBatchBytes      = 16000
	MaxQueueBytes      = 2 * 1024 * 1024
	MaxBatchesPerTurn  = 8
	MaxDrainSlice      = 10 * time.Millisecond
	MaxSubscriberChunk = 16 * 1024

	TranscriptionRingSize = 100
)
