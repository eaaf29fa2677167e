// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rapidaai/sessionbridge/internal/config"
	"github.com/rapidaai/sessionbridge/internal/httpapi"
	"github.com/rapidaai/sessionbridge/internal/session"
	"github.com/rapidaai/sessionbridge/internal/sfu"
	"github.com/rapidaai/sessionbridge/internal/store"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

const alarmTick = 250 * time.Millisecond

func main() {
	v, err := config.InitConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sessionbridge: failed to load config:", err)
		os.Exit(1)
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sessionbridge: invalid config:", err)
		os.Exit(1)
	}

	logger, err := commons.NewZapLogger(cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sessionbridge: failed to build logger:", err)
		os.Exit(1)
	}

	redisClient, err := store.NewRedisClient(store.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Fatalf("failed to connect to redis: %v", err)
	}

	sfuClient := sfu.New(cfg.SFUBaseURL, cfg.SFUAppID, cfg.SFUBearerToken, logger)

	manager := session.NewManager(redisClient, sfuClient, session.ProviderConfig{
		TTSWSBaseURL: "wss://agent.deepgram.com/v1/speak",
		STTWSBaseURL: "wss://agent.deepgram.com/v1/listen",
		Token:        cfg.AIProviderAPIToken,
		TTSModel:     cfg.TTSModel,
		STTModel:     cfg.STTModel,
	}, logger)

	server := httpapi.NewServer(manager, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go manager.RunAlarms(ctx, alarmTick)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: server.Router(),
	}

	go func() {
		logger.Infow("starting sessionbridge", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infow("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("graceful shutdown failed", "error", err)
	}
}
