// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/sessionbridge/internal/sfu"
	"github.com/rapidaai/sessionbridge/internal/store"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// ProviderConfig carries the AI-provider connection details a manager
// needs to construct TTS/STT adapters on demand.
type ProviderConfig struct {
	TTSWSBaseURL string
	STTWSBaseURL string
	Token        string
	TTSModel     string
	STTModel     string
	HTTPFallback HTTPFallback
}

// Manager lazily constructs and caches one adapter instance per session
// name per flavor, mirroring a single long-lived process standing in
// for what would otherwise be one durable-object instance per session.
type Manager struct {
	redis    *redis.Client
	sfu      *sfu.Client
	provider ProviderConfig
	logger   commons.Logger

	tts   *instanceSet[*TTSAdapter]
	stt   *instanceSet[*STTAdapter]
	video *instanceSet[*VideoAdapter]
}

// NewManager constructs a Manager. redisClient and sfuClient are shared
// across every session; provider carries the AI-provider endpoints.
func NewManager(redisClient *redis.Client, sfuClient *sfu.Client, provider ProviderConfig, logger commons.Logger) *Manager {
	return &Manager{
		redis:    redisClient,
		sfu:      sfuClient,
		provider: provider,
		logger:   logger,
		tts:      newInstanceSet[*TTSAdapter](),
		stt:      newInstanceSet[*STTAdapter](),
		video:    newInstanceSet[*VideoAdapter](),
	}
}

func (m *Manager) durableFor(sessionName string) store.DurableStore {
	return store.NewRedisDurableStore(m.redis, sessionName, m.logger)
}

// TTS returns the cached TTSAdapter for sessionName, constructing and
// restoring it on first use.
func (m *Manager) TTS(ctx context.Context, sessionName string) (*TTSAdapter, error) {
	return m.tts.getOrCreate(sessionName, func() (*TTSAdapter, error) {
		return NewTTSAdapter(ctx, sessionName, TTSDeps{
			Durable:      m.durableFor(sessionName),
			SFU:          m.sfu,
			AIWSBaseURL:  m.provider.TTSWSBaseURL,
			AIToken:      m.provider.Token,
			AIModel:      m.provider.TTSModel,
			HTTPFallback: m.provider.HTTPFallback,
			Logger:       m.logger,
		})
	})
}

// STT returns the cached STTAdapter for sessionName, constructing and
// restoring it on first use.
func (m *Manager) STT(ctx context.Context, sessionName string) (*STTAdapter, error) {
	return m.stt.getOrCreate(sessionName, func() (*STTAdapter, error) {
		return NewSTTAdapter(ctx, sessionName, STTDeps{
			Durable:     m.durableFor(sessionName),
			SFU:         m.sfu,
			AIWSBaseURL: m.provider.STTWSBaseURL,
			AIToken:     m.provider.Token,
			AIModel:     m.provider.STTModel,
			Logger:      m.logger,
		})
	})
}

// Video returns the cached VideoAdapter for sessionName, constructing
// and restoring it on first use.
func (m *Manager) Video(ctx context.Context, sessionName string) (*VideoAdapter, error) {
	return m.video.getOrCreate(sessionName, func() (*VideoAdapter, error) {
		return NewVideoAdapter(ctx, sessionName, VideoDeps{
			Durable: m.durableFor(sessionName),
			SFU:     m.sfu,
			Logger:  m.logger,
		})
	})
}

// RunAlarms polls every cached adapter instance once per tick and fires
// its reducer, standing in for the per-object alarm() wakeup a Durable
// Object would get from the runtime. It blocks until ctx is canceled.
func (m *Manager) RunAlarms(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, a := range m.tts.all() {
				if err := a.Fire(ctx, now); err != nil {
					m.logger.Warnw("tts alarm fire failed", "error", err)
				}
			}
			for _, a := range m.stt.all() {
				if err := a.Fire(ctx, now); err != nil {
					m.logger.Warnw("stt alarm fire failed", "error", err)
				}
			}
			for _, a := range m.video.all() {
				if err := a.Fire(ctx, now); err != nil {
					m.logger.Warnw("video alarm fire failed", "error", err)
				}
			}
		}
	}
}

// DestroyTTS evicts and tears down the TTSAdapter for sessionName. When
// none is cached, one is constructed and restored first, so its durable
// state is wiped as well.
func (m *Manager) DestroyTTS(ctx context.Context, sessionName string) error {
	a, err := m.TTS(ctx, sessionName)
	if err != nil {
		return err
	}
	m.tts.delete(sessionName)
	return a.Destroy(ctx)
}

// DestroySTT evicts and tears down the STTAdapter for sessionName. When
// none is cached, one is constructed and restored first, so its durable
// state is wiped as well.
func (m *Manager) DestroySTT(ctx context.Context, sessionName string) error {
	a, err := m.STT(ctx, sessionName)
	if err != nil {
		return err
	}
	m.stt.delete(sessionName)
	return a.Destroy(ctx)
}

// DestroyVideo evicts and tears down the VideoAdapter for sessionName.
// When none is cached, one is constructed and restored first, so its
// durable state is wiped as well.
func (m *Manager) DestroyVideo(ctx context.Context, sessionName string) error {
	a, err := m.Video(ctx, sessionName)
	if err != nil {
		return err
	}
	m.video.delete(sessionName)
	return a.Destroy(ctx)
}
