// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package store implements the durable, per-session key/value storage and
// scheduled-alarm primitive that and build on. There is no
// Durable-Object runtime here, so DurableStore stands in for
// ctx.storage: a Redis-backed key/value space scoped to one session, plus
// a single scheduled-wake slot.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// ErrNotFound is returned by Get when the key has no stored value.
var ErrNotFound = errors.New("store: key not found")

// DurableStore is the per-session persistence primitive: a namespaced
// key/value space plus one scheduled alarm, both surviving process
// restarts for as long as Redis retains them.
type DurableStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context) error

	SetAlarm(ctx context.Context, at time.Time) error
	DeleteAlarm(ctx context.Context) error
	GetAlarm(ctx context.Context) (time.Time, bool, error)
}

// RedisConfig mirrors the connection knobs the Redis cache
// exposes.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient builds the shared *redis.Client every session's
// RedisDurableStore is scoped off of.
func NewRedisClient(cfg RedisConfig, logger commons.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}
	logger.Infow("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}

// RedisDurableStore is a DurableStore scoped to a single session id via a
// key prefix. Each key/value pair becomes a Redis hash field; the alarm
// is a separate string key holding a Unix-nano deadline so it can be
// read and cleared independently of the rest of the session's state.
type RedisDurableStore struct {
	client   *redis.Client
	logger   commons.Logger
	hashKey  string
	alarmKey string
}

// NewRedisDurableStore scopes client to sessionID.
func NewRedisDurableStore(client *redis.Client, sessionID string, logger commons.Logger) *RedisDurableStore {
	return &RedisDurableStore{
		client:   client,
		logger:   logger,
		hashKey:  "sessionbridge:" + sessionID + ":state",
		alarmKey: "sessionbridge:" + sessionID + ":alarm",
	}
}

func (s *RedisDurableStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.HSet(ctx, s.hashKey, key, value).Err(); err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	return nil
}

func (s *RedisDurableStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.HGet(ctx, s.hashKey, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %q: %w", key, err)
	}
	return val, nil
}

func (s *RedisDurableStore) Delete(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, s.hashKey, key).Err(); err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// DeleteAll drops the entire session state hash and its alarm, mirroring
// ctx.storage.deleteAll() on Destroy.
func (s *RedisDurableStore) DeleteAll(ctx context.Context) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.hashKey)
	pipe.Del(ctx, s.alarmKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: delete all: %w", err)
	}
	return nil
}

// SetAlarm schedules (or reschedules) the single wake deadline for this
// session. Only one alarm slot exists at a time: setting
// a new one replaces whatever was armed before.
func (s *RedisDurableStore) SetAlarm(ctx context.Context, at time.Time) error {
	if err := s.client.Set(ctx, s.alarmKey, at.UnixNano(), 0).Err(); err != nil {
		return fmt.Errorf("store: set alarm: %w", err)
	}
	return nil
}

func (s *RedisDurableStore) DeleteAlarm(ctx context.Context) error {
	if err := s.client.Del(ctx, s.alarmKey).Err(); err != nil {
		return fmt.Errorf("store: delete alarm: %w", err)
	}
	return nil
}

func (s *RedisDurableStore) GetAlarm(ctx context.Context) (time.Time, bool, error) {
	nanos, err := s.client.Get(ctx, s.alarmKey).Int64()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: get alarm: %w", err)
	}
	return time.Unix(0, nanos), true, nil
}
