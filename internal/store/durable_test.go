// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/sessionbridge/pkg/commons"
)

func newTestStore(t *testing.T) *RedisDurableStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisDurableStore(client, "sess-1", commons.NewNopLogger())
}

func TestDurableStorePutGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Put(ctx, "role", []byte("tts")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "role")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "tts" {
		t.Errorf("got %q, want %q", got, "tts")
	}
}

func TestDurableStoreDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDurableStoreDeleteAllClearsAlarm(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.SetAlarm(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SetAlarm: %v", err)
	}

	if err := s.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}

	if _, err := s.Get(ctx, "k"); err != ErrNotFound {
		t.Errorf("expected state cleared, got %v", err)
	}
	if _, ok, err := s.GetAlarm(ctx); err != nil || ok {
		t.Errorf("expected alarm cleared, ok=%v err=%v", ok, err)
	}
}

func TestDurableStoreAlarmRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, ok, err := s.GetAlarm(ctx); err != nil || ok {
		t.Fatalf("expected no alarm initially, ok=%v err=%v", ok, err)
	}

	deadline := time.Now().Add(5 * time.Second).Round(0)
	if err := s.SetAlarm(ctx, deadline); err != nil {
		t.Fatalf("SetAlarm: %v", err)
	}
	got, ok, err := s.GetAlarm(ctx)
	if err != nil || !ok {
		t.Fatalf("GetAlarm: ok=%v err=%v", ok, err)
	}
	if !got.Equal(deadline) {
		t.Errorf("got %v, want %v", got, deadline)
	}

	if err := s.DeleteAlarm(ctx); err != nil {
		t.Fatalf("DeleteAlarm: %v", err)
	}
	if _, ok, err := s.GetAlarm(ctx); err != nil || ok {
		t.Errorf("expected alarm gone after delete, ok=%v err=%v", ok, err)
	}
}

// SetAlarm replaces any previously armed deadline: only one slot exists.
func TestDurableStoreAlarmReplaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := time.Now().Add(time.Second)
	second := time.Now().Add(time.Hour)

	if err := s.SetAlarm(ctx, first); err != nil {
		t.Fatalf("SetAlarm: %v", err)
	}
	if err := s.SetAlarm(ctx, second); err != nil {
		t.Fatalf("SetAlarm: %v", err)
	}
	got, ok, err := s.GetAlarm(ctx)
	if err != nil || !ok {
		t.Fatalf("GetAlarm: ok=%v err=%v", ok, err)
	}
	if !got.Equal(second) {
		t.Errorf("got %v, want %v (the later SetAlarm should win)", got, second)
	}
}
