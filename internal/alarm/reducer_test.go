// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package alarm

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/sessionbridge/internal/config"
	"github.com/rapidaai/sessionbridge/internal/store"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

type fakeActions struct {
	openClients        int
	cleanupCalls       int
	keepAliveCalls     int
	endOfStreamCalls   int
	reconnectCalls     int
	reconnectErr       error
	upstreamOpen       bool
}

func (f *fakeActions) OpenClientCount() int { return f.openClients }
func (f *fakeActions) CleanupLastClient(ctx context.Context) error {
	f.cleanupCalls++
	return nil
}
func (f *fakeActions) UpstreamOpen() bool { return f.upstreamOpen }
func (f *fakeActions) SendKeepAlive(ctx context.Context) error {
	f.keepAliveCalls++
	return nil
}
func (f *fakeActions) RequestEndOfStreamForInactivity(ctx context.Context) error {
	f.endOfStreamCalls++
	return nil
}
func (f *fakeActions) AttemptReconnect(ctx context.Context) error {
	f.reconnectCalls++
	return f.reconnectErr
}

func newTestReducer(t *testing.T) (*Reducer, *store.Store, *fakeActions) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	durable := store.NewRedisDurableStore(client, "sess-1", commons.NewNopLogger())
	s := store.New(durable, "sess-1", commons.NewNopLogger())
	if err := s.Restore(context.Background()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	actions := &fakeActions{}
	return New(s, actions, commons.NewNopLogger()), s, actions
}

func TestReducerCleanupRunsOnlyWhenNoOpenClients(t *testing.T) {
	ctx := context.Background()
	r, s, actions := newTestReducer(t)

	past := time.Now().Add(-time.Second)
	if err := s.Update(ctx, store.Partial{CleanupDeadline: &past}, true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	actions.openClients = 1
	if err := r.Fire(ctx, time.Now()); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if actions.cleanupCalls != 0 {
		t.Errorf("expected no cleanup with an open client, got %d calls", actions.cleanupCalls)
	}
	if s.Snapshot().CleanupDeadline != nil {
		t.Errorf("expected cleanupDeadline cleared regardless of outcome")
	}
}

func TestReducerCleanupFiresWhenEmpty(t *testing.T) {
	ctx := context.Background()
	r, s, actions := newTestReducer(t)

	past := time.Now().Add(-time.Second)
	if err := s.Update(ctx, store.Partial{CleanupDeadline: &past}, true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	actions.openClients = 0
	if err := r.Fire(ctx, time.Now()); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if actions.cleanupCalls != 1 {
		t.Errorf("expected 1 cleanup call, got %d", actions.cleanupCalls)
	}
}

func TestReducerKeepAliveOnlyInPreForwardingWindow(t *testing.T) {
	ctx := context.Background()
	r, s, actions := newTestReducer(t)

	sessID := "upstream-sess"
	past := time.Now().Add(-time.Second)
	if err := s.Update(ctx, store.Partial{
		UpstreamSessionID: &sessID,
		KeepAliveDeadline: &past,
	}, true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	actions.upstreamOpen = true

	if err := r.Fire(ctx, time.Now()); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if actions.keepAliveCalls != 1 {
		t.Errorf("expected 1 keepalive call, got %d", actions.keepAliveCalls)
	}
	got := s.Snapshot().KeepAliveDeadline
	if got == nil {
		t.Fatalf("expected a fresh keepAliveDeadline scheduled")
	}
	if got.Sub(time.Now()) > config.KeepAliveInterval || got.Before(time.Now()) {
		t.Errorf("expected next keepalive roughly %v out, got %v", config.KeepAliveInterval, got.Sub(time.Now()))
	}
}

func TestReducerKeepAliveSkippedOnceForwardingStarted(t *testing.T) {
	ctx := context.Background()
	r, s, actions := newTestReducer(t)

	sessID := "upstream-sess"
	adapterID := "adapter-1"
	past := time.Now().Add(-time.Second)
	if err := s.Update(ctx, store.Partial{
		UpstreamSessionID: &sessID,
		UpstreamAdapterID: &adapterID,
		KeepAliveDeadline: &past,
	}, true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	actions.upstreamOpen = true

	if err := r.Fire(ctx, time.Now()); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if actions.keepAliveCalls != 0 {
		t.Errorf("expected no keepalive once upstreamAdapterId is set, got %d", actions.keepAliveCalls)
	}
	if s.Snapshot().KeepAliveDeadline != nil {
		t.Errorf("expected keepAliveDeadline cleared once forwarding active")
	}
}

func TestReducerInactivityRequestsEndOfStreamWhenEmpty(t *testing.T) {
	ctx := context.Background()
	r, s, actions := newTestReducer(t)

	past := time.Now().Add(-time.Second)
	if err := s.Update(ctx, store.Partial{InactivityDeadline: &past}, true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	actions.openClients = 0
	if err := r.Fire(ctx, time.Now()); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if actions.endOfStreamCalls != 1 {
		t.Errorf("expected 1 end-of-stream call, got %d", actions.endOfStreamCalls)
	}
	if s.Snapshot().InactivityDeadline != nil {
		t.Errorf("expected inactivityDeadline cleared")
	}
}

func TestReducerReconnectSuccessClearsState(t *testing.T) {
	ctx := context.Background()
	r, s, actions := newTestReducer(t)

	past := time.Now().Add(-time.Second)
	allow := true
	attempts := 2
	if err := s.Update(ctx, store.Partial{
		ReconnectDeadline: &past,
		AllowReconnect:    &allow,
		ReconnectAttempts: &attempts,
	}, true); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := r.Fire(ctx, time.Now()); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if actions.reconnectCalls != 1 {
		t.Errorf("expected 1 reconnect attempt, got %d", actions.reconnectCalls)
	}
	got := s.Snapshot()
	if got.ReconnectDeadline != nil || got.ReconnectAttempts != 0 {
		t.Errorf("expected reconnect state cleared on success, got %+v", got)
	}
}

func TestReducerReconnectFailureSchedulesBackoff(t *testing.T) {
	ctx := context.Background()
	r, s, actions := newTestReducer(t)
	actions.reconnectErr = context.DeadlineExceeded

	past := time.Now().Add(-time.Second)
	allow := true
	if err := s.Update(ctx, store.Partial{
		ReconnectDeadline: &past,
		AllowReconnect:    &allow,
	}, true); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := r.Fire(ctx, time.Now()); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	got := s.Snapshot()
	if got.ReconnectAttempts != 1 {
		t.Errorf("expected reconnectAttempts incremented to 1, got %d", got.ReconnectAttempts)
	}
	if got.ReconnectDeadline == nil {
		t.Errorf("expected a new reconnectDeadline scheduled after failure")
	}
}

func TestReducerReconnectSkippedWhenNotAllowed(t *testing.T) {
	ctx := context.Background()
	r, s, actions := newTestReducer(t)

	past := time.Now().Add(-time.Second)
	if err := s.Update(ctx, store.Partial{ReconnectDeadline: &past}, true); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := r.Fire(ctx, time.Now()); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if actions.reconnectCalls != 0 {
		t.Errorf("expected no reconnect attempt when allowReconnect is false")
	}
}
