// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/sessionbridge/internal/sfu"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// newFakeTTSProvider emulates the streaming TTS upstream: every Speak
// message gets one binary PCM frame echoed back, and Flush gets a
// Flushed acknowledgement.
func newFakeTTSProvider(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			switch {
			case strings.Contains(string(data), `"Speak"`):
				conn.WriteMessage(websocket.BinaryMessage, make([]byte, 480)) // 10ms @ 24kHz mono
			case strings.Contains(string(data), `"Flush"`):
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Flushed"}`))
			}
		}
	}))
}

func wsBaseURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newTestTTSAdapter(t *testing.T) (*TTSAdapter, *httptest.Server, *httptest.Server) {
	t.Helper()
	sfuSrv := fakeSFUServer(t, "audio")
	ttsSrv := newFakeTTSProvider(t)
	durable := newTestDurableStore(t, "tts-sess")
	client := sfu.New(sfuSrv.URL, "app-1", "token", commons.NewNopLogger())

	a, err := NewTTSAdapter(context.Background(), "tts-sess", TTSDeps{
		Durable:     durable,
		SFU:         client,
		AIWSBaseURL: wsBaseURL(ttsSrv.URL),
		AIToken:     "tok",
		AIModel:     "",
		Logger:      commons.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("NewTTSAdapter: %v", err)
	}
	return a, sfuSrv, ttsSrv
}

func TestTTSPublishRegistersSFUAdapter(t *testing.T) {
	a, sfuSrv, ttsSrv := newTestTTSAdapter(t)
	defer sfuSrv.Close()
	defer ttsSrv.Close()

	result, err := a.Publish(context.Background(), "voice-a", "http://callback/subscribe")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if result.AdapterID != "adapter-1" {
		t.Errorf("unexpected adapter id: %+v", result)
	}
	if got := a.store.Snapshot().SelectedVoice; got == nil || *got != "voice-a" {
		t.Errorf("expected voice persisted, got %v", got)
	}
}

func TestTTSPublishRejectsWhenAlreadyPublished(t *testing.T) {
	a, sfuSrv, ttsSrv := newTestTTSAdapter(t)
	defer sfuSrv.Close()
	defer ttsSrv.Close()
	ctx := context.Background()

	if _, err := a.Publish(ctx, "voice-a", "http://callback/subscribe"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := a.Publish(ctx, "voice-a", "http://callback/subscribe"); err == nil {
		t.Errorf("expected Conflict on a second Publish")
	}
}

func TestTTSGenerateStreamsAudioToSubscriber(t *testing.T) {
	a, sfuSrv, ttsSrv := newTestTTSAdapter(t)
	defer sfuSrv.Close()
	defer ttsSrv.Close()
	ctx := context.Background()

	if _, err := a.Publish(ctx, "voice-a", "http://callback/subscribe"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sub := &fakeConn{}
	a.Subscribe(ctx, sub)

	a.Generate(ctx, "hello world")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(sub.snapshot()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(sub.snapshot()) == 0 {
		t.Fatalf("expected at least one frame fanned out to the subscriber")
	}
}

func TestTTSUnpublishClearsPublishState(t *testing.T) {
	a, sfuSrv, ttsSrv := newTestTTSAdapter(t)
	defer sfuSrv.Close()
	defer ttsSrv.Close()
	ctx := context.Background()

	if _, err := a.Publish(ctx, "voice-a", "http://callback/subscribe"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := a.Unpublish(ctx); err != nil {
		t.Fatalf("Unpublish: %v", err)
	}
	if got := a.store.Snapshot().UpstreamAdapterID; got != nil {
		t.Errorf("expected upstream adapter id cleared, got %v", *got)
	}
	if err := a.Unpublish(ctx); err == nil {
		t.Errorf("expected Precondition error unpublishing twice")
	}
}

func TestTTSPlayerConnectRequiresPublishFirst(t *testing.T) {
	a, sfuSrv, ttsSrv := newTestTTSAdapter(t)
	defer sfuSrv.Close()
	defer ttsSrv.Close()

	if _, err := a.PlayerConnect(context.Background(), map[string]any{}); err == nil {
		t.Errorf("expected an error calling PlayerConnect before Publish")
	}
}

func TestTTSPlayerConnectPullsPublishedTrack(t *testing.T) {
	a, sfuSrv, ttsSrv := newTestTTSAdapter(t)
	defer sfuSrv.Close()
	defer ttsSrv.Close()
	ctx := context.Background()

	if _, err := a.Publish(ctx, "voice-a", "http://callback/subscribe"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	result, err := a.PlayerConnect(ctx, map[string]any{"type": "offer"})
	if err != nil {
		t.Fatalf("PlayerConnect: %v", err)
	}
	if result == nil {
		t.Fatalf("expected a non-nil pull result")
	}
}

func TestTTSClientDisconnectedDropsOpenCount(t *testing.T) {
	a, sfuSrv, ttsSrv := newTestTTSAdapter(t)
	defer sfuSrv.Close()
	defer ttsSrv.Close()
	ctx := context.Background()

	if _, err := a.Publish(ctx, "voice-a", "http://callback/subscribe"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	sub := &fakeConn{}
	id := a.Subscribe(ctx, sub)
	if a.OpenClientCount() != 1 {
		t.Fatalf("expected one open subscriber, got %d", a.OpenClientCount())
	}

	a.ClientDisconnected(id)
	if a.OpenClientCount() != 0 {
		t.Errorf("expected OpenClientCount to drop to 0 after ClientDisconnected, got %d", a.OpenClientCount())
	}
}

func TestTTSDestroyClosesSubscribersAndWipesState(t *testing.T) {
	a, sfuSrv, ttsSrv := newTestTTSAdapter(t)
	defer sfuSrv.Close()
	defer ttsSrv.Close()
	ctx := context.Background()

	if _, err := a.Publish(ctx, "voice-a", "http://callback/subscribe"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	sub := &fakeConn{}
	a.Subscribe(ctx, sub)

	if err := a.Destroy(ctx); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if atomic.LoadInt32(&sub.closed) != 1 {
		t.Errorf("expected subscriber socket closed on Destroy")
	}
	if got := a.store.Snapshot().SelectedVoice; got != nil {
		t.Errorf("expected state wiped, got %v", *got)
	}
}
