// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package session

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rapidaai/sessionbridge/internal/codec"
	"github.com/rapidaai/sessionbridge/internal/sfu"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

func newTestVideoAdapter(t *testing.T) (*VideoAdapter, *httptest.Server) {
	t.Helper()
	srv := fakeSFUServer(t, "video")
	durable := newTestDurableStore(t, "video-sess")
	client := sfu.New(srv.URL, "app-1", "token", commons.NewNopLogger())
	a, err := NewVideoAdapter(context.Background(), "video-sess", VideoDeps{
		Durable: durable,
		SFU:     client,
		Logger:  commons.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("NewVideoAdapter: %v", err)
	}
	return a, srv
}

func TestVideoConnectDiscoversTrack(t *testing.T) {
	a, srv := newTestVideoAdapter(t)
	defer srv.Close()

	result, err := a.Connect(context.Background(), map[string]any{"type": "offer"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(result.Tracks) != 1 || result.Tracks[0].TrackName != "track-1" {
		t.Fatalf("unexpected discovery result: %+v", result)
	}
	if got := a.store.Snapshot().VideoTrackName; got == nil || *got != "track-1" {
		t.Errorf("expected video track name persisted, got %v", got)
	}
}

func TestVideoStartForwardingIsIdempotent(t *testing.T) {
	a, srv := newTestVideoAdapter(t)
	defer srv.Close()
	ctx := context.Background()

	if _, err := a.Connect(ctx, map[string]any{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.StartForwarding(ctx, "http://callback/sfu-subscribe"); err != nil {
		t.Fatalf("first StartForwarding: %v", err)
	}
	if err := a.StartForwarding(ctx, "http://callback/sfu-subscribe"); err != nil {
		t.Errorf("expected idempotent success on second StartForwarding, got %v", err)
	}
}

func TestVideoStartForwardingRequiresConnectFirst(t *testing.T) {
	a, srv := newTestVideoAdapter(t)
	defer srv.Close()

	if err := a.StartForwarding(context.Background(), "http://callback/sfu-subscribe"); err == nil {
		t.Errorf("expected an error when connect has not been called")
	}
}

func TestVideoStopForwardingIsIdempotent(t *testing.T) {
	a, srv := newTestVideoAdapter(t)
	defer srv.Close()
	ctx := context.Background()

	if _, err := a.Connect(ctx, map[string]any{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.StartForwarding(ctx, "http://callback/sfu-subscribe"); err != nil {
		t.Fatalf("StartForwarding: %v", err)
	}
	if err := a.StopForwarding(ctx); err != nil {
		t.Fatalf("first StopForwarding: %v", err)
	}
	// Stopped already; UpstreamAdapterID was cleared, so a second call is
	// a pure no-op and never reaches the SFU's already-closed path.
	if err := a.StopForwarding(ctx); err != nil {
		t.Errorf("expected idempotent no-op on second StopForwarding, got %v", err)
	}
}

func TestVideoIngestFrameFansOutToViewersAndRetainsLastFrame(t *testing.T) {
	a, srv := newTestVideoAdapter(t)
	defer srv.Close()

	viewer := &fakeConn{}
	a.Viewer(context.Background(), viewer)
	if len(viewer.snapshot()) != 0 {
		t.Fatalf("expected no replay for a viewer joining with no retained frame")
	}

	frame := codec.Encode(codec.Packet{Sequence: 1, Payload: []byte("jpeg-bytes")})
	a.IngestSFUVideoFrame(frame)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(viewer.snapshot()) == 0 {
		time.Sleep(time.Millisecond)
	}
	msgs := viewer.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one fanned-out frame, got %d", len(msgs))
	}
	if string(msgs[0]) != "jpeg-bytes" {
		t.Errorf("unexpected payload: %s", msgs[0])
	}

	// A late joiner now replays the retained frame immediately.
	late := &fakeConn{}
	a.Viewer(context.Background(), late)
	lateMsgs := late.snapshot()
	if len(lateMsgs) != 1 {
		t.Fatalf("expected the late joiner to receive the retained frame")
	}
}

func TestVideoClientDisconnectedDropsOpenCount(t *testing.T) {
	a, srv := newTestVideoAdapter(t)
	defer srv.Close()

	viewer := &fakeConn{}
	id := a.Viewer(context.Background(), viewer)
	if a.OpenClientCount() != 1 {
		t.Fatalf("expected one open viewer, got %d", a.OpenClientCount())
	}

	a.ClientDisconnected(id)
	if a.OpenClientCount() != 0 {
		t.Errorf("expected OpenClientCount to drop to 0 after ClientDisconnected, got %d", a.OpenClientCount())
	}
}

func TestVideoDestroyWipesStoreAndClosesClients(t *testing.T) {
	a, srv := newTestVideoAdapter(t)
	defer srv.Close()

	viewer := &fakeConn{}
	a.Viewer(context.Background(), viewer)

	if err := a.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if atomic.LoadInt32(&viewer.closed) != 1 {
		t.Errorf("expected viewer socket closed on Destroy")
	}
	if got := a.store.Snapshot().VideoTrackName; got != nil {
		t.Errorf("expected state wiped, got %v", got)
	}
}
