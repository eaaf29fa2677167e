// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/sessionbridge/pkg/commons"
)

type recordingDispatcher struct {
	mu         sync.Mutex
	texts      [][]byte
	binaries   [][]byte
	closeCalls int
}

func (d *recordingDispatcher) HandleText(ctx context.Context, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts = append(d.texts, append([]byte(nil), data...))
}
func (d *recordingDispatcher) HandleBinary(ctx context.Context, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.binaries = append(d.binaries, append([]byte(nil), data...))
}
func (d *recordingDispatcher) HandleClose(ctx context.Context, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
}

func (d *recordingDispatcher) snapshot() (texts, binaries [][]byte, closes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.texts...), append([][]byte(nil), d.binaries...), d.closeCalls
}

// newEchoServer simulates an AI provider: it records the Authorization
// header it received and, for each inbound frame, sends a fixed
// response and optionally closes.
func newEchoServer(t *testing.T, gotAuth *string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotAuth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`))
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				conn.WriteMessage(websocket.BinaryMessage, data)
			}
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestLinkEnsureOpenDialsWithBearerAuth(t *testing.T) {
	var gotAuth string
	srv := newEchoServer(t, &gotAuth)
	defer srv.Close()

	disp := &recordingDispatcher{}
	l := New(wsURL(srv.URL), "secret-token", disp, commons.NewNopLogger())

	if !l.EnsureOpen(context.Background()) {
		t.Fatalf("expected link to become OPEN")
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
	if !l.IsOpen() {
		t.Errorf("expected IsOpen() true")
	}
}

func TestLinkSendBinaryRoundTrips(t *testing.T) {
	var gotAuth string
	srv := newEchoServer(t, &gotAuth)
	defer srv.Close()

	disp := &recordingDispatcher{}
	l := New(wsURL(srv.URL), "tok", disp, commons.NewNopLogger())
	if !l.EnsureOpen(context.Background()) {
		t.Fatalf("expected OPEN")
	}

	if err := l.SendBinary(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, binaries, _ := disp.snapshot()
		if len(binaries) > 0 {
			if binaries[0][0] != 1 {
				t.Errorf("unexpected echoed payload: %v", binaries[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected an echoed binary frame before deadline")
}

func TestLinkDispatchesTextFrames(t *testing.T) {
	var gotAuth string
	srv := newEchoServer(t, &gotAuth)
	defer srv.Close()

	disp := &recordingDispatcher{}
	l := New(wsURL(srv.URL), "tok", disp, commons.NewNopLogger())
	if !l.EnsureOpen(context.Background()) {
		t.Fatalf("expected OPEN")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		texts, _, _ := disp.snapshot()
		if len(texts) > 0 {
			if !IsFlushed(texts[0]) && string(texts[0]) != `{"type":"hello"}` {
				t.Errorf("unexpected text frame: %s", texts[0])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected a text frame before deadline")
}

func TestLinkCloseTransitionsToDisconnectedAndNotifiesDispatcher(t *testing.T) {
	var gotAuth string
	srv := newEchoServer(t, &gotAuth)
	defer srv.Close()

	disp := &recordingDispatcher{}
	l := New(wsURL(srv.URL), "tok", disp, commons.NewNopLogger())
	if !l.EnsureOpen(context.Background()) {
		t.Fatalf("expected OPEN")
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if l.IsOpen() {
		t.Errorf("expected link to be closed")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, closes := disp.snapshot(); closes > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, _, closes := disp.snapshot(); closes != 1 {
		t.Errorf("expected HandleClose exactly once, got %d", closes)
	}
}

func TestEncodeControlAndSpeakShapes(t *testing.T) {
	if got := string(EncodeControl("Finalize")); got != `{"type":"Finalize"}` {
		t.Errorf("unexpected control encoding: %s", got)
	}
	if got := string(EncodeSpeak("hi")); got != `{"type":"Speak","text":"hi"}` {
		t.Errorf("unexpected speak encoding: %s", got)
	}
	if !IsFlushed([]byte(`{"type":"Flushed"}`)) {
		t.Errorf("expected Flushed to be recognized")
	}
	if IsFlushed([]byte(`{"type":"Other"}`)) {
		t.Errorf("expected non-Flushed to be rejected")
	}
	if !FromFinalize([]byte(`{"from_finalize":true}`)) {
		t.Errorf("expected from_finalize true to be detected")
	}
}
