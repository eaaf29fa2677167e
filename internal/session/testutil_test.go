// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/sessionbridge/internal/sfu"
	"github.com/rapidaai/sessionbridge/internal/store"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   int32
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return nil
}

func (c *fakeConn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

func (c *fakeConn) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.messages...)
}

// fakeSFUServer serves the handful of SFU REST routes a SessionAdapter
// exercises, with canned responses good enough to drive the adapters'
// control flow without a real SFU. autoDiscoverKind controls what kind
// tracks/new reports back (audio or video).
func fakeSFUServer(t *testing.T, autoDiscoverKind string) *httptest.Server {
	t.Helper()
	var closed int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/new", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sfu.CreateSessionResult{SessionID: "sfu-session-1"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/tracks/new"):
			json.NewEncoder(w).Encode(sfu.AddTracksAutoDiscoverResult{
				Tracks: []sfu.DiscoveredTrack{{TrackName: "track-1", Kind: autoDiscoverKind}},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/websocket/push":
			json.NewEncoder(w).Encode(sfu.PushTrackFromWebSocketResult{SessionID: "sfu-session-1", AdapterID: "adapter-1"})
		case r.Method == http.MethodPost && r.URL.Path == "/websocket/pull":
			json.NewEncoder(w).Encode(sfu.PullTrackToWebSocketResult{AdapterID: "adapter-1"})
		case r.Method == http.MethodDelete && strings.Contains(r.URL.Path, "/websocket/"):
			if atomic.LoadInt32(&closed) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]any{
					"tracks": []map[string]string{{"errorCode": "adapter_not_found"}},
				})
				return
			}
			atomic.StoreInt32(&closed, 1)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return httptest.NewServer(mux)
}

// newTestDurableStore gives each test its own namespaced in-memory Redis
// instance via miniredis, matching the store package's own test helper.
func newTestDurableStore(t *testing.T, sessionName string) store.DurableStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return store.NewRedisDurableStore(client, sessionName, commons.NewNopLogger())
}
