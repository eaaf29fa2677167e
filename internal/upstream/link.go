// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package upstream implements UpstreamMediaLink: the outbound
// WebSocket to the AI provider, its backoff reconnect, and dispatch of
// inbound frames to variant-specific adapter logic. The
// handshake and read-loop shape follow the cartesia/websocket
// executor clients; the connection dedup comes from
// internal/connector.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/sessionbridge/internal/config"
	"github.com/rapidaai/sessionbridge/internal/connector"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// State is the UpstreamLink lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

// Dispatcher routes inbound frames to variant-specific adapter logic.
// HandleClose is always invoked exactly once per connection, whether
// the close was a transport error or the provider's own close frame.
type Dispatcher interface {
	HandleText(ctx context.Context, data []byte)
	HandleBinary(ctx context.Context, data []byte)
	HandleClose(ctx context.Context, err error)
}

const readLimit = 4 << 20 // 4 MiB, generous for JSON transcripts/control frames

// Link manages one outbound WebSocket to an AI provider. At most one
// connect attempt is ever in flight, delegated to a DedupedConnector.
type Link struct {
	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	writeMu sync.Mutex

	url   string
	token string

	dialer     *websocket.Dialer
	dedup      *connector.DedupedConnector
	dispatcher Dispatcher
	logger     commons.Logger

	onStateChange func(State)
}

// New constructs a Link. url must already carry every query parameter
// the provider needs (encoding, sample rate, speaker, etc.) — the Link
// itself only adds the Authorization header, since the provider
// refuses secrets over the raw handshake query string.
func New(url, token string, dispatcher Dispatcher, logger commons.Logger) *Link {
	return &Link{
		url:        url,
		token:      token,
		dialer:     &websocket.Dialer{HandshakeTimeout: config.UpstreamOpenTimeout},
		dedup:      connector.New(),
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// OnStateChange registers a hook invoked after every state transition,
// used by the adapter to nudge its SendQueue once Connected.
func (l *Link) OnStateChange(fn func(State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStateChange = fn
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsOpen reports whether the link is Connected. Satisfies both
// queue.Upstream and alarm.Actions' UpstreamOpen expectations.
func (l *Link) IsOpen() bool {
	return l.State() == Connected
}

// EnsureOpen attempts to (re)connect via the DedupedConnector and
// reports whether the link is OPEN afterward. Satisfies
// queue.Upstream.
func (l *Link) EnsureOpen(ctx context.Context) bool {
	if err := l.dedup.Connect(ctx, l.IsOpen, l.openOnce); err != nil {
		l.logger.Warnw("upstream: connect attempt failed", "error", err)
	}
	return l.IsOpen()
}

// Connect runs the same deduplicated connect as EnsureOpen but returns
// the attempt's error instead of logging it; STTAdapter.AttemptReconnect
// uses it so the alarm reducer sees failures.
func (l *Link) Connect(ctx context.Context) error {
	return l.dedup.Connect(ctx, l.IsOpen, l.openOnce)
}

func (l *Link) openOnce(ctx context.Context) error {
	l.setState(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, config.UpstreamOpenTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.token)

	conn, _, err := l.dialer.DialContext(dialCtx, l.url, header)
	if err != nil {
		l.setState(Disconnected)
		return fmt.Errorf("upstream: dial failed: %w", err)
	}
	conn.SetReadLimit(readLimit)
	conn.SetPongHandler(func(string) error { return nil })

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.setState(Connected)

	go l.readLoop(conn)
	return nil
}

func (l *Link) setState(s State) {
	l.mu.Lock()
	l.state = s
	hook := l.onStateChange
	l.mu.Unlock()
	if hook != nil {
		hook(s)
	}
}

func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			l.mu.Lock()
			if l.conn == conn {
				l.conn = nil
			}
			l.mu.Unlock()
			l.setState(Disconnected)
			l.dispatcher.HandleClose(context.Background(), err)
			return
		}
		switch msgType {
		case websocket.TextMessage:
			l.dispatcher.HandleText(context.Background(), data)
		case websocket.BinaryMessage:
			l.dispatcher.HandleBinary(context.Background(), data)
		}
	}
}

var errNotConnected = errors.New("upstream: not connected")

// SendBinary writes a binary frame. Satisfies queue.Upstream.
func (l *Link) SendBinary(ctx context.Context, batch []byte) error {
	return l.write(websocket.BinaryMessage, batch)
}

// SendControl writes a `{"type": msgType}` control frame. Satisfies
// queue.Upstream (Finalize/CloseStream) and alarm.Actions
// (KeepAlive via STTAdapter.SendKeepAlive in internal/session).
func (l *Link) SendControl(ctx context.Context, msgType string) error {
	return l.write(websocket.TextMessage, EncodeControl(msgType))
}

// SendSpeak writes the TTS `{"type":"Speak","text":...}` request.
func (l *Link) SendSpeak(ctx context.Context, text string) error {
	return l.write(websocket.TextMessage, EncodeSpeak(text))
}

func (l *Link) write(messageType int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteMessage(messageType, data)
}

// Close performs an explicit teardown: the caller is responsible for
// disabling reconnects (allowReconnect=false) in the StateStore before
// or after calling this.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.state = Disconnected
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}
