// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package registry implements ClientRegistry: the set of accepted
// inbound client WebSockets, tagged with a typed attachment, enforcing
// the single-subscriber policy per role and fanning out messages to
// typed subsets.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// Role is a client's typed attachment, drawn from a closed set per
// SessionAdapter flavor.
type Role string

const (
	RoleSFUSubscriber    Role = "sfu-subscriber"
	RoleSFUAudio         Role = "sfu-audio"
	RoleSFUVideo         Role = "sfu-video"
	RoleTranscriptionOut Role = "transcription-stream"
	RoleViewer           Role = "viewer"
)

// singleSubscriber is the closed set of roles the registry enforces
// at-most-one-OPEN-socket for.
var singleSubscriber = map[Role]bool{
	RoleSFUSubscriber: true,
	RoleSFUAudio:      true,
	RoleSFUVideo:      true,
}

const (
	closeNormal      = 1000
	reasonSuperseded = "Superseded by newer subscriber"
)

// Conn is the subset of *websocket.Conn the registry needs, narrowed
// for testability.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Attachment is what a caller gets back from Accept: the stable
// identity the socket carries for the rest of its lifetime.
type Attachment struct {
	ID        string
	Role      Role
	CreatedAt time.Time
}

type client struct {
	Attachment
	conn Conn
	open bool
}

// Registry is the per-session set of accepted client sockets.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*client
	logger  commons.Logger

	// onDisconnect fires when Remove marks an OPEN socket closed (a
	// transport error seen by a read loop or a failed FanOut write).
	// Sockets closed through Close, CloseAll or a supersede in Accept
	// do not fire it. The SessionAdapter wires this to StateStore's
	// cleanup-deadline scheduling.
	onDisconnect func()
}

// New constructs an empty Registry.
func New(logger commons.Logger) *Registry {
	return &Registry{clients: make(map[string]*client), logger: logger}
}

// OnDisconnect registers the hook invoked when Remove marks an OPEN
// client socket closed.
func (r *Registry) OnDisconnect(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDisconnect = fn
}

// Accept registers a newly upgraded socket under role. If role is a
// single-subscriber role, any other currently-OPEN socket of that role
// is closed first with code 1000 and reason "Superseded by newer
// subscriber" 
func (r *Registry) Accept(role Role, conn Conn) Attachment {
	r.mu.Lock()
	if singleSubscriber[role] {
		for id, c := range r.clients {
			if c.Role == role && c.open {
				r.closeLocked(c, closeNormal, reasonSuperseded)
				delete(r.clients, id)
			}
		}
	}
	att := Attachment{ID: uuid.NewString(), Role: role, CreatedAt: time.Now()}
	r.clients[att.ID] = &client{Attachment: att, conn: conn, open: true}
	r.mu.Unlock()
	return att
}

// Remove marks id closed (idempotent) and fires the disconnect hook.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.clients[id]
	wasOpen := ok && c.open
	if ok {
		c.open = false
	}
	hook := r.onDisconnect
	r.mu.Unlock()
	if wasOpen && hook != nil {
		hook()
	}
}

// OpenCount reports how many sockets of role are currently OPEN.
func (r *Registry) OpenCount(role Role) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.clients {
		if c.Role == role && c.open {
			n++
		}
	}
	return n
}

// TotalOpenCount reports how many sockets of any role are currently
// OPEN — the reducer's cleanup/inactivity steps key off this.
func (r *Registry) TotalOpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.clients {
		if c.open {
			n++
		}
	}
	return n
}

// FanOut sends a message to every OPEN socket of role.
func (r *Registry) FanOut(role Role, messageType int, data []byte) {
	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.Role == role && c.open {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		if err := c.conn.WriteMessage(messageType, data); err != nil {
			r.logger.Warnw("fanout write failed, dropping client", "error", err, "role", role, "id", c.ID)
			r.Remove(c.ID)
		}
	}
}

// Close closes every OPEN socket of role with the given code/reason.
func (r *Registry) Close(role Role, code int, reason string) {
	r.mu.Lock()
	for id, c := range r.clients {
		if c.Role == role && c.open {
			r.closeLocked(c, code, reason)
			delete(r.clients, id)
		}
	}
	r.mu.Unlock()
}

// CloseAll closes every accepted socket regardless of role — used by
// Destroy.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	for id, c := range r.clients {
		if c.open {
			r.closeLocked(c, code, reason)
		}
		delete(r.clients, id)
	}
	r.mu.Unlock()
}

func (r *Registry) closeLocked(c *client, code int, reason string) {
	c.open = false
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(8 /* CloseMessage */, formatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}

// formatCloseMessage mirrors gorilla/websocket.FormatCloseMessage
// without importing it here, keeping this package's Conn interface
// transport-agnostic for tests.
func formatCloseMessage(code int, reason string) []byte {
	buf := make([]byte, 2+len(reason))
	buf[0] = byte(code >> 8)
	buf[1] = byte(code)
	copy(buf[2:], reason)
	return buf
}
