// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package session composes every other component into the three
// SessionAdapter flavors (TTS, STT, Video): endpoint handlers and
// state machines built on top of the StateStore, ClientRegistry,
// UpstreamMediaLink, SendQueue, AudioTranscoder, and PacketCodec.
package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rapidaai/sessionbridge/internal/codec"
	"github.com/rapidaai/sessionbridge/internal/config"
	"github.com/rapidaai/sessionbridge/internal/store"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// scheduleCleanup arms cleanupDeadline at now+100ms, idempotently: a
// fresh call never shortens an already-pending deadline.
func scheduleCleanup(ctx context.Context, st *store.Store) error {
	snap := st.Snapshot()
	candidate := time.Now().Add(config.CleanupGrace)
	if snap.CleanupDeadline != nil && candidate.Sub(*snap.CleanupDeadline) < config.ReconnectChurnGuard {
		return nil
	}
	return st.Update(ctx, store.Partial{CleanupDeadline: &candidate}, false)
}

// scheduleReconnectOnClose runs when the upstream link drops: it arms
// the first backoff attempt if reconnects are currently allowed.
func scheduleReconnectOnClose(ctx context.Context, st *store.Store, logger commons.Logger) {
	snap := st.Snapshot()
	if !snap.AllowReconnect {
		return
	}
	if _, err := st.ScheduleReconnectBackoff(ctx, time.Now()); err != nil {
		logger.Errorw("failed to schedule reconnect backoff", "error", err, "session", snap.SessionName)
	}
}

// binaryMessage mirrors gorilla/websocket.BinaryMessage without
// importing it here; registry.Conn deals in bare message-type ints so
// it stays transport-agnostic for tests.
const binaryMessage = 2

// seqCounter hands out monotonically increasing PacketCodec sequence
// numbers for one session's outbound stream.
type seqCounter struct{ n uint32 }

func (s *seqCounter) next() uint32 {
	return atomic.AddUint32(&s.n, 1) - 1
}

// chunkPackets splits buf into packets of at most maxChunk payload
// bytes each, using seq for sequencing, so large buffers fan out as
// /require ("in <=16 KiB chunks").
func chunkPackets(buf []byte, seq *seqCounter, maxChunk int) [][]byte {
	if len(buf) == 0 {
		return [][]byte{codec.Encode(codec.Packet{Sequence: seq.next()})}
	}
	var out [][]byte
	for offset := 0; offset < len(buf); offset += maxChunk {
		end := offset + maxChunk
		if end > len(buf) {
			end = len(buf)
		}
		out = append(out, codec.Encode(codec.Packet{Sequence: seq.next(), Payload: buf[offset:end]}))
	}
	return out
}

// instanceSet is a lazily-populated, concurrency-safe cache of
// per-session adapter instances, keyed by session name. Each flavor's
// manager wraps one of these.
type instanceSet[T any] struct {
	mu        chan struct{} // 1-buffered mutex, so getOrCreate can hold it across a fallible constructor
	instances map[string]T
}

func newInstanceSet[T any]() *instanceSet[T] {
	s := &instanceSet[T]{mu: make(chan struct{}, 1), instances: make(map[string]T)}
	s.mu <- struct{}{}
	return s
}

func (s *instanceSet[T]) getOrCreate(name string, create func() (T, error)) (T, error) {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()

	if v, ok := s.instances[name]; ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		var zero T
		return zero, err
	}
	s.instances[name] = v
	return v, nil
}

func (s *instanceSet[T]) delete(name string) {
	<-s.mu
	delete(s.instances, name)
	s.mu <- struct{}{}
}

// all returns a snapshot of every currently cached instance, used by the
// alarm poller to fire each session's reducer in turn.
func (s *instanceSet[T]) all() []T {
	<-s.mu
	out := make([]T, 0, len(s.instances))
	for _, v := range s.instances {
		out = append(out, v)
	}
	s.mu <- struct{}{}
	return out
}
