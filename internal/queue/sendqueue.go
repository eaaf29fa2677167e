// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package queue implements the STT hot-path SendQueue: a bounded,
// ordered byte FIFO with a cooperative drain loop that batches into
// upstream-sized frames and interleaves Finalize/CloseStream control
// messages only once all preceding audio has shipped.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rapidaai/sessionbridge/internal/config"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// Upstream is the narrow surface the drain loop needs from the
// UpstreamMediaLink: ensure a connection before sending, and emit
// either a binary audio batch or a named control message.
type Upstream interface {
	// EnsureOpen attempts to (re)connect via the DedupedConnector and
	// reports whether the link is OPEN afterward.
	EnsureOpen(ctx context.Context) bool
	SendBinary(ctx context.Context, batch []byte) error
	SendControl(ctx context.Context, msgType string) error
}

// PendingFlags exposes the pendingFinalize/pendingClose AdapterState
// flags the drain loop gates its control-message step on. The queue
// itself does not own these flags — the STT adapter's StateStore does.
type PendingFlags interface {
	Pending() (finalize, close bool)
	ClearFinalize(ctx context.Context) error
	ClearClose(ctx context.Context) error
}

// SendQueue is a bounded FIFO of byte buffers with byte accounting,
// drop-oldest overflow, and single-flight drain exclusivity.
type SendQueue struct {
	mu          sync.Mutex
	entries     [][]byte
	queuedBytes int
	draining    bool
	wake        chan struct{}

	upstream Upstream
	flags    PendingFlags
	logger   commons.Logger
}

// New constructs a SendQueue bound to the given upstream and flag
// source. Run must be called once to start its drain worker.
func New(upstream Upstream, flags PendingFlags, logger commons.Logger) *SendQueue {
	return &SendQueue{
		wake:     make(chan struct{}, 1),
		upstream: upstream,
		flags:    flags,
		logger:   logger,
	}
}

// Run starts the drain worker; it exits when ctx is cancelled. Mirrors
// suggestion of "a dedicated worker task consuming a channel".
func (q *SendQueue) Run(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				q.drainTurn(ctx)
			}
		}
	}()
}

// QueuedBytes reports the current byte count (bounded by
// config.MaxQueueBytes at all times).
func (q *SendQueue) QueuedBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedBytes
}

// Enqueue appends buf to the tail, dropping from the head while over
// MAX_QUEUE_BYTES, then nudges the drain worker.
func (q *SendQueue) Enqueue(buf []byte) {
	q.mu.Lock()
	q.entries = append(q.entries, buf)
	q.queuedBytes += len(buf)
	for q.queuedBytes > config.MaxQueueBytes && len(q.entries) > 0 {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		q.queuedBytes -= len(dropped)
		q.logger.Warnw("send queue overflow, dropping oldest entry", "droppedBytes", len(dropped), "queuedBytes", q.queuedBytes)
	}
	q.mu.Unlock()
	q.Nudge()
}

// Nudge requests a drain turn without blocking; a pending signal is
// enough, so a full channel is treated as already-requested.
func (q *SendQueue) Nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drainTurn implements one pass of drain(). Re-entrance
// while a turn is already running is a no-op (the draining flag).
func (q *SendQueue) drainTurn(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	start := time.Now()
	batches := 0
	for {
		if !q.shouldContinueDraining() {
			break
		}
		if !q.upstream.EnsureOpen(ctx) {
			break
		}
		batch, ok := q.popBatch()
		if !ok {
			break
		}
		if err := q.upstream.SendBinary(ctx, batch); err != nil {
			q.logger.Errorw("send queue: upstream send failed", "error", err)
			break
		}
		batches++
		if batches >= config.MaxBatchesPerTurn || time.Since(start) >= config.MaxDrainSlice {
			q.Nudge()
			return
		}
	}

	q.drainControlMessages(ctx)

	if q.QueuedBytes() > 0 {
		q.Nudge()
	}
}

func (q *SendQueue) shouldContinueDraining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	finalize, closeFlag := q.flags.Pending()
	return q.queuedBytes >= config.MinBatchBytes || (q.queuedBytes > 0 && (finalize || closeFlag))
}

// popBatch pops from the head, accumulating until adding the next
// entry would exceed MAX_BATCH — but always ships at least one entry.
func (q *SendQueue) popBatch() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	var batch []byte
	n := 0
	for n < len(q.entries) {
		entry := q.entries[n]
		if len(batch) > 0 && len(batch)+len(entry) > config.MaxBatchBytes {
			break
		}
		batch = append(batch, entry...)
		n++
	}
	q.entries = q.entries[n:]
	q.queuedBytes -= len(batch)
	return batch, true
}

// drainControlMessages implements step 3 of drain(): once the queue is
// empty and upstream is OPEN, ship whichever control message is
// pending. Finalize keeps the upstream socket open; CloseStream does
// not.
func (q *SendQueue) drainControlMessages(ctx context.Context) {
	if q.QueuedBytes() != 0 {
		return
	}
	if !q.upstream.EnsureOpen(ctx) {
		return
	}
	finalize, closeFlag := q.flags.Pending()
	switch {
	case finalize:
		if err := q.upstream.SendControl(ctx, "Finalize"); err != nil {
			q.logger.Errorw("send queue: Finalize send failed", "error", err)
			return
		}
		if err := q.flags.ClearFinalize(ctx); err != nil {
			q.logger.Errorw("send queue: failed to clear pendingFinalize", "error", err)
		}
	case closeFlag:
		if err := q.upstream.SendControl(ctx, "CloseStream"); err != nil {
			q.logger.Errorw("send queue: CloseStream send failed", "error", err)
			return
		}
		if err := q.flags.ClearClose(ctx); err != nil {
			q.logger.Errorw("send queue: failed to clear pendingClose", "error", err)
		}
	}
}
