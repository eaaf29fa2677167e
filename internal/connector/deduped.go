// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package connector implements DedupedConnector: at most one in-flight
// outbound media-WS connection attempt per session, with every other
// caller awaiting the same attempt instead of racing a new one.
package connector

import (
	"context"
	"sync"
)

// attempt is the in-flight connect promise every concurrent caller
// awaits.
type attempt struct {
	done chan struct{}
	err  error
}

// DedupedConnector serializes upstream connection attempts for one
// session. Deliberately not backed by golang.org/x/sync/singleflight:
// the contract here also special-cases an already-OPEN socket as a
// fast path, which singleflight's Do doesn't model directly.
type DedupedConnector struct {
	mu       sync.Mutex
	inFlight *attempt
}

// New constructs an empty DedupedConnector.
func New() *DedupedConnector {
	return &DedupedConnector{}
}

// Connect returns immediately if isOpen reports the link is already
// OPEN. Otherwise it either awaits an attempt already in flight or
// starts connectFn itself, recording it as in flight for any caller
// that arrives while it runs. Failures propagate to every awaiter.
func (c *DedupedConnector) Connect(ctx context.Context, isOpen func() bool, connectFn func(context.Context) error) error {
	c.mu.Lock()
	if isOpen() {
		c.mu.Unlock()
		return nil
	}
	if in := c.inFlight; in != nil {
		c.mu.Unlock()
		select {
		case <-in.done:
			return in.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a := &attempt{done: make(chan struct{})}
	c.inFlight = a
	c.mu.Unlock()

	err := connectFn(ctx)

	c.mu.Lock()
	c.inFlight = nil
	c.mu.Unlock()

	a.err = err
	close(a.done)
	return err
}
