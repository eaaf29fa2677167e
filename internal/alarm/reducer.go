// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package alarm implements the single deadline-driven reducer every
// SessionAdapter variant arms against its StateStore: one handler fires
// at the next persisted instant, inspects whichever deadlines have
// expired, and advances the state machine.
package alarm

import (
	"context"
	"time"

	"github.com/rapidaai/sessionbridge/internal/config"
	"github.com/rapidaai/sessionbridge/internal/store"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// Actions is the variant-specific behavior the reducer drives. TTS,
// STT, and Video adapters each implement this against their own
// upstream link, client registry, and send queue; a flavor with no
// concept of one of these (e.g. Video has no keepalive) simply
// implements it as a no-op.
type Actions interface {
	// OpenClientCount reports how many accepted client sockets are
	// currently transport-OPEN.
	OpenClientCount() int
	// CleanupLastClient runs the flavor's last-client-disconnected
	// teardown. Only called when OpenClientCount() == 0.
	CleanupLastClient(ctx context.Context) error

	// UpstreamOpen reports whether the upstream media link is
	// currently Connected.
	UpstreamOpen() bool
	// SendKeepAlive sends a heartbeat on the upstream link.
	SendKeepAlive(ctx context.Context) error

	// RequestEndOfStreamForInactivity runs the flavor's idle teardown
	// (TTS: close upstream and disconnect all; STT: arm pendingClose
	// and drive drain; Video: close viewers).
	RequestEndOfStreamForInactivity(ctx context.Context) error

	// AttemptReconnect tries to (re)open the upstream link via the
	// DedupedConnector. A non-nil error means the attempt failed.
	AttemptReconnect(ctx context.Context) error
}

// Reducer is the alarm() entry point: idempotent across hibernation,
// performs at most one action per expired deadline per firing.
type Reducer struct {
	store   *store.Store
	actions Actions
	logger  commons.Logger
}

func New(s *store.Store, actions Actions, logger commons.Logger) *Reducer {
	return &Reducer{store: s, actions: actions, logger: logger}
}

// Fire runs one reducer pass at instant now. Order matters only
// between cleanup and inactivity: a last-client cleanup may itself
// schedule a fresh inactivity deadline, and that must survive this
// pass rather than being clobbered by a stale read.
func (r *Reducer) Fire(ctx context.Context, now time.Time) error {
	snap := r.store.Snapshot()

	if expired(snap.CleanupDeadline, now) {
		if r.actions.OpenClientCount() == 0 {
			if err := r.actions.CleanupLastClient(ctx); err != nil {
				r.logger.Errorw("cleanup action failed", "error", err, "session", snap.SessionName)
			}
		}
		if err := r.store.DeleteKeys(ctx, []store.Field{store.FieldCleanupDeadline}, false); err != nil {
			return err
		}
		snap = r.store.Snapshot()
	}

	if expired(snap.KeepAliveDeadline, now) {
		preForwarding := snap.UpstreamSessionID != nil && snap.UpstreamAdapterID == nil
		if preForwarding && r.actions.UpstreamOpen() {
			if err := r.actions.SendKeepAlive(ctx); err != nil {
				r.logger.Errorw("keepalive send failed", "error", err, "session", snap.SessionName)
			}
			next := now.Add(config.KeepAliveInterval)
			if err := r.store.Update(ctx, store.Partial{KeepAliveDeadline: &next}, false); err != nil {
				return err
			}
		} else {
			if err := r.store.DeleteKeys(ctx, []store.Field{store.FieldKeepAliveDeadline}, false); err != nil {
				return err
			}
		}
		snap = r.store.Snapshot()
	}

	if expired(snap.InactivityDeadline, now) {
		if r.actions.OpenClientCount() == 0 {
			if err := r.actions.RequestEndOfStreamForInactivity(ctx); err != nil {
				r.logger.Errorw("inactivity teardown failed", "error", err, "session", snap.SessionName)
			}
		}
		if err := r.store.DeleteKeys(ctx, []store.Field{store.FieldInactivityDeadline}, false); err != nil {
			return err
		}
		snap = r.store.Snapshot()
	}

	if expired(snap.ReconnectDeadline, now) && snap.AllowReconnect {
		if err := r.actions.AttemptReconnect(ctx); err != nil {
			r.logger.Warnw("reconnect attempt failed, scheduling backoff", "error", err, "session", snap.SessionName)
			if _, err := r.store.ScheduleReconnectBackoff(ctx, now); err != nil {
				return err
			}
		} else {
			if err := r.store.ClearReconnectState(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

func expired(deadline *time.Time, now time.Time) bool {
	return deadline != nil && !now.Before(*deadline)
}
