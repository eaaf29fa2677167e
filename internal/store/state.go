// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rapidaai/sessionbridge/internal/config"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// AdapterState is the single persisted record per session. Its
// deadline and identity fields are pointers so that "absent" and "zero
// value" remain distinguishable, matching the "closed set of field
// names, absence is semantically distinct from default" contract.
type AdapterState struct {
	SessionName            string `json:"sessionName"`
	AllowReconnect         bool   `json:"allowReconnect"`
	ReconnectAttempts      int    `json:"reconnectAttempts"`
	PendingFinalize        bool   `json:"pendingFinalize"`
	PendingClose           bool   `json:"pendingClose"`
	ClosingDueToInactivity bool   `json:"closingDueToInactivity"`

	ReconnectDeadline  *time.Time `json:"reconnectDeadline,omitempty"`
	InactivityDeadline *time.Time `json:"inactivityDeadline,omitempty"`
	CleanupDeadline    *time.Time `json:"cleanupDeadline,omitempty"`
	KeepAliveDeadline  *time.Time `json:"keepAliveDeadline,omitempty"`

	UpstreamSessionID *string `json:"upstreamSessionId,omitempty"`
	UpstreamAdapterID *string `json:"upstreamAdapterId,omitempty"`

	SelectedVoice  *string `json:"selectedVoice,omitempty"`  // TTS
	MicTrackName   *string `json:"micTrackName,omitempty"`   // STT
	SFUCallbackURL *string `json:"sfuCallbackUrl,omitempty"` // STT
	VideoTrackName *string `json:"videoTrackName,omitempty"` // Video
}

// Field names the deletable, pointer-typed members of AdapterState.
// DeleteKeys takes a set of these rather than using reflection, so the
// closed field set stays an explicit, reviewable list.
type Field string

const (
	FieldReconnectDeadline  Field = "reconnectDeadline"
	FieldInactivityDeadline Field = "inactivityDeadline"
	FieldCleanupDeadline    Field = "cleanupDeadline"
	FieldKeepAliveDeadline  Field = "keepAliveDeadline"
	FieldUpstreamSessionID  Field = "upstreamSessionId"
	FieldUpstreamAdapterID  Field = "upstreamAdapterId"
	FieldSelectedVoice      Field = "selectedVoice"
	FieldMicTrackName       Field = "micTrackName"
	FieldSFUCallbackURL     Field = "sfuCallbackUrl"
	FieldVideoTrackName     Field = "videoTrackName"
)

// Partial is a sparse update: a nil member means "leave unchanged", a
// non-nil member means "set to this value". Clearing a field back to
// absent goes through DeleteKeys instead, never through Partial.
type Partial struct {
	SessionName            *string
	AllowReconnect         *bool
	ReconnectAttempts      *int
	PendingFinalize        *bool
	PendingClose           *bool
	ClosingDueToInactivity *bool

	ReconnectDeadline  *time.Time
	InactivityDeadline *time.Time
	CleanupDeadline    *time.Time
	KeepAliveDeadline  *time.Time

	UpstreamSessionID *string
	UpstreamAdapterID *string

	SelectedVoice  *string
	MicTrackName   *string
	SFUCallbackURL *string
	VideoTrackName *string
}

const stateKey = "state"

// Store is the in-memory mirror of a session's AdapterState, backed by a
// DurableStore. It is the sole writer of the persisted record and the
// sole source of truth for the scheduled alarm: callers never call
// DurableStore.SetAlarm directly, only write deadline fields.
type Store struct {
	mu       sync.Mutex
	durable  DurableStore
	state    AdapterState
	restored bool
	logger   commons.Logger
}

// New constructs a Store. Callers must call Restore before any other
// method; the instance-level initialization gate is the
// caller's responsibility to enforce across concurrent handlers.
func New(durable DurableStore, sessionName string, logger commons.Logger) *Store {
	return &Store{
		durable: durable,
		state:   AdapterState{SessionName: sessionName},
		logger:  logger,
	}
}

// Restore loads the persisted record, if any, into the in-memory
// mirror. Safe to call exactly once; subsequent calls are no-ops.
func (s *Store) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restored {
		return nil
	}
	s.restored = true

	raw, err := s.durable.Get(ctx, stateKey)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var restored AdapterState
	if err := json.Unmarshal(raw, &restored); err != nil {
		s.logger.Errorw("failed to decode persisted state, starting fresh", "error", err, "session", s.state.SessionName)
		return nil
	}
	s.state = restored
	return nil
}

// Snapshot returns a copy of the current in-memory state, safe to read
// without holding the Store's lock.
func (s *Store) Snapshot() AdapterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update merges partial into the mirror, persists it, and — unless
// skipAlarmReschedule is set — recomputes the alarm from the resulting
// deadline fields.
func (s *Store) Update(ctx context.Context, partial Partial, skipAlarmReschedule bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(partial)
	return s.persistLocked(ctx, skipAlarmReschedule)
}

func (s *Store) applyLocked(p Partial) {
	if p.SessionName != nil {
		s.state.SessionName = *p.SessionName
	}
	if p.AllowReconnect != nil {
		s.state.AllowReconnect = *p.AllowReconnect
	}
	if p.ReconnectAttempts != nil {
		s.state.ReconnectAttempts = *p.ReconnectAttempts
	}
	if p.PendingFinalize != nil {
		s.state.PendingFinalize = *p.PendingFinalize
	}
	if p.PendingClose != nil {
		s.state.PendingClose = *p.PendingClose
	}
	if p.ClosingDueToInactivity != nil {
		s.state.ClosingDueToInactivity = *p.ClosingDueToInactivity
	}
	if p.ReconnectDeadline != nil {
		s.state.ReconnectDeadline = p.ReconnectDeadline
	}
	if p.InactivityDeadline != nil {
		s.state.InactivityDeadline = p.InactivityDeadline
	}
	if p.CleanupDeadline != nil {
		s.state.CleanupDeadline = p.CleanupDeadline
	}
	if p.KeepAliveDeadline != nil {
		s.state.KeepAliveDeadline = p.KeepAliveDeadline
	}
	if p.UpstreamSessionID != nil {
		s.state.UpstreamSessionID = p.UpstreamSessionID
	}
	if p.UpstreamAdapterID != nil {
		s.state.UpstreamAdapterID = p.UpstreamAdapterID
	}
	if p.SelectedVoice != nil {
		s.state.SelectedVoice = p.SelectedVoice
	}
	if p.MicTrackName != nil {
		s.state.MicTrackName = p.MicTrackName
	}
	if p.SFUCallbackURL != nil {
		s.state.SFUCallbackURL = p.SFUCallbackURL
	}
	if p.VideoTrackName != nil {
		s.state.VideoTrackName = p.VideoTrackName
	}
}

// DeleteKeys clears the named fields back to absent.
func (s *Store) DeleteKeys(ctx context.Context, keys []Field, skipAlarmReschedule bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		switch k {
		case FieldReconnectDeadline:
			s.state.ReconnectDeadline = nil
		case FieldInactivityDeadline:
			s.state.InactivityDeadline = nil
		case FieldCleanupDeadline:
			s.state.CleanupDeadline = nil
		case FieldKeepAliveDeadline:
			s.state.KeepAliveDeadline = nil
		case FieldUpstreamSessionID:
			s.state.UpstreamSessionID = nil
		case FieldUpstreamAdapterID:
			s.state.UpstreamAdapterID = nil
		case FieldSelectedVoice:
			s.state.SelectedVoice = nil
		case FieldMicTrackName:
			s.state.MicTrackName = nil
		case FieldSFUCallbackURL:
			s.state.SFUCallbackURL = nil
		case FieldVideoTrackName:
			s.state.VideoTrackName = nil
		}
	}
	return s.persistLocked(ctx, skipAlarmReschedule)
}

// Destroy drops the entire persisted record and its alarm, mirroring
// ctx.storage.deleteAll(). Callers should call Wipe first
// if they also need the in-memory mirror cleared for further use within
// the same process.
func (s *Store) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durable.DeleteAll(ctx)
}

// Wipe clears every deadline and session-identity field in one call and
// always skips the alarm reschedule — the caller (Destroy) deletes the
// alarm outright afterward instead.
func (s *Store) Wipe(ctx context.Context) error {
	return s.DeleteKeys(ctx, []Field{
		FieldReconnectDeadline, FieldInactivityDeadline, FieldCleanupDeadline, FieldKeepAliveDeadline,
		FieldUpstreamSessionID, FieldUpstreamAdapterID,
		FieldSelectedVoice, FieldMicTrackName, FieldSFUCallbackURL, FieldVideoTrackName,
	}, true)
}

func (s *Store) persistLocked(ctx context.Context, skipAlarmReschedule bool) error {
	raw, err := json.Marshal(s.state)
	if err != nil {
		return err
	}
	if err := s.durable.Put(ctx, stateKey, raw); err != nil {
		return err
	}
	if skipAlarmReschedule {
		return nil
	}
	return s.rescheduleAlarmLocked(ctx)
}

// rescheduleAlarmLocked implements: the alarm equals the minimum of
// every currently-defined deadline field, or is absent when none are
// defined. This is the only call site that touches the DurableStore's
// alarm slot.
func (s *Store) rescheduleAlarmLocked(ctx context.Context) error {
	var min *time.Time
	for _, d := range []*time.Time{s.state.ReconnectDeadline, s.state.InactivityDeadline, s.state.CleanupDeadline, s.state.KeepAliveDeadline} {
		if d == nil {
			continue
		}
		if min == nil || d.Before(*min) {
			min = d
		}
	}
	if min == nil {
		return s.durable.DeleteAlarm(ctx)
	}
	return s.durable.SetAlarm(ctx, *min)
}

// ScheduleReconnectBackoff implements scheduleReconnect:
// delay is computed from the attempt count *before* incrementing it, so
// the first failure schedules 1s out, the second 2s, the third 4s,
// doubling up to a 30s cap. Returns scheduled=false once
// MAX_RECONNECT_ATTEMPTS has already been reached, in which case no
// further attempt is made.
func (s *Store) ScheduleReconnectBackoff(ctx context.Context, now time.Time) (scheduled bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A deadline at or before now has already fired: it holds no
	// pending attempt, so it neither blocks the next backoff nor
	// survives once the attempts are exhausted.
	if cur := s.state.ReconnectDeadline; cur != nil && !cur.After(now) {
		s.state.ReconnectDeadline = nil
	}
	if s.state.ReconnectAttempts >= config.MaxReconnectAttempts {
		return false, s.persistLocked(ctx, false)
	}
	delay := backoffDelay(s.state.ReconnectAttempts)
	candidate := now.Add(delay)
	s.state.ReconnectAttempts++

	// Churn guard: only replace an existing deadline if the new one is
	// meaningfully earlier; never let a late-arriving schedule push the
	// deadline further out than an earlier, still-pending one.
	if cur := s.state.ReconnectDeadline; cur == nil || cur.Sub(candidate) >= config.ReconnectChurnGuard {
		s.state.ReconnectDeadline = &candidate
	}
	if err := s.persistLocked(ctx, false); err != nil {
		return true, err
	}
	return true, nil
}

func backoffDelay(attempts int) time.Duration {
	ms := int64(1000) << uint(attempts)
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}

// ClearReconnectState resets reconnectAttempts to zero and clears
// reconnectDeadline, as happens on a successful (re)connect.
func (s *Store) ClearReconnectState(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ReconnectAttempts = 0
	s.state.ReconnectDeadline = nil
	return s.persistLocked(ctx, false)
}

// ScheduleInactivity implements : a later call never moves
// inactivityDeadline earlier, and adjustments within
// config.InactivityChurnGuard of the current deadline are suppressed
// entirely to avoid needless rewrites.
func (s *Store) ScheduleInactivity(ctx context.Context, now time.Time, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := now.Add(timeout)
	if cur := s.state.InactivityDeadline; cur != nil {
		if candidate.Sub(*cur) < config.InactivityChurnGuard {
			return nil
		}
	}
	s.state.InactivityDeadline = &candidate
	return s.persistLocked(ctx, false)
}
