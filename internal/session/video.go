// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package session

import (
	"context"
	"sync"
	"time"

	"github.com/rapidaai/sessionbridge/internal/alarm"
	"github.com/rapidaai/sessionbridge/internal/apierr"
	"github.com/rapidaai/sessionbridge/internal/codec"
	"github.com/rapidaai/sessionbridge/internal/config"
	"github.com/rapidaai/sessionbridge/internal/registry"
	"github.com/rapidaai/sessionbridge/internal/sfu"
	"github.com/rapidaai/sessionbridge/internal/store"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// VideoDeps are the external collaborators a VideoAdapter needs.
type VideoDeps struct {
	Durable store.DurableStore
	SFU     *sfu.Client
	Logger  commons.Logger
}

// VideoAdapter is the SessionAdapter flavor that forwards a published
// camera track out to viewers as raw JPEG frames, with no AI-provider
// upstream of its own.
type VideoAdapter struct {
	mu sync.Mutex

	sessionName string
	store       *store.Store
	registry    *registry.Registry
	sfuClient   *sfu.Client
	reducer     *alarm.Reducer
	logger      commons.Logger

	lastFrame []byte
}

// NewVideoAdapter constructs and restores a VideoAdapter for
// sessionName.
func NewVideoAdapter(ctx context.Context, sessionName string, deps VideoDeps) (*VideoAdapter, error) {
	st := store.New(deps.Durable, sessionName, deps.Logger)
	if err := st.Restore(ctx); err != nil {
		return nil, err
	}
	a := &VideoAdapter{
		sessionName: sessionName,
		store:       st,
		registry:    registry.New(deps.Logger),
		sfuClient:   deps.SFU,
		logger:      deps.Logger,
	}
	a.reducer = alarm.New(st, a, deps.Logger)
	a.registry.OnDisconnect(func() {
		if err := scheduleCleanup(context.Background(), st); err != nil {
			deps.Logger.Errorw("failed to schedule cleanup", "error", err, "session", sessionName)
		}
	})
	return a, nil
}

// Connect handles POST /<sid>/video/connect: auto-discovers the
// caller's published camera track from sdp.
func (a *VideoAdapter) Connect(ctx context.Context, sdp any) (*sfu.AddTracksAutoDiscoverResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	result, err := a.sfuClient.AddTracksAutoDiscover(ctx, a.sessionName, sdp)
	if err != nil {
		return nil, err
	}
	videoTracks := sfu.TracksOfKind(result.Tracks, "video")
	if len(videoTracks) == 0 {
		return nil, apierr.BadPayload("no video track discovered in offer")
	}
	name := videoTracks[0].TrackName
	if err := a.store.Update(ctx, store.Partial{VideoTrackName: &name}, true); err != nil {
		return nil, apierr.Internal("failed to persist video track", err)
	}
	if a.registry.TotalOpenCount() == 0 {
		if err := a.store.ScheduleInactivity(ctx, time.Now(), config.DebugNoClientGrace); err != nil {
			return nil, apierr.Internal("failed to schedule inactivity", err)
		}
	}
	return result, nil
}

// StartForwarding handles POST /<sid>/video/start-forwarding: registers
// an SFU pull-to-websocket adapter for the camera track, with JPEG
// output, pointing back at our sfu-subscribe endpoint.
func (a *VideoAdapter) StartForwarding(ctx context.Context, sfuSubscribeEndpoint string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.store.Snapshot()
	if snap.VideoTrackName == nil {
		return apierr.Precondition("connect has not been called")
	}
	if snap.UpstreamAdapterID != nil {
		return nil // already forwarding: idempotent
	}

	result, err := a.sfuClient.PullTrackToWebSocket(ctx, a.sessionName, *snap.VideoTrackName, sfuSubscribeEndpoint, sfu.OutputCodecJPEG)
	if err != nil {
		return err
	}
	aid := result.AdapterID
	if err := a.store.Update(ctx, store.Partial{UpstreamAdapterID: &aid}, true); err != nil {
		return apierr.Internal("failed to persist forwarding state", err)
	}
	return a.store.DeleteKeys(ctx, []store.Field{store.FieldInactivityDeadline}, false)
}

// StopForwarding handles POST /<sid>/video/stop-forwarding, idempotent
// via the SFU's already-closed response.
func (a *VideoAdapter) StopForwarding(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.store.Snapshot()
	if snap.UpstreamAdapterID == nil {
		return nil
	}
	if err := a.sfuClient.CloseWebSocketAdapter(ctx, *snap.UpstreamAdapterID); err != nil {
		return err
	}
	a.registry.Close(registry.RoleSFUVideo, 1000, "Forwarding stopped")
	a.lastFrame = nil
	return a.store.DeleteKeys(ctx, []store.Field{store.FieldUpstreamAdapterID}, true)
}

// SFUSubscribe handles WS /<sid>/video/sfu-subscribe: accepts the SFU's
// pushed JPEG frames. The returned attachment ID lets the caller's
// read loop report the disconnect once it observes the socket close.
func (a *VideoAdapter) SFUSubscribe(ctx context.Context, conn registry.Conn) string {
	return a.registry.Accept(registry.RoleSFUVideo, conn).ID
}

// Viewer handles WS /<sid>/video/viewer: accepts a viewer and replays
// the last retained JPEG frame, if any, so a late joiner doesn't wait a
// full frame interval for its first picture. The returned attachment
// ID lets the caller's read loop report the disconnect.
func (a *VideoAdapter) Viewer(ctx context.Context, conn registry.Conn) string {
	a.mu.Lock()
	att := a.registry.Accept(registry.RoleViewer, conn)
	last := append([]byte(nil), a.lastFrame...)
	a.mu.Unlock()

	a.logger.Debugw("video viewer accepted", "session", a.sessionName, "id", att.ID)
	if last != nil {
		_ = conn.WriteMessage(binaryMessage, last)
	}
	return att.ID
}

// ClientDisconnected reports that the accepted socket identified by id
// has closed, letting the registry drop it from OpenCount/
// TotalOpenCount and fire the cleanup-deadline hook.
func (a *VideoAdapter) ClientDisconnected(id string) {
	a.registry.Remove(id)
}

// IngestSFUVideoFrame decodes one PacketCodec frame arriving over the
// sfu-subscribe socket, retains it as the late-joiner artifact, and
// fans the raw JPEG bytes out to every viewer.
func (a *VideoAdapter) IngestSFUVideoFrame(frame []byte) {
	pkt, err := codec.Decode(frame)
	if err != nil {
		a.logger.Warnw("dropping malformed sfu-video frame", "error", err, "session", a.sessionName)
		return
	}
	if len(pkt.Payload) == 0 {
		return
	}
	a.mu.Lock()
	a.lastFrame = pkt.Payload
	a.mu.Unlock()
	a.registry.FanOut(registry.RoleViewer, binaryMessage, pkt.Payload)
}

// Destroy implements the hard teardown shared by all variants.
func (a *VideoAdapter) Destroy(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.registry.CloseAll(1000, "Session destroyed")
	a.lastFrame = nil

	if err := a.store.Wipe(ctx); err != nil {
		return err
	}
	return a.store.Destroy(ctx)
}

// --- alarm.Actions ---

func (a *VideoAdapter) OpenClientCount() int {
	return a.registry.TotalOpenCount()
}

func (a *VideoAdapter) CleanupLastClient(ctx context.Context) error {
	return nil
}

func (a *VideoAdapter) UpstreamOpen() bool {
	return false // Video has no outbound AI-provider link
}

func (a *VideoAdapter) SendKeepAlive(ctx context.Context) error {
	return nil
}

func (a *VideoAdapter) RequestEndOfStreamForInactivity(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registry.CloseAll(1000, "Session inactive")
	a.lastFrame = nil
	return nil
}

func (a *VideoAdapter) AttemptReconnect(ctx context.Context) error {
	return nil // no upstream link to reconnect
}

// Fire runs one reducer pass.
func (a *VideoAdapter) Fire(ctx context.Context, now time.Time) error {
	return a.reducer.Fire(ctx, now)
}
