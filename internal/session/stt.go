// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package session

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/sessionbridge/internal/alarm"
	"github.com/rapidaai/sessionbridge/internal/apierr"
	"github.com/rapidaai/sessionbridge/internal/audio"
	"github.com/rapidaai/sessionbridge/internal/codec"
	"github.com/rapidaai/sessionbridge/internal/config"
	"github.com/rapidaai/sessionbridge/internal/queue"
	"github.com/rapidaai/sessionbridge/internal/registry"
	"github.com/rapidaai/sessionbridge/internal/sfu"
	"github.com/rapidaai/sessionbridge/internal/store"
	"github.com/rapidaai/sessionbridge/internal/upstream"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// STTDeps are the external collaborators an STTAdapter needs.
type STTDeps struct {
	Durable     store.DurableStore
	SFU         *sfu.Client
	AIWSBaseURL string // e.g. wss://api.provider.example/v1/listen
	AIToken     string
	AIModel     string
	Logger      commons.Logger
}

// transcriptEntry is one ring-buffer slot replayed to a newly accepted
// transcription-stream socket.
type transcriptEntry struct {
	payload        []byte
	fromFinalize   bool
}

// STTAdapter is the SessionAdapter flavor that forwards a published mic
// track into a streaming speech-to-text upstream and fans out
// transcripts.
type STTAdapter struct {
	mu sync.Mutex

	sessionName string
	store       *store.Store
	registry    *registry.Registry
	sfuClient   *sfu.Client
	reducer     *alarm.Reducer
	transcoder  *audio.Transcoder
	sendQueue   *queue.SendQueue
	logger      commons.Logger

	deps STTDeps

	link *upstream.Link

	ring      []transcriptEntry
	ringStart int

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewSTTAdapter constructs and restores an STTAdapter for sessionName.
func NewSTTAdapter(ctx context.Context, sessionName string, deps STTDeps) (*STTAdapter, error) {
	st := store.New(deps.Durable, sessionName, deps.Logger)
	if err := st.Restore(ctx); err != nil {
		return nil, err
	}
	a := &STTAdapter{
		sessionName: sessionName,
		store:       st,
		registry:    registry.New(deps.Logger),
		sfuClient:   deps.SFU,
		transcoder:  audio.NewTranscoder(true, false, deps.Logger),
		logger:      deps.Logger,
		deps:        deps,
	}
	a.reducer = alarm.New(st, a, deps.Logger)
	a.link = upstream.New(sttUpstreamURL(deps.AIWSBaseURL, deps.AIModel), deps.AIToken, a, deps.Logger)
	a.sendQueue = queue.New(a.link, a, deps.Logger)
	a.link.OnStateChange(func(s upstream.State) {
		if s == upstream.Connected {
			a.sendQueue.Nudge()
		}
	})
	a.runCtx, a.runCancel = context.WithCancel(context.Background())
	a.sendQueue.Run(a.runCtx)

	a.registry.OnDisconnect(func() {
		if err := scheduleCleanup(context.Background(), st); err != nil {
			deps.Logger.Errorw("failed to schedule cleanup", "error", err, "session", sessionName)
		}
	})
	return a, nil
}

func sttUpstreamURL(base, model string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	if model != "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// --- queue.PendingFlags ---

func (a *STTAdapter) Pending() (finalize, closeFlag bool) {
	snap := a.store.Snapshot()
	return snap.PendingFinalize, snap.PendingClose
}

func (a *STTAdapter) ClearFinalize(ctx context.Context) error {
	f := false
	return a.store.Update(ctx, store.Partial{PendingFinalize: &f}, true)
}

func (a *STTAdapter) ClearClose(ctx context.Context) error {
	f := false
	return a.store.Update(ctx, store.Partial{PendingClose: &f}, true)
}

// Connect handles POST /<sid>/stt/connect: auto-discovers the caller's
// published mic track from sdp, pre-warms the upstream link, and starts
// keepalive/inactivity as appropriate while still in the
// pre-forwarding window.
func (a *STTAdapter) Connect(ctx context.Context, sdp any) (*sfu.AddTracksAutoDiscoverResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var result *sfu.AddTracksAutoDiscoverResult
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		result, err = a.sfuClient.AddTracksAutoDiscover(gctx, a.sessionName, sdp)
		return err
	})
	group.Go(func() error {
		a.link.EnsureOpen(gctx)
		return nil
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	audioTracks := sfu.TracksOfKind(result.Tracks, "audio")
	if len(audioTracks) == 0 {
		return nil, apierr.BadPayload("no audio track discovered in offer")
	}
	mic := audioTracks[0].TrackName

	allow := false
	sfuSession := a.sessionName
	if err := a.store.Update(ctx, store.Partial{UpstreamSessionID: &sfuSession, MicTrackName: &mic, AllowReconnect: &allow}, true); err != nil {
		return nil, apierr.Internal("failed to persist mic track", err)
	}

	next := time.Now().Add(config.KeepAliveInterval)
	if err := a.store.Update(ctx, store.Partial{KeepAliveDeadline: &next}, false); err != nil {
		return nil, apierr.Internal("failed to schedule keepalive", err)
	}
	if a.registry.TotalOpenCount() == 0 {
		if err := a.store.ScheduleInactivity(ctx, time.Now(), config.DebugNoClientGrace); err != nil {
			return nil, apierr.Internal("failed to schedule inactivity", err)
		}
	}
	return result, nil
}

// StartForwarding handles POST /<sid>/stt/start-forwarding: registers an
// SFU pull-to-websocket adapter for the mic track, pointing back at our
// sfu-subscribe endpoint, and transitions out of the pre-forwarding
// window.
func (a *STTAdapter) StartForwarding(ctx context.Context, sfuSubscribeEndpoint string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.store.Snapshot()
	if snap.MicTrackName == nil {
		return apierr.Precondition("connect has not been called")
	}
	if snap.UpstreamAdapterID != nil {
		return nil // already forwarding: idempotent
	}

	result, err := a.sfuClient.PullTrackToWebSocket(ctx, a.sessionName, *snap.MicTrackName, sfuSubscribeEndpoint, sfu.OutputCodecPCM)
	if err != nil {
		return err
	}
	aid := result.AdapterID
	allow := true
	if err := a.store.Update(ctx, store.Partial{UpstreamAdapterID: &aid, AllowReconnect: &allow}, true); err != nil {
		return apierr.Internal("failed to persist forwarding state", err)
	}
	if err := a.store.DeleteKeys(ctx, []store.Field{store.FieldKeepAliveDeadline, store.FieldInactivityDeadline}, false); err != nil {
		return apierr.Internal("failed to clear pre-forwarding deadlines", err)
	}
	return nil
}

// StopForwarding handles POST /<sid>/stt/stop-forwarding: idempotent via
// the SFU's already-closed response, re-enters the pre-forwarding
// window, and asks the send queue to Finalize once drained.
func (a *STTAdapter) StopForwarding(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.store.Snapshot()
	if snap.UpstreamAdapterID == nil {
		return nil
	}
	if err := a.sfuClient.CloseWebSocketAdapter(ctx, *snap.UpstreamAdapterID); err != nil {
		return err
	}

	finalize := true
	if err := a.store.Update(ctx, store.Partial{PendingFinalize: &finalize}, true); err != nil {
		return apierr.Internal("failed to arm pendingFinalize", err)
	}
	a.sendQueue.Nudge()

	if err := a.store.DeleteKeys(ctx, []store.Field{store.FieldUpstreamAdapterID}, true); err != nil {
		return apierr.Internal("failed to clear upstream adapter id", err)
	}
	next := time.Now().Add(config.KeepAliveInterval)
	return a.store.Update(ctx, store.Partial{KeepAliveDeadline: &next}, false)
}

// ReconnectUpstream handles POST /<sid>/stt/reconnect-upstream: a debug
// affordance that restarts the provider socket without touching
// pendingFinalize or the SFU adapter.
func (a *STTAdapter) ReconnectUpstream(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.link.Close()
	a.link.EnsureOpen(ctx)
	return nil
}

// SFUSubscribe handles WS /<sid>/stt/sfu-subscribe: accepts the SFU's
// pushed PCM audio under the sfu-audio role. The returned attachment
// ID lets the caller's read loop report the disconnect once it
// observes the socket close.
func (a *STTAdapter) SFUSubscribe(ctx context.Context, conn registry.Conn) string {
	return a.registry.Accept(registry.RoleSFUAudio, conn).ID
}

// TranscriptionStream handles WS /<sid>/stt/transcription-stream:
// accepts a viewer, replays the retained ring of transcripts, and
// cancels any pending idle-inactivity teardown. The returned
// attachment ID lets the caller's read loop report the disconnect.
func (a *STTAdapter) TranscriptionStream(ctx context.Context, conn registry.Conn) string {
	a.mu.Lock()
	att := a.registry.Accept(registry.RoleTranscriptionOut, conn)
	replay := append([]transcriptEntry(nil), a.ring...)
	a.mu.Unlock()

	if err := a.store.DeleteKeys(ctx, []store.Field{store.FieldInactivityDeadline}, false); err != nil {
		a.logger.Errorw("failed to clear inactivity on transcription-stream accept", "error", err, "session", a.sessionName)
	}
	a.logger.Debugw("transcription viewer accepted", "session", a.sessionName, "id", att.ID)

	for _, entry := range replay {
		if err := conn.WriteMessage(1 /* TextMessage */, entry.payload); err != nil {
			return att.ID
		}
	}
	return att.ID
}

// ClientDisconnected reports that the accepted socket identified by id
// has closed, letting the registry drop it from OpenCount/
// TotalOpenCount and fire the cleanup-deadline hook. Callers are the
// HTTP layer's per-socket read loops, invoked once ReadMessage returns
// an error.
func (a *STTAdapter) ClientDisconnected(id string) {
	a.registry.Remove(id)
}

// IngestSFUAudioFrame decodes incoming audio over the sfu-audio accept
// and enqueues it to the SendQueue after transcoding it to mono 16k. This is invoked from the HTTP layer's
// websocket read loop for the sfu-audio connection, not from the
// upstream link's own read loop (the flow of PCM runs inbound from the
// SFU, not from the AI provider).
func (a *STTAdapter) IngestSFUAudioFrame(frame []byte) {
	pkt, err := codec.Decode(frame)
	if err != nil {
		a.logger.Warnw("dropping malformed sfu-audio frame", "error", err, "session", a.sessionName)
		return
	}
	if len(pkt.Payload) == 0 {
		return
	}
	mono16k := a.transcoder.DownsampleMono48kTo16k(a.transcoder.StereoToMono(pkt.Payload))
	a.sendQueue.Enqueue(mono16k)
}

// HandleText implements upstream.Dispatcher: wraps the upstream
// transcript in the client-facing {type:"transcription", data,
// timestamp} envelope, rings and fans it out, then — when the
// transcript carries from_finalize — follows it with a
// {type:"segment_finalized", timestamp} message.
func (a *STTAdapter) HandleText(ctx context.Context, data []byte) {
	now := time.Now()
	entry := transcriptEntry{payload: encodeTranscription(data, now), fromFinalize: upstream.FromFinalize(data)}

	a.mu.Lock()
	a.ring = append(a.ring, entry)
	if len(a.ring) > config.TranscriptionRingSize {
		a.ring = a.ring[len(a.ring)-config.TranscriptionRingSize:]
	}
	a.mu.Unlock()

	a.registry.FanOut(registry.RoleTranscriptionOut, 1 /* TextMessage */, entry.payload)
	if entry.fromFinalize {
		a.registry.FanOut(registry.RoleTranscriptionOut, 1, encodeTimestamped("segment_finalized", now))
	}
}

// transcriptionEnvelope is the outbound shape every transcript is
// wrapped in for transcription-stream clients.
type transcriptionEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// timestampedEnvelope is the bare {type, timestamp} shape used for
// segment_finalized and stt_done.
type timestampedEnvelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func encodeTranscription(data []byte, at time.Time) []byte {
	b, _ := json.Marshal(transcriptionEnvelope{Type: "transcription", Data: json.RawMessage(data), Timestamp: at.UnixMilli()})
	return b
}

func encodeTimestamped(msgType string, at time.Time) []byte {
	b, _ := json.Marshal(timestampedEnvelope{Type: msgType, Timestamp: at.UnixMilli()})
	return b
}

// HandleBinary implements upstream.Dispatcher for frames arriving from
// the AI provider itself; the STT provider never sends binary frames,
// so this is a no-op retained only to satisfy the interface.
func (a *STTAdapter) HandleBinary(ctx context.Context, data []byte) {}

// HandleClose implements upstream.Dispatcher. When the link closed
// because RequestEndOfStreamForInactivity armed
// closingDueToInactivity, this finishes that teardown instead of
// scheduling a reconnect.
func (a *STTAdapter) HandleClose(ctx context.Context, err error) {
	if a.store.Snapshot().ClosingDueToInactivity {
		a.finishInactivityClose(ctx)
		return
	}
	scheduleReconnectOnClose(ctx, a.store, a.logger)
}

// finishInactivityClose re-checks occupancy, notifies every
// transcription-stream viewer that transcription has ended, closes
// those sockets with 1000 "Transcription complete", and clears
// closingDueToInactivity/allowReconnect so no reconnect is attempted
// for this now-deliberately-ended stream.
func (a *STTAdapter) finishInactivityClose(ctx context.Context) {
	now := time.Now()
	if a.OpenClientCount() == 0 {
		a.logger.Debugw("inactivity close completed with no clients connected", "session", a.sessionName)
	}
	a.registry.FanOut(registry.RoleTranscriptionOut, 1 /* TextMessage */, encodeTimestamped("stt_done", now))
	a.registry.Close(registry.RoleTranscriptionOut, 1000, "Transcription complete")

	allow := false
	closing := false
	if err := a.store.Update(ctx, store.Partial{AllowReconnect: &allow, ClosingDueToInactivity: &closing}, true); err != nil {
		a.logger.Errorw("failed to clear inactivity-close state", "error", err, "session", a.sessionName)
	}
}

// Destroy implements the hard teardown shared by all variants.
func (a *STTAdapter) Destroy(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.runCancel()
	_ = a.link.Close()
	a.registry.CloseAll(1000, "Session destroyed")
	a.ring = nil

	if err := a.store.Wipe(ctx); err != nil {
		return err
	}
	return a.store.Destroy(ctx)
}

// --- alarm.Actions ---

func (a *STTAdapter) OpenClientCount() int {
	return a.registry.TotalOpenCount()
}

func (a *STTAdapter) CleanupLastClient(ctx context.Context) error {
	return nil
}

func (a *STTAdapter) UpstreamOpen() bool {
	return a.link.IsOpen()
}

func (a *STTAdapter) SendKeepAlive(ctx context.Context) error {
	return a.link.SendControl(ctx, "KeepAlive")
}

// RequestEndOfStreamForInactivity arms pendingClose and
// closingDueToInactivity together and nudges the send queue so the
// drain loop emits CloseStream once the queue empties. Tagging the
// close as inactivity-driven lets HandleClose, once the upstream link
// actually drops, distinguish this teardown from an ordinary
// transport failure and notify transcription-stream viewers instead
// of scheduling a reconnect.
func (a *STTAdapter) RequestEndOfStreamForInactivity(ctx context.Context) error {
	closeFlag := true
	if err := a.store.Update(ctx, store.Partial{PendingClose: &closeFlag, ClosingDueToInactivity: &closeFlag}, true); err != nil {
		return err
	}
	a.sendQueue.Nudge()
	return nil
}

func (a *STTAdapter) AttemptReconnect(ctx context.Context) error {
	return a.link.Connect(ctx)
}

// Fire runs one reducer pass.
func (a *STTAdapter) Fire(ctx context.Context, now time.Time) error {
	return a.reducer.Fire(ctx, now)
}
