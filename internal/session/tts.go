// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package session

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rapidaai/sessionbridge/internal/alarm"
	"github.com/rapidaai/sessionbridge/internal/apierr"
	"github.com/rapidaai/sessionbridge/internal/audio"
	"github.com/rapidaai/sessionbridge/internal/config"
	"github.com/rapidaai/sessionbridge/internal/registry"
	"github.com/rapidaai/sessionbridge/internal/sfu"
	"github.com/rapidaai/sessionbridge/internal/store"
	"github.com/rapidaai/sessionbridge/internal/upstream"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// HTTPFallback produces a complete PCM16 24kHz mono buffer for text,
// used when the streaming upstream is unavailable. Its shape — a
// one-shot HTTP call rather than a WebSocket — is deliberately left
// external to this package: the provider's REST TTS surface is out of
// scope, only its presence as a fallback is.
type HTTPFallback func(ctx context.Context, text string) ([]byte, error)

// TTSDeps are the external collaborators a TTSAdapter needs.
type TTSDeps struct {
	Durable      store.DurableStore
	SFU          *sfu.Client
	AIWSBaseURL  string // e.g. wss://api.provider.example/v1/speak
	AIToken      string
	AIModel      string
	HTTPFallback HTTPFallback
	Logger       commons.Logger
}

// TTSAdapter is the SessionAdapter flavor that publishes a synthesized
// audio track into the SFU.
type TTSAdapter struct {
	mu sync.Mutex // single-threaded cooperative handling per session

	sessionName string
	store       *store.Store
	registry    *registry.Registry
	sfuClient   *sfu.Client
	reducer     *alarm.Reducer
	transcoder  *audio.Transcoder
	logger      commons.Logger

	deps TTSDeps

	link       *upstream.Link
	linkVoice  string
	seq        seqCounter
	streamBuf  []byte // accumulates the in-flight finalized run
	lateJoiner []byte // last fully finalized stereo 48k buffer
}

// NewTTSAdapter constructs and restores a TTSAdapter for sessionName.
func NewTTSAdapter(ctx context.Context, sessionName string, deps TTSDeps) (*TTSAdapter, error) {
	st := store.New(deps.Durable, sessionName, deps.Logger)
	if err := st.Restore(ctx); err != nil {
		return nil, err
	}
	a := &TTSAdapter{
		sessionName: sessionName,
		store:       st,
		registry:    registry.New(deps.Logger),
		sfuClient:   deps.SFU,
		transcoder:  audio.NewTranscoder(false, true, deps.Logger),
		logger:      deps.Logger,
		deps:        deps,
	}
	a.reducer = alarm.New(st, a, deps.Logger)
	a.registry.OnDisconnect(func() {
		if err := scheduleCleanup(context.Background(), st); err != nil {
			deps.Logger.Errorw("failed to schedule cleanup", "error", err, "session", sessionName)
		}
	})
	return a, nil
}

func (a *TTSAdapter) ensureLink(voice string) *upstream.Link {
	if a.link != nil && a.linkVoice == voice {
		return a.link
	}
	if a.link != nil {
		_ = a.link.Close()
	}
	a.linkVoice = voice
	a.link = upstream.New(ttsUpstreamURL(a.deps.AIWSBaseURL, a.deps.AIModel, voice), a.deps.AIToken, a, a.logger)
	return a.link
}

func ttsUpstreamURL(base, model, voice string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("speaker", voice)
	q.Set("container", "none")
	if model != "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// PlayerConnect handles POST /<sid>/connect: a player wants to pull the
// published TTS track directly from the SFU (bypassing our own
// /subscribe WebSocket). A fresh SFU session is created for the player
// and the published track is pulled into it.
func (a *TTSAdapter) PlayerConnect(ctx context.Context, sdp any) (*sfu.PullRemoteTrackToPlayerResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.store.Snapshot()
	if snap.UpstreamSessionID == nil {
		return nil, apierr.Precondition("not published")
	}

	player, err := a.sfuClient.CreateSession(ctx)
	if err != nil {
		return nil, err
	}
	return a.sfuClient.PullRemoteTrackToPlayer(ctx, player.SessionID, *snap.UpstreamSessionID, a.sessionName+"-tts", sdp)
}

// Publish handles POST /<sid>/publish. Rejects with Conflict if
// already published; otherwise registers a push adapter with the SFU
// pointing at subscribeEndpointURL.
func (a *TTSAdapter) Publish(ctx context.Context, speaker, subscribeEndpointURL string) (*sfu.PushTrackFromWebSocketResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.store.Snapshot()
	if snap.UpstreamAdapterID != nil {
		return nil, apierr.Conflict("already published")
	}

	allow := true
	voice := speaker
	if err := a.store.Update(ctx, store.Partial{AllowReconnect: &allow, SelectedVoice: &voice}, true); err != nil {
		return nil, apierr.Internal("failed to persist publish state", err)
	}

	result, err := a.sfuClient.PushTrackFromWebSocket(ctx, a.sessionName+"-tts", subscribeEndpointURL)
	if err != nil {
		return nil, err
	}

	sid, aid := result.SessionID, result.AdapterID
	if err := a.store.Update(ctx, store.Partial{UpstreamSessionID: &sid, UpstreamAdapterID: &aid}, true); err != nil {
		return nil, apierr.Internal("failed to persist SFU identifiers", err)
	}
	if err := a.store.ScheduleInactivity(ctx, time.Now(), config.DefaultInactivityTimeout); err != nil {
		return nil, apierr.Internal("failed to schedule inactivity", err)
	}

	// Pre-open the upstream link; failure here is non-fatal — Generate
	// will retry via EnsureOpen.
	a.ensureLink(voice).EnsureOpen(ctx)

	return result, nil
}

// Subscribe handles WS /<sid>/subscribe. Accepts conn, tags it
// sfu-subscriber (superseding any prior one), and replays the retained
// late-joiner buffer if one exists. The returned attachment ID lets
// the caller's read loop report the disconnect once it observes the
// socket close.
func (a *TTSAdapter) Subscribe(ctx context.Context, conn registry.Conn) string {
	a.mu.Lock()
	att := a.registry.Accept(registry.RoleSFUSubscriber, conn)
	lateJoiner := append([]byte(nil), a.lateJoiner...)
	a.mu.Unlock()

	a.logger.Debugw("tts subscriber accepted", "session", a.sessionName, "id", att.ID)
	if lateJoiner == nil {
		return att.ID
	}
	for _, frame := range chunkPackets(lateJoiner, &seqCounter{}, config.MaxSubscriberChunk) {
		if err := conn.WriteMessage(2 /* BinaryMessage */, frame); err != nil {
			a.logger.Warnw("late-joiner replay failed", "error", err, "session", a.sessionName)
			return att.ID
		}
	}
	return att.ID
}

// ClientDisconnected reports that the accepted socket identified by id
// has closed, letting the registry drop it from OpenCount and fire
// the cleanup-deadline hook.
func (a *TTSAdapter) ClientDisconnected(id string) {
	a.registry.Remove(id)
}

// Generate handles POST /<sid>/generate. It runs synchronously; the
// HTTP layer replies 202 and calls it from its own goroutine.
func (a *TTSAdapter) Generate(ctx context.Context, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.ScheduleInactivity(ctx, time.Now(), config.DefaultInactivityTimeout); err != nil {
		a.logger.Errorw("failed to reset inactivity on generate", "error", err, "session", a.sessionName)
	}

	voice := ""
	if v := a.store.Snapshot().SelectedVoice; v != nil {
		voice = *v
	}
	link := a.ensureLink(voice)
	if !link.EnsureOpen(ctx) {
		a.fallbackGenerate(ctx, text)
		return
	}
	if err := link.SendSpeak(ctx, text); err != nil {
		a.fallbackGenerate(ctx, text)
		return
	}
	if err := link.SendControl(ctx, "Flush"); err != nil {
		a.logger.Warnw("failed to send Flush, falling back to HTTP TTS", "error", err, "session", a.sessionName)
		a.fallbackGenerate(ctx, text)
	}
}

func (a *TTSAdapter) fallbackGenerate(ctx context.Context, text string) {
	if a.deps.HTTPFallback == nil {
		a.logger.Errorw("no HTTP TTS fallback configured", "session", a.sessionName)
		return
	}
	buf, err := a.deps.HTTPFallback(ctx, text)
	if err != nil {
		a.logger.Errorw("HTTP TTS fallback failed", "error", err, "session", a.sessionName)
		return
	}
	stereo := a.transcoder.MonoToStereo(a.transcoder.UpsampleMono24kTo48k(buf))
	a.broadcastAndRetain(stereo)
	a.emitEndOfStream()
}

// HandleBinary implements upstream.Dispatcher: each PCM chunk is
// transcoded to stereo 48k and fanned out immediately.
func (a *TTSAdapter) HandleBinary(ctx context.Context, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	stereo := a.transcoder.MonoToStereo(a.transcoder.UpsampleMono24kTo48k(data))
	a.streamBuf = append(a.streamBuf, stereo...)
	a.broadcast(stereo)
}

// HandleText implements upstream.Dispatcher: a Flushed control message
// finalizes the in-flight run.
func (a *TTSAdapter) HandleText(ctx context.Context, data []byte) {
	if !upstream.IsFlushed(data) {
		return
	}
	a.mu.Lock()
	a.lateJoiner = a.streamBuf
	a.streamBuf = nil
	a.mu.Unlock()
	a.emitEndOfStream()
}

// HandleClose implements upstream.Dispatcher.
func (a *TTSAdapter) HandleClose(ctx context.Context, err error) {
	scheduleReconnectOnClose(ctx, a.store, a.logger)
}

func (a *TTSAdapter) broadcast(stereo []byte) {
	for _, frame := range chunkPackets(stereo, &a.seq, config.MaxSubscriberChunk) {
		a.registry.FanOut(registry.RoleSFUSubscriber, 2, frame)
	}
}

func (a *TTSAdapter) broadcastAndRetain(stereo []byte) {
	a.mu.Lock()
	a.lateJoiner = stereo
	a.mu.Unlock()
	a.broadcast(stereo)
}

func (a *TTSAdapter) emitEndOfStream() {
	frame := chunkPackets(nil, &a.seq, config.MaxSubscriberChunk)[0]
	a.registry.FanOut(registry.RoleSFUSubscriber, 2, frame)
}

// Unpublish handles POST /<sid>/unpublish.
func (a *TTSAdapter) Unpublish(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.store.Snapshot()
	if snap.UpstreamAdapterID == nil {
		return apierr.Precondition("not published")
	}

	if a.link != nil {
		_ = a.link.Close()
	}
	if err := a.sfuClient.CloseWebSocketAdapter(ctx, *snap.UpstreamAdapterID); err != nil {
		return err
	}
	a.registry.Close(registry.RoleSFUSubscriber, 1000, "Session unpublished")

	allow := false
	if err := a.store.Update(ctx, store.Partial{AllowReconnect: &allow}, true); err != nil {
		return apierr.Internal("failed to clear reconnect state", err)
	}
	if err := a.store.DeleteKeys(ctx, []store.Field{
		store.FieldUpstreamSessionID, store.FieldUpstreamAdapterID,
		store.FieldSelectedVoice, store.FieldCleanupDeadline,
	}, false); err != nil {
		return apierr.Internal("failed to clear published state", err)
	}
	a.lateJoiner = nil
	a.streamBuf = nil
	return nil
}

// Destroy implements the hard teardown shared by all variants.
func (a *TTSAdapter) Destroy(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.link != nil {
		_ = a.link.Close()
	}
	a.registry.CloseAll(1000, "Session destroyed")
	a.lateJoiner = nil
	a.streamBuf = nil

	if err := a.store.Wipe(ctx); err != nil {
		return err
	}
	return a.store.Destroy(ctx)
}

// --- alarm.Actions ---

func (a *TTSAdapter) OpenClientCount() int {
	return a.registry.OpenCount(registry.RoleSFUSubscriber)
}

func (a *TTSAdapter) CleanupLastClient(ctx context.Context) error {
	return nil
}

func (a *TTSAdapter) UpstreamOpen() bool {
	return a.link != nil && a.link.IsOpen()
}

func (a *TTSAdapter) SendKeepAlive(ctx context.Context) error {
	return nil // TTS has no keepalive cycle
}

func (a *TTSAdapter) RequestEndOfStreamForInactivity(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.link != nil {
		_ = a.link.Close()
	}
	a.registry.CloseAll(1000, "Session inactive")
	return nil
}

func (a *TTSAdapter) AttemptReconnect(ctx context.Context) error {
	voice := ""
	if v := a.store.Snapshot().SelectedVoice; v != nil {
		voice = *v
	}
	return a.ensureLink(voice).Connect(ctx)
}

// Fire runs one reducer pass; exported so an alarm scheduler (real
// timer or test driver) can invoke it.
func (a *TTSAdapter) Fire(ctx context.Context, now time.Time) error {
	return a.reducer.Fire(ctx, now)
}
