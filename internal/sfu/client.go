// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package sfu is the REST client for the six SFU operations a
// SessionAdapter consumes. No call site for go-resty/resty/v2
// was retrieved alongside the reference service, so this client follows resty's
// documented idiom (a shared *resty.Client, typed request/response
// structs, R().SetResult()) rather than any specific reference service file.
package sfu

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/rapidaai/sessionbridge/internal/apierr"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// Client wraps the SFU's application-scoped REST API.
type Client struct {
	http   *resty.Client
	appID  string
	logger commons.Logger
}

// New constructs a Client against baseURL, authenticating every
// request with bearerToken and scoping session creation to appID.
func New(baseURL, appID, bearerToken string, logger commons.Logger) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(bearerToken).
		SetHeader("Content-Type", "application/json")
	return &Client{http: http, appID: appID, logger: logger}
}

// CreateSessionResult is the response to createSession.
type CreateSessionResult struct {
	SessionID string `json:"sessionId"`
}

// CreateSession opens a new SFU session scoped to this application.
func (c *Client) CreateSession(ctx context.Context) (*CreateSessionResult, error) {
	var out CreateSessionResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"appId": c.appID}).
		SetResult(&out).
		Post("/sessions/new")
	if err := checkResponse(resp, err, "createSession"); err != nil {
		return nil, err
	}
	return &out, nil
}

// DiscoveredTrack is one track the SFU found while adding tracks via
// autoDiscover.
type DiscoveredTrack struct {
	TrackName string `json:"trackName"`
	Kind      string `json:"kind"`
}

// AddTracksAutoDiscoverResult is the response to
// addTracksAutoDiscover.
type AddTracksAutoDiscoverResult struct {
	SessionDescription map[string]any    `json:"sessionDescription"`
	Tracks              []DiscoveredTrack `json:"tracks"`
}

// AddTracksAutoDiscover publishes a WebRTC offer's tracks into
// sessionID, letting the SFU auto-discover track names.
func (c *Client) AddTracksAutoDiscover(ctx context.Context, sessionID string, sdp any) (*AddTracksAutoDiscoverResult, error) {
	var out AddTracksAutoDiscoverResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"sessionDescription": sdp, "autoDiscover": true}).
		SetResult(&out).
		Post(fmt.Sprintf("/sessions/%s/tracks/new", sessionID))
	if err := checkResponse(resp, err, "addTracksAutoDiscover"); err != nil {
		return nil, err
	}
	return &out, nil
}

// TracksOfKind filters a discovery result for the given kind ("audio"
// or "video").
func TracksOfKind(tracks []DiscoveredTrack, kind string) []DiscoveredTrack {
	var out []DiscoveredTrack
	for _, t := range tracks {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// PullRemoteTrackToPlayerResult is the response to
// pullRemoteTrackToPlayer.
type PullRemoteTrackToPlayerResult struct {
	SessionDescription map[string]any `json:"sessionDescription"`
}

// PullRemoteTrackToPlayer proxies a player's pull of trackName from
// publisherSessionID into playerSessionID.
func (c *Client) PullRemoteTrackToPlayer(ctx context.Context, playerSessionID, publisherSessionID, trackName string, sdp any) (*PullRemoteTrackToPlayerResult, error) {
	var out PullRemoteTrackToPlayerResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"sessionDescription": sdp,
			"tracks": []map[string]string{{
				"location":  "remote",
				"sessionId": publisherSessionID,
				"trackName": trackName,
			}},
		}).
		SetResult(&out).
		Post(fmt.Sprintf("/sessions/%s/tracks/new", playerSessionID))
	if err := checkResponse(resp, err, "pullRemoteTrackToPlayer"); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushTrackFromWebSocketResult is the response to
// pushTrackFromWebSocket.
type PushTrackFromWebSocketResult struct {
	SessionID string         `json:"sessionId"`
	AdapterID string         `json:"adapterId"`
	JSON      map[string]any `json:"json"`
}

// PushTrackFromWebSocket registers a WebSocket adapter the SFU will
// push trackName's PCM payload into, at endpoint.
func (c *Client) PushTrackFromWebSocket(ctx context.Context, trackName, endpoint string) (*PushTrackFromWebSocketResult, error) {
	var out PushTrackFromWebSocketResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"trackName":  trackName,
			"endpoint":   endpoint,
			"inputCodec": "pcm",
			"mode":       "buffer",
		}).
		SetResult(&out).
		Post("/websocket/push")
	if err := checkResponse(resp, err, "pushTrackFromWebSocket"); err != nil {
		return nil, err
	}
	return &out, nil
}

// PullTrackToWebSocketResult is the response to pullTrackToWebSocket.
type PullTrackToWebSocketResult struct {
	AdapterID string         `json:"adapterId"`
	JSON      map[string]any `json:"json"`
}

// OutputCodec names the wire codec pullTrackToWebSocket asks the SFU
// to emit.
type OutputCodec string

const (
	OutputCodecPCM  OutputCodec = "pcm"
	OutputCodecJPEG OutputCodec = "jpeg"
)

// PullTrackToWebSocket registers a WebSocket adapter the SFU will pull
// trackName's payload from sessionID into, at endpoint, encoded as
// outputCodec.
func (c *Client) PullTrackToWebSocket(ctx context.Context, sessionID, trackName, endpoint string, outputCodec OutputCodec) (*PullTrackToWebSocketResult, error) {
	var out PullTrackToWebSocketResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"sessionId":   sessionID,
			"trackName":   trackName,
			"endpoint":    endpoint,
			"outputCodec": string(outputCodec),
		}).
		SetResult(&out).
		Post("/websocket/pull")
	if err := checkResponse(resp, err, "pullTrackToWebSocket"); err != nil {
		return nil, err
	}
	return &out, nil
}

type closeAdapterErrorBody struct {
	Tracks []struct {
		ErrorCode string `json:"errorCode"`
	} `json:"tracks"`
}

// CloseWebSocketAdapter closes adapterID. A 503 whose body reports
// tracks[0].errorCode == "adapter_not_found" is treated as an
// already-closed success, not an error.
func (c *Client) CloseWebSocketAdapter(ctx context.Context, adapterID string) error {
	var errBody closeAdapterErrorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetError(&errBody).
		Delete(fmt.Sprintf("/websocket/%s", adapterID))
	if err != nil {
		return apierr.Sfu("closeWebSocketAdapter: request failed", err)
	}
	if resp.IsSuccess() {
		return nil
	}
	if resp.StatusCode() == 503 && len(errBody.Tracks) > 0 && errBody.Tracks[0].ErrorCode == "adapter_not_found" {
		c.logger.Debugw("closeWebSocketAdapter: adapter already closed, treating as success", "adapterId", adapterID)
		return nil
	}
	return apierr.Sfu(fmt.Sprintf("closeWebSocketAdapter: SFU returned %d", resp.StatusCode()), nil)
}

func checkResponse(resp *resty.Response, err error, op string) error {
	if err != nil {
		return apierr.Sfu(op+": request failed", err)
	}
	if !resp.IsSuccess() {
		return apierr.Sfu(fmt.Sprintf("%s: SFU returned %d: %s", op, resp.StatusCode(), resp.String()), nil)
	}
	return nil
}
