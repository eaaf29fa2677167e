// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

// Package httpapi wires the gin router that exposes every SessionAdapter
// endpoint over HTTP and WebSocket, translating domain errors via
// internal/apierr and handing accepted sockets to the session layer.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rapidaai/sessionbridge/internal/apierr"
	"github.com/rapidaai/sessionbridge/internal/session"
	"github.com/rapidaai/sessionbridge/pkg/commons"
)

// upgrader is shared across every WebSocket endpoint; origin checking is
// left permissive since the SFU and browser clients both connect
// cross-origin by design in this deployment.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server holds the router's dependencies.
type Server struct {
	manager *session.Manager
	logger  commons.Logger
}

// NewServer constructs a Server bound to manager.
func NewServer(manager *session.Manager, logger commons.Logger) *Server {
	return &Server{manager: manager, logger: logger}
}

// Router builds the gin engine with every route from the external
// interface wired in.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/:sid/publisher", s.staticPage)
	r.GET("/:sid/player", s.staticPage)
	r.DELETE("/:sid", s.destroySession)

	r.POST("/:sid/publish", s.ttsPublish)
	r.POST("/:sid/unpublish", s.ttsUnpublish)
	r.POST("/:sid/connect", s.ttsConnect)
	r.POST("/:sid/generate", s.ttsGenerate)
	r.GET("/:sid/subscribe", s.ttsSubscribe)

	stt := r.Group("/:sid/stt")
	stt.POST("/connect", s.sttConnect)
	stt.POST("/start-forwarding", s.sttStartForwarding)
	stt.POST("/stop-forwarding", s.sttStopForwarding)
	stt.POST("/reconnect-upstream", s.sttReconnectUpstream)
	stt.GET("/sfu-subscribe", s.sttSFUSubscribe)
	stt.GET("/transcription-stream", s.sttTranscriptionStream)

	video := r.Group("/:sid/video")
	video.POST("/connect", s.videoConnect)
	video.POST("/start-forwarding", s.videoStartForwarding)
	video.POST("/stop-forwarding", s.videoStopForwarding)
	video.GET("/sfu-subscribe", s.videoSFUSubscribe)
	video.GET("/viewer", s.videoViewer)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Debugw("request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
	}
}

// staticPage serves the publisher/player UI shell; the actual markup is
// out of scope for this control plane and is not reimplemented here.
func (s *Server) staticPage(c *gin.Context) {
	c.String(http.StatusOK, "SessionBridge")
}

func (s *Server) destroySession(c *gin.Context) {
	sid := c.Param("sid")
	ctx := c.Request.Context()

	if err := s.manager.DestroyTTS(ctx, sid); err != nil {
		s.logger.Warnw("destroy: tts teardown failed", "error", err, "session", sid)
	}
	if err := s.manager.DestroySTT(ctx, sid); err != nil {
		s.logger.Warnw("destroy: stt teardown failed", "error", err, "session", sid)
	}
	if err := s.manager.DestroyVideo(ctx, sid); err != nil {
		s.logger.Warnw("destroy: video teardown failed", "error", err, "session", sid)
	}
	c.Status(http.StatusAccepted)
}

func respondError(c *gin.Context, err error) {
	c.JSON(apierr.StatusCode(err), gin.H{"error": err.Error()})
}

func (s *Server) upgrade(c *gin.Context) (*websocket.Conn, bool) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err, "path", c.Request.URL.Path)
		return nil, false
	}
	return conn, true
}
