// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/sessionbridge/internal/apierr"
)

func (s *Server) externalBaseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

type publishRequest struct {
	Speaker string `json:"speaker" binding:"required"`
}

func (s *Server) ttsPublish(c *gin.Context) {
	sid := c.Param("sid")
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadPayload(err.Error()))
		return
	}
	adapter, err := s.manager.TTS(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	endpoint := fmt.Sprintf("%s/%s/subscribe", s.externalBaseURL(c), sid)
	result, err := adapter.Publish(c.Request.Context(), req.Speaker, endpoint)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) ttsUnpublish(c *gin.Context) {
	sid := c.Param("sid")
	adapter, err := s.manager.TTS(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := adapter.Unpublish(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

type sdpRequest struct {
	SessionDescription any `json:"sessionDescription" binding:"required"`
}

func (s *Server) ttsConnect(c *gin.Context) {
	sid := c.Param("sid")
	var req sdpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadPayload(err.Error()))
		return
	}
	adapter, err := s.manager.TTS(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := adapter.PlayerConnect(c.Request.Context(), req.SessionDescription)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type generateRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) ttsGenerate(c *gin.Context) {
	sid := c.Param("sid")
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadPayload(err.Error()))
		return
	}
	adapter, err := s.manager.TTS(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
	go adapter.Generate(c.Request.Context(), req.Text)
}

func (s *Server) ttsSubscribe(c *gin.Context) {
	sid := c.Param("sid")
	adapter, err := s.manager.TTS(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	conn, ok := s.upgrade(c)
	if !ok {
		return
	}
	id := adapter.Subscribe(c.Request.Context(), conn)

	// Drain the socket so closes are detected; sfu-subscriber sockets are
	// write-only from the adapter's perspective.
	go func() {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				adapter.ClientDisconnected(id)
				return
			}
		}
	}()
}
