// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/sessionbridge/internal/apierr"
)

func (s *Server) sttConnect(c *gin.Context) {
	sid := c.Param("sid")
	var req sdpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadPayload(err.Error()))
		return
	}
	adapter, err := s.manager.STT(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	result, err := adapter.Connect(c.Request.Context(), req.SessionDescription)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) sttStartForwarding(c *gin.Context) {
	sid := c.Param("sid")
	adapter, err := s.manager.STT(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	endpoint := fmt.Sprintf("%s/%s/stt/sfu-subscribe", s.externalBaseURL(c), sid)
	if err := adapter.StartForwarding(c.Request.Context(), endpoint); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) sttStopForwarding(c *gin.Context) {
	sid := c.Param("sid")
	adapter, err := s.manager.STT(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := adapter.StopForwarding(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) sttReconnectUpstream(c *gin.Context) {
	sid := c.Param("sid")
	adapter, err := s.manager.STT(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	if adapter.OpenClientCount() == 0 {
		c.JSON(http.StatusOK, gin.H{"message": "No clients connected"})
		return
	}
	if err := adapter.ReconnectUpstream(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) sttSFUSubscribe(c *gin.Context) {
	sid := c.Param("sid")
	adapter, err := s.manager.STT(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	conn, ok := s.upgrade(c)
	if !ok {
		return
	}
	id := adapter.SFUSubscribe(c.Request.Context(), conn)

	go func() {
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				adapter.ClientDisconnected(id)
				return
			}
			if msgType != 2 /* BinaryMessage */ {
				continue
			}
			adapter.IngestSFUAudioFrame(data)
		}
	}()
}

func (s *Server) sttTranscriptionStream(c *gin.Context) {
	sid := c.Param("sid")
	adapter, err := s.manager.STT(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	conn, ok := s.upgrade(c)
	if !ok {
		return
	}
	id := adapter.TranscriptionStream(c.Request.Context(), conn)

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
