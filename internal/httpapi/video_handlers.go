// Copyright 2026 SessionBridge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rapidaai/sessionbridge/internal/apierr"
)

func (s *Server) videoConnect(c *gin.Context) {
	sid := c.Param("sid")
	var req sdpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierr.BadPayload(err.Error()))
		return
	}
	adapter, err := s.manager.Video(c.Request.Context(), sid)
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

func (s *Server) videoStartForwarding(c *gin.Context) {
	sid := c.Param("sid")
	adapter, err := s.manager.Video(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	endpoint := fmt.Sprintf("%s/%s/video/sfu-subscribe", s.externalBaseURL(c), sid)
	if err := adapter.StartForwarding(c.Request.Context(), endpoint); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) videoStopForwarding(c *gin.Context) {
	sid := c.Param("sid")
	adapter, err := s.manager.Video(c.Request.Context(), sid)
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

func (s *Server) videoSFUSubscribe(c *gin.Context) {
	sid := c.Param("sid")
	adapter, err := s.manager.Video(c.Request.Context(), sid)
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
			adapter.IngestSFUVideoFrame(data)
		}
	}()
}

func (s *Server) videoViewer(c *gin.Context) {
	sid := c.Param("sid")
	adapter, err := s.manager.Video(c.Request.Context(), sid)
	if err != nil {
		respondError(c, err)
		return
	}
	conn, ok := s.upgrade(c)
	if !ok {
		return
	}
	id := adapter.Viewer(c.Request.Context(), conn)

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
