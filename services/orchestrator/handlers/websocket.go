// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/streaming"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSRequest is one inbound websocket frame.
type WSRequest struct {
	Question  *string `json:"question"`
	SessionID string  `json:"session_id,omitempty"`
}

// WSSessionEvent is sent once when the connection opens.
type WSSessionEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// HandleChatWebSocket runs streaming turns over a websocket.
//
// # Description
//
// The connection gets a session id from the X-Session-ID header, the
// session_id query parameter, or a fresh UUID, announced in a
// {"type":"session"} frame. Each inbound {"question"} frame runs one
// streaming turn; its JSON chunks ({"type":"token"}, {"type":"error"},
// {"type":"done"}) are written as text frames. Frames are handled one at
// a time, so turns on a connection never overlap.
func (h *ChatHandler) HandleChatWebSocket(c *gin.Context) {
	endpoint := observability.EndpointWebSocket

	connSessionID := uuid.NewString()
	if header, query := c.GetHeader(SessionHeader), c.Query("session_id"); header != "" || query != "" {
		id, err := h.resolveSessionID(header, query)
		if err != nil {
			h.reject(c, endpoint, "invalid session id")
			return
		}
		connSessionID = id
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	slog.Info("Websocket client connected", "sessionId", connSessionID)
	h.metrics.StreamStarted(endpoint)
	defer h.metrics.StreamEnded(endpoint)

	if err := ws.WriteJSON(WSSessionEvent{Type: "session", SessionID: connSessionID}); err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
		return
	}

	framer := streaming.JSONFramer{}
	for {
		var req WSRequest
		if err := ws.ReadJSON(&req); err != nil {
			slog.Info("Websocket client disconnected", "sessionId", connSessionID, "error", err.Error())
			return
		}

		sessionID := connSessionID
		if s := strings.TrimSpace(req.SessionID); s != "" {
			sessionID = s
		}
		chatReq := datatypes.ChatbotRequest{Question: req.Question, SessionID: sessionID}
		if err := chatReq.Validate(); err != nil {
			h.metrics.RecordError(endpoint, observability.ErrorCodeValidation)
			if !h.writeFrames(ws, framer.Error(datatypes.QuestionRequiredMessage), framer.Terminal()) {
				return
			}
			continue
		}

		if !h.runWebSocketTurn(c.Request.Context(), ws, sessionID, chatReq.QuestionText()) {
			return
		}
	}
}

// runWebSocketTurn streams one turn. It returns false when the connection
// is no longer writable.
func (h *ChatHandler) runWebSocketTurn(parent context.Context, ws *websocket.Conn, sessionID, question string) bool {
	endpoint := observability.EndpointWebSocket
	framer := streaming.JSONFramer{}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	start := time.Now()

	chunks, err := h.runner.AskStream(ctx, sessionID, question,
		conversation.WithFramer(framer),
		conversation.WithCancelObserver(func() { h.metrics.RecordClientDisconnect(endpoint) }))
	if err != nil {
		h.metrics.RecordRequest(endpoint, false)
		slog.Error("Websocket turn failed", "sessionId", sessionID, "error", err)
		msg := InternalErrorMessage
		if errors.Is(err, conversation.ErrInvalidInput) {
			msg = datatypes.QuestionRequiredMessage
		}
		return h.writeFrames(ws, framer.Error(msg), framer.Terminal())
	}

	writable := true
	success := h.pumpChunks(chunks, endpoint, start, func(payload []byte) error {
		err := ws.WriteMessage(websocket.TextMessage, payload)
		if err != nil {
			writable = false
			cancel()
		}
		return err
	})
	if !writable {
		// Let the bridge observe the cancellation and release the session.
		for range chunks {
		}
	}
	h.metrics.RecordRequest(endpoint, success)
	return writable
}

func (h *ChatHandler) writeFrames(ws *websocket.Conn, frames ...[]byte) bool {
	for _, f := range frames {
		if err := ws.WriteMessage(websocket.TextMessage, f); err != nil {
			slog.Warn("Failed to write WebSocket frame", "error", err)
			return false
		}
	}
	return true
}
