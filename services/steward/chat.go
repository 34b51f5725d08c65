// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package steward

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The chat host terminates auth upstream; the relay itself is
	// origin-agnostic.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	chatWriteTimeout = 10 * time.Second
	chatPongTimeout  = 60 * time.Second
	chatPingInterval = 30 * time.Second
)

// Frames per connection are capped well above human typing speed; a
// misbehaving client cannot spin the turn engine.
var chatFrameLimit = rate.Limit(2)

const chatFrameBurst = 5

// ChatMessage is one inbound websocket frame from the chat host.
type ChatMessage struct {
	Text string `json:"text"`
}

// ChatReply is one outbound websocket frame.
type ChatReply struct {
	Response  string `json:"response"`
	Class     string `json:"class"`
	Tier      string `json:"tier,omitempty"`
	Suspended string `json:"suspended,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HandleChat handles GET /v1/steward/chat.
//
// Description:
//
//	Upgrades the connection to a websocket and relays each inbound text
//	frame through one conversational turn. The websocket connection IS
//	the session: a session ID is minted per connection unless the
//	client supplies one via the session_id query parameter, so
//	confirmation gates and paused batches survive across frames but not
//	across reconnects with a fresh ID.
//
// Query Parameters:
//
//	session_id: Session to resume (optional)
//
// Thread Safety: Frames on one connection are processed serially, which
// is what the gate lifecycle requires.
func (h *Handlers) HandleChat(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleChat")

	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := chatUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(chatPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(chatPongTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(chatPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(chatWriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	logger.Info("chat session opened", slog.String("session_id", sessionID))

	limiter := rate.NewLimiter(chatFrameLimit, chatFrameBurst)
	for {
		var msg ChatMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("chat session dropped", slog.Any("error", err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(chatPongTimeout))

		if err := limiter.Wait(c.Request.Context()); err != nil {
			return
		}

		reply := ChatReply{}
		result, err := h.svc.HandleTurn(c.Request.Context(), sessionID, msg.Text)
		if err != nil {
			logger.Error("chat turn failed", slog.Any("error", err))
			reply.Error = "turn could not be processed"
		} else {
			reply.Response = result.Response
			reply.Class = result.Class
			reply.Tier = result.Tier
			reply.Suspended = string(result.Suspended)
		}

		conn.SetWriteDeadline(time.Now().Add(chatWriteTimeout))
		if err := conn.WriteJSON(reply); err != nil {
			logger.Warn("chat write failed", slog.Any("error", err))
			return
		}
	}
}
