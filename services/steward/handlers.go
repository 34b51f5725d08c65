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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// ErrorResponse is the JSON error body for all steward endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// TurnRequest is the request body for POST /v1/steward/turn.
type TurnRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Text      string `json:"text" binding:"required"`
}

// TurnResponse is the response body for POST /v1/steward/turn.
type TurnResponse struct {
	Response  string `json:"response"`
	Class     string `json:"class"`
	Tier      string `json:"tier,omitempty"`
	Suspended string `json:"suspended,omitempty"`
	RequestID string `json:"request_id"`
}

// CapabilitiesResponse is the response body for GET /v1/steward/capabilities.
type CapabilitiesResponse struct {
	Capabilities map[string]bool `json:"capabilities"`
}

// SessionTurn is one transcript entry in a SessionResponse.
type SessionTurn struct {
	Seq      int    `json:"seq"`
	UserText string `json:"user_text"`
	Class    string `json:"class"`
	Response string `json:"response"`
}

// SessionResponse is the response body for GET /v1/steward/session/:id.
type SessionResponse struct {
	SessionID string        `json:"session_id"`
	Turns     []SessionTurn `json:"turns"`
}

// Handlers holds the HTTP handlers for the steward service.
type Handlers struct {
	svc *Service
}

// NewHandlers creates the handler set for a service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// getOrCreateRequestID returns the inbound X-Request-ID, minting one
// when the caller did not send it.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// HandleTurn handles POST /v1/steward/turn.
//
// Description:
//
//	Runs one conversational turn: resolves any pending confirmation or
//	continuation in the session, otherwise classifies, routes, and
//	dispatches the message. Policy outcomes always surface as a 200 with
//	plain prose; only malformed requests and transcript store failures
//	produce error statuses.
//
// Request Body:
//
//	TurnRequest (session_id and text required)
//
// Response:
//
//	200 OK: TurnResponse
//	400 Bad Request: Missing session_id or text
//	500 Internal Server Error: Transcript store failure
//
// Thread Safety: This method is safe for concurrent use. Turns for the
// same session should be serialized by the caller.
func (h *Handlers) HandleTurn(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTurn")

	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "session_id and text are required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	// Tag the otelgin server span so turn traces correlate by session.
	oteltrace.SpanFromContext(c.Request.Context()).SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("session_id", req.SessionID),
	)

	result, err := h.svc.HandleTurn(c.Request.Context(), req.SessionID, req.Text)
	if err != nil {
		logger.Error("turn failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "turn could not be processed: " + err.Error(),
			Code:  "TURN_FAILED",
		})
		return
	}

	logger.Info("turn completed",
		slog.String("session_id", req.SessionID),
		slog.String("class", result.Class),
		slog.String("suspended", string(result.Suspended)),
	)

	c.JSON(http.StatusOK, TurnResponse{
		Response:  result.Response,
		Class:     result.Class,
		Tier:      result.Tier,
		Suspended: string(result.Suspended),
		RequestID: requestID,
	})
}

// HandleCapabilities handles GET /v1/steward/capabilities.
//
// Description:
//
//	Reports the availability of each registered capability. A degraded
//	capability still appears here with available=false so operators can
//	see what the assistant will refuse.
//
// Response:
//
//	200 OK: CapabilitiesResponse
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleCapabilities(c *gin.Context) {
	statuses := h.svc.Registry().Statuses()
	out := make(map[string]bool, len(statuses))
	for id, available := range statuses {
		out[string(id)] = available
	}
	c.JSON(http.StatusOK, CapabilitiesResponse{Capabilities: out})
}

// HandleSession handles GET /v1/steward/session/:id.
//
// Description:
//
//	Returns the stored transcript for a session in turn order. Unknown
//	sessions return an empty transcript, matching the store contract.
//
// Path Parameters:
//
//	id: Session ID (required)
//
// Response:
//
//	200 OK: SessionResponse
//	400 Bad Request: Missing session ID
//	500 Internal Server Error: Transcript store failure
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleSession(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSession")

	sessionID := c.Param("id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "session id is required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	transcript, err := h.svc.Transcript(c.Request.Context(), sessionID)
	if err != nil {
		logger.Error("transcript load failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "transcript could not be loaded: " + err.Error(),
			Code:  "TRANSCRIPT_LOAD_FAILED",
		})
		return
	}

	turns := make([]SessionTurn, 0, len(transcript))
	for _, record := range transcript {
		turns = append(turns, SessionTurn{
			Seq:      record.Seq,
			UserText: record.UserText,
			Class:    record.Class.String(),
			Response: record.Response,
		})
	}

	c.JSON(http.StatusOK, SessionResponse{SessionID: sessionID, Turns: turns})
}

// HandleHealth handles GET /v1/steward/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady handles GET /v1/steward/ready.
//
// Ready means the policy config is loaded and at least the read-only
// inspection capability is available.
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.svc.Ready() {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "inspection capability unavailable",
			Code:  "NOT_READY",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
