// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides the HTTP handlers for the webchat service.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianEngage/services/webchat/assistant"
	"github.com/AleutianAI/AleutianEngage/services/webchat/clientinfo"
	"github.com/AleutianAI/AleutianEngage/services/webchat/datatypes"
)

var webchatTracer = otel.Tracer("aleutian.webchat.handlers")

// HandleWebchatMessage runs one assistant turn for a widget submission.
func HandleWebchatMessage(svc *assistant.Service, extractor *clientinfo.Extractor) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := webchatTracer.Start(c.Request.Context(), "HandleWebchatMessage")
		defer span.End()

		var req datatypes.WebchatMessage
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the webchat request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		out, err := svc.HandleMessage(ctx, &assistant.TurnInput{
			SessionID:       req.SessionID,
			Author:          req.Author,
			Content:         req.Content,
			Locale:          req.Locale,
			ClientMessageID: req.ClientMessageID,
			FreshSession:    req.FreshSession,
			ClosedRecently:  req.ClosedRecently,
			RequestContext:  extractor.FromRequest(ctx, c.Request),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Webchat turn failed", "session_id", req.SessionID, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "assistant unavailable"})
			return
		}

		c.JSON(http.StatusOK, datatypes.WebchatResponse{
			SessionID: req.SessionID,
			Reply:     out.Reply,
			Metadata: &datatypes.WebchatResponseMetadata{
				ConversationID:      out.ConversationID,
				LastMessageID:       out.MessageID,
				AssistantMessageID:  out.AssistantMessageID,
				AssistantResponseID: out.ResponseID,
				ManualMode:          out.ManualMode,
				Replayed:            out.Replayed,
				ToolsCalled:         out.ToolsCalled,
			},
		})
	}
}

// HandleWebchatHistory pages through a session's stored messages.
func HandleWebchatHistory(svc *assistant.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		since := c.Query("since")

		messages, next, err := svc.History(c.Request.Context(), sessionID, limit, since)
		if err != nil {
			slog.Error("Failed to fetch webchat history", "session_id", sessionID, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "history unavailable"})
			return
		}

		items := make([]datatypes.WebchatHistoryItem, 0, len(messages))
		for _, m := range messages {
			items = append(items, datatypes.WebchatHistoryItem{
				MessageID: m.ID,
				Direction: m.Direction,
				Content:   m.Content,
				CreatedAt: m.CreatedAt,
				Metadata:  m.Metadata,
			})
		}
		c.JSON(http.StatusOK, datatypes.WebchatHistoryResponse{
			SessionID: sessionID,
			Messages:  items,
			NextSince: next,
		})
	}
}

// HandleWebchatClose records an explicit widget close for the session.
func HandleWebchatClose(svc *assistant.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if err := svc.CloseSession(c.Request.Context(), sessionID); err != nil {
			slog.Error("Failed to close webchat session", "session_id", sessionID, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "close failed"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HealthCheck reports service liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
