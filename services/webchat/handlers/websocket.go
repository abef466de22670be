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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianEngage/services/webchat/assistant"
	"github.com/AleutianAI/AleutianEngage/services/webchat/clientinfo"
	"github.com/AleutianAI/AleutianEngage/services/webchat/datatypes"
)

// WSRequest is one widget message over the live channel.
type WSRequest struct {
	Content         string `json:"content"`
	Locale          string `json:"locale,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	Action          string `json:"action,omitempty"` // "close" ends the session
}

// WSResponse mirrors the REST reply envelope.
type WSResponse struct {
	SessionID string                             `json:"session_id"`
	Reply     string                             `json:"reply,omitempty"`
	Metadata  *datatypes.WebchatResponseMetadata `json:"metadata,omitempty"`
	Error     string                             `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// HandleWebchatWS serves the widget's live channel. Each connection owns
// one session: the first message starts a fresh session, later ones reuse
// it, and the turn pipeline is the same one REST submissions go through.
func HandleWebchatWS(svc *assistant.Service, extractor *clientinfo.Extractor) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		sessionID := c.Query("session_id")
		fresh := false
		if sessionID == "" {
			sessionID = uuid.New().String()
			fresh = true
		}
		slog.Info("Websocket session started", "session_id", sessionID)

		if err := sendJSON(ws, map[string]interface{}{"session_id": sessionID}); err != nil {
			return
		}

		requestContext := extractor.FromRequest(c.Request.Context(), c.Request)

		for {
			var req WSRequest
			if err := ws.ReadJSON(&req); err != nil {
				slog.Info("Websocket client disconnected", "session_id", sessionID)
				return
			}

			if req.Action == "close" {
				if err := svc.CloseSession(c.Request.Context(), sessionID); err != nil {
					slog.Warn("Failed to close session over websocket", "session_id", sessionID, "error", err)
				}
				sendJSON(ws, WSResponse{SessionID: sessionID})
				return
			}
			if req.Content == "" {
				sendJSON(ws, WSResponse{SessionID: sessionID, Error: "empty message"})
				continue
			}

			out, err := svc.HandleMessage(c.Request.Context(), &assistant.TurnInput{
				SessionID:       sessionID,
				Author:          "user",
				Content:         req.Content,
				Locale:          req.Locale,
				ClientMessageID: req.ClientMessageID,
				FreshSession:    fresh,
				RequestContext:  requestContext,
			})
			fresh = false
			if err != nil {
				sendJSON(ws, WSResponse{SessionID: sessionID, Error: "assistant unavailable"})
				continue
			}

			if err := sendJSON(ws, WSResponse{
				SessionID: sessionID,
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
			}); err != nil {
				return
			}
		}
	}
}
