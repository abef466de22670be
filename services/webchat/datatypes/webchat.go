// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var webchatValidator = validator.New()

// WebchatMessage is the payload submitted by the chat widget.
//
// ClientMessageID is optional but strongly recommended: it is the dedup key
// that makes retried submissions idempotent. FreshSession and
// ClosedRecently are reset hints from the widget; either one discards any
// cached AI conversation handle before the turn is resolved.
type WebchatMessage struct {
	SessionID       string         `json:"session_id" binding:"required" validate:"required"`
	Author          string         `json:"author,omitempty" validate:"omitempty,oneof=user assistant system"`
	Content         string         `json:"content" binding:"required" validate:"required"`
	Locale          string         `json:"locale,omitempty"`
	ClientMessageID string         `json:"client_message_id,omitempty" validate:"omitempty,max=120"`
	FreshSession    bool           `json:"fresh_session,omitempty"`
	ClosedRecently  bool           `json:"closed_recently,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Validate applies the struct-level validation rules beyond gin's binding.
func (m *WebchatMessage) Validate() error {
	if err := webchatValidator.Struct(m); err != nil {
		return fmt.Errorf("invalid webchat message: %w", err)
	}
	return nil
}

// EnsureDefaults fills in the fields the widget is allowed to omit.
func (m *WebchatMessage) EnsureDefaults() {
	if m.Author == "" {
		m.Author = "user"
	}
}

// WebchatResponseMetadata carries turn bookkeeping back to the widget.
type WebchatResponseMetadata struct {
	ConversationID      string   `json:"conversation_id,omitempty"`
	LastMessageID       string   `json:"last_message_id,omitempty"`
	AssistantMessageID  string   `json:"assistant_message_id,omitempty"`
	AssistantResponseID string   `json:"assistant_response_id,omitempty"`
	ManualMode          bool     `json:"manual_mode,omitempty"`
	Replayed            bool     `json:"replayed,omitempty"`
	ToolsCalled         []string `json:"tools_called,omitempty"`
}

// WebchatResponse is the reply envelope for a widget submission. Reply is
// always present for a well-formed request; it may be the fallback apology
// or a field-request prompt, never a bare failure.
type WebchatResponse struct {
	SessionID string                   `json:"session_id"`
	Reply     string                   `json:"reply"`
	Metadata  *WebchatResponseMetadata `json:"metadata,omitempty"`
}

// WebchatHistoryItem is one stored message in the session history.
type WebchatHistoryItem struct {
	MessageID string         `json:"message_id"`
	Direction string         `json:"direction"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// WebchatHistoryResponse pages through a session's messages. NextSince is a
// cursor; empty means the history is exhausted.
type WebchatHistoryResponse struct {
	SessionID string               `json:"session_id"`
	Messages  []WebchatHistoryItem `json:"messages"`
	NextSince string               `json:"next_since,omitempty"`
}
