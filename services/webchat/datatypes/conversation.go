// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the domain entities and API schemas for the
// webchat service.
//
// Entities mirror the rows held by the external message ledger; the ledger
// is the state of record, this process only caches. Transient types
// (ToolCall, AssistantReply) exist for the duration of a single turn and
// leave no durable trace beyond the resulting contact mutation and the
// outbound message.
package datatypes

import "time"

// Message directions as stored by the ledger.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionSystem   = "system"
)

// Conversation is a durable chat thread owned by the message ledger.
//
// UpstreamConversationID is the opaque handle minted by the AI service for
// server-side multi-turn context. It is reused across turns of the same
// session unless a reset condition fires (explicit close, fresh widget
// load, inactivity expiry).
type Conversation struct {
	ID                     string    `json:"id"`
	Channel                string    `json:"channel"`
	ContactID              string    `json:"contact_id,omitempty"`
	ManualOverride         bool      `json:"manual_override"`
	UpstreamConversationID string    `json:"upstream_conversation_id,omitempty"`
	LastResponseID         string    `json:"last_response_id,omitempty"`
	CreatedAt              time.Time `json:"created_at,omitempty"`
}

// Message is a single persisted utterance in a conversation.
//
// ClientMessageID is supplied by the widget to make submissions idempotent:
// the ledger keeps at most one inbound message per (session,
// client_message_id) pair.
type Message struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	Direction       string         `json:"direction"`
	Content         string         `json:"content"`
	ClientMessageID string         `json:"client_message_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at,omitempty"`
}

// ResponseID returns the AI response identifier stamped on an outbound
// message, or "" when the message carries none.
func (m *Message) ResponseID() string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata["response_id"].(string); ok {
		return v
	}
	return ""
}

// UpstreamConversationID returns the AI conversation handle recorded in the
// message metadata, if any. The dedup path uses this to recover continuity
// for a session whose conversation record has not been enriched yet.
func (m *Message) UpstreamConversationID() string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata["upstream_conversation_id"].(string); ok {
		return v
	}
	return ""
}

// Contact is the prospect record mutated by the lead capture tool.
// Fields are only ever filled in, never cleared, by automated capture.
type Contact struct {
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	Email   string         `json:"email,omitempty"`
	Phone   string         `json:"phone,omitempty"`
	Company string         `json:"company,omitempty"`
	Notes   string         `json:"notes,omitempty"`
	Purpose string         `json:"purpose,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Field returns the scalar capture field with the given name.
func (c *Contact) Field(name string) string {
	switch name {
	case "name":
		return c.Name
	case "email":
		return c.Email
	case "phone":
		return c.Phone
	case "company":
		return c.Company
	case "notes":
		return c.Notes
	case "purpose":
		return c.Purpose
	}
	return ""
}
