// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the clients for the external message ledger and
// contact store.
//
// The ledger is the state of record for conversations, messages and
// contacts; this service holds no durable state of its own. Both
// collaborators are exposed as interfaces so the orchestrator can be tested
// against in-memory fakes.
package storage

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianEngage/services/webchat/datatypes"
)

// StorageError wraps any failure talking to the ledger or contact store.
// Status is the HTTP status returned by the collaborator, 0 for transport
// failures.
type StorageError struct {
	Op     string
	Status int
	Err    error
}

func (e *StorageError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("storage: %s failed (status=%d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("storage: %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RegisterMessageParams is the input for Ledger.RegisterMessage.
type RegisterMessageParams struct {
	SessionID  string
	Author     string
	Content    string
	ResponseID string
	Metadata   map[string]any
}

// RegisterResult is the ledger's acknowledgement of a stored message.
// The ledger creates the conversation on the first inbound message for a
// session, so ConversationID is always populated on success.
type RegisterResult struct {
	ConversationID         string `json:"conversation_id"`
	MessageID              string `json:"message_id"`
	UpstreamConversationID string `json:"upstream_conversation_id,omitempty"`
}

// Ledger is the message ledger collaborator.
type Ledger interface {
	// RegisterMessage persists one message, creating the conversation on
	// first contact for a session.
	RegisterMessage(ctx context.Context, p RegisterMessageParams) (*RegisterResult, error)

	// FetchConversation returns the conversation record, or a StorageError
	// when it does not exist or the ledger is unreachable.
	FetchConversation(ctx context.Context, id string) (*datatypes.Conversation, error)

	// FindMessageByClientID returns the prior inbound message stored for
	// (session, clientID), or nil when none exists.
	FindMessageByClientID(ctx context.Context, sessionID, clientID string) (*datatypes.Message, error)

	// FetchReplyForMessage returns the outbound message recorded in reply
	// to the given inbound message id, or nil when none exists.
	FetchReplyForMessage(ctx context.Context, conversationID, inReplyTo string) (*datatypes.Message, error)

	// ListHistory returns up to limit messages for the session ordered by
	// creation time, plus a cursor for the next page.
	ListHistory(ctx context.Context, sessionID string, limit int, since string) ([]datatypes.Message, string, error)

	// MarkSessionClosed records an explicit widget close for the session.
	MarkSessionClosed(ctx context.Context, sessionID string) error
}

// ContactStore is the contact record collaborator.
type ContactStore interface {
	FetchContact(ctx context.Context, id string) (*datatypes.Contact, error)

	// UpdateContact applies a partial patch and returns the updated record.
	UpdateContact(ctx context.Context, id string, patch map[string]any) (*datatypes.Contact, error)
}
