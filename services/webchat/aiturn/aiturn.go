// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aiturn abstracts the upstream AI service behind a turn-oriented
// interface.
//
// A turn is one logical exchange: one or more AI calls (including tool-call
// round trips) producing one user-visible reply. The orchestrator drives
// the loop; this package only knows how to issue a single call and how to
// submit a batch of tool outputs.
//
// Response output is decoded strictly into a tagged union over message and
// tool_call item kinds. There is deliberately no best-effort field probing:
// an item the decoder does not recognize is dropped, not guessed at.
package aiturn

import "context"

// ItemKind discriminates TurnResponse output items.
type ItemKind string

const (
	ItemKindMessage  ItemKind = "message"
	ItemKindToolCall ItemKind = "tool_call"
)

// ToolCall is a pending tool invocation requested by the AI service.
// Arguments is the raw encoded argument payload; the executor parses it
// defensively.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OutputItem is one element of a turn response. Exactly one of Text or
// ToolCall is meaningful, selected by Kind.
type OutputItem struct {
	Kind     ItemKind  `json:"kind"`
	Text     string    `json:"text,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
}

// ToolOutput is the structured result of one executed tool call, submitted
// back to the AI service. Outputs for a turn are always submitted as one
// batch, never one call per output.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// ToolDefinition is a function tool schema offered to the AI service.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  any
}

// TurnRequest describes one AI call.
//
// Continuity preference: ConversationHandle first; when absent, the service
// may recover the handle from PreviousResponseID. When neither resolves the
// call runs without cross-turn memory.
type TurnRequest struct {
	Input              string
	ConversationHandle string
	PreviousResponseID string
	Tools              []ToolDefinition
	Metadata           map[string]string
}

// TurnResponse is the strict decode of one AI call's result.
type TurnResponse struct {
	ID                 string
	ConversationHandle string
	Output             []OutputItem
}

// PendingToolCalls returns the tool invocations the AI service is waiting
// on, in emission order.
func (r *TurnResponse) PendingToolCalls() []*ToolCall {
	var calls []*ToolCall
	for _, item := range r.Output {
		if item.Kind == ItemKindToolCall && item.ToolCall != nil {
			calls = append(calls, item.ToolCall)
		}
	}
	return calls
}

// TextFragments returns the textual output fragments in emission order.
func (r *TurnResponse) TextFragments() []string {
	var fragments []string
	for _, item := range r.Output {
		if item.Kind == ItemKindMessage && item.Text != "" {
			fragments = append(fragments, item.Text)
		}
	}
	return fragments
}

// TurnService is the upstream AI collaborator.
type TurnService interface {
	// NewConversation mints a fresh conversation handle.
	NewConversation(ctx context.Context) (string, error)

	// CreateTurn issues one AI call for the given input.
	CreateTurn(ctx context.Context, req *TurnRequest) (*TurnResponse, error)

	// SubmitToolOutputs submits the batched outputs for the response's
	// pending tool calls and returns the follow-up response. An empty
	// handle is resolved from the response id when possible.
	SubmitToolOutputs(ctx context.Context, handle, responseID string, outputs []ToolOutput) (*TurnResponse, error)
}
