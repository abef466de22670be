// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianEngage/services/webchat/datatypes"
)

// Compile-time interface implementation checks.
var (
	_ Ledger       = (*SupabaseClient)(nil)
	_ ContactStore = (*SupabaseClient)(nil)
)

// ErrNotConfigured is returned by NewSupabaseClient when the ledger
// credentials are absent. It is fatal: the service cannot run without its
// state of record.
var ErrNotConfigured = errors.New("storage: ledger URL or service key not configured")

const defaultRequestTimeout = 10 * time.Second

// SupabaseClient talks to a Supabase-style REST ledger. Message-level
// operations go through SQL RPC functions (the ledger owns the
// session-to-conversation mapping and the dedup uniqueness constraint);
// conversation and contact records are plain table reads/patches.
type SupabaseClient struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// NewSupabaseClient builds a ledger client. Both parameters are required.
func NewSupabaseClient(baseURL, serviceKey string) (*SupabaseClient, error) {
	if baseURL == "" || serviceKey == "" {
		return nil, ErrNotConfigured
	}
	return &SupabaseClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}, nil
}

// RegisterMessage invokes the register_webchat_message RPC. The function
// creates the conversation on the first inbound message for a session and
// enforces the (session, client_message_id) uniqueness constraint.
func (s *SupabaseClient) RegisterMessage(ctx context.Context, p RegisterMessageParams) (*RegisterResult, error) {
	payload := map[string]any{
		"p_session_id": p.SessionID,
		"p_author":     p.Author,
		"p_content":    p.Content,
	}
	if p.ResponseID != "" {
		payload["p_response_id"] = p.ResponseID
	}
	if len(p.Metadata) > 0 {
		payload["p_metadata"] = p.Metadata
	}

	var out RegisterResult
	if err := s.rpc(ctx, "register_webchat_message", payload, &out); err != nil {
		return nil, err
	}
	if out.ConversationID == "" {
		return nil, &StorageError{Op: "register_webchat_message", Err: errors.New("response missing conversation_id")}
	}
	return &out, nil
}

func (s *SupabaseClient) FetchConversation(ctx context.Context, id string) (*datatypes.Conversation, error) {
	var rows []datatypes.Conversation
	query := url.Values{
		"id":     []string{"eq." + id},
		"select": []string{"id,channel,contact_id,manual_override,upstream_conversation_id,last_response_id,created_at"},
	}
	if err := s.get(ctx, "conversations", query, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &StorageError{Op: "fetch_conversation", Status: http.StatusNotFound, Err: fmt.Errorf("conversation %q not found", id)}
	}
	return &rows[0], nil
}

func (s *SupabaseClient) FindMessageByClientID(ctx context.Context, sessionID, clientID string) (*datatypes.Message, error) {
	payload := map[string]any{
		"p_session_id":        sessionID,
		"p_client_message_id": clientID,
	}
	var rows []datatypes.Message
	if err := s.rpc(ctx, "find_message_by_client_id", payload, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SupabaseClient) FetchReplyForMessage(ctx context.Context, conversationID, inReplyTo string) (*datatypes.Message, error) {
	payload := map[string]any{
		"p_conversation_id": conversationID,
		"p_in_reply_to":     inReplyTo,
	}
	var rows []datatypes.Message
	if err := s.rpc(ctx, "fetch_reply_for_message", payload, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SupabaseClient) ListHistory(ctx context.Context, sessionID string, limit int, since string) ([]datatypes.Message, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	payload := map[string]any{
		"p_session_id": sessionID,
		"p_limit":      limit,
	}
	if since != "" {
		payload["p_since"] = since
	}
	var rows []datatypes.Message
	if err := s.rpc(ctx, "list_webchat_history", payload, &rows); err != nil {
		return nil, "", err
	}
	next := ""
	if len(rows) == limit {
		next = rows[len(rows)-1].CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return rows, next, nil
}

func (s *SupabaseClient) MarkSessionClosed(ctx context.Context, sessionID string) error {
	return s.rpc(ctx, "mark_session_closed", map[string]any{"p_session_id": sessionID}, nil)
}

func (s *SupabaseClient) FetchContact(ctx context.Context, id string) (*datatypes.Contact, error) {
	var rows []datatypes.Contact
	query := url.Values{
		"id":    []string{"eq." + id},
		"limit": []string{"1"},
	}
	if err := s.get(ctx, "contacts", query, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &StorageError{Op: "fetch_contact", Status: http.StatusNotFound, Err: fmt.Errorf("contact %q not found", id)}
	}
	return &rows[0], nil
}

func (s *SupabaseClient) UpdateContact(ctx context.Context, id string, patch map[string]any) (*datatypes.Contact, error) {
	query := url.Values{"id": []string{"eq." + id}}
	var rows []datatypes.Contact
	if err := s.do(ctx, http.MethodPatch, "/rest/v1/contacts", query, patch, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &StorageError{Op: "update_contact", Status: http.StatusNotFound, Err: fmt.Errorf("contact %q not found", id)}
	}
	return &rows[0], nil
}

// rpc calls a SQL function under /rest/v1/rpc. Supabase returns either a
// bare object or a single-element array depending on the function's return
// type; out handles both shapes via normalizeRPCBody.
func (s *SupabaseClient) rpc(ctx context.Context, fn string, payload map[string]any, out any) error {
	return s.do(ctx, http.MethodPost, "/rest/v1/rpc/"+fn, nil, payload, out)
}

func (s *SupabaseClient) get(ctx context.Context, table string, query url.Values, out any) error {
	return s.do(ctx, http.MethodGet, "/rest/v1/"+table, query, nil, out)
}

func (s *SupabaseClient) do(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	op := method + " " + path
	endpoint := s.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return &StorageError{Op: op, Err: err}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &StorageError{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 400 {
		return &StorageError{
			Op:     op,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("ledger responded %s: %s", strconv.Itoa(resp.StatusCode), truncate(string(raw), 512)),
		}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(normalizeRPCBody(raw, out), out); err != nil {
		return &StorageError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// normalizeRPCBody unwraps a single-element JSON array when the caller
// expects an object, since PostgREST wraps set-returning functions in an
// array.
func normalizeRPCBody(raw []byte, out any) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return trimmed
	}
	switch out.(type) {
	case *[]datatypes.Message, *[]datatypes.Conversation, *[]datatypes.Contact:
		return trimmed
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(trimmed, &arr); err != nil || len(arr) == 0 {
		return trimmed
	}
	return arr[0]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
