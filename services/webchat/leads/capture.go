// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package leads executes the lead-capture tool and normalizes contact data
// surfaced mid-conversation.
//
// Exactly one tool is authoritative: capture_lead. Any other tool name is
// answered with an ignored/unsupported structured result so the turn can
// continue. Validation failures are likewise structured results, never
// errors - a malformed email must not break the conversation.
package leads

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianEngage/services/webchat/aiturn"
	"github.com/AleutianAI/AleutianEngage/services/webchat/storage"
)

// ToolNameCaptureLead is the single authoritative domain tool.
const ToolNameCaptureLead = "capture_lead"

// Result statuses and error codes returned to the AI service.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusIgnored = "ignored"

	ErrContactInfoRequired = "contact_info_required"
	ErrInvalidEmail        = "invalid_email"
	ErrContactUnavailable  = "contact_unavailable"
	ErrContactUpdateFailed = "contact_update_failed"
)

// scalarFields are the capture fields merged into the contact record.
var scalarFields = []string{"name", "email", "phone", "company", "notes", "purpose"}

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)

// minPhoneDigits is the minimum digit count for a usable phone number.
// Shorter values are treated as noise and omitted, not rejected.
const minPhoneDigits = 7

// Result is the tool's structured output, serialized as-is into the next
// AI call.
type Result struct {
	Status        string         `json:"status"`
	Message       string         `json:"message,omitempty"`
	ContactID     string         `json:"contact_id,omitempty"`
	AppliedPatch  map[string]any `json:"applied_patch,omitempty"`
	UpdatedFields []string       `json:"updated_fields,omitempty"`
}

// Encode renders the result for tool-output submission.
func (r *Result) Encode() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return `{"status":"error","message":"encoding_failed"}`
	}
	return string(raw)
}

// CaptureLeadTool returns the function schema offered to the AI service.
func CaptureLeadTool() aiturn.ToolDefinition {
	return aiturn.ToolDefinition{
		Name:        ToolNameCaptureLead,
		Description: "Store contact details the visitor shared (name, email, phone, company, purpose). Call once the visitor has provided an email address or phone number.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":    map[string]any{"type": "string", "description": "Visitor's full name"},
				"email":   map[string]any{"type": "string", "description": "Email address"},
				"phone":   map[string]any{"type": "string", "description": "Phone number, any format"},
				"company": map[string]any{"type": "string", "description": "Company or organization"},
				"notes":   map[string]any{"type": "string", "description": "Free-form notes about the visitor's request"},
				"purpose": map[string]any{"type": "string", "description": "What the visitor wants to accomplish"},
			},
			"required": []string{},
		},
	}
}

// Executor validates and applies capture_lead invocations against the
// contact store.
type Executor struct {
	contacts storage.ContactStore
	now      func() time.Time
}

// NewExecutor builds an executor over the given contact store.
func NewExecutor(contacts storage.ContactStore) *Executor {
	return &Executor{contacts: contacts, now: time.Now}
}

// Execute runs one tool call. It never returns an error: every outcome,
// including validation failures and store outages, is a structured Result
// the turn can continue with.
func (e *Executor) Execute(ctx context.Context, contactID string, call *aiturn.ToolCall) *Result {
	if call.Name != ToolNameCaptureLead {
		slog.Warn("Ignoring unsupported tool call", "tool", call.Name, "call_id", call.ID)
		return &Result{Status: StatusIgnored, Message: "unsupported_tool:" + call.Name}
	}

	args := decodeArguments(call.Arguments)

	email := strings.TrimSpace(stringArg(args, "email"))
	rawPhone := strings.TrimSpace(stringArg(args, "phone"))
	if email == "" && rawPhone == "" {
		return &Result{Status: StatusError, Message: ErrContactInfoRequired}
	}
	if email != "" && !emailPattern.MatchString(email) {
		return &Result{Status: StatusError, Message: ErrInvalidEmail}
	}

	phone, usable := NormalizePhone(rawPhone)
	if rawPhone != "" && !usable {
		slog.Info("Dropping unusable phone number", "digits", len(rawPhone))
		phone = ""
	}

	if contactID == "" {
		// The ledger write that would have minted the contact failed
		// earlier in the turn; nothing to merge into.
		return &Result{Status: StatusError, Message: ErrContactUnavailable}
	}

	supplied := map[string]string{
		"name":    strings.TrimSpace(stringArg(args, "name")),
		"email":   email,
		"phone":   phone,
		"company": strings.TrimSpace(stringArg(args, "company")),
		"notes":   strings.TrimSpace(stringArg(args, "notes")),
		"purpose": strings.TrimSpace(stringArg(args, "purpose")),
	}

	contact, err := e.contacts.FetchContact(ctx, contactID)
	if err != nil {
		slog.Error("Failed to fetch contact for lead capture", "contact_id", contactID, "error", err)
		return &Result{Status: StatusError, Message: ErrContactUnavailable, ContactID: contactID}
	}

	patch := map[string]any{}
	var updated []string
	for _, field := range scalarFields {
		value := supplied[field]
		if value == "" || value == contact.Field(field) {
			continue
		}
		patch[field] = value
		updated = append(updated, field)
	}

	if len(patch) == 0 {
		// Identical re-run converges to the same state.
		return &Result{Status: StatusOK, ContactID: contactID}
	}

	patch["capture_source"] = "assistant"
	patch["captured_at"] = e.now().UTC().Format(time.RFC3339)

	if _, err := e.contacts.UpdateContact(ctx, contactID, patch); err != nil {
		slog.Error("Failed to update contact", "contact_id", contactID, "error", err)
		return &Result{Status: StatusError, Message: ErrContactUpdateFailed, ContactID: contactID}
	}

	slog.Info("Captured lead fields", "contact_id", contactID, "fields", updated)
	return &Result{
		Status:        StatusOK,
		ContactID:     contactID,
		AppliedPatch:  patch,
		UpdatedFields: updated,
	}
}

// decodeArguments parses the encoded tool arguments, degrading to an empty
// set on malformed input rather than failing the turn.
func decodeArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		slog.Warn("Malformed tool arguments, treating as empty", "error", err)
		return map[string]any{}
	}
	return args
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// NormalizePhone canonicalizes a phone number: every non-digit character is
// stripped except a leading plus, a leading "00" international prefix is
// rewritten as "+", and numbers under the minimum digit count are reported
// unusable.
//
//	"0052 55 1234 5678" -> "+525512345678"
//	"123"               -> "", false
func NormalizePhone(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}

	var b strings.Builder
	trimmed := strings.TrimSpace(raw)
	plus := strings.HasPrefix(trimmed, "+")
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
		plus = true
	}
	if len(digits) < minPhoneDigits {
		return "", false
	}
	if plus {
		return "+" + digits, true
	}
	return digits, true
}
