// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assistant orchestrates webchat turns against the upstream AI
// service.
//
// A turn runs through a fixed pipeline: dedup guard, inbound persistence,
// manual override gate, identity resolution, then the tool-call loop.
// Turns for the same conversation are serialized by a per-conversation
// lock; turns for different conversations run fully concurrently. A
// well-formed submission always produces a reply - a real answer, a
// field-request prompt, or the fallback apology - never a bare failure.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianEngage/services/webchat/aiturn"
	"github.com/AleutianAI/AleutianEngage/services/webchat/datatypes"
	"github.com/AleutianAI/AleutianEngage/services/webchat/leads"
	"github.com/AleutianAI/AleutianEngage/services/webchat/observability"
	"github.com/AleutianAI/AleutianEngage/services/webchat/storage"
)

var assistantTracer = otel.Tracer("aleutian.webchat.assistant")

// WritePolicy names the behavior on ledger write failures during inbound
// persistence. Lenient logs and proceeds (availability over durability);
// strict fails the request.
type WritePolicy string

const (
	WritePolicyLenient WritePolicy = "lenient"
	WritePolicyStrict  WritePolicy = "strict"
)

// Default texts. The fallback apology is the terminal state for an
// unrecoverable failure on the initial AI call; the field-request prompt
// covers a tool loop that produced no text at all.
const (
	DefaultFallbackText = "I'm sorry, I'm having trouble answering right now. Please try again in a moment."

	DefaultFieldRequestText = "Thanks! To follow up with you, could you share your name and an email address or phone number?"
)

// Config tunes the orchestrator. Zero values select the defaults.
type Config struct {
	FallbackText     string
	FieldRequestText string

	// MaxToolRounds bounds the tool-call loop: trust in upstream
	// termination is explicit, not implicit.
	MaxToolRounds int

	// SubmitRetryDelay is the fixed pause before the single retry of a
	// failed tool-output submission.
	SubmitRetryDelay time.Duration

	// HandleTTL expires cached AI conversation handles after inactivity.
	HandleTTL time.Duration

	WritePolicy WritePolicy
}

func (c *Config) applyDefaults() {
	if c.FallbackText == "" {
		c.FallbackText = DefaultFallbackText
	}
	if c.FieldRequestText == "" {
		c.FieldRequestText = DefaultFieldRequestText
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 5
	}
	if c.SubmitRetryDelay <= 0 {
		c.SubmitRetryDelay = 2 * time.Second
	}
	if c.WritePolicy == "" {
		c.WritePolicy = WritePolicyLenient
	}
}

// toolExecutor runs one tool call to a structured result. Satisfied by
// *leads.Executor.
type toolExecutor interface {
	Execute(ctx context.Context, contactID string, call *aiturn.ToolCall) *leads.Result
}

// Service is the webchat turn orchestrator.
type Service struct {
	ledger   storage.Ledger
	ai       aiturn.TurnService
	executor toolExecutor
	offer    leads.OfferPredicate
	metrics  *observability.Metrics
	cfg      Config

	locks   *keyedMutex
	handles *handleCache

	sleep func(time.Duration)
}

// NewService wires the orchestrator. offer may be nil to use the default
// lead-signal predicate; metrics may be nil to use the default registry.
func NewService(ledger storage.Ledger, ai aiturn.TurnService, executor *leads.Executor,
	offer leads.OfferPredicate, metrics *observability.Metrics, cfg Config) *Service {
	cfg.applyDefaults()
	if offer == nil {
		offer = leads.NewLeadSignalPredicate()
	}
	if metrics == nil {
		metrics = observability.Default()
	}
	return &Service{
		ledger:   ledger,
		ai:       ai,
		executor: executor,
		offer:    offer,
		metrics:  metrics,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		handles:  newHandleCache(cfg.HandleTTL),
		sleep:    time.Sleep,
	}
}

// TurnInput is one widget submission plus its request context metadata.
type TurnInput struct {
	SessionID       string
	Author          string
	Content         string
	Locale          string
	ClientMessageID string
	FreshSession    bool
	ClosedRecently  bool
	RequestContext  map[string]any
}

// TurnOutput is the user-visible result of a turn.
type TurnOutput struct {
	Reply              string
	ConversationID     string
	MessageID          string
	AssistantMessageID string
	ResponseID         string
	ToolsCalled        []string
	ManualMode         bool
	Replayed           bool
}

// HandleMessage runs one full turn for a widget submission.
func (s *Service) HandleMessage(ctx context.Context, in *TurnInput) (*TurnOutput, error) {
	ctx, span := assistantTracer.Start(ctx, "AssistantService.HandleMessage")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", in.SessionID))
	start := time.Now()

	if in.Author == "" {
		in.Author = "user"
	}

	// Reset conditions discard any cached handle before resolution.
	if in.FreshSession || in.ClosedRecently {
		s.handles.Drop(in.SessionID)
	}

	// Dedup guard: a replayed client submission short-circuits to the
	// previously computed reply with no AI call and no second persist.
	dedupHandle := ""
	if in.ClientMessageID != "" {
		if out := s.replayIfDuplicate(ctx, in, &dedupHandle); out != nil {
			span.SetAttributes(attribute.Bool("turn.replayed", true))
			s.metrics.DedupReplaysTotal.Inc()
			s.metrics.TurnsTotal.WithLabelValues(observability.OutcomeReplayed).Inc()
			s.metrics.TurnDurationSeconds.WithLabelValues(observability.OutcomeReplayed).Observe(time.Since(start).Seconds())
			return out, nil
		}
	}

	// Persist the inbound message. The ledger mints the conversation on
	// first contact for the session.
	conversationID, messageID, ledgerHandle, err := s.persistInbound(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "inbound persistence failed")
		return nil, err
	}

	// Manual override gate. Missing or unreadable records fail open to
	// automatic mode.
	conv := s.fetchConversation(ctx, conversationID)
	if conv != nil && conv.ManualOverride {
		slog.Info("Turn suppressed by manual override", "conversation_id", conversationID)
		s.metrics.ManualSuppressionsTotal.Inc()
		s.metrics.TurnsTotal.WithLabelValues(observability.OutcomeManual).Inc()
		s.metrics.TurnDurationSeconds.WithLabelValues(observability.OutcomeManual).Observe(time.Since(start).Seconds())
		return &TurnOutput{
			ConversationID: conversationID,
			MessageID:      messageID,
			ManualMode:     true,
		}, nil
	}

	// Exactly one in-flight turn per conversation key. This is what keeps
	// the upstream from seeing the same conversation used twice at once.
	lockKey := conversationID
	if lockKey == "" {
		lockKey = in.SessionID
	}
	s.locks.Lock(lockKey)
	defer s.locks.Unlock(lockKey)

	handle := s.resolveHandle(ctx, in.SessionID, conv, ledgerHandle, dedupHandle)
	reply := s.runTurn(ctx, in, conv, handle)
	if reply.Handle != "" {
		s.handles.Set(in.SessionID, reply.Handle)
	}

	assistantMessageID := s.persistOutbound(ctx, in, messageID, &reply)

	outcome := observability.OutcomeReply
	if reply.Fallback {
		outcome = observability.OutcomeFallback
	}
	s.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	s.metrics.TurnDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	s.metrics.AIRoundsPerTurn.Observe(float64(reply.Rounds))
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.Int("turn.ai_rounds", reply.Rounds),
		attribute.Int("turn.tools_called", len(reply.ToolsCalled)),
	)

	return &TurnOutput{
		Reply:              reply.Text,
		ConversationID:     conversationID,
		MessageID:          messageID,
		AssistantMessageID: assistantMessageID,
		ResponseID:         reply.ResponseID,
		ToolsCalled:        reply.ToolsCalled,
	}, nil
}

// replayIfDuplicate returns the previously computed reply for a repeated
// (session, client_message_id) pair, or nil to proceed with a normal turn.
//
// Known gap: a duplicate arriving before the original turn persists its
// reply is not locked out here and will trigger a second AI call. The
// dedup key constraint in the ledger still keeps the inbound message
// unique.
func (s *Service) replayIfDuplicate(ctx context.Context, in *TurnInput, dedupHandle *string) *TurnOutput {
	prior, err := s.ledger.FindMessageByClientID(ctx, in.SessionID, in.ClientMessageID)
	if err != nil {
		slog.Warn("Dedup lookup failed, proceeding as a normal turn", "error", err)
		return nil
	}
	if prior == nil {
		return nil
	}

	*dedupHandle = prior.UpstreamConversationID()

	reply, err := s.ledger.FetchReplyForMessage(ctx, prior.ConversationID, prior.ID)
	if err != nil {
		slog.Warn("Dedup reply lookup failed, proceeding as a normal turn", "error", err)
		return nil
	}
	if reply == nil || reply.Content == "" {
		return nil
	}

	slog.Info("Replaying stored reply for duplicate submission",
		"session_id", in.SessionID,
		"client_message_id", in.ClientMessageID,
		"message_id", prior.ID,
	)
	return &TurnOutput{
		Reply:              reply.Content,
		ConversationID:     prior.ConversationID,
		MessageID:          prior.ID,
		AssistantMessageID: reply.ID,
		ResponseID:         reply.ResponseID(),
		Replayed:           true,
	}
}

func (s *Service) persistInbound(ctx context.Context, in *TurnInput) (conversationID, messageID, handle string, err error) {
	metadata := map[string]any{}
	for k, v := range in.RequestContext {
		metadata[k] = v
	}
	if in.Locale != "" {
		metadata["locale"] = in.Locale
	}
	if in.ClientMessageID != "" {
		metadata["client_message_id"] = in.ClientMessageID
	}

	record, err := s.ledger.RegisterMessage(ctx, storage.RegisterMessageParams{
		SessionID: in.SessionID,
		Author:    in.Author,
		Content:   in.Content,
		Metadata:  metadata,
	})
	if err != nil {
		if s.cfg.WritePolicy == WritePolicyStrict {
			return "", "", "", fmt.Errorf("assistant: persisting inbound message: %w", err)
		}
		// Availability over durability: the visitor still gets an answer
		// even when the ledger is down.
		slog.Error("Failed to persist inbound message, proceeding without a conversation record", "error", err)
		s.metrics.LedgerWriteFailuresTotal.WithLabelValues("inbound").Inc()
		return "", "", "", nil
	}

	slog.Info("Webchat message received",
		"conversation_id", record.ConversationID,
		"message_id", record.MessageID,
		"session_id", in.SessionID,
		"author", in.Author,
	)
	return record.ConversationID, record.MessageID, record.UpstreamConversationID, nil
}

func (s *Service) fetchConversation(ctx context.Context, conversationID string) *datatypes.Conversation {
	if conversationID == "" {
		return nil
	}
	conv, err := s.ledger.FetchConversation(ctx, conversationID)
	if err != nil {
		slog.Warn("Failed to fetch conversation record, failing open to automatic mode",
			"conversation_id", conversationID, "error", err)
		return nil
	}
	return conv
}

// resolveHandle applies the identity resolution rules in priority order:
// the conversation record's handle, the handle stored with the original of
// a duplicate, the process-local cache, and finally a freshly minted
// handle. Creation failure degrades to a handleless turn rather than
// failing the request.
func (s *Service) resolveHandle(ctx context.Context, sessionID string, conv *datatypes.Conversation, ledgerHandle, dedupHandle string) string {
	if conv != nil && conv.UpstreamConversationID != "" {
		s.handles.Set(sessionID, conv.UpstreamConversationID)
		return conv.UpstreamConversationID
	}
	if ledgerHandle != "" {
		s.handles.Set(sessionID, ledgerHandle)
		return ledgerHandle
	}
	if dedupHandle != "" {
		s.handles.Set(sessionID, dedupHandle)
		return dedupHandle
	}
	if cached := s.handles.Get(sessionID); cached != "" {
		return cached
	}

	handle, err := s.ai.NewConversation(ctx)
	if err != nil {
		slog.Warn("Failed to mint AI conversation handle, replying without cross-turn memory", "error", err)
		return ""
	}
	s.handles.Set(sessionID, handle)
	return handle
}

func (s *Service) persistOutbound(ctx context.Context, in *TurnInput, inReplyTo string, reply *assistantReply) string {
	metadata := map[string]any{
		"in_reply_to": inReplyTo,
	}
	if in.Locale != "" {
		metadata["locale"] = in.Locale
	}
	if reply.Handle != "" {
		metadata["upstream_conversation_id"] = reply.Handle
	}
	if reply.ResponseID != "" {
		metadata["response_id"] = reply.ResponseID
	}
	if len(reply.ToolsCalled) > 0 {
		metadata["tools_called"] = reply.ToolsCalled
	}
	if reply.Fallback {
		metadata["fallback"] = true
	}

	record, err := s.ledger.RegisterMessage(ctx, storage.RegisterMessageParams{
		SessionID:  in.SessionID,
		Author:     "assistant",
		Content:    reply.Text,
		ResponseID: reply.ResponseID,
		Metadata:   metadata,
	})
	if err != nil {
		slog.Error("Failed to persist assistant reply", "session_id", in.SessionID, "error", err)
		s.metrics.LedgerWriteFailuresTotal.WithLabelValues("outbound").Inc()
		return ""
	}
	slog.Info("Webchat reply sent",
		"conversation_id", record.ConversationID,
		"message_id", record.MessageID,
		"session_id", in.SessionID,
		"response_id", reply.ResponseID,
	)
	return record.MessageID
}

// CloseSession handles an explicit widget close: the cached handle is
// discarded and the ledger records the close so the next message starts a
// fresh AI conversation.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	s.handles.Drop(sessionID)
	if err := s.ledger.MarkSessionClosed(ctx, sessionID); err != nil {
		return fmt.Errorf("assistant: closing session: %w", err)
	}
	return nil
}

// History returns the stored messages for a session in creation order.
func (s *Service) History(ctx context.Context, sessionID string, limit int, since string) ([]datatypes.Message, string, error) {
	messages, next, err := s.ledger.ListHistory(ctx, sessionID, limit, since)
	if err != nil {
		return nil, "", fmt.Errorf("assistant: listing history: %w", err)
	}
	return messages, next, nil
}

// assistantReply is the internal result of the AI exchange for one turn.
type assistantReply struct {
	Text        string
	ResponseID  string
	Handle      string
	ToolsCalled []string
	Rounds      int
	Fallback    bool
}

// runTurn drives the state machine: build request, call the AI service,
// execute pending tool calls in batches until none remain, then apply the
// empty-text fallback chain.
func (s *Service) runTurn(ctx context.Context, in *TurnInput, conv *datatypes.Conversation, handle string) assistantReply {
	ctx, span := assistantTracer.Start(ctx, "AssistantService.runTurn")
	defer span.End()

	req := &aiturn.TurnRequest{
		Input:              in.Content,
		ConversationHandle: handle,
		Metadata: map[string]string{
			"channel":    "webchat",
			"session_id": in.SessionID,
			"locale":     in.Locale,
		},
	}
	if handle == "" && conv != nil {
		req.PreviousResponseID = conv.LastResponseID
	}
	if s.offer.ShouldOfferTools(in.Content) {
		req.Tools = []aiturn.ToolDefinition{leads.CaptureLeadTool()}
	}

	resp, err := s.ai.CreateTurn(ctx, req)
	if err != nil {
		// Fatal for the turn: degrade to the fixed apology, which is
		// still persisted as the outbound message.
		span.RecordError(err)
		span.SetStatus(codes.Error, "initial AI call failed")
		slog.Error("Initial AI call failed, using fallback reply", "session_id", in.SessionID, "error", err)
		return assistantReply{Text: s.cfg.FallbackText, Handle: handle, Rounds: 1, Fallback: true}
	}

	reply := assistantReply{Rounds: 1}
	texts := resp.TextFragments()
	contactID := ""
	if conv != nil {
		contactID = conv.ContactID
	}

	for round := 0; round < s.cfg.MaxToolRounds; round++ {
		calls := resp.PendingToolCalls()
		if len(calls) == 0 {
			break
		}

		// Execute every pending invocation, then submit the outputs as
		// one batch.
		outputs := make([]aiturn.ToolOutput, 0, len(calls))
		for _, call := range calls {
			result := s.executor.Execute(ctx, contactID, call)
			s.metrics.ToolExecutionsTotal.WithLabelValues(result.Status).Inc()
			reply.ToolsCalled = append(reply.ToolsCalled, call.Name)
			outputs = append(outputs, aiturn.ToolOutput{ToolCallID: call.ID, Output: result.Encode()})
		}

		next, err := s.ai.SubmitToolOutputs(ctx, resp.ConversationHandle, resp.ID, outputs)
		reply.Rounds++
		if err != nil {
			slog.Warn("Tool-output submission failed, retrying once", "response_id", resp.ID, "error", err)
			s.sleep(s.cfg.SubmitRetryDelay)
			next, err = s.ai.SubmitToolOutputs(ctx, resp.ConversationHandle, resp.ID, outputs)
			reply.Rounds++
			if err != nil {
				slog.Error("Tool-output submission failed twice, keeping last response", "response_id", resp.ID, "error", err)
				break
			}
		}
		resp = next
		texts = append(texts, resp.TextFragments()...)
	}
	if len(resp.PendingToolCalls()) > 0 {
		slog.Warn("Tool loop hit the round bound with calls still pending",
			"response_id", resp.ID, "max_rounds", s.cfg.MaxToolRounds)
	}

	reply.ResponseID = resp.ID
	reply.Handle = resp.ConversationHandle
	reply.Text = strings.TrimSpace(strings.Join(texts, "\n"))

	// Empty-text fallback chain: one "continue" call on the same context,
	// then the static field-request prompt.
	if reply.Text == "" {
		cont, err := s.ai.CreateTurn(ctx, &aiturn.TurnRequest{
			Input:              "Continue.",
			ConversationHandle: resp.ConversationHandle,
		})
		reply.Rounds++
		if err == nil {
			reply.ResponseID = cont.ID
			reply.Handle = cont.ConversationHandle
			reply.Text = strings.TrimSpace(strings.Join(cont.TextFragments(), "\n"))
		} else {
			slog.Warn("Continue call failed", "error", err)
		}
	}
	if reply.Text == "" {
		slog.Info("No text after tool loop, issuing field-request prompt", "session_id", in.SessionID)
		reply.Text = s.cfg.FieldRequestText
	}
	return reply
}
