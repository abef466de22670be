// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aiturn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"
)

// ErrMissingAPIKey is returned by NewOpenAITurnService when no API key is
// configured. Fatal: the assistant cannot run without its upstream.
var ErrMissingAPIKey = errors.New("aiturn: OpenAI API key not configured")

// assistantAPI is the subset of the OpenAI client used by the turn service.
// Kept as an interface so tests can substitute a scripted fake.
type assistantAPI interface {
	CreateThread(ctx context.Context, request openai.ThreadRequest) (openai.Thread, error)
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (openai.Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, request openai.SubmitToolOutputsRequest) (openai.Run, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order, after, before, runID *string) (openai.MessagesList, error)
	RetrieveAssistant(ctx context.Context, assistantID string) (openai.Assistant, error)
}

// assistantProfile is the resolved {model, instructions, tools} triple for
// an assistant identity, cached to avoid repeated remote lookups.
type assistantProfile struct {
	Model        string
	Instructions string
	Tools        []openai.Tool
}

// Options configures the OpenAI turn service.
type Options struct {
	// AssistantID is the upstream assistant identity (asst_...).
	AssistantID string

	// ResolveProfile switches request building from the fixed assistant
	// reference to the dynamically resolved triple mode: the assistant's
	// model, instructions and tool schema are fetched once, cached, and
	// passed as explicit run overrides.
	ResolveProfile bool

	// PollInterval/MaxPollAttempts bound the run status polling loop.
	PollInterval    time.Duration
	MaxPollAttempts int
}

// OpenAITurnService implements TurnService on the OpenAI Assistants API.
// A conversation handle is a thread id; a response id is a run id.
type OpenAITurnService struct {
	client assistantAPI
	opts   Options

	profileMu sync.Mutex
	profiles  map[string]*assistantProfile
	resolveSF singleflight.Group

	// runThreads maps run ids back to their thread so a caller holding
	// only a previous response id can recover continuity.
	runMu      sync.Mutex
	runThreads map[string]string
}

// NewOpenAITurnService builds the production turn service.
func NewOpenAITurnService(apiKey string, opts Options) (*OpenAITurnService, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	return newOpenAITurnService(openai.NewClientWithConfig(cfg), opts), nil
}

func newOpenAITurnService(client assistantAPI, opts Options) *OpenAITurnService {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 800 * time.Millisecond
	}
	if opts.MaxPollAttempts <= 0 {
		opts.MaxPollAttempts = 75
	}
	return &OpenAITurnService{
		client:     client,
		opts:       opts,
		profiles:   make(map[string]*assistantProfile),
		runThreads: make(map[string]string),
	}
}

func (s *OpenAITurnService) NewConversation(ctx context.Context) (string, error) {
	thread, err := s.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("aiturn: creating conversation: %w", err)
	}
	return thread.ID, nil
}

func (s *OpenAITurnService) CreateTurn(ctx context.Context, req *TurnRequest) (*TurnResponse, error) {
	threadID := req.ConversationHandle
	if threadID == "" && req.PreviousResponseID != "" {
		threadID = s.threadForRun(req.PreviousResponseID)
	}
	if threadID == "" {
		thread, err := s.client.CreateThread(ctx, openai.ThreadRequest{})
		if err != nil {
			return nil, fmt.Errorf("aiturn: creating thread: %w", err)
		}
		threadID = thread.ID
	}

	if _, err := s.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Input,
	}); err != nil {
		return nil, fmt.Errorf("aiturn: appending input: %w", err)
	}

	runReq, err := s.buildRunRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	run, err := s.client.CreateRun(ctx, threadID, runReq)
	if err != nil {
		return nil, fmt.Errorf("aiturn: creating run: %w", err)
	}
	return s.awaitRun(ctx, threadID, run)
}

func (s *OpenAITurnService) SubmitToolOutputs(ctx context.Context, handle, responseID string, outputs []ToolOutput) (*TurnResponse, error) {
	threadID := handle
	if threadID == "" {
		threadID = s.threadForRun(responseID)
	}
	if threadID == "" {
		return nil, fmt.Errorf("aiturn: no conversation handle for response %q", responseID)
	}

	submission := openai.SubmitToolOutputsRequest{}
	for _, out := range outputs {
		submission.ToolOutputs = append(submission.ToolOutputs, openai.ToolOutput{
			ToolCallID: out.ToolCallID,
			Output:     out.Output,
		})
	}
	run, err := s.client.SubmitToolOutputs(ctx, threadID, responseID, submission)
	if err != nil {
		return nil, fmt.Errorf("aiturn: submitting tool outputs: %w", err)
	}
	return s.awaitRun(ctx, threadID, run)
}

// buildRunRequest picks between the fixed assistant reference and the
// resolved-triple request modes.
func (s *OpenAITurnService) buildRunRequest(ctx context.Context, req *TurnRequest) (openai.RunRequest, error) {
	runReq := openai.RunRequest{AssistantID: s.opts.AssistantID}
	if len(req.Metadata) > 0 {
		runReq.Metadata = make(map[string]any, len(req.Metadata))
		for k, v := range req.Metadata {
			runReq.Metadata[k] = v
		}
	}

	if s.opts.ResolveProfile {
		profile, err := s.resolveAssistantProfile(ctx, s.opts.AssistantID)
		if err != nil {
			return openai.RunRequest{}, err
		}
		runReq.Model = profile.Model
		runReq.Instructions = profile.Instructions
		if len(req.Tools) > 0 {
			runReq.Tools = append(toOpenAITools(req.Tools), profile.Tools...)
		}
		return runReq, nil
	}

	if len(req.Tools) > 0 {
		runReq.Tools = toOpenAITools(req.Tools)
	}
	return runReq, nil
}

func (s *OpenAITurnService) resolveAssistantProfile(ctx context.Context, assistantID string) (*assistantProfile, error) {
	s.profileMu.Lock()
	if p, ok := s.profiles[assistantID]; ok {
		s.profileMu.Unlock()
		return p, nil
	}
	s.profileMu.Unlock()

	v, err, _ := s.resolveSF.Do(assistantID, func() (any, error) {
		assistant, err := s.client.RetrieveAssistant(ctx, assistantID)
		if err != nil {
			return nil, fmt.Errorf("aiturn: resolving assistant %q: %w", assistantID, err)
		}
		p := &assistantProfile{Model: assistant.Model}
		if assistant.Instructions != nil {
			p.Instructions = *assistant.Instructions
		}
		for _, t := range assistant.Tools {
			if t.Type == openai.AssistantToolTypeFunction && t.Function != nil {
				p.Tools = append(p.Tools, openai.Tool{
					Type:     openai.ToolTypeFunction,
					Function: t.Function,
				})
			}
		}
		s.profileMu.Lock()
		s.profiles[assistantID] = p
		s.profileMu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*assistantProfile), nil
}

// awaitRun polls the run to a terminal state and maps it onto the tagged
// output union. requires_action is terminal for a single call: the pending
// tool calls become the response output.
func (s *OpenAITurnService) awaitRun(ctx context.Context, threadID string, run openai.Run) (*TurnResponse, error) {
	var err error
	for attempt := 0; attempt < s.opts.MaxPollAttempts; attempt++ {
		switch run.Status {
		case openai.RunStatusRequiresAction:
			s.rememberRun(run.ID, threadID)
			return s.responseFromRequiredAction(threadID, run), nil
		case openai.RunStatusCompleted:
			s.rememberRun(run.ID, threadID)
			return s.responseFromCompletedRun(ctx, threadID, run)
		case openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusExpired, openai.RunStatusIncomplete:
			return nil, fmt.Errorf("aiturn: run %s ended in status %s: %s", run.ID, run.Status, runErrorMessage(run))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("aiturn: awaiting run %s: %w", run.ID, ctx.Err())
		case <-time.After(s.opts.PollInterval):
		}
		run, err = s.client.RetrieveRun(ctx, threadID, run.ID)
		if err != nil {
			return nil, fmt.Errorf("aiturn: polling run: %w", err)
		}
	}
	return nil, fmt.Errorf("aiturn: run %s did not reach a terminal state after %d polls", run.ID, s.opts.MaxPollAttempts)
}

func (s *OpenAITurnService) responseFromRequiredAction(threadID string, run openai.Run) *TurnResponse {
	resp := &TurnResponse{ID: run.ID, ConversationHandle: threadID}
	if run.RequiredAction == nil || run.RequiredAction.SubmitToolOutputs == nil {
		return resp
	}
	for _, call := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
		if call.Type != openai.ToolTypeFunction {
			slog.Warn("Skipping non-function tool call", "run_id", run.ID, "type", call.Type)
			continue
		}
		resp.Output = append(resp.Output, OutputItem{
			Kind: ItemKindToolCall,
			ToolCall: &ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			},
		})
	}
	return resp
}

func (s *OpenAITurnService) responseFromCompletedRun(ctx context.Context, threadID string, run openai.Run) (*TurnResponse, error) {
	resp := &TurnResponse{ID: run.ID, ConversationHandle: threadID}
	order := "asc"
	list, err := s.client.ListMessage(ctx, threadID, nil, &order, nil, nil, &run.ID)
	if err != nil {
		return nil, fmt.Errorf("aiturn: listing run output: %w", err)
	}
	for _, msg := range list.Messages {
		if msg.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		for _, content := range msg.Content {
			if content.Type != "text" || content.Text == nil || content.Text.Value == "" {
				continue
			}
			resp.Output = append(resp.Output, OutputItem{Kind: ItemKindMessage, Text: content.Text.Value})
		}
	}
	return resp, nil
}

func (s *OpenAITurnService) rememberRun(runID, threadID string) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	// Bounded recovery window; old entries are only useful for response-id
	// chaining of recent turns.
	if len(s.runThreads) > 4096 {
		s.runThreads = make(map[string]string)
	}
	s.runThreads[runID] = threadID
}

func (s *OpenAITurnService) threadForRun(runID string) string {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.runThreads[runID]
}

func toOpenAITools(defs []ToolDefinition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}

func runErrorMessage(run openai.Run) string {
	if run.LastError != nil {
		return run.LastError.Message
	}
	return "no error detail"
}
