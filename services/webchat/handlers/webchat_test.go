// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the webchat HTTP surface.

package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEngage/services/webchat/aiturn"
	"github.com/AleutianAI/AleutianEngage/services/webchat/assistant"
	"github.com/AleutianAI/AleutianEngage/services/webchat/clientinfo"
	"github.com/AleutianAI/AleutianEngage/services/webchat/datatypes"
	"github.com/AleutianAI/AleutianEngage/services/webchat/leads"
	"github.com/AleutianAI/AleutianEngage/services/webchat/observability"
	"github.com/AleutianAI/AleutianEngage/services/webchat/routes"
	"github.com/AleutianAI/AleutianEngage/services/webchat/storage"
)

// =============================================================================
// Fakes
// =============================================================================

type memoryLedger struct {
	mu       sync.Mutex
	seq      int
	messages []storage.RegisterMessageParams
	history  []datatypes.Message
	closed   []string
	broken   bool
}

func (l *memoryLedger) RegisterMessage(_ context.Context, p storage.RegisterMessageParams) (*storage.RegisterResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broken {
		return nil, fmt.Errorf("ledger down")
	}
	l.seq++
	l.messages = append(l.messages, p)
	return &storage.RegisterResult{ConversationID: "conv-1", MessageID: fmt.Sprintf("m%d", l.seq)}, nil
}

func (l *memoryLedger) FetchConversation(context.Context, string) (*datatypes.Conversation, error) {
	return &datatypes.Conversation{ID: "conv-1", UpstreamConversationID: "th-1"}, nil
}

func (l *memoryLedger) FindMessageByClientID(context.Context, string, string) (*datatypes.Message, error) {
	return nil, nil
}

func (l *memoryLedger) FetchReplyForMessage(context.Context, string, string) (*datatypes.Message, error) {
	return nil, nil
}

func (l *memoryLedger) ListHistory(context.Context, string, int, string) ([]datatypes.Message, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.broken {
		return nil, "", fmt.Errorf("ledger down")
	}
	return l.history, "", nil
}

func (l *memoryLedger) MarkSessionClosed(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = append(l.closed, sessionID)
	return nil
}

func (l *memoryLedger) FetchContact(context.Context, string) (*datatypes.Contact, error) {
	return nil, fmt.Errorf("no contacts in this fake")
}

func (l *memoryLedger) UpdateContact(context.Context, string, map[string]any) (*datatypes.Contact, error) {
	return nil, fmt.Errorf("no contacts in this fake")
}

type echoAI struct{}

func (echoAI) NewConversation(context.Context) (string, error) { return "th-1", nil }

func (echoAI) CreateTurn(_ context.Context, req *aiturn.TurnRequest) (*aiturn.TurnResponse, error) {
	return &aiturn.TurnResponse{
		ID:                 "r1",
		ConversationHandle: req.ConversationHandle,
		Output:             []aiturn.OutputItem{{Kind: aiturn.ItemKindMessage, Text: "echo: " + req.Input}},
	}, nil
}

func (echoAI) SubmitToolOutputs(context.Context, string, string, []aiturn.ToolOutput) (*aiturn.TurnResponse, error) {
	return nil, fmt.Errorf("not used")
}

func newTestRouter(t *testing.T, ledger *memoryLedger) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := assistant.NewService(ledger, echoAI{}, leads.NewExecutor(ledger), nil,
		observability.NewMetrics(prometheus.NewRegistry()), assistant.Config{})

	router := gin.New()
	routes.SetupRoutes(router, svc, clientinfo.NewExtractor(nil), routes.Options{})
	return router
}

// =============================================================================
// Tests
// =============================================================================

func TestHealthCheck(t *testing.T) {
	router := newTestRouter(t, &memoryLedger{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandleWebchatMessage(t *testing.T) {
	ledger := &memoryLedger{}
	router := newTestRouter(t, ledger)

	body := `{"session_id":"s1","content":"Hola","client_message_id":"cm-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/webchat/message", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0) Mobile/15E148")
	req.Header.Set("X-Forwarded-For", "203.0.113.7")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.WebchatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "echo: Hola", resp.Reply)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, "conv-1", resp.Metadata.ConversationID)
	assert.Equal(t, "r1", resp.Metadata.AssistantResponseID)

	// The inbound message carries the extracted request context.
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	require.NotEmpty(t, ledger.messages)
	inbound := ledger.messages[0]
	assert.Equal(t, "user", inbound.Author)
	assert.Equal(t, "203.0.113.7", inbound.Metadata["ip"])
	assert.Equal(t, clientinfo.DeviceMobile, inbound.Metadata["device_type"])
	assert.Equal(t, "cm-1", inbound.Metadata["client_message_id"])
}

func TestHandleWebchatMessage_BadRequests(t *testing.T) {
	router := newTestRouter(t, &memoryLedger{})

	tests := []struct {
		name string
		body string
	}{
		{"not json", `this is not json`},
		{"missing session", `{"content":"Hola"}`},
		{"missing content", `{"session_id":"s1"}`},
		{"bad author", `{"session_id":"s1","content":"x","author":"hacker"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/webchat/message", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHandleWebchatHistory(t *testing.T) {
	ledger := &memoryLedger{history: []datatypes.Message{
		{ID: "m1", Direction: datatypes.DirectionInbound, Content: "Hola", CreatedAt: time.Now()},
		{ID: "m2", Direction: datatypes.DirectionOutbound, Content: "Hello!", CreatedAt: time.Now()},
	}}
	router := newTestRouter(t, ledger)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/webchat/sessions/s1/history?limit=10", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.WebchatHistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "Hola", resp.Messages[0].Content)
	assert.Equal(t, datatypes.DirectionOutbound, resp.Messages[1].Direction)
}

func TestHandleWebchatHistory_LedgerDown(t *testing.T) {
	router := newTestRouter(t, &memoryLedger{broken: true})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/webchat/sessions/s1/history", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHandleWebchatClose(t *testing.T) {
	ledger := &memoryLedger{}
	router := newTestRouter(t, ledger)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/webchat/sessions/s1/close", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"s1"}, ledger.closed)
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, &memoryLedger{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
