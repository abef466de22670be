// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the webchat live channel.

package handlers_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/webchat/ws" + query
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestHandleWebchatWS(t *testing.T) {
	ledger := &memoryLedger{}
	srv := httptest.NewServer(newTestRouter(t, ledger))
	defer srv.Close()

	ws := dialWS(t, srv, "")

	// The greeting assigns a session id when the widget brings none.
	var greeting map[string]string
	require.NoError(t, ws.ReadJSON(&greeting))
	assert.NotEmpty(t, greeting["session_id"])

	require.NoError(t, ws.WriteJSON(map[string]string{"content": "Hola"}))
	var resp WSResponsePayload
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, greeting["session_id"], resp.SessionID)
	assert.Equal(t, "echo: Hola", resp.Reply)
	assert.Empty(t, resp.Error)

	// Empty submissions are rejected without ending the connection.
	require.NoError(t, ws.WriteJSON(map[string]string{"content": ""}))
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, "empty message", resp.Error)

	require.NoError(t, ws.WriteJSON(map[string]string{"content": "Sigue"}))
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, "echo: Sigue", resp.Reply)
}

func TestHandleWebchatWS_ExistingSession(t *testing.T) {
	ledger := &memoryLedger{}
	srv := httptest.NewServer(newTestRouter(t, ledger))
	defer srv.Close()

	ws := dialWS(t, srv, "?session_id=s-widget")

	var greeting map[string]string
	require.NoError(t, ws.ReadJSON(&greeting))
	assert.Equal(t, "s-widget", greeting["session_id"])
}

func TestHandleWebchatWS_Close(t *testing.T) {
	ledger := &memoryLedger{}
	srv := httptest.NewServer(newTestRouter(t, ledger))
	defer srv.Close()

	ws := dialWS(t, srv, "?session_id=s-close")

	var greeting map[string]string
	require.NoError(t, ws.ReadJSON(&greeting))

	require.NoError(t, ws.WriteJSON(map[string]string{"action": "close"}))
	var resp WSResponsePayload
	require.NoError(t, ws.ReadJSON(&resp))
	assert.Equal(t, "s-close", resp.SessionID)

	// The server ends the connection after a close.
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	assert.Equal(t, []string{"s-close"}, ledger.closed)
}

// WSResponsePayload mirrors the wire shape of the live-channel reply for
// decoding on the client side of the tests.
type WSResponsePayload struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply,omitempty"`
	Error     string `json:"error,omitempty"`
}
