package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/bookrag/internal/api/handlers"
)

type capturedRequest struct {
	path      string
	sessionID string
	payload   map[string]interface{}
}

func newChatServer(t *testing.T, status int, body string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.sessionID = r.Header.Get("X-Session-ID")
		_ = json.NewDecoder(r.Body).Decode(&got.payload)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestAsk_GlobalQuestion(t *testing.T) {
	srv, got := newChatServer(t, http.StatusOK, `{"data":{"query_id":"q-1","answer":"A frame is a coordinate system.","citations":[{"chunk_id":"2-2.1-000","chapter":2,"section":"2.1","url_anchor":"frames","relevance_score":0.91,"text_preview":"A frame...","source":"Chapter 2, Section 2.1: Frames"}],"grounded":true,"state":"ANSWERED","mode":"global"}}`)

	resp, err := ask(context.Background(), NewAPIClientWithConfig(srv.URL), "What is a frame?", "", false)
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/chat", got.path)
	assert.Equal(t, "What is a frame?", got.payload["query"])
	assert.NotEmpty(t, got.sessionID)
	assert.Equal(t, "q-1", resp.QueryID)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "frames", resp.Citations[0].URLAnchor)
}

func TestAsk_SelectedText(t *testing.T) {
	srv, got := newChatServer(t, http.StatusOK, `{"data":{"query_id":"q-2","answer":"It corrects errors.","citations":[],"grounded":true,"state":"ANSWERED","mode":"selected"}}`)

	resp, err := ask(context.Background(), NewAPIClientWithConfig(srv.URL), "What does it do?", "Feedback control corrects errors.", false)
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/chat/selected", got.path)
	assert.Equal(t, "Feedback control corrects errors.", got.payload["selected_text"])
	assert.Equal(t, "selected", resp.Mode)
}

func TestAsk_APIError(t *testing.T) {
	srv, _ := newChatServer(t, http.StatusServiceUnavailable, `{"error":"[SERVICE_UNAVAILABLE] generation service unavailable","code":"SERVICE_UNAVAILABLE"}`)

	_, err := ask(context.Background(), NewAPIClientWithConfig(srv.URL), "q", "", false)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "SERVICE_UNAVAILABLE", apiErr.Code)
}

func TestAsk_NonJSONError(t *testing.T) {
	srv, _ := newChatServer(t, http.StatusBadGateway, `upstream down`)

	_, err := ask(context.Background(), NewAPIClientWithConfig(srv.URL), "q", "", false)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestPrintAnswer(t *testing.T) {
	resp := &handlers.ChatResponse{
		Answer: "A frame is a coordinate system.\n",
		Citations: []*handlers.CitationResponse{
			{Source: "Chapter 2, Section 2.1: Frames", URLAnchor: "frames", RelevanceScore: 0.912},
		},
		Debug: &handlers.DebugResponse{
			States:          []string{"RECEIVED", "EMBEDDING"},
			RetrievedChunks: []*handlers.RetrievedChunkResponse{{ChunkID: "2-2.1-000", Score: 0.912}},
		},
	}

	var out bytes.Buffer
	require.NoError(t, printAnswer(&out, resp, false))

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "A frame is a coordinate system.\n"))
	assert.Contains(t, text, "[1] Chapter 2, Section 2.1: Frames #frames (score 0.91)")
	assert.Contains(t, text, "States: RECEIVED -> EMBEDDING")
	assert.Contains(t, text, "2-2.1-000")
}

func TestPrintAnswer_JSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printAnswer(&out, &handlers.ChatResponse{QueryID: "q-1", Answer: "x"}, true))

	var decoded handlers.ChatResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "q-1", decoded.QueryID)
}

func TestReadSelected_Stdin(t *testing.T) {
	text, err := readSelected("-", strings.NewReader("passage from stdin"))
	require.NoError(t, err)
	assert.Equal(t, "passage from stdin", text)

	_, err = readSelected("/does/not/exist.txt", nil)
	assert.Error(t, err)
}
