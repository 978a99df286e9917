package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/cloo-solutions/bookrag/internal/api"
	"github.com/cloo-solutions/bookrag/internal/api/middleware"
	"github.com/cloo-solutions/bookrag/internal/domain"
)

// Answerer answers a single query to a terminal state.
type Answerer interface {
	Answer(ctx context.Context, q domain.Query) (*domain.AnswerRecord, error)
}

type ChatHandler struct {
	answerer Answerer
}

func NewChatHandler(answerer Answerer) *ChatHandler {
	return &ChatHandler{answerer: answerer}
}

type ChatRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	Debug     bool   `json:"debug,omitempty"`
}

type SelectedChatRequest struct {
	Query        string `json:"query"`
	SelectedText string `json:"selected_text"`
	SessionID    string `json:"session_id,omitempty"`
	Debug        bool   `json:"debug,omitempty"`
}

type CitationResponse struct {
	ChunkID        string  `json:"chunk_id"`
	Chapter        int     `json:"chapter"`
	Section        string  `json:"section"`
	URLAnchor      string  `json:"url_anchor"`
	RelevanceScore float32 `json:"relevance_score"`
	TextPreview    string  `json:"text_preview"`
	Source         string  `json:"source"`
}

type RetrievedChunkResponse struct {
	ChunkID string  `json:"chunk_id"`
	Score   float32 `json:"score"`
	Chapter int     `json:"chapter"`
	Section string  `json:"section"`
	Preview string  `json:"preview"`
}

type DebugResponse struct {
	States             []string                  `json:"states"`
	SnapshotID         string                    `json:"snapshot_id,omitempty"`
	EmbeddingModel     string                    `json:"embedding_model"`
	EmbeddingDimension int                       `json:"embedding_dimension"`
	RetrievedChunks    []*RetrievedChunkResponse `json:"retrieved_chunks"`
	ContextChunks      int                       `json:"context_chunks"`
	DroppedChunks      int                       `json:"dropped_chunks"`
	ContextTokens      int                       `json:"context_tokens"`
	GenerationAttempts int                       `json:"generation_attempts"`
}

type ChatResponse struct {
	QueryID          string              `json:"query_id"`
	Answer           string              `json:"answer"`
	Citations        []*CitationResponse `json:"citations"`
	Grounded         bool                `json:"grounded"`
	State            string              `json:"state"`
	Mode             string              `json:"mode"`
	GenerationTimeMS int64               `json:"generation_time_ms"`
	Debug            *DebugResponse      `json:"debug_metadata,omitempty"`
}

// Chat answers a question from the whole book.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.answer(w, r, domain.Query{
		Text:  req.Query,
		Mode:  domain.ModeGlobal,
		Debug: req.Debug,
	}, req.SessionID)
}

// ChatSelected answers a question from the selected passage only.
func (h *ChatHandler) ChatSelected(w http.ResponseWriter, r *http.Request) {
	var req SelectedChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h.answer(w, r, domain.Query{
		Text:         req.Query,
		Mode:         domain.ModeSelected,
		SelectedText: req.SelectedText,
		Debug:        req.Debug,
	}, req.SessionID)
}

func (h *ChatHandler) answer(w http.ResponseWriter, r *http.Request, q domain.Query, sessionID string) {
	if sessionID == "" {
		sessionID = middleware.GetSessionID(r.Context())
	}

	rec, err := h.answerer.Answer(r.Context(), q)
	if err != nil {
		log.Printf("chat: request %s session %q failed: %v", middleware.GetRequestID(r.Context()), sessionID, err)
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, toChatResponse(rec))
}

func toChatResponse(rec *domain.AnswerRecord) *ChatResponse {
	citations := make([]*CitationResponse, len(rec.Citations))
	for i, c := range rec.Citations {
		citations[i] = &CitationResponse{
			ChunkID:        c.ChunkID,
			Chapter:        c.Chapter,
			Section:        c.Section,
			URLAnchor:      c.URLAnchor,
			RelevanceScore: c.RelevanceScore,
			TextPreview:    c.TextPreview,
			Source:         c.SourceLabel,
		}
	}

	resp := &ChatResponse{
		QueryID:          rec.QueryID,
		Answer:           rec.AnswerText,
		Citations:        citations,
		Grounded:         rec.Grounded,
		State:            string(rec.State),
		Mode:             string(rec.Query.Mode),
		GenerationTimeMS: rec.Elapsed.Milliseconds(),
	}

	if d := rec.Debug; d != nil {
		states := make([]string, len(d.States))
		for i, s := range d.States {
			states[i] = string(s)
		}
		chunks := make([]*RetrievedChunkResponse, len(d.Candidates))
		for i, c := range d.Candidates {
			chunks[i] = &RetrievedChunkResponse{
				ChunkID: c.ChunkID,
				Score:   c.Score,
				Chapter: c.Chapter,
				Section: c.Section,
				Preview: c.Preview,
			}
		}
		resp.Debug = &DebugResponse{
			States:             states,
			SnapshotID:         d.SnapshotID,
			EmbeddingModel:     d.EmbeddingVersion.Model,
			EmbeddingDimension: d.EmbeddingVersion.Dimension,
			RetrievedChunks:    chunks,
			ContextChunks:      d.ContextChunks,
			DroppedChunks:      d.DroppedChunks,
			ContextTokens:      d.ContextTokens,
			GenerationAttempts: d.GenerationAttempts,
		}
	}

	return resp
}
