package domain

import "time"

// NotFoundAnswer is returned whenever no retrieved evidence clears the cutoff.
const NotFoundAnswer = "Information not found in the book."

// State is a step of the grounded answering lifecycle.
type State string

const (
	StateReceived         State = "RECEIVED"
	StateEmbedding        State = "EMBEDDING"
	StateRetrieving       State = "RETRIEVING"
	StateEmpty            State = "EMPTY"
	StateAnsweredNotFound State = "ANSWERED_NOT_FOUND"
	StateContextBuilt     State = "CONTEXT_BUILT"
	StateGenerating       State = "GENERATING"
	StateAnswered         State = "ANSWERED"
	StateFailed           State = "FAILED"
)

var stateTransitions = map[State][]State{
	StateReceived:     {StateEmbedding, StateFailed},
	StateEmbedding:    {StateRetrieving, StateFailed},
	StateRetrieving:   {StateEmpty, StateContextBuilt, StateFailed},
	StateEmpty:        {StateAnsweredNotFound},
	StateContextBuilt: {StateGenerating, StateFailed},
	StateGenerating:   {StateAnswered, StateFailed},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateAnswered, StateAnsweredNotFound, StateFailed:
		return true
	}
	return false
}

// Citation ties part of an answer to the chunk it came from.
type Citation struct {
	ChunkID        string
	Chapter        int
	Section        string
	URLAnchor      string
	RelevanceScore float32
	TextPreview    string
	SourceLabel    string
}

// AnswerRecord is the outcome of one query.
type AnswerRecord struct {
	QueryID    string
	Query      Query
	AnswerText string
	Citations  []Citation
	Grounded   bool
	State      State
	Elapsed    time.Duration
	Debug      *DebugInfo
}

// NewNotFoundRecord builds the record returned when retrieval found nothing.
func NewNotFoundRecord(queryID string, q Query) *AnswerRecord {
	return &AnswerRecord{
		QueryID:    queryID,
		Query:      q,
		AnswerText: NotFoundAnswer,
		Citations:  []Citation{},
		Grounded:   false,
		State:      StateAnsweredNotFound,
	}
}

// DebugInfo is attached to an AnswerRecord only when the query asked for it.
type DebugInfo struct {
	States             []State
	SnapshotID         string
	EmbeddingVersion   EmbeddingVersion
	Candidates         []RetrievedChunk
	ContextChunks      int
	DroppedChunks      int
	ContextTokens      int
	GenerationAttempts int
}

// RetrievedChunk summarizes one retrieval candidate for debugging.
type RetrievedChunk struct {
	ChunkID string
	Score   float32
	Chapter int
	Section string
	Preview string
}
