package domain

import (
	"fmt"
	"strconv"
)

// Contract constants shared by ingestion, indexing and retrieval.
const (
	MaxTokens           = 512
	MinTokens           = 50
	DefaultTopK         = 5
	EmbeddingDimensions = 384

	// SourceMarkerTokens is the allowance for one source's markers, label
	// and chunk id in a generation context.
	SourceMarkerTokens = 96
)

// Scope tells which index a chunk belongs to.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeSelected Scope = "selected"
)

// SelectedSection is the section label carried by every selected-text chunk.
const SelectedSection = "selected"

// SourceRef locates a chunk within the corpus, or marks it as user-selected text.
type SourceRef struct {
	Scope      Scope
	Chapter    int
	Section    string
	Subsection string
	URLAnchor  string
	Title      string
}

// SelectedSource returns the reference used for chunks of user-selected text.
func SelectedSource() SourceRef {
	return SourceRef{
		Scope:   ScopeSelected,
		Chapter: 0,
		Section: SelectedSection,
	}
}

// SectionKey is the most specific section identifier of the reference.
func (r SourceRef) SectionKey() string {
	if r.Subsection != "" {
		return r.Subsection
	}
	return r.Section
}

// Chunk is a bounded, tagged segment of source text.
type Chunk struct {
	ID         string
	Source     SourceRef
	Text       string
	TokenCount int
	ChunkIndex int
	Truncated  bool
	Embedding  []float32
}

// ChunkID formats "{chapter-or-selected}-{section}-{index:03d}".
func ChunkID(ref SourceRef, index int) string {
	prefix := strconv.Itoa(ref.Chapter)
	if ref.Scope == ScopeSelected {
		prefix = SelectedSection
	}
	return fmt.Sprintf("%s-%s-%03d", prefix, ref.SectionKey(), index)
}

// ScoredChunk is one ranked retrieval entry.
type ScoredChunk struct {
	Chunk Chunk
	Score float32
}

// EmbeddingVersion identifies the model that produced an index's vectors.
// Vectors from different versions are never compared.
type EmbeddingVersion struct {
	Model     string
	Dimension int
}

func (v EmbeddingVersion) String() string {
	return fmt.Sprintf("%s/%d", v.Model, v.Dimension)
}

// ValidateEmbedding checks a vector against the version's dimension.
func (v EmbeddingVersion) ValidateEmbedding(vec []float32) error {
	if len(vec) != v.Dimension {
		return ErrDimensionMismatch.WithCause(fmt.Errorf("got %d, expected %d", len(vec), v.Dimension))
	}
	return nil
}
