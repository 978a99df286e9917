package service

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloo-solutions/bookrag/internal/domain"
)

const (
	defaultPreviewChars = 200
	selectedLabel       = "Selected text"
)

// CitationMapper turns context entries into citations, keeping rank order.
type CitationMapper struct {
	previewChars int
}

func NewCitationMapper(previewChars int) *CitationMapper {
	if previewChars <= 3 {
		previewChars = defaultPreviewChars
	}
	return &CitationMapper{previewChars: previewChars}
}

// Map returns one citation per entry.
func (m *CitationMapper) Map(entries []domain.ScoredChunk, mode domain.Mode) []domain.Citation {
	citations := make([]domain.Citation, 0, len(entries))
	for _, e := range entries {
		c := domain.Citation{
			ChunkID:        e.Chunk.ID,
			Chapter:        e.Chunk.Source.Chapter,
			Section:        e.Chunk.Source.Section,
			URLAnchor:      e.Chunk.Source.URLAnchor,
			RelevanceScore: clampScore(e.Score),
			TextPreview:    m.Preview(e.Chunk.Text),
			SourceLabel:    SourceLabel(e.Chunk.Source),
		}
		if mode == domain.ModeSelected || e.Chunk.Source.Scope == domain.ScopeSelected {
			c.Chapter = 0
			c.Section = domain.SelectedSection
			c.URLAnchor = ""
			c.SourceLabel = selectedLabel
		}
		citations = append(citations, c)
	}
	return citations
}

// Preview collapses whitespace and bounds the text to the preview length.
func (m *CitationMapper) Preview(text string) string {
	clean := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(clean) <= m.previewChars {
		return clean
	}
	runes := []rune(clean)
	return string(runes[:m.previewChars-3]) + "..."
}

// SourceLabel renders a human-readable location such as
// "Chapter 3, Section 3.2, Subsection 3.2.1: Jacobians".
func SourceLabel(ref domain.SourceRef) string {
	if ref.Scope == domain.ScopeSelected {
		return selectedLabel
	}
	label := fmt.Sprintf("Chapter %d, Section %s", ref.Chapter, ref.Section)
	if ref.Subsection != "" {
		label += ", Subsection " + ref.Subsection
	}
	if ref.Title != "" {
		label += ": " + ref.Title
	}
	return label
}

func clampScore(s float32) float32 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
