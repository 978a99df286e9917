package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/tokenizer"
)

func TestContextBuilder_MarksEverySource(t *testing.T) {
	b := NewContextBuilder(tokenizer.Whitespace{}, 0)
	entries := []domain.ScoredChunk{
		{Chunk: bookChunk(2, "2.1", 0, "First passage."), Score: 0.9},
		{Chunk: bookChunk(2, "2.2", 0, "Second passage."), Score: 0.8},
	}

	built, err := b.Build(entries)
	require.NoError(t, err)

	assert.Equal(t, 0, built.Dropped)
	assert.Len(t, built.Entries, 2)
	assert.Contains(t, built.Text, "[Source 1] Chapter 2, Section 2.1: Title 2.1 (chunk 2-2.1-000)\nFirst passage.\n[End Source 1]")
	assert.Contains(t, built.Text, "[Source 2] Chapter 2, Section 2.2: Title 2.2 (chunk 2-2.2-000)\nSecond passage.\n[End Source 2]")
	assert.Less(t, strings.Index(built.Text, "[Source 1]"), strings.Index(built.Text, "[Source 2]"))
	assert.Equal(t, tokenizer.Whitespace{}.Count(built.Text), built.Tokens)
}

func TestContextBuilder_FirstSourceTooLarge(t *testing.T) {
	b := NewContextBuilder(tokenizer.Whitespace{}, 5)

	_, err := b.Build([]domain.ScoredChunk{
		{Chunk: bookChunk(2, "2.1", 0, strings.Repeat("word ", 20)), Score: 0.9},
	})
	assert.ErrorIs(t, err, domain.ErrContextBudget)
}

func TestContextBuilder_FullChunkFitsMinimumBudget(t *testing.T) {
	b := NewContextBuilder(tokenizer.Whitespace{}, domain.MaxTokens+domain.SourceMarkerTokens)

	c := bookChunk(7, "7.3", 0, strings.TrimSpace(strings.Repeat("word ", domain.MaxTokens)))
	c.Source.Subsection = "7.3.2"
	c.Source.Title = strings.TrimSpace(strings.Repeat("long ", 200))

	built, err := b.Build([]domain.ScoredChunk{{Chunk: c, Score: 0.9}})
	require.NoError(t, err)
	assert.Len(t, built.Entries, 1)
	assert.LessOrEqual(t, built.Tokens, domain.MaxTokens+domain.SourceMarkerTokens)
	assert.Contains(t, built.Text, "[Source 1] Chapter 7, Section 7.3, Subsection 7.3.2: long")
}

func TestContextBuilder_NoEntries(t *testing.T) {
	_, err := NewContextBuilder(tokenizer.Whitespace{}, 0).Build(nil)
	assert.ErrorIs(t, err, domain.ErrInternal)
}

func TestBuildPrompt(t *testing.T) {
	built := &BuiltContext{Text: "[Source 1] x\nbody\n[End Source 1]\n"}

	global := BuildPrompt(domain.ModeGlobal, "What is a Jacobian?", built)
	assert.True(t, strings.HasPrefix(global, globalInstructions))
	assert.Contains(t, global, "reply exactly: "+domain.NotFoundAnswer)
	assert.Contains(t, global, "Sources:\n[Source 1] x\nbody\n[End Source 1]\n")
	assert.True(t, strings.HasSuffix(global, "Question: What is a Jacobian?\nAnswer:"))

	selected := BuildPrompt(domain.ModeSelected, "What is a Jacobian?", built)
	assert.True(t, strings.HasPrefix(selected, selectedInstructions))
}
