package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/tokenizer"
)

const (
	// DefaultContextTokenBudget bounds the evidence block handed to generation.
	DefaultContextTokenBudget = 3000

	// labels are cut so a full chunk plus its markers stays within
	// MaxTokens + SourceMarkerTokens
	maxLabelTokens = 48
)

// ContextBuilder lays out ranked chunks between source markers and keeps the
// block within a token budget.
type ContextBuilder struct {
	tok    tokenizer.Tokenizer
	budget int
}

func NewContextBuilder(tok tokenizer.Tokenizer, budget int) *ContextBuilder {
	if budget <= 0 {
		budget = DefaultContextTokenBudget
	}
	return &ContextBuilder{tok: tok, budget: budget}
}

// BuiltContext is the evidence block and the entries it contains.
type BuiltContext struct {
	Text    string
	Entries []domain.ScoredChunk
	Dropped int
	Tokens  int
}

// Build keeps the highest-ranked prefix of entries that fits the budget.
func (b *ContextBuilder) Build(entries []domain.ScoredChunk) (*BuiltContext, error) {
	if len(entries) == 0 {
		return nil, domain.ErrInternal.WithCause(errors.New("no entries to build context from"))
	}

	blocks := make([]string, len(entries))
	for i, e := range entries {
		blocks[i] = b.sourceBlock(i+1, e.Chunk)
	}

	kept := len(blocks)
	text := strings.Join(blocks[:kept], "\n")
	tokens := b.tok.Count(text)
	for kept > 0 && tokens > b.budget {
		kept--
		text = strings.Join(blocks[:kept], "\n")
		tokens = b.tok.Count(text)
	}
	if kept == 0 {
		return nil, domain.ErrContextBudget.WithCause(
			fmt.Errorf("budget %d tokens, first source needs %d", b.budget, b.tok.Count(blocks[0])))
	}

	return &BuiltContext{
		Text:    text,
		Entries: entries[:kept],
		Dropped: len(entries) - kept,
		Tokens:  tokens,
	}, nil
}

func (b *ContextBuilder) sourceBlock(n int, c domain.Chunk) string {
	label := SourceLabel(c.Source)
	if b.tok.Count(label) > maxLabelTokens {
		label = b.tok.Split(label, maxLabelTokens)[0]
	}
	return fmt.Sprintf("[Source %d] %s (chunk %s)\n%s\n[End Source %d]\n", n, label, c.ID, c.Text, n)
}

const (
	globalInstructions = `You are a teaching assistant for a textbook. Answer the question using only the numbered sources below, which are excerpts from the book.
Cite every source you rely on as [Source N]. Do not use outside knowledge.
If the sources do not contain the answer, reply exactly: ` + domain.NotFoundAnswer

	selectedInstructions = `You are a teaching assistant for a textbook. The reader selected a passage from the book; the numbered sources below are parts of that passage.
Answer the question using only these sources and cite every source you rely on as [Source N]. Do not use outside knowledge.
If the sources do not contain the answer, reply exactly: ` + domain.NotFoundAnswer
)

// BuildPrompt assembles the grounding instructions, evidence and question.
func BuildPrompt(mode domain.Mode, question string, built *BuiltContext) string {
	instructions := globalInstructions
	if mode == domain.ModeSelected {
		instructions = selectedInstructions
	}

	var sb strings.Builder
	sb.WriteString(instructions)
	sb.WriteString("\n\nSources:\n")
	sb.WriteString(built.Text)
	sb.WriteString("\nQuestion: ")
	sb.WriteString(question)
	sb.WriteString("\nAnswer:")
	return sb.String()
}
