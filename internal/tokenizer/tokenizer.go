// Package tokenizer counts and cuts text in model tokens.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultEncoding is the BPE encoding used when none is configured.
	DefaultEncoding = "cl100k_base"

	KindTiktoken   = "tiktoken"
	KindWhitespace = "whitespace"
)

// Tokenizer measures text in tokens.
type Tokenizer interface {
	Count(text string) int
	// Split cuts text into consecutive pieces of at most max tokens.
	Split(text string, max int) []string
	Name() string
}

// New returns the tokenizer for the given kind.
func New(kind, encoding string) (Tokenizer, error) {
	switch kind {
	case "", KindTiktoken:
		return NewTiktoken(encoding)
	case KindWhitespace:
		return Whitespace{}, nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", kind)
	}
}

// Tiktoken counts BPE tokens with an OpenAI encoding.
type Tiktoken struct {
	mu       sync.Mutex
	enc      *tiktoken.Tiktoken
	encoding string
}

// NewTiktoken loads the named encoding.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc, encoding: encoding}, nil
}

func (t *Tiktoken) encode(text string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(text, nil, nil)
}

// Count returns the number of BPE tokens in text.
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.encode(text))
}

// Split cuts text at BPE token boundaries. A token may hold part of a
// multi-byte rune, so each cut moves back to the nearest token boundary
// that is also a rune boundary.
func (t *Tiktoken) Split(text string, max int) []string {
	tokens := t.encode(text)
	if max <= 0 || len(tokens) <= max {
		return []string{text}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	pieces := make([]string, 0, len(tokens)/max+1)
	for start := 0; start < len(tokens); {
		end, piece := t.cutAt(tokens, start, max)
		pieces = append(pieces, piece)
		start = end
	}
	return pieces
}

// cutAt returns the end of the longest window of at most max tokens from
// start that decodes to valid UTF-8, and its text. When no such window
// exists the window grows until the pending rune is complete.
func (t *Tiktoken) cutAt(tokens []int, start, max int) (int, string) {
	limit := min(start+max, len(tokens))
	for end := limit; end > start; end-- {
		if piece := t.enc.Decode(tokens[start:end]); utf8.ValidString(piece) {
			return end, piece
		}
	}
	for end := limit + 1; end < len(tokens); end++ {
		if piece := t.enc.Decode(tokens[start:end]); utf8.ValidString(piece) {
			return end, piece
		}
	}
	return len(tokens), t.enc.Decode(tokens[start:])
}

func (t *Tiktoken) Name() string {
	return KindTiktoken + ":" + t.encoding
}

// Whitespace treats every whitespace-separated word as one token.
type Whitespace struct{}

func (Whitespace) Count(text string) int {
	return len(strings.Fields(text))
}

func (Whitespace) Split(text string, max int) []string {
	words := strings.Fields(text)
	if max <= 0 || len(words) <= max {
		return []string{text}
	}
	pieces := make([]string, 0, len(words)/max+1)
	for start := 0; start < len(words); start += max {
		end := start + max
		if end > len(words) {
			end = len(words)
		}
		pieces = append(pieces, strings.Join(words[start:end], " "))
	}
	return pieces
}

func (Whitespace) Name() string {
	return KindWhitespace
}
