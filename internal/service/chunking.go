package service

import (
	"log"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/tokenizer"
)

// SegmenterConfig controls chunk sizes. MaxTokens never exceeds domain.MaxTokens.
type SegmenterConfig struct {
	MaxTokens int
	MinTokens int
}

// DefaultSegmenterConfig returns the contract sizes.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		MaxTokens: domain.MaxTokens,
		MinTokens: domain.MinTokens,
	}
}

// Segmenter splits section text into sentence-aligned chunks.
type Segmenter struct {
	tok tokenizer.Tokenizer
	cfg SegmenterConfig
}

func NewSegmenter(tok tokenizer.Tokenizer, cfg SegmenterConfig) *Segmenter {
	if cfg.MaxTokens <= 0 || cfg.MaxTokens > domain.MaxTokens {
		cfg.MaxTokens = domain.MaxTokens
	}
	if cfg.MinTokens < 0 || cfg.MinTokens > cfg.MaxTokens {
		cfg.MinTokens = domain.MinTokens
	}
	return &Segmenter{tok: tok, cfg: cfg}
}

// Tokenizer returns the tokenizer chunks are measured with.
func (s *Segmenter) Tokenizer() tokenizer.Tokenizer {
	return s.tok
}

type segment struct {
	text      string
	truncated bool
}

// Segment cuts text into chunks tagged with ref. Indexes start at 0.
func (s *Segmenter) Segment(text string, ref domain.SourceRef) ([]domain.Chunk, error) {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return nil, domain.ErrEmptyText
	}

	segments := s.pack(clean, ref)
	chunks := make([]domain.Chunk, 0, len(segments))
	for i, seg := range segments {
		chunks = append(chunks, domain.Chunk{
			ID:         domain.ChunkID(ref, i),
			Source:     ref,
			Text:       seg.text,
			TokenCount: s.tok.Count(seg.text),
			ChunkIndex: i,
			Truncated:  seg.truncated,
		})
	}

	if n := len(chunks); n > 1 && chunks[n-1].TokenCount < s.cfg.MinTokens {
		log.Printf("chunking: keeping short trailing chunk %s (%d tokens)", chunks[n-1].ID, chunks[n-1].TokenCount)
	}

	return chunks, nil
}

func (s *Segmenter) pack(text string, ref domain.SourceRef) []segment {
	if s.tok.Count(text) <= s.cfg.MaxTokens {
		return []segment{{text: text}}
	}

	var out []segment
	start := -1
	end := 0
	flush := func() {
		if start >= 0 {
			out = append(out, segment{text: strings.TrimSpace(text[start:end])})
			start = -1
		}
	}

	for _, sp := range splitSentences(text) {
		sentence := text[sp.start:sp.end]
		if s.tok.Count(sentence) > s.cfg.MaxTokens {
			flush()
			cuts := s.hardSplit(sentence)
			for _, cut := range cuts {
				out = append(out, segment{text: cut, truncated: true})
			}
			log.Printf("chunking: sentence of %d tokens in section %s hard-split into %d pieces",
				s.tok.Count(sentence), ref.SectionKey(), len(cuts))
			continue
		}

		if start < 0 {
			start, end = sp.start, sp.end
			continue
		}
		if s.tok.Count(text[start:sp.end]) > s.cfg.MaxTokens {
			flush()
			start = sp.start
		}
		end = sp.end
	}
	flush()

	return out
}

// hardSplit cuts an oversized sentence at word boundaries, and inside a word
// only when the word alone exceeds the limit.
func (s *Segmenter) hardSplit(sentence string) []string {
	var out []string
	current := ""
	for _, word := range strings.Fields(sentence) {
		if s.tok.Count(word) > s.cfg.MaxTokens {
			if current != "" {
				out = append(out, current)
				current = ""
			}
			out = append(out, s.tok.Split(word, s.cfg.MaxTokens)...)
			continue
		}

		candidate := word
		if current != "" {
			candidate = current + " " + word
		}
		if s.tok.Count(candidate) > s.cfg.MaxTokens {
			out = append(out, current)
			current = word
			continue
		}
		current = candidate
	}
	if current != "" {
		out = append(out, current)
	}
	return out
}

type span struct {
	start, end int
}

// splitSentences returns trimmed sentence spans. A sentence ends after a run
// of terminal punctuation (and closing quotes or brackets) followed by
// whitespace, or at a blank line.
func splitSentences(text string) []span {
	var spans []span
	start := 0
	emit := func(end int) {
		seg := text[start:end]
		trimmedLeft := strings.TrimLeftFunc(seg, unicode.IsSpace)
		s := start + len(seg) - len(trimmedLeft)
		e := s + len(strings.TrimRightFunc(trimmedLeft, unicode.IsSpace))
		if e > s {
			spans = append(spans, span{start: s, end: e})
		}
		start = end
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		switch {
		case isTerminal(r):
			j := i + size
			for j < len(text) {
				next, n := utf8.DecodeRuneInString(text[j:])
				if !isTerminal(next) && !isCloser(next) {
					break
				}
				j += n
			}
			if j >= len(text) {
				i = j
				continue
			}
			if next, _ := utf8.DecodeRuneInString(text[j:]); unicode.IsSpace(next) {
				emit(j)
			}
			i = j
		case r == '\n' && isBlankLineAhead(text[i+size:]):
			emit(i)
			i += size
		default:
			i += size
		}
	}
	if start < len(text) {
		emit(len(text))
	}
	return spans
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’':
		return true
	}
	return false
}

func isBlankLineAhead(rest string) bool {
	for _, r := range rest {
		if r == '\n' {
			return true
		}
		if r != ' ' && r != '\t' && r != '\r' {
			return false
		}
	}
	return false
}
