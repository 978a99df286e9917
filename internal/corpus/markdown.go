// Package corpus turns book chapters into section records for ingestion.
package corpus

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/cloo-solutions/bookrag/internal/domain"
)

var markdown = goldmark.New()

type heading struct {
	level     int
	title     string
	lineStart int
	bodyStart int
}

// ParseChapter splits a chapter into one record per heading. Level 1 maps to
// section "{chapter}", level 2 to "{chapter}.{n}", and deeper levels keep the
// enclosing level-2 section with subsection "{chapter}.{n}.{m}...". Text
// before the first heading belongs to section "{chapter}". Sections without
// body text are skipped.
func ParseChapter(src []byte, sourceFile string, chapter int) []domain.SectionRecord {
	headings := findHeadings(src)

	var records []domain.SectionRecord
	add := func(rec domain.SectionRecord, body []byte) {
		rec.RawText = strings.TrimSpace(string(body))
		if rec.RawText == "" {
			return
		}
		rec.Chapter = chapter
		rec.SourceFile = sourceFile
		records = append(records, rec)
	}

	preambleEnd := len(src)
	if len(headings) > 0 {
		preambleEnd = headings[0].lineStart
	}
	add(domain.SectionRecord{Section: strconv.Itoa(chapter)}, src[:preambleEnd])

	var counters [7]int
	for i, h := range headings {
		counters[h.level]++
		for deeper := h.level + 1; deeper < len(counters); deeper++ {
			counters[deeper] = 0
		}

		rec := domain.SectionRecord{
			Title:     h.title,
			URLAnchor: Slug(h.title),
		}
		switch {
		case h.level == 1:
			rec.Section = strconv.Itoa(chapter)
		case h.level == 2:
			rec.Section = fmt.Sprintf("%d.%d", chapter, counters[2])
		default:
			rec.Section = fmt.Sprintf("%d.%d", chapter, counters[2])
			parts := make([]string, 0, h.level-1)
			for l := 2; l <= h.level; l++ {
				parts = append(parts, strconv.Itoa(counters[l]))
			}
			rec.Subsection = fmt.Sprintf("%d.%s", chapter, strings.Join(parts, "."))
		}

		end := len(src)
		if i+1 < len(headings) {
			end = headings[i+1].lineStart
		}
		if h.bodyStart > end {
			continue
		}
		add(rec, src[h.bodyStart:end])
	}
	return records
}

// findHeadings returns the top-level headings in document order. Headings
// inside code blocks or block quotes are not sections.
func findHeadings(src []byte) []heading {
	doc := markdown.Parser().Parse(text.NewReader(src))

	var out []heading
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok {
			continue
		}
		lines := h.Lines()
		if lines.Len() == 0 {
			continue
		}
		first := lines.At(0)
		last := lines.At(lines.Len() - 1)

		start := lineStart(src, first.Start)
		end := lineEnd(src, last.Start)
		if !isATX(src[start:]) {
			// setext: the underline is the next line
			end = lineEnd(src, end)
		}
		out = append(out, heading{
			level:     h.Level,
			title:     strings.TrimSpace(string(lines.Value(src))),
			lineStart: start,
			bodyStart: end,
		})
	}
	return out
}

func lineStart(src []byte, pos int) int {
	if i := bytes.LastIndexByte(src[:pos], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}

// lineEnd returns the offset just past the newline that ends the line
// containing pos.
func lineEnd(src []byte, pos int) int {
	if pos >= len(src) {
		return len(src)
	}
	if i := bytes.IndexByte(src[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(src)
}

func isATX(line []byte) bool {
	return bytes.HasPrefix(bytes.TrimLeft(line, " "), []byte("#"))
}

// Slug builds a URL anchor from a heading: lower case, punctuation dropped,
// runs of spaces, underscores and hyphens collapsed to one hyphen.
func Slug(title string) string {
	var sb strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingDash && sb.Len() > 0 {
				sb.WriteByte('-')
			}
			pendingDash = false
			sb.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '_':
			pendingDash = true
		}
	}
	return sb.String()
}
