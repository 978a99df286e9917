package domain

import (
	"strings"
	"unicode/utf8"
)

// Mode selects which index a query is answered from.
type Mode string

const (
	ModeGlobal   Mode = "global"
	ModeSelected Mode = "selected"
)

// IsValid reports whether the mode is one of the known modes.
func (m Mode) IsValid() bool {
	switch m {
	case ModeGlobal, ModeSelected:
		return true
	}
	return false
}

// Query is a single question. It is never persisted.
type Query struct {
	Text         string
	Mode         Mode
	SelectedText string
	Debug        bool
}

// QueryLimits bounds user input accepted at the core boundary.
type QueryLimits struct {
	MaxQueryChars    int
	MinSelectedChars int
	MaxSelectedChars int
}

// DefaultQueryLimits returns the limits used when none are configured.
func DefaultQueryLimits() QueryLimits {
	return QueryLimits{
		MaxQueryChars:    1000,
		MinSelectedChars: 10,
		MaxSelectedChars: 5000,
	}
}

// SanitizeQueryText strips NUL bytes and collapses whitespace runs.
func SanitizeQueryText(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeSelectedText strips NUL bytes, normalizes line endings and trims
// trailing spaces on each line. Paragraph structure is kept.
func NormalizeSelectedText(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Normalize returns a sanitized copy of the query and validates it.
func (q Query) Normalize(limits QueryLimits) (Query, error) {
	out := q
	out.Text = SanitizeQueryText(q.Text)
	if out.Mode == ModeSelected {
		out.SelectedText = NormalizeSelectedText(q.SelectedText)
	}
	if err := out.Validate(limits); err != nil {
		return Query{}, err
	}
	return out, nil
}

// Validate checks the query against the limits.
func (q Query) Validate(limits QueryLimits) error {
	if strings.TrimSpace(q.Text) == "" {
		return ErrEmptyQuery
	}
	if limits.MaxQueryChars > 0 && utf8.RuneCountInString(q.Text) > limits.MaxQueryChars {
		return ErrQueryTooLong
	}

	switch q.Mode {
	case ModeGlobal:
		if strings.TrimSpace(q.SelectedText) != "" {
			return ErrSelectedTextInMode
		}
	case ModeSelected:
		if strings.TrimSpace(q.SelectedText) == "" {
			return ErrSelectedTextMissing
		}
		n := utf8.RuneCountInString(q.SelectedText)
		if n < limits.MinSelectedChars || (limits.MaxSelectedChars > 0 && n > limits.MaxSelectedChars) {
			return ErrSelectedTextLength
		}
	default:
		return ErrInvalidMode
	}
	return nil
}
