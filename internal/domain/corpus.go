package domain

// SectionRecord is one structurally delimited section handed to ingestion.
type SectionRecord struct {
	Chapter    int
	Section    string
	Subsection string
	URLAnchor  string
	Title      string
	RawText    string
	SourceFile string
}

// Source returns the global reference for chunks cut from this section.
func (r SectionRecord) Source() SourceRef {
	return SourceRef{
		Scope:      ScopeGlobal,
		Chapter:    r.Chapter,
		Section:    r.Section,
		Subsection: r.Subsection,
		URLAnchor:  r.URLAnchor,
		Title:      r.Title,
	}
}

// SourceDocument is a raw chapter file read from a corpus source.
type SourceDocument struct {
	Path    string
	Content string
	// Version is a backend-provided change marker (ETag, mod time).
	Version string
}
