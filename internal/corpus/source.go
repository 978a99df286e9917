package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/cloo-solutions/bookrag/internal/domain"
)

var (
	chapterPattern  = regexp.MustCompile(`(?i)ch(?:apter)?-?(\d+)`)
	leadingPattern  = regexp.MustCompile(`(\d+)-`)
	frontMatterName = regexp.MustCompile(`(?i)intro|preface|appendix|foreword|prologue|glossary|index|references|bibliography`)
)

// ChapterNumber reads the chapter number from a file name such as
// chapter-3.md, ch3-basics.md or 03-kinematics.md. Front and back matter
// (intro, preface, appendix, glossary...) is chapter 0.
func ChapterNumber(path string) (int, error) {
	name := filepath.Base(path)
	if m := chapterPattern.FindStringSubmatch(name); m != nil {
		return strconv.Atoi(m[1])
	}
	if m := leadingPattern.FindStringSubmatch(name); m != nil {
		return strconv.Atoi(m[1])
	}
	if frontMatterName.MatchString(name) {
		return 0, nil
	}
	return 0, fmt.Errorf("cannot read chapter number from %s", path)
}

// ParseDocuments parses every document into section records, in path order.
func ParseDocuments(docs []domain.SourceDocument) ([]domain.SectionRecord, error) {
	sorted := sortedDocuments(docs)

	var records []domain.SectionRecord
	for _, doc := range sorted {
		chapter, err := ChapterNumber(doc.Path)
		if err != nil {
			return nil, err
		}
		records = append(records, ParseChapter([]byte(doc.Content), doc.Path, chapter)...)
	}
	return records, nil
}

// Fingerprint identifies a corpus revision. It changes when any document is
// added, removed, renamed or edited.
func Fingerprint(docs []domain.SourceDocument) string {
	h := sha256.New()
	for _, doc := range sortedDocuments(docs) {
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00", doc.Path, doc.Version, len(doc.Content))
		h.Write([]byte(doc.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedDocuments(docs []domain.SourceDocument) []domain.SourceDocument {
	sorted := append([]domain.SourceDocument(nil), docs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	return sorted
}

// LocalSource reads chapter files from a directory tree.
type LocalSource struct {
	dir     string
	pattern string
}

func NewLocalSource(dir, pattern string) *LocalSource {
	if pattern == "" {
		pattern = "*.md"
	}
	return &LocalSource{dir: dir, pattern: pattern}
}

// Documents returns every file under the directory whose base name matches
// the pattern. Paths are relative to the directory.
func (s *LocalSource) Documents(ctx context.Context) ([]domain.SourceDocument, error) {
	var docs []domain.SourceDocument
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ok, err := filepath.Match(s.pattern, d.Name())
		if err != nil {
			return fmt.Errorf("invalid corpus pattern %q: %w", s.pattern, err)
		}
		if !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			rel = path
		}
		docs = append(docs, domain.SourceDocument{
			Path:    filepath.ToSlash(rel),
			Content: string(content),
			Version: strconv.FormatInt(info.ModTime().UnixNano(), 10),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus from %s: %w", s.dir, err)
	}
	return docs, nil
}

// Name describes the source for logs.
func (s *LocalSource) Name() string {
	return "file://" + s.dir
}
