// Package index holds the vector indexes queries are answered from: the
// versioned global snapshot and per-request ephemeral indexes.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cloo-solutions/bookrag/internal/domain"
)

// Searcher is the read side shared by global snapshots and ephemeral indexes.
type Searcher interface {
	Search(ctx context.Context, vector []float32, k int) ([]domain.ScoredChunk, error)
	Version() domain.EmbeddingVersion
}

// Snapshot is an immutable, versioned global index. Fingerprint identifies
// the corpus revision it was built from, empty when unknown.
type Snapshot interface {
	Searcher
	ID() string
	Size() int
	Fingerprint() string
}

// Builder accumulates chunks for a snapshot that is not yet visible.
type Builder interface {
	Insert(ctx context.Context, chunk domain.Chunk) (string, error)
	Commit(ctx context.Context) (Snapshot, error)
	Abort(ctx context.Context) error
}

// Store persists snapshots. LoadActive returns nil without error when no
// snapshot has been committed yet.
type Store interface {
	Begin(ctx context.Context, version domain.EmbeddingVersion, fingerprint string) (Builder, error)
	LoadActive(ctx context.Context, version domain.EmbeddingVersion) (Snapshot, error)
	Ping(ctx context.Context) error
	Name() string
}

// NewSnapshotID returns a sortable identifier usable as a table key or a
// collection name suffix.
func NewSnapshotID() string {
	id := uuid.New().String()
	return fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102t150405"), id[:8])
}

// SortRanked orders entries by score descending, then chunk index and id
// ascending, so equal scores always rank the same way.
func SortRanked(entries []domain.ScoredChunk) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.ChunkIndex != b.Chunk.ChunkIndex {
			return a.Chunk.ChunkIndex < b.Chunk.ChunkIndex
		}
		return a.Chunk.ID < b.Chunk.ID
	})
}

// Cosine returns the cosine similarity of a and b, or 0 when either is zero.
func Cosine(a, b []float32) float32 {
	return cosineWithNorms(a, b, norm(a), norm(b))
}

func cosineWithNorms(a, b []float32, normA, normB float64) float32 {
	if len(a) != len(b) || normA == 0 || normB == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return float32(dot / (normA * normB))
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
