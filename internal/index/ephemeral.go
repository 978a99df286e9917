package index

import (
	"context"
	"sync"

	"github.com/cloo-solutions/bookrag/internal/domain"
)

// Ephemeral is a per-request index over user-selected text. It shares no
// storage with the global index and must be released by its creator.
type Ephemeral struct {
	mem  *Memory
	once sync.Once
}

func NewEphemeral(version domain.EmbeddingVersion) *Ephemeral {
	return &Ephemeral{mem: NewMemory(version)}
}

func (e *Ephemeral) Insert(ctx context.Context, chunk domain.Chunk) (string, error) {
	return e.mem.Insert(ctx, chunk)
}

func (e *Ephemeral) Search(ctx context.Context, vector []float32, k int) ([]domain.ScoredChunk, error) {
	return e.mem.Search(ctx, vector, k)
}

func (e *Ephemeral) Version() domain.EmbeddingVersion {
	return e.mem.Version()
}

func (e *Ephemeral) Size() int {
	return e.mem.Size()
}

// Release drops all storage. It is safe to call more than once.
func (e *Ephemeral) Release() {
	e.once.Do(e.mem.release)
}

// Released reports whether Release has run.
func (e *Ephemeral) Released() bool {
	e.mem.mu.RLock()
	defer e.mem.mu.RUnlock()
	return e.mem.released
}
