package index

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloo-solutions/bookrag/internal/domain"
)

// Memory is an append-only, brute-force cosine index.
type Memory struct {
	mu       sync.RWMutex
	version  domain.EmbeddingVersion
	chunks   []domain.Chunk
	norms    []float64
	ids      map[string]struct{}
	released bool
}

func NewMemory(version domain.EmbeddingVersion) *Memory {
	return &Memory{
		version: version,
		ids:     make(map[string]struct{}),
	}
}

// Insert appends a chunk and returns its id.
func (m *Memory) Insert(ctx context.Context, chunk domain.Chunk) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := m.version.ValidateEmbedding(chunk.Embedding); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return "", domain.ErrIndexReleased
	}
	if _, ok := m.ids[chunk.ID]; ok {
		return "", domain.ErrDuplicateChunk.WithCause(fmt.Errorf("chunk %s", chunk.ID))
	}

	vec := make([]float32, len(chunk.Embedding))
	copy(vec, chunk.Embedding)
	chunk.Embedding = vec

	m.ids[chunk.ID] = struct{}{}
	m.chunks = append(m.chunks, chunk)
	m.norms = append(m.norms, norm(vec))
	return chunk.ID, nil
}

// Search scores every chunk against vector and returns the best k.
// Returned chunks carry no embedding.
func (m *Memory) Search(ctx context.Context, vector []float32, k int) ([]domain.ScoredChunk, error) {
	if err := m.version.ValidateEmbedding(vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = domain.DefaultTopK
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.released {
		return nil, domain.ErrIndexReleased
	}

	queryNorm := norm(vector)
	results := make([]domain.ScoredChunk, 0, len(m.chunks))
	for i, c := range m.chunks {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		score := cosineWithNorms(c.Embedding, vector, m.norms[i], queryNorm)
		hit := c
		hit.Embedding = nil
		results = append(results, domain.ScoredChunk{Chunk: hit, Score: score})
	}

	SortRanked(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *Memory) Version() domain.EmbeddingVersion {
	return m.version
}

// Size returns the number of indexed chunks.
func (m *Memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

func (m *Memory) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	m.chunks = nil
	m.norms = nil
	m.ids = nil
}

type memorySnapshot struct {
	*Memory
	id          string
	fingerprint string
}

func (s *memorySnapshot) ID() string {
	return s.id
}

func (s *memorySnapshot) Fingerprint() string {
	return s.fingerprint
}

// MemoryStore keeps committed snapshots in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	active *memorySnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Begin(_ context.Context, version domain.EmbeddingVersion, fingerprint string) (Builder, error) {
	return &memoryBuilder{
		store: s,
		snap:  &memorySnapshot{Memory: NewMemory(version), id: NewSnapshotID(), fingerprint: fingerprint},
	}, nil
}

func (s *MemoryStore) LoadActive(_ context.Context, version domain.EmbeddingVersion) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, nil
	}
	if s.active.Version() != version {
		return nil, domain.ErrVersionMismatch.WithCause(
			fmt.Errorf("snapshot %s is %s, embedder is %s", s.active.id, s.active.Version(), version))
	}
	return s.active, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Name() string {
	return "memory"
}

type memoryBuilder struct {
	store *MemoryStore
	snap  *memorySnapshot
	done  bool
}

func (b *memoryBuilder) Insert(ctx context.Context, chunk domain.Chunk) (string, error) {
	if b.done {
		return "", fmt.Errorf("snapshot %s already finished", b.snap.id)
	}
	return b.snap.Insert(ctx, chunk)
}

func (b *memoryBuilder) Commit(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.done {
		return nil, fmt.Errorf("snapshot %s already finished", b.snap.id)
	}
	b.done = true

	b.store.mu.Lock()
	b.store.active = b.snap
	b.store.mu.Unlock()
	return b.snap, nil
}

func (b *memoryBuilder) Abort(context.Context) error {
	if b.done {
		return nil
	}
	b.done = true
	b.snap.release()
	return nil
}
