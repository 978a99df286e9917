// Package embedding provides embedding backends and the bounded pool every
// embedding call goes through.
package embedding

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/cloo-solutions/bookrag/internal/domain"
)

// Embedder turns texts into vectors of a fixed version.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Version() domain.EmbeddingVersion
}

// Pool limits how many embedding calls run at once. Waiting for a slot
// honours the caller's context.
type Pool struct {
	inner Embedder
	sem   *semaphore.Weighted
	size  int
}

func NewPool(inner Embedder, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		inner: inner,
		sem:   semaphore.NewWeighted(int64(size)),
		size:  size,
	}
}

// Embed runs one call on the pool and checks every vector's dimension.
func (p *Pool) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	vectors, err := p.inner.Embed(ctx, texts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, domain.ErrEmbeddingBackend.WithCause(err)
	}
	if len(vectors) != len(texts) {
		return nil, domain.ErrEmbeddingBackend.WithCause(
			fmt.Errorf("expected %d vectors, got %d", len(texts), len(vectors)))
	}

	// a wrong-sized vector is a backend fault, not bad input
	version := p.inner.Version()
	for _, v := range vectors {
		if err := version.ValidateEmbedding(v); err != nil {
			return nil, domain.ErrEmbeddingBackend.WithCause(err)
		}
	}
	return vectors, nil
}

// EmbedOne embeds a single text.
func (p *Pool) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (p *Pool) Version() domain.EmbeddingVersion {
	return p.inner.Version()
}

// Size returns the number of concurrent calls allowed.
func (p *Pool) Size() int {
	return p.size
}
