package service

import (
	"context"
	"fmt"

	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/index"
	"github.com/cloo-solutions/bookrag/internal/telemetry"
)

// Embedder defines the interface for generating embeddings
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Version() domain.EmbeddingVersion
}

// RetrieverConfig holds ranking parameters. Cutoffs are minimum cosine
// similarities, applied per mode.
type RetrieverConfig struct {
	TopK           int
	GlobalCutoff   float32
	SelectedCutoff float32
}

func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		TopK:           domain.DefaultTopK,
		GlobalCutoff:   0.3,
		SelectedCutoff: 0.0,
	}
}

// Retrieval is the ranked evidence for one query.
type Retrieval struct {
	Mode domain.Mode
	// Entries cleared the cutoff, best first.
	Entries []domain.ScoredChunk
	// Candidates is everything the index returned, before the cutoff.
	Candidates []domain.ScoredChunk
	SnapshotID string
	Version    domain.EmbeddingVersion
}

// Retriever searches exactly one index per query, chosen by mode.
type Retriever struct {
	embedder  Embedder
	global    *index.Global
	segmenter *Segmenter
	cfg       RetrieverConfig

	newEphemeral func(domain.EmbeddingVersion) *index.Ephemeral
}

func NewRetriever(embedder Embedder, global *index.Global, segmenter *Segmenter, cfg RetrieverConfig) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = domain.DefaultTopK
	}
	return &Retriever{
		embedder:     embedder,
		global:       global,
		segmenter:    segmenter,
		cfg:          cfg,
		newEphemeral: index.NewEphemeral,
	}
}

// Retrieve ranks evidence for q. observe, when set, is told when embedding
// and searching start. An empty result is not an error.
func (r *Retriever) Retrieve(ctx context.Context, q domain.Query, observe func(domain.State)) (*Retrieval, error) {
	if observe == nil {
		observe = func(domain.State) {}
	}

	switch q.Mode {
	case domain.ModeGlobal:
		// one snapshot serves the whole query, even if a swap lands meanwhile
		snap, err := r.global.Acquire()
		if err != nil {
			return nil, err
		}
		ctx, span := telemetry.StartSpan(ctx, "Retriever.Retrieve", telemetry.SpanAttributes{
			Mode:       string(q.Mode),
			SnapshotID: snap.ID(),
			Operation:  "retrieve",
		})
		defer span.End()
		return r.retrieveGlobal(ctx, snap, q, observe)
	case domain.ModeSelected:
		ctx, span := telemetry.StartSpan(ctx, "Retriever.Retrieve", telemetry.SpanAttributes{
			Mode:      string(q.Mode),
			Operation: "retrieve",
		})
		defer span.End()
		return r.retrieveSelected(ctx, q, observe)
	default:
		return nil, domain.ErrInvalidMode
	}
}

func (r *Retriever) retrieveGlobal(ctx context.Context, snap index.Snapshot, q domain.Query, observe func(domain.State)) (*Retrieval, error) {
	version := r.embedder.Version()
	if snap.Version() != version {
		return nil, domain.ErrVersionMismatch.WithCause(
			fmt.Errorf("snapshot %s is %s, query embedder is %s", snap.ID(), snap.Version(), version))
	}

	observe(domain.StateEmbedding)
	vectors, err := r.embed(ctx, []string{q.Text})
	if err != nil {
		return nil, err
	}

	observe(domain.StateRetrieving)
	result, err := r.search(ctx, snap, vectors[0], r.cfg.GlobalCutoff)
	if err != nil {
		return nil, err
	}
	result.Mode = domain.ModeGlobal
	result.SnapshotID = snap.ID()
	return result, nil
}

// retrieveSelected builds an ephemeral index over the selected text. The
// index lives only for this call.
func (r *Retriever) retrieveSelected(ctx context.Context, q domain.Query, observe func(domain.State)) (*Retrieval, error) {
	observe(domain.StateEmbedding)

	eph := r.newEphemeral(r.embedder.Version())
	defer eph.Release()

	chunks, err := r.segmenter.Segment(q.SelectedText, domain.SelectedSource())
	if err != nil {
		return nil, err
	}

	texts := make([]string, 0, len(chunks)+1)
	for _, c := range chunks {
		texts = append(texts, c.Text)
	}
	texts = append(texts, q.Text)

	vectors, err := r.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
		if _, err := eph.Insert(ctx, chunks[i]); err != nil {
			return nil, err
		}
	}

	observe(domain.StateRetrieving)
	result, err := r.search(ctx, eph, vectors[len(chunks)], r.cfg.SelectedCutoff)
	if err != nil {
		return nil, err
	}
	result.Mode = domain.ModeSelected
	return result, nil
}

func (r *Retriever) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, domain.ErrEmbeddingBackend.WithCause(
			fmt.Errorf("expected %d vectors, got %d", len(texts), len(vectors)))
	}
	return vectors, nil
}

func (r *Retriever) search(ctx context.Context, searcher index.Searcher, vector []float32, cutoff float32) (*Retrieval, error) {
	candidates, err := searcher.Search(ctx, vector, r.cfg.TopK)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if domain.ErrorCode(err) != "" {
			return nil, err
		}
		return nil, domain.ErrIndexUnavailable.WithCause(err)
	}
	index.SortRanked(candidates)

	entries := make([]domain.ScoredChunk, 0, len(candidates))
	for _, c := range candidates {
		if c.Score >= cutoff {
			entries = append(entries, c)
		}
	}

	return &Retrieval{
		Entries:    entries,
		Candidates: candidates,
		Version:    searcher.Version(),
	}, nil
}
