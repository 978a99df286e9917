package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/index"
	"github.com/cloo-solutions/bookrag/internal/telemetry"
)

// IngestionConfig controls how chunks are embedded.
type IngestionConfig struct {
	BatchSize   int
	Concurrency int
}

func DefaultIngestionConfig() IngestionConfig {
	return IngestionConfig{BatchSize: 64, Concurrency: 4}
}

// IngestReport summarizes one ingestion run.
type IngestReport struct {
	SnapshotID         string
	PreviousSnapshotID string
	Fingerprint        string
	Sections           int
	Chunks             int
	Truncated          int
	Elapsed            time.Duration
}

// IngestionService builds a new global snapshot from section records and
// swaps it in only after it is fully committed.
type IngestionService struct {
	segmenter *Segmenter
	embedder  Embedder
	store     index.Store
	global    *index.Global
	cfg       IngestionConfig
}

func NewIngestionService(segmenter *Segmenter, embedder Embedder, store index.Store, global *index.Global, cfg IngestionConfig) *IngestionService {
	def := DefaultIngestionConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &IngestionService{
		segmenter: segmenter,
		embedder:  embedder,
		store:     store,
		global:    global,
		cfg:       cfg,
	}
}

// Restore installs the store's active snapshot, if one exists. It reports
// whether a snapshot was installed and the corpus fingerprint it was built
// from. A snapshot built with another embedding version is left alone and
// reported as missing.
func (s *IngestionService) Restore(ctx context.Context) (string, bool, error) {
	snap, err := s.store.LoadActive(ctx, s.embedder.Version())
	if domain.ErrorCode(err) == domain.ErrCodeEmbeddingVersionMismatch {
		log.Printf("ingestion: active snapshot in %s needs re-indexing: %v", s.store.Name(), err)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if snap == nil {
		return "", false, nil
	}
	s.global.Swap(snap)
	log.Printf("ingestion: restored snapshot %s from %s (%d chunks)", snap.ID(), s.store.Name(), snap.Size())
	return snap.Fingerprint(), true, nil
}

// Ingest segments, embeds and indexes records into a fresh snapshot. On any
// failure the snapshot is discarded and the active one stays in place.
func (s *IngestionService) Ingest(ctx context.Context, records []domain.SectionRecord) (*IngestReport, error) {
	return s.IngestRevision(ctx, records, "")
}

// IngestRevision is Ingest for a known corpus revision. The fingerprint is
// stored with the snapshot so a restart can tell whether the corpus changed.
func (s *IngestionService) IngestRevision(ctx context.Context, records []domain.SectionRecord, fingerprint string) (*IngestReport, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "IngestionService.Ingest", telemetry.SpanAttributes{
		Operation: "ingest",
	})
	defer span.End()

	chunks, err := s.segment(records)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, domain.ErrEmptyText.WithCause(fmt.Errorf("corpus has no section text"))
	}

	if err := s.embed(ctx, chunks); err != nil {
		span.SetError(err)
		return nil, fmt.Errorf("failed to embed corpus: %w", err)
	}

	snap, err := s.build(ctx, chunks, fingerprint)
	if err != nil {
		span.SetError(err)
		return nil, err
	}

	report := &IngestReport{
		SnapshotID:  snap.ID(),
		Fingerprint: fingerprint,
		Sections:    len(records),
		Chunks:      len(chunks),
	}
	for _, c := range chunks {
		if c.Truncated {
			report.Truncated++
		}
	}
	if prev := s.global.Swap(snap); prev != nil {
		report.PreviousSnapshotID = prev.ID()
	}
	report.Elapsed = time.Since(start)
	span.SetData("snapshot_id", snap.ID())

	log.Printf("ingestion: snapshot %s active (%d sections, %d chunks, %d truncated) in %s",
		report.SnapshotID, report.Sections, report.Chunks, report.Truncated, report.Elapsed.Round(time.Millisecond))
	return report, nil
}

// segment cuts every record. Records that share a section key continue its
// chunk numbering so ids stay unique.
func (s *IngestionService) segment(records []domain.SectionRecord) ([]domain.Chunk, error) {
	next := make(map[string]int)
	var chunks []domain.Chunk

	for _, rec := range records {
		ref := rec.Source()
		sectionChunks, err := s.segmenter.Segment(rec.RawText, ref)
		if errors.Is(err, domain.ErrEmptyText) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to segment %s section %s: %w", rec.SourceFile, ref.SectionKey(), err)
		}

		key := fmt.Sprintf("%d-%s", ref.Chapter, ref.SectionKey())
		offset := next[key]
		for i := range sectionChunks {
			sectionChunks[i].ChunkIndex += offset
			sectionChunks[i].ID = domain.ChunkID(ref, sectionChunks[i].ChunkIndex)
		}
		next[key] = offset + len(sectionChunks)
		chunks = append(chunks, sectionChunks...)
	}
	return chunks, nil
}

func (s *IngestionService) embed(ctx context.Context, chunks []domain.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for lo := 0; lo < len(chunks); lo += s.cfg.BatchSize {
		hi := min(lo+s.cfg.BatchSize, len(chunks))
		batch := chunks[lo:hi]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Text
			}
			vectors, err := s.embedder.Embed(gctx, texts)
			if err != nil {
				return err
			}
			if len(vectors) != len(batch) {
				return domain.ErrEmbeddingBackend.WithCause(
					fmt.Errorf("expected %d vectors, got %d", len(batch), len(vectors)))
			}
			for i := range batch {
				batch[i].Embedding = vectors[i]
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *IngestionService) build(ctx context.Context, chunks []domain.Chunk, fingerprint string) (index.Snapshot, error) {
	builder, err := s.store.Begin(ctx, s.embedder.Version(), fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot on %s: %w", s.store.Name(), err)
	}

	abort := func(cause error) (index.Snapshot, error) {
		if err := builder.Abort(context.WithoutCancel(ctx)); err != nil {
			log.Printf("ingestion: failed to abort snapshot: %v", err)
		}
		return nil, cause
	}

	for _, c := range chunks {
		if _, err := builder.Insert(ctx, c); err != nil {
			return abort(fmt.Errorf("failed to index chunk %s: %w", c.ID, err))
		}
	}
	snap, err := builder.Commit(ctx)
	if err != nil {
		return abort(fmt.Errorf("failed to commit snapshot: %w", err))
	}
	return snap, nil
}
