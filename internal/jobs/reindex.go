package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cloo-solutions/bookrag/internal/corpus"
	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/service"
	"github.com/cloo-solutions/bookrag/internal/telemetry"
)

const (
	// MaxRetries is how many consecutive failures on one corpus revision are
	// tolerated before it is skipped until the source changes
	MaxRetries = 3

	defaultRetention = time.Hour
)

// CorpusSource lists the chapter documents of the book.
type CorpusSource interface {
	Documents(ctx context.Context) ([]domain.SourceDocument, error)
	Name() string
}

// Ingester builds and activates a new global snapshot tagged with the
// fingerprint of the corpus it was built from.
type Ingester interface {
	IngestRevision(ctx context.Context, records []domain.SectionRecord, fingerprint string) (*service.IngestReport, error)
}

// Restorer installs the persisted active snapshot and reports the corpus
// fingerprint it was built from.
type Restorer interface {
	Restore(ctx context.Context) (string, bool, error)
}

// SnapshotPruner removes retired snapshots from persistent storage.
type SnapshotPruner interface {
	PruneRetired(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ReindexProcessor rebuilds the global index whenever the corpus changes.
type ReindexProcessor struct {
	source    CorpusSource
	ingester  Ingester
	pruner    SnapshotPruner
	retention time.Duration

	mu                sync.Mutex
	indexed           string
	failedFingerprint string
	failures          int
}

// NewReindexProcessor creates a processor. pruner may be nil.
func NewReindexProcessor(source CorpusSource, ingester Ingester, pruner SnapshotPruner) *ReindexProcessor {
	return &ReindexProcessor{
		source:    source,
		ingester:  ingester,
		pruner:    pruner,
		retention: defaultRetention,
	}
}

// SetRetention sets how long retired snapshots are kept before pruning.
func (p *ReindexProcessor) SetRetention(d time.Duration) {
	if d > 0 {
		p.retention = d
	}
}

// MarkIndexed records the fingerprint of a corpus that is already live, so
// the next run does not rebuild it.
func (p *ReindexProcessor) MarkIndexed(fingerprint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.indexed = fingerprint
}

// Restore installs the persisted snapshot through r. When the snapshot
// records its corpus fingerprint, that revision is marked indexed so an
// unchanged corpus is not rebuilt after a restart.
func (p *ReindexProcessor) Restore(ctx context.Context, r Restorer) (bool, error) {
	fingerprint, restored, err := r.Restore(ctx)
	if err != nil || !restored {
		return false, err
	}
	if fingerprint != "" {
		p.MarkIndexed(fingerprint)
	}
	return true, nil
}

// ProcessJobs implements the JobProcessor interface
func (p *ReindexProcessor) ProcessJobs(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	docs, err := p.source.Documents(ctx)
	if err != nil {
		return fmt.Errorf("failed to read corpus from %s: %w", p.source.Name(), err)
	}
	fingerprint := corpus.Fingerprint(docs)

	if fingerprint == p.indexed {
		return nil
	}
	if fingerprint == p.failedFingerprint && p.failures >= MaxRetries {
		return nil
	}
	if fingerprint != p.failedFingerprint {
		p.failedFingerprint = ""
		p.failures = 0
	}

	log.Printf("Corpus %s changed (%d documents), reindexing", p.source.Name(), len(docs))
	ctx, span := telemetry.StartTransaction(ctx, "reindex "+p.source.Name(), "job.reindex")
	defer span.End()
	span.SetData("documents", len(docs))

	report, err := p.reindex(ctx, docs, fingerprint)
	if err != nil {
		span.SetError(err)
		return p.handleFailure(ctx, fingerprint, err)
	}
	span.SetData("snapshot_id", report.SnapshotID)

	p.indexed = fingerprint
	p.failedFingerprint = ""
	p.failures = 0
	log.Printf("Reindex completed: snapshot %s (%d chunks)", report.SnapshotID, report.Chunks)

	if p.pruner != nil {
		n, err := p.pruner.PruneRetired(ctx, p.retention)
		if err != nil {
			log.Printf("Failed to prune retired snapshots: %v", err)
		} else if n > 0 {
			log.Printf("Pruned %d retired snapshots", n)
		}
	}
	return nil
}

func (p *ReindexProcessor) reindex(ctx context.Context, docs []domain.SourceDocument, fingerprint string) (*service.IngestReport, error) {
	records, err := corpus.ParseDocuments(docs)
	if err != nil {
		return nil, err
	}
	return p.ingester.IngestRevision(ctx, records, fingerprint)
}

// handleFailure counts consecutive failures for one corpus revision
func (p *ReindexProcessor) handleFailure(ctx context.Context, fingerprint string, reindexErr error) error {
	p.failedFingerprint = fingerprint
	p.failures++

	if p.failures >= MaxRetries {
		log.Printf("Reindex exceeded max retries (%d), waiting for the corpus to change", MaxRetries)
		telemetry.CaptureMessage(ctx, fmt.Sprintf("reindex of %s suspended after %d failures", p.source.Name(), MaxRetries))
		return fmt.Errorf("max retries exceeded: %w", reindexErr)
	}
	log.Printf("Reindex will be retried (attempt %d/%d)", p.failures, MaxRetries)
	return fmt.Errorf("reindex failed: %w", reindexErr)
}
