package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/index"
)

const (
	insertBatchSize = 256
	searchOverfetch = 2
)

// SnapshotRepository stores global index snapshots in Postgres with
// pgvector. Exactly one snapshot is active at a time.
type SnapshotRepository struct {
	pool *pgxpool.Pool
	tx   *TxRunner
}

func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{pool: pool, tx: NewTxRunner(pool)}
}

func (r *SnapshotRepository) Name() string {
	return "postgres"
}

func (r *SnapshotRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *SnapshotRepository) Begin(ctx context.Context, version domain.EmbeddingVersion, fingerprint string) (index.Builder, error) {
	id := index.NewSnapshotID()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO index_snapshots (id, embedding_model, embedding_dim, corpus_fingerprint, status)
		 VALUES ($1, $2, $3, $4, 'building')`,
		id, version.Model, version.Dimension, fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	return &pgBuilder{
		repo: r,
		snap: &pgSnapshot{tx: r.tx, id: id, version: version, fingerprint: fingerprint},
		ids:  make(map[string]struct{}),
	}, nil
}

func (r *SnapshotRepository) LoadActive(ctx context.Context, version domain.EmbeddingVersion) (index.Snapshot, error) {
	snap := &pgSnapshot{tx: r.tx}
	err := r.pool.QueryRow(ctx,
		`SELECT s.id, s.embedding_model, s.embedding_dim, s.chunk_count, s.corpus_fingerprint
		 FROM active_snapshot a
		 JOIN index_snapshots s ON s.id = a.snapshot_id`,
	).Scan(&snap.id, &snap.version.Model, &snap.version.Dimension, &snap.size, &snap.fingerprint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load active snapshot: %w", err)
	}
	if snap.version != version {
		return nil, domain.ErrVersionMismatch.WithCause(
			fmt.Errorf("snapshot %s is %s, embedder is %s", snap.id, snap.version, version))
	}
	return snap, nil
}

// PruneRetired deletes snapshots retired more than olderThan ago, and builds
// started that long ago that never finished. It returns how many were
// removed. A snapshot still being searched holds a key-share lock on its row,
// so its deletion waits for the search to finish.
func (r *SnapshotRepository) PruneRetired(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM index_snapshots
		 WHERE (status = 'retired' AND retired_at < $1)
		    OR (status = 'building' AND created_at < $1)`,
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *SnapshotRepository) activate(ctx context.Context, id string, count int) error {
	return r.tx.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE index_snapshots SET status = 'retired', retired_at = NOW() WHERE status = 'active'`,
		); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE index_snapshots
			 SET status = 'active', activated_at = NOW(), chunk_count = $2
			 WHERE id = $1 AND status = 'building'`,
			id, count,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("snapshot %s is not building", id)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO active_snapshot (singleton, snapshot_id) VALUES (TRUE, $1)
			 ON CONFLICT (singleton) DO UPDATE SET snapshot_id = EXCLUDED.snapshot_id`,
			id,
		)
		return err
	})
}

type pgSnapshot struct {
	tx          *TxRunner
	id          string
	version     domain.EmbeddingVersion
	fingerprint string
	size        int
}

func (s *pgSnapshot) ID() string {
	return s.id
}

func (s *pgSnapshot) Size() int {
	return s.size
}

func (s *pgSnapshot) Version() domain.EmbeddingVersion {
	return s.version
}

func (s *pgSnapshot) Fingerprint() string {
	return s.fingerprint
}

// Search ranks every chunk of the snapshot by exact cosine distance. The
// snapshot row is key-share locked for the duration, and a pruned snapshot is
// reported as unavailable rather than empty.
func (s *pgSnapshot) Search(ctx context.Context, vector []float32, k int) ([]domain.ScoredChunk, error) {
	if err := s.version.ValidateEmbedding(vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = domain.DefaultTopK
	}

	var results []domain.ScoredChunk
	err := s.tx.WithTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM index_snapshots WHERE id = $1 FOR KEY SHARE`, s.id,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrIndexUnavailable.WithCause(fmt.Errorf("snapshot %s was pruned", s.id))
		}
		if err != nil {
			return err
		}

		results, err = searchChunks(ctx, tx, s.id, vector, k*searchOverfetch)
		return err
	})
	if err != nil {
		if domain.ErrorCode(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("failed to search snapshot %s: %w", s.id, err)
	}

	index.SortRanked(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// searchChunks computes distances over the snapshot's rows before ordering,
// so no approximate index can drop candidates.
func searchChunks(ctx context.Context, db dbtx, snapshotID string, vector []float32, limit int) ([]domain.ScoredChunk, error) {
	rows, err := db.Query(ctx,
		`WITH candidates AS MATERIALIZED (
			SELECT chunk_id, chapter, section, subsection, url_anchor, title, text,
			       token_count, chunk_index, truncated, embedding <=> $1 AS distance
			FROM corpus_chunks
			WHERE snapshot_id = $2
		 )
		 SELECT chunk_id, chapter, section, subsection, url_anchor, title, text,
		        token_count, chunk_index, truncated, 1 - distance AS score
		 FROM candidates
		 ORDER BY distance, chunk_index, chunk_id
		 LIMIT $3`,
		pgvector.NewVector(vector), snapshotID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.ScoredChunk
	for rows.Next() {
		var c domain.Chunk
		var score float64
		if err := rows.Scan(
			&c.ID, &c.Source.Chapter, &c.Source.Section, &c.Source.Subsection,
			&c.Source.URLAnchor, &c.Source.Title, &c.Text,
			&c.TokenCount, &c.ChunkIndex, &c.Truncated, &score,
		); err != nil {
			return nil, err
		}
		c.Source.Scope = domain.ScopeGlobal
		results = append(results, domain.ScoredChunk{Chunk: c, Score: float32(score)})
	}
	return results, rows.Err()
}

type pgBuilder struct {
	repo    *SnapshotRepository
	snap    *pgSnapshot
	pending []domain.Chunk
	ids     map[string]struct{}
	done    bool
}

func (b *pgBuilder) Insert(ctx context.Context, chunk domain.Chunk) (string, error) {
	if b.done {
		return "", fmt.Errorf("snapshot %s already finished", b.snap.id)
	}
	if err := b.snap.version.ValidateEmbedding(chunk.Embedding); err != nil {
		return "", err
	}
	if _, ok := b.ids[chunk.ID]; ok {
		return "", domain.ErrDuplicateChunk.WithCause(fmt.Errorf("chunk %s", chunk.ID))
	}
	b.ids[chunk.ID] = struct{}{}

	b.pending = append(b.pending, chunk)
	if len(b.pending) >= insertBatchSize {
		if err := b.flush(ctx); err != nil {
			return "", err
		}
	}
	return chunk.ID, nil
}

func (b *pgBuilder) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range b.pending {
		batch.Queue(
			`INSERT INTO corpus_chunks
				(snapshot_id, chunk_id, chapter, section, subsection, url_anchor, title, text,
				 token_count, chunk_index, truncated, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			b.snap.id, c.ID, c.Source.Chapter, c.Source.Section, c.Source.Subsection,
			c.Source.URLAnchor, c.Source.Title, c.Text,
			c.TokenCount, c.ChunkIndex, c.Truncated, pgvector.NewVector(c.Embedding),
		)
	}
	if err := b.repo.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert chunks into snapshot %s: %w", b.snap.id, err)
	}
	b.snap.size += len(b.pending)
	b.pending = b.pending[:0]
	return nil
}

func (b *pgBuilder) Commit(ctx context.Context) (index.Snapshot, error) {
	if b.done {
		return nil, fmt.Errorf("snapshot %s already finished", b.snap.id)
	}
	if err := b.flush(ctx); err != nil {
		return nil, err
	}
	if err := b.repo.activate(ctx, b.snap.id, b.snap.size); err != nil {
		return nil, fmt.Errorf("failed to activate snapshot %s: %w", b.snap.id, err)
	}
	b.done = true
	return b.snap, nil
}

func (b *pgBuilder) Abort(ctx context.Context) error {
	if b.done {
		return nil
	}
	b.done = true
	_, err := b.repo.pool.Exec(ctx, `DELETE FROM index_snapshots WHERE id = $1`, b.snap.id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", b.snap.id, err)
	}
	return nil
}
