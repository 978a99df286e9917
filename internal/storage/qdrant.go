package storage

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/index"
)

const (
	qdrantUpsertBatch = 128
	// overfetch so equal scores at the k boundary rank deterministically
	qdrantOverfetch = 2
)

// chunkNamespace derives stable point ids from chunk ids.
var chunkNamespace = uuid.MustParse("5f0e7a0c-6c1b-4c55-9d5e-7b9f1f8f2a11")

// QdrantConfig holds connection settings for QdrantStore.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
	// Alias always points at the active collection.
	Alias string
	// Keep is how many committed collections survive a commit, the active
	// one included.
	Keep int
}

// QdrantStore keeps each snapshot in its own collection and activates it by
// moving an alias.
type QdrantStore struct {
	client *qdrant.Client
	alias  string
	keep   int
}

func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Alias == "" {
		cfg.Alias = "book_chunks"
	}
	if cfg.Keep < 2 {
		cfg.Keep = 2
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &QdrantStore{client: client, alias: cfg.Alias, keep: cfg.Keep}, nil
}

func (s *QdrantStore) Name() string {
	return "qdrant"
}

func (s *QdrantStore) Close() error {
	return s.client.Close()
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

func (s *QdrantStore) collectionName(snapshotID string) string {
	return s.alias + "_" + snapshotID
}

func (s *QdrantStore) Begin(ctx context.Context, version domain.EmbeddingVersion, fingerprint string) (index.Builder, error) {
	id := index.NewSnapshotID()
	name := s.collectionName(id)
	err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(version.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create collection %s: %w", name, err)
	}
	return &qdrantBuilder{
		store: s,
		snap: &qdrantSnapshot{
			client:     s.client,
			collection:  name,
			id:          id,
			version:     version,
			fingerprint: fingerprint,
		},
		ids: make(map[string]struct{}),
	}, nil
}

// LoadActive resolves the alias. The embedding version is read back from
// the collection's vector size and the model stored on its points, the
// corpus fingerprint from the same payload.
func (s *QdrantStore) LoadActive(ctx context.Context, version domain.EmbeddingVersion) (index.Snapshot, error) {
	collection, err := s.activeCollection(ctx)
	if err != nil {
		return nil, err
	}
	if collection == "" {
		return nil, nil
	}

	info, err := s.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection %s: %w", collection, err)
	}
	dim := int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())

	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          qdrant.PtrOf(uint32(1)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read collection %s: %w", collection, err)
	}
	var model, fingerprint string
	if len(points) > 0 {
		payload := points[0].GetPayload()
		model = payload["embedding_model"].GetStringValue()
		fingerprint = payload["corpus_fingerprint"].GetStringValue()
	}

	stored := domain.EmbeddingVersion{Model: model, Dimension: dim}
	if stored != version {
		return nil, domain.ErrVersionMismatch.WithCause(
			fmt.Errorf("collection %s is %s, embedder is %s", collection, stored, version))
	}

	return &qdrantSnapshot{
		client:      s.client,
		collection:  collection,
		id:          strings.TrimPrefix(collection, s.alias+"_"),
		version:     stored,
		fingerprint: fingerprint,
		size:        int(info.GetPointsCount()),
	}, nil
}

func (s *QdrantStore) activeCollection(ctx context.Context) (string, error) {
	aliases, err := s.client.ListAliases(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list aliases: %w", err)
	}
	for _, a := range aliases {
		if a.GetAliasName() == s.alias {
			return a.GetCollectionName(), nil
		}
	}
	return "", nil
}

// activate moves the alias in one request and drops collections beyond the
// retention count. The previous collection stays for in-flight queries.
func (s *QdrantStore) activate(ctx context.Context, collection string) error {
	current, err := s.activeCollection(ctx)
	if err != nil {
		return err
	}
	ops := []*qdrant.AliasOperations{qdrant.NewAliasCreate(s.alias, collection)}
	if current != "" {
		ops = append([]*qdrant.AliasOperations{qdrant.NewAliasDelete(s.alias)}, ops...)
	}
	if err := s.client.UpdateAliases(ctx, ops); err != nil {
		return fmt.Errorf("failed to move alias %s to %s: %w", s.alias, collection, err)
	}

	names, err := s.client.ListCollections(ctx)
	if err != nil {
		log.Printf("qdrant: failed to list collections for pruning: %v", err)
		return nil
	}
	var ours []string
	for _, n := range names {
		if strings.HasPrefix(n, s.alias+"_") {
			ours = append(ours, n)
		}
	}
	// snapshot ids sort by creation time
	sort.Sort(sort.Reverse(sort.StringSlice(ours)))
	for i, n := range ours {
		if i < s.keep || n == collection {
			continue
		}
		if err := s.client.DeleteCollection(ctx, n); err != nil {
			log.Printf("qdrant: failed to delete retired collection %s: %v", n, err)
		}
	}
	return nil
}

type qdrantSnapshot struct {
	client      *qdrant.Client
	collection  string
	id          string
	version     domain.EmbeddingVersion
	fingerprint string
	size        int
}

func (s *qdrantSnapshot) ID() string {
	return s.id
}

func (s *qdrantSnapshot) Size() int {
	return s.size
}

func (s *qdrantSnapshot) Version() domain.EmbeddingVersion {
	return s.version
}

func (s *qdrantSnapshot) Fingerprint() string {
	return s.fingerprint
}

func (s *qdrantSnapshot) Search(ctx context.Context, vector []float32, k int) ([]domain.ScoredChunk, error) {
	if err := s.version.ValidateEmbedding(vector); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = domain.DefaultTopK
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k * qdrantOverfetch)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.collection, err)
	}

	results := make([]domain.ScoredChunk, 0, len(points))
	for _, p := range points {
		results = append(results, domain.ScoredChunk{
			Chunk: chunkFromPayload(p.GetPayload()),
			Score: p.GetScore(),
		})
	}
	index.SortRanked(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

type qdrantBuilder struct {
	store   *QdrantStore
	snap    *qdrantSnapshot
	pending []*qdrant.PointStruct
	ids     map[string]struct{}
	done    bool
}

func (b *qdrantBuilder) Insert(ctx context.Context, chunk domain.Chunk) (string, error) {
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

	b.pending = append(b.pending, &qdrant.PointStruct{
		Id:      qdrant.NewID(uuid.NewSHA1(chunkNamespace, []byte(chunk.ID)).String()),
		Vectors: qdrant.NewVectors(chunk.Embedding...),
		Payload: qdrant.NewValueMap(chunkPayload(chunk, b.snap.version, b.snap.fingerprint)),
	})
	if len(b.pending) >= qdrantUpsertBatch {
		if err := b.flush(ctx); err != nil {
			return "", err
		}
	}
	return chunk.ID, nil
}

func (b *qdrantBuilder) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	_, err := b.snap.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: b.snap.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         b.pending,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", b.snap.collection, err)
	}
	b.snap.size += len(b.pending)
	b.pending = b.pending[:0]
	return nil
}

func (b *qdrantBuilder) Commit(ctx context.Context) (index.Snapshot, error) {
	if b.done {
		return nil, fmt.Errorf("snapshot %s already finished", b.snap.id)
	}
	if err := b.flush(ctx); err != nil {
		return nil, err
	}
	if err := b.store.activate(ctx, b.snap.collection); err != nil {
		return nil, err
	}
	b.done = true
	return b.snap, nil
}

func (b *qdrantBuilder) Abort(ctx context.Context) error {
	if b.done {
		return nil
	}
	b.done = true
	if err := b.snap.client.DeleteCollection(ctx, b.snap.collection); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", b.snap.collection, err)
	}
	return nil
}

func chunkPayload(c domain.Chunk, version domain.EmbeddingVersion, fingerprint string) map[string]any {
	return map[string]any{
		"corpus_fingerprint": fingerprint,
		"chunk_id":           c.ID,
		"chapter":            int64(c.Source.Chapter),
		"section":            c.Source.Section,
		"subsection":         c.Source.Subsection,
		"url_anchor":         c.Source.URLAnchor,
		"title":              c.Source.Title,
		"text":               c.Text,
		"token_count":        int64(c.TokenCount),
		"chunk_index":        int64(c.ChunkIndex),
		"truncated":          c.Truncated,
		"embedding_model":    version.Model,
	}
}

func chunkFromPayload(p map[string]*qdrant.Value) domain.Chunk {
	return domain.Chunk{
		ID: p["chunk_id"].GetStringValue(),
		Source: domain.SourceRef{
			Scope:      domain.ScopeGlobal,
			Chapter:    int(p["chapter"].GetIntegerValue()),
			Section:    p["section"].GetStringValue(),
			Subsection: p["subsection"].GetStringValue(),
			URLAnchor:  p["url_anchor"].GetStringValue(),
			Title:      p["title"].GetStringValue(),
		},
		Text:       p["text"].GetStringValue(),
		TokenCount: int(p["token_count"].GetIntegerValue()),
		ChunkIndex: int(p["chunk_index"].GetIntegerValue()),
		Truncated:  p["truncated"].GetBoolValue(),
	}
}
