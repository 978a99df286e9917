package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	goopenai "github.com/sashabaranov/go-openai"

	"github.com/cloo-solutions/bookrag/internal/config"
	"github.com/cloo-solutions/bookrag/internal/corpus"
	"github.com/cloo-solutions/bookrag/internal/database"
	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/embedding"
	"github.com/cloo-solutions/bookrag/internal/index"
	"github.com/cloo-solutions/bookrag/internal/jobs"
	"github.com/cloo-solutions/bookrag/internal/openai"
	"github.com/cloo-solutions/bookrag/internal/repository"
	"github.com/cloo-solutions/bookrag/internal/service"
	"github.com/cloo-solutions/bookrag/internal/storage"
	"github.com/cloo-solutions/bookrag/internal/tokenizer"
)

// appOptions are per-command overrides of the loaded configuration.
type appOptions struct {
	migrationsDir string
	noMigrate     bool
	// corpusDir forces a local corpus even when S3 is configured
	corpusDir string
}

// app holds the wired components shared by serve and ingest.
type app struct {
	cfg       *config.Config
	global    *index.Global
	store     index.Store
	pruner    jobs.SnapshotPruner
	source    jobs.CorpusSource
	embedder  *embedding.Pool
	ingestion *service.IngestionService
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

// newApp builds the index side: embedder, snapshot store, global index,
// ingestion and the corpus source.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, global: index.NewGlobal()}

	tok, err := tokenizer.New(cfg.Tokenizer, cfg.TokenizerEncoding)
	if err != nil {
		return nil, err
	}
	segmenter := service.NewSegmenter(tok, service.DefaultSegmenterConfig())

	inner, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := inner.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.embedder = embedding.NewPool(inner, cfg.EmbeddingConcurrency)

	if err := a.openStore(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}

	a.source, err = newCorpusSource(ctx, cfg, opts.corpusDir)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ingestion = service.NewIngestionService(segmenter, a.embedder, a.store, a.global, service.IngestionConfig{
		BatchSize:   cfg.EmbeddingBatchSize,
		Concurrency: cfg.EmbeddingConcurrency,
	})

	log.Printf("index backend %s, embedder %s, corpus %s", a.store.Name(), a.embedder.Version(), a.source.Name())
	return a, nil
}

func newEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	switch cfg.Embedder {
	case config.EmbedderMiniLM:
		return embedding.NewMiniLM(cfg.MiniLMModelDir)
	case config.EmbedderOpenAI:
		if !cfg.HasOpenAI() {
			return nil, errors.New("BOOKRAG_OPENAI_API_KEY is required for the openai embedder")
		}
		return openai.NewClientWithConfig(openai.Config{
			APIKey:              cfg.OpenAIAPIKey,
			BaseURL:             cfg.OpenAIBaseURL,
			EmbeddingModel:      goopenai.EmbeddingModel(cfg.EmbeddingModel),
			EmbeddingDimensions: domain.EmbeddingDimensions,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embedder %q", cfg.Embedder)
	}
}

func (a *app) openStore(ctx context.Context, opts appOptions) error {
	cfg := a.cfg
	switch cfg.IndexBackend {
	case config.BackendMemory:
		a.store = index.NewMemoryStore()

	case config.BackendPostgres:
		if !opts.noMigrate {
			if err := runMigrations(cfg.DatabaseURL, opts.migrationsDir); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		pool, err := database.NewPool(ctx, database.Config{URL: cfg.DatabaseURL, MaxConns: cfg.MaxDBConns})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		log.Println("connected to database")
		repo := repository.NewSnapshotRepository(pool)
		a.store = repo
		a.pruner = repo

	case config.BackendQdrant:
		store, err := storage.NewQdrantStore(storage.QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
			UseTLS: cfg.QdrantTLS,
			Alias:  cfg.QdrantAlias,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, store.Close)
		a.store = store

	default:
		return fmt.Errorf("unknown index backend %q", cfg.IndexBackend)
	}

	return a.store.Ping(ctx)
}

func newCorpusSource(ctx context.Context, cfg *config.Config, dirOverride string) (jobs.CorpusSource, error) {
	if dirOverride == "" && cfg.HasS3() {
		return newS3(ctx, cfg)
	}
	dir := dirOverride
	if dir == "" {
		dir = cfg.CorpusDir
	}
	return corpus.NewLocalSource(dir, cfg.CorpusPattern), nil
}

func newS3(ctx context.Context, cfg *config.Config) (*storage.S3Client, error) {
	client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		Bucket:          cfg.S3Bucket,
		Prefix:          cfg.S3Prefix,
		Pattern:         cfg.CorpusPattern,
		UsePathStyle:    cfg.S3Endpoint != "",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return client, nil
}

// ingestFromSource reads the corpus and builds a new active snapshot. It
// returns the fingerprint of what was indexed.
func (a *app) ingestFromSource(ctx context.Context) (*service.IngestReport, string, error) {
	docs, err := a.source.Documents(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read corpus from %s: %w", a.source.Name(), err)
	}
	records, err := corpus.ParseDocuments(docs)
	if err != nil {
		return nil, "", err
	}
	fingerprint := corpus.Fingerprint(docs)
	report, err := a.ingestion.IngestRevision(ctx, records, fingerprint)
	if err != nil {
		return nil, "", err
	}
	return report, fingerprint, nil
}

// newAnswerer builds the query side on top of the app's index.
func (a *app) newAnswerer() (*service.GroundedAnswerer, error) {
	cfg := a.cfg
	if !cfg.HasOpenAI() {
		return nil, errors.New("BOOKRAG_OPENAI_API_KEY is required for answer generation")
	}

	tok, err := tokenizer.New(cfg.Tokenizer, cfg.TokenizerEncoding)
	if err != nil {
		return nil, err
	}
	segmenter := service.NewSegmenter(tok, service.DefaultSegmenterConfig())

	retriever := service.NewRetriever(a.embedder, a.global, segmenter, service.RetrieverConfig{
		TopK:           cfg.TopK,
		GlobalCutoff:   cfg.GlobalCutoff,
		SelectedCutoff: cfg.SelectedCutoff,
	})
	generator := openai.NewGenerator(openai.GeneratorConfig{
		APIKey:       cfg.OpenAIAPIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		Model:        cfg.GenerationModel,
		MaxTokens:    cfg.GenerationMaxTokens,
		Temperature:  cfg.GenerationTemperature,
		SystemPrompt: cfg.SystemPrompt,
	})

	return service.NewGroundedAnswerer(
		retriever,
		service.NewContextBuilder(tok, cfg.ContextTokenBudget),
		service.NewCitationMapper(cfg.PreviewChars),
		generator,
		service.AnswererConfig{
			GenerationTimeout: cfg.GenerationTimeout,
			Retry: service.RetryPolicy{
				MaxRetries:      cfg.RetryMax,
				InitialInterval: cfg.RetryInitialInterval,
				Multiplier:      cfg.RetryMultiplier,
				MaxInterval:     cfg.RetryMaxInterval,
			},
			Limits: cfg.QueryLimits(),
		},
	), nil
}

func runMigrations(databaseURL, migrationsDir string) error {
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	upErr := m.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", upErr)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		log.Println("migrations: no migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("migration version %d is dirty - manual intervention required", version)
	}

	if errors.Is(upErr, migrate.ErrNoChange) {
		log.Printf("migrations: database is up to date (version %d)", version)
	} else {
		log.Printf("migrations: applied successfully (version %d)", version)
	}
	return nil
}
