package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/cloo-solutions/bookrag/internal/domain"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendQdrant   = "qdrant"

	EmbedderOpenAI = "openai"
	EmbedderMiniLM = "minilm"
)

type Config struct {
	Port  string `envconfig:"PORT" default:"8080"`
	Debug bool   `envconfig:"DEBUG" default:"false"`

	SentryDSN         string `envconfig:"SENTRY_DSN"`
	SentryEnvironment string `envconfig:"SENTRY_ENVIRONMENT" default:"development"`

	IndexBackend string `envconfig:"INDEX_BACKEND" default:"memory"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`
	MaxDBConns   int32  `envconfig:"DB_MAX_CONNS" default:"10"`

	QdrantHost   string `envconfig:"QDRANT_HOST" default:"localhost"`
	QdrantPort   int    `envconfig:"QDRANT_PORT" default:"6334"`
	QdrantAPIKey string `envconfig:"QDRANT_API_KEY"`
	QdrantTLS    bool   `envconfig:"QDRANT_TLS" default:"false"`
	QdrantAlias  string `envconfig:"QDRANT_ALIAS" default:"book_chunks"`

	CorpusDir       string        `envconfig:"CORPUS_DIR" default:"./docs"`
	CorpusPattern   string        `envconfig:"CORPUS_PATTERN" default:"*.md"`
	ReindexInterval time.Duration `envconfig:"REINDEX_INTERVAL" default:"5m"`
	SnapshotGrace   time.Duration `envconfig:"SNAPSHOT_GRACE" default:"1h"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET"`
	S3Prefix    string `envconfig:"S3_PREFIX"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	Embedder             string `envconfig:"EMBEDDER" default:"openai"`
	EmbeddingModel       string `envconfig:"EMBEDDING_MODEL" default:"text-embedding-3-small"`
	MiniLMModelDir       string `envconfig:"MINILM_MODEL_DIR" default:"./models"`
	EmbeddingConcurrency int    `envconfig:"EMBEDDING_CONCURRENCY" default:"4"`
	EmbeddingBatchSize   int    `envconfig:"EMBEDDING_BATCH_SIZE" default:"64"`

	Tokenizer         string `envconfig:"TOKENIZER" default:"tiktoken"`
	TokenizerEncoding string `envconfig:"TOKENIZER_ENCODING" default:"cl100k_base"`

	TopK               int     `envconfig:"TOP_K" default:"5"`
	GlobalCutoff       float32 `envconfig:"GLOBAL_CUTOFF" default:"0.3"`
	SelectedCutoff     float32 `envconfig:"SELECTED_CUTOFF" default:"0.0"`
	ContextTokenBudget int     `envconfig:"CONTEXT_TOKEN_BUDGET" default:"3000"`
	PreviewChars       int     `envconfig:"PREVIEW_CHARS" default:"200"`

	OpenAIAPIKey          string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL         string        `envconfig:"OPENAI_BASE_URL"`
	GenerationModel       string        `envconfig:"GENERATION_MODEL" default:"gpt-4o-mini"`
	GenerationMaxTokens   int           `envconfig:"GENERATION_MAX_TOKENS" default:"2048"`
	GenerationTemperature float32       `envconfig:"GENERATION_TEMPERATURE" default:"0.2"`
	GenerationTimeout     time.Duration `envconfig:"GENERATION_TIMEOUT" default:"30s"`
	SystemPrompt          string        `envconfig:"SYSTEM_PROMPT"`

	RetryMax             int           `envconfig:"RETRY_MAX" default:"3"`
	RetryInitialInterval time.Duration `envconfig:"RETRY_INITIAL_INTERVAL" default:"1s"`
	RetryMultiplier      float64       `envconfig:"RETRY_MULTIPLIER" default:"2"`
	RetryMaxInterval     time.Duration `envconfig:"RETRY_MAX_INTERVAL" default:"30s"`

	MaxQueryChars    int `envconfig:"MAX_QUERY_CHARS" default:"1000"`
	MinSelectedChars int `envconfig:"MIN_SELECTED_CHARS" default:"10"`
	MaxSelectedChars int `envconfig:"MAX_SELECTED_CHARS" default:"5000"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("BOOKRAG", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	switch c.IndexBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("BOOKRAG_DATABASE_URL is required for the %s backend", c.IndexBackend)
		}
	case BackendQdrant:
		if c.QdrantHost == "" || c.QdrantAlias == "" {
			return fmt.Errorf("BOOKRAG_QDRANT_HOST and BOOKRAG_QDRANT_ALIAS are required for the %s backend", c.IndexBackend)
		}
	default:
		return fmt.Errorf("unknown index backend %q", c.IndexBackend)
	}

	switch c.Embedder {
	case EmbedderOpenAI, EmbedderMiniLM:
	default:
		return fmt.Errorf("unknown embedder %q", c.Embedder)
	}

	if c.TopK <= 0 {
		return fmt.Errorf("top k must be positive, got %d", c.TopK)
	}
	if c.GlobalCutoff < -1 || c.GlobalCutoff > 1 || c.SelectedCutoff < -1 || c.SelectedCutoff > 1 {
		return fmt.Errorf("cutoffs must be within [-1, 1]")
	}
	if minBudget := domain.MaxTokens + domain.SourceMarkerTokens; c.ContextTokenBudget < minBudget {
		return fmt.Errorf("context token budget %d cannot hold one full chunk with its source markers (%d tokens)", c.ContextTokenBudget, minBudget)
	}
	if c.RetryMax < 0 {
		return fmt.Errorf("retry max must not be negative, got %d", c.RetryMax)
	}
	if c.RetryMultiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1, got %g", c.RetryMultiplier)
	}
	if c.MinSelectedChars > c.MaxSelectedChars {
		return fmt.Errorf("selected text limits are inverted (%d > %d)", c.MinSelectedChars, c.MaxSelectedChars)
	}
	return nil
}

func (c *Config) HasS3() bool {
	return c.S3Bucket != ""
}

func (c *Config) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

// QueryLimits returns the validation limits for incoming queries.
func (c *Config) QueryLimits() domain.QueryLimits {
	return domain.QueryLimits{
		MaxQueryChars:    c.MaxQueryChars,
		MinSelectedChars: c.MinSelectedChars,
		MaxSelectedChars: c.MaxSelectedChars,
	}
}
