//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloo-solutions/bookrag/internal/api/handlers"
	"github.com/cloo-solutions/bookrag/internal/corpus"
	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/index"
	"github.com/cloo-solutions/bookrag/internal/jobs"
	"github.com/cloo-solutions/bookrag/internal/repository"
	"github.com/cloo-solutions/bookrag/internal/server"
	"github.com/cloo-solutions/bookrag/internal/service"
	"github.com/cloo-solutions/bookrag/internal/storage"
	"github.com/cloo-solutions/bookrag/internal/testutil"
	"github.com/cloo-solutions/bookrag/internal/tokenizer"
)

// Chapters uploaded to the bucket before the first ingestion. Every section
// mentions one topic word so topic-free questions score zero.
var bookChapters = map[string]string{
	"chapter-1.md": `# Kinematics

Kinematics describes motion without forces. Position and velocity are the core kinematics quantities.

## Frames

Kinematics is always expressed relative to a reference frame.
`,
	"chapter-2.md": `# Dynamics

Dynamics relates forces to motion. Newton's laws are the foundation of dynamics.
`,
}

const grounded = "Kinematics describes motion without forces [1]."

// E2ETestEnv holds all resources needed for E2E tests
type E2ETestEnv struct {
	T          *testing.T
	Ctx        context.Context
	PostgresC  *testutil.PostgresContainer
	RustFSC    *testutil.RustFSContainer
	Pool       *pgxpool.Pool
	S3Client   *storage.S3Client
	Snapshots  *repository.SnapshotRepository
	Global     *index.Global
	Ingestion  *service.IngestionService
	Reindexer  *jobs.ReindexProcessor
	Generator  *scriptedGenerator
	Server     *httptest.Server
	BinaryDir  string
	HTTPClient *http.Client
}

// SetupE2EEnv starts Postgres and RustFS, uploads the book, ingests it and
// serves the chat API.
func SetupE2EEnv(t *testing.T) *E2ETestEnv {
	ctx := context.Background()

	pgC := testutil.NewPostgresContainer(ctx, t)
	s3C := testutil.NewRustFSContainer(ctx, t)
	pool := testutil.NewTestPool(ctx, t, pgC, "../../migrations")

	s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        s3C.Endpoint(),
		Region:          "us-east-1",
		AccessKeyID:     "rustfsadmin",
		SecretAccessKey: "rustfsadmin",
		Bucket:          "book",
		Prefix:          "chapters",
		Pattern:         "*.md",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("failed to create S3 client: %v", err)
	}
	if err := s3Client.EnsureBucket(ctx); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}
	for name, content := range bookChapters {
		if err := s3Client.PutDocument(ctx, name, content); err != nil {
			t.Fatalf("failed to upload %s: %v", name, err)
		}
	}

	tok, err := tokenizer.New(tokenizer.KindWhitespace, "")
	if err != nil {
		t.Fatalf("failed to create tokenizer: %v", err)
	}
	segmenter := service.NewSegmenter(tok, service.DefaultSegmenterConfig())
	embedder := topicEmbedder{}
	snapshots := repository.NewSnapshotRepository(pool)
	global := index.NewGlobal()

	ingestion := service.NewIngestionService(segmenter, embedder, snapshots, global, service.DefaultIngestionConfig())
	reindexer := jobs.NewReindexProcessor(s3Client, ingestion, snapshots)
	if err := reindexer.ProcessJobs(ctx); err != nil {
		t.Fatalf("initial ingestion failed: %v", err)
	}

	generator := &scriptedGenerator{answer: grounded}
	cfg := service.DefaultAnswererConfig()
	cfg.Retry.InitialInterval = 10 * time.Millisecond
	answerer := service.NewGroundedAnswerer(
		service.NewRetriever(embedder, global, segmenter, service.DefaultRetrieverConfig()),
		service.NewContextBuilder(tok, 3000),
		service.NewCitationMapper(200),
		generator,
		cfg,
	)

	router := server.NewRouter(server.RouterConfig{
		ChatHandler:   handlers.NewChatHandler(answerer),
		HealthHandler: handlers.NewHealthHandler(global, snapshots),
	})

	return &E2ETestEnv{
		T:          t,
		Ctx:        ctx,
		PostgresC:  pgC,
		RustFSC:    s3C,
		Pool:       pool,
		S3Client:   s3Client,
		Snapshots:  snapshots,
		Global:     global,
		Ingestion:  ingestion,
		Reindexer:  reindexer,
		Generator:  generator,
		Server:     httptest.NewServer(router),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Cleanup releases all resources
func (e *E2ETestEnv) Cleanup() {
	if e.Server != nil {
		e.Server.Close()
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
	if e.RustFSC != nil {
		e.RustFSC.Terminate(e.Ctx)
	}
	if e.PostgresC != nil {
		e.PostgresC.Terminate(e.Ctx)
	}
	if e.BinaryDir != "" {
		os.RemoveAll(e.BinaryDir)
	}
}

// BuildBinaries builds the bookrag client binary
func (e *E2ETestEnv) BuildBinaries() {
	tmpDir, err := os.MkdirTemp("", "bookrag-e2e-*")
	if err != nil {
		e.T.Fatalf("failed to create temp dir: %v", err)
	}
	e.BinaryDir = tmpDir

	cmd := exec.Command("go", "build", "-o", filepath.Join(tmpDir, "bookrag"), "./cmd/bookrag")
	cmd.Dir = "../.."
	if out, err := cmd.CombinedOutput(); err != nil {
		e.T.Fatalf("failed to build bookrag: %v\n%s", err, out)
	}
}

// RunBookrag runs the bookrag CLI against the test server
func (e *E2ETestEnv) RunBookrag(args ...string) (string, error) {
	cmd := exec.Command(filepath.Join(e.BinaryDir, "bookrag"), args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("BOOKRAG_API_URL=%s", e.Server.URL))
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// APIResponse represents a standard API response
type APIResponse struct {
	StatusCode int
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error,omitempty"`
	Code       string          `json:"code,omitempty"`
}

// Get performs a GET request
func (e *E2ETestEnv) Get(path string) (*APIResponse, error) {
	return e.doRequest(http.MethodGet, path, nil)
}

// Post performs a POST request
func (e *E2ETestEnv) Post(path string, body interface{}) (*APIResponse, error) {
	return e.doRequest(http.MethodPost, path, body)
}

func (e *E2ETestEnv) doRequest(method, path string, body interface{}) (*APIResponse, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(e.Ctx, method, e.Server.URL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", "e2e")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	apiResp := &APIResponse{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(respBody, apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response (status %d): %s", resp.StatusCode, respBody)
	}
	apiResp.StatusCode = resp.StatusCode
	return apiResp, nil
}

// Chat posts a global question and decodes the answer.
func (e *E2ETestEnv) Chat(query string, debug bool) (*handlers.ChatResponse, *APIResponse) {
	resp, err := e.Post("/api/v1/chat", handlers.ChatRequest{Query: query, Debug: debug})
	if err != nil {
		e.T.Fatalf("chat request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp
	}
	var out handlers.ChatResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		e.T.Fatalf("failed to decode chat response: %v", err)
	}
	return &out, resp
}

// UploadChapter replaces one chapter in the bucket.
func (e *E2ETestEnv) UploadChapter(name, content string) {
	if err := e.S3Client.PutDocument(e.Ctx, name, content); err != nil {
		e.T.Fatalf("failed to upload %s: %v", name, err)
	}
}

// CountSnapshots returns the number of snapshot rows with the given status.
func (e *E2ETestEnv) CountSnapshots(status string) int {
	var n int
	err := e.Pool.QueryRow(e.Ctx, "SELECT COUNT(*) FROM index_snapshots WHERE status = $1", status).Scan(&n)
	if err != nil {
		e.T.Fatalf("failed to count snapshots: %v", err)
	}
	return n
}

// ParseBook parses the uploaded chapters the way ingestion does.
func ParseBook(t *testing.T) []domain.SectionRecord {
	docs := make([]domain.SourceDocument, 0, len(bookChapters))
	for name, content := range bookChapters {
		docs = append(docs, domain.SourceDocument{Path: name, Content: content, Version: "1"})
	}
	records, err := corpus.ParseDocuments(docs)
	if err != nil {
		t.Fatalf("failed to parse book: %v", err)
	}
	return records
}

var topicVersion = domain.EmbeddingVersion{Model: "e2e-topics", Dimension: domain.EmbeddingDimensions}

// topicEmbedder places text on one axis per topic word. Text without any
// topic lands on a separate axis, orthogonal to the whole book.
type topicEmbedder struct{}

func (topicEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		v := make([]float32, domain.EmbeddingDimensions)
		var total float32
		for axis, topic := range []string{"kinematics", "dynamics", "control"} {
			v[axis] = float32(strings.Count(lower, topic))
			total += v[axis]
		}
		if total == 0 {
			v[domain.EmbeddingDimensions-1] = 1
		}
		out[i] = v
	}
	return out, nil
}

func (topicEmbedder) Version() domain.EmbeddingVersion {
	return topicVersion
}

// scriptedGenerator answers with a fixed text and records every prompt.
type scriptedGenerator struct {
	mu      sync.Mutex
	answer  string
	prompts []string
}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	return g.answer, nil
}

func (g *scriptedGenerator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}
