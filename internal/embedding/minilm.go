package embedding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"

	"github.com/cloo-solutions/bookrag/internal/domain"
)

// MiniLMModel is the sentence-transformers model the local embedder runs.
const MiniLMModel = "sentence-transformers/all-MiniLM-L6-v2"

// MiniLM embeds text in-process with hugot's pure Go backend.
type MiniLM struct {
	mu       sync.Mutex
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
}

// PrepareModel downloads the model into modelDir if it is not there yet and
// returns its path.
func PrepareModel(modelDir string) (string, error) {
	if modelDir == "" {
		modelDir = "./models"
	}
	modelPath := filepath.Join(modelDir, strings.ReplaceAll(MiniLMModel, "/", "_"))

	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		if err := os.MkdirAll(modelDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create model directory: %w", err)
		}
		log.Printf("embedding: downloading %s into %s", MiniLMModel, modelDir)
		downloadOptions := hugot.NewDownloadOptions()
		downloadOptions.OnnxFilePath = "onnx/model.onnx"
		downloadedPath, err := hugot.DownloadModel(MiniLMModel, modelDir, downloadOptions)
		if err != nil {
			return "", fmt.Errorf("failed to download model: %w", err)
		}
		modelPath = downloadedPath
	}

	return modelPath, nil
}

// NewMiniLM loads the model from modelDir, downloading it on first use.
func NewMiniLM(modelDir string) (*MiniLM, error) {
	modelPath, err := PrepareModel(modelDir)
	if err != nil {
		return nil, err
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create hugot session: %w", err)
	}

	config := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "bookrag-embedder",
	}
	pipeline, err := hugot.NewPipeline(session, config)
	if err != nil {
		if destroyErr := session.Destroy(); destroyErr != nil {
			return nil, fmt.Errorf("failed to create embedding pipeline: %w (cleanup error: %v)", err, destroyErr)
		}
		return nil, fmt.Errorf("failed to create embedding pipeline: %w", err)
	}

	return &MiniLM{session: session, pipeline: pipeline}, nil
}

// Embed returns L2-normalized sentence embeddings.
func (m *MiniLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	result, err := m.pipeline.RunPipeline(texts)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, errors.New("embedding count does not match input")
	}

	out := make([][]float32, len(result.Embeddings))
	for i, e := range result.Embeddings {
		out[i] = normalize(e)
	}
	return out, nil
}

func (m *MiniLM) Version() domain.EmbeddingVersion {
	return domain.EmbeddingVersion{Model: MiniLMModel, Dimension: domain.EmbeddingDimensions}
}

// Close releases the hugot session.
func (m *MiniLM) Close() error {
	return m.session.Destroy()
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	n := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}
