package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cloo-solutions/bookrag/internal/domain"
)

const (
	DefaultChatModel = openai.GPT4oMini
	DefaultMaxTokens = 2048
)

// ChatAPI is the subset of the go-openai client used for generation.
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// GeneratorConfig configures an OpenAI-compatible chat backend. BaseURL may
// point at any compatible endpoint, such as Gemini's OpenAI surface.
type GeneratorConfig struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTokens    int
	Temperature  float32
	SystemPrompt string
}

// Generator produces answers through chat completions.
type Generator struct {
	api ChatAPI
	cfg GeneratorConfig
}

func NewGenerator(cfg GeneratorConfig) *Generator {
	return NewGeneratorWithAPI(newAPIClient(cfg.APIKey, cfg.BaseURL), cfg)
}

func NewGeneratorWithAPI(api ChatAPI, cfg GeneratorConfig) *Generator {
	if cfg.Model == "" {
		cfg.Model = DefaultChatModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Generator{api: api, cfg: cfg}
}

// Generate sends prompt as the user turn and returns the reply text. Each
// call is bounded by timeout; failures come back as classified domain errors.
func (g *Generator) Generate(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if g.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: g.cfg.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	resp, err := g.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	})
	if err != nil {
		return "", classifyError(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return "", domain.ErrGenerationServiceError.WithCause(errors.New("no choices returned"))
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", domain.ErrGenerationServiceError.WithCause(errors.New("empty completion"))
	}
	return text, nil
}

// classifyError maps backend failures onto the retry contract. A cancelled
// or expired caller context is returned as is.
func classifyError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrGenerationTimeout.WithCause(err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	return domain.ErrGenerationServiceError.WithCause(err)
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.ErrGenerationRateLimited.WithCause(err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return domain.ErrGenerationTimeout.WithCause(err)
	case status >= 500:
		return domain.ErrGenerationServiceError.WithCause(err)
	case status >= 400:
		return domain.ErrGenerationRejected.WithCause(err)
	default:
		return domain.ErrGenerationServiceError.WithCause(err)
	}
}
