package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/telemetry"
)

// Generator produces text for a prompt within timeout.
type Generator interface {
	Generate(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// AnswererConfig holds generation and validation settings.
type AnswererConfig struct {
	GenerationTimeout time.Duration
	Retry             RetryPolicy
	Limits            domain.QueryLimits
}

func DefaultAnswererConfig() AnswererConfig {
	return AnswererConfig{
		GenerationTimeout: 30 * time.Second,
		Retry:             DefaultRetryPolicy(),
		Limits:            domain.DefaultQueryLimits(),
	}
}

// AnswerResult is delivered by AnswerAsync.
type AnswerResult struct {
	Record *domain.AnswerRecord
	Err    error
}

// GroundedAnswerer answers only from retrieved evidence. Without evidence it
// returns domain.NotFoundAnswer and never calls the generator.
type GroundedAnswerer struct {
	retriever *Retriever
	contexts  *ContextBuilder
	citations *CitationMapper
	generator Generator
	cfg       AnswererConfig
	newTimer  func() backoff.Timer
}

func NewGroundedAnswerer(
	retriever *Retriever,
	contexts *ContextBuilder,
	citations *CitationMapper,
	generator Generator,
	cfg AnswererConfig,
) *GroundedAnswerer {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultAnswererConfig().GenerationTimeout
	}
	return &GroundedAnswerer{
		retriever: retriever,
		contexts:  contexts,
		citations: citations,
		generator: generator,
		cfg:       cfg,
	}
}

// answerRun tracks the state trail of one query.
type answerRun struct {
	ctx     context.Context
	queryID string
	states  []domain.State
	err     error
}

func (r *answerRun) current() domain.State {
	return r.states[len(r.states)-1]
}

func (r *answerRun) transition(to domain.State) {
	from := r.current()
	if !domain.CanTransition(from, to) {
		if r.err == nil {
			r.err = domain.ErrIllegalState.WithCause(fmt.Errorf("%s -> %s", from, to))
		}
		return
	}
	r.states = append(r.states, to)
	telemetry.AddBreadcrumb(r.ctx, "answer", fmt.Sprintf("%s %s -> %s", r.queryID, from, to))
}

// Answer runs the query to a terminal state and blocks until then.
func (a *GroundedAnswerer) Answer(ctx context.Context, q domain.Query) (*domain.AnswerRecord, error) {
	start := time.Now()
	queryID := uuid.New().String()

	ctx, span := telemetry.StartSpan(ctx, "GroundedAnswerer.Answer", telemetry.SpanAttributes{
		QueryID:   queryID,
		Mode:      string(q.Mode),
		Operation: "answer",
	})
	defer span.End()

	run := &answerRun{ctx: ctx, queryID: queryID, states: []domain.State{domain.StateReceived}}
	fail := func(err error) (*domain.AnswerRecord, error) {
		err = a.failureError(ctx, err)
		from := run.current()
		run.transition(domain.StateFailed)
		if domain.ErrorCode(err) != domain.ErrCodeValidation {
			span.SetError(err)
		}
		log.Printf("answer %s: failed after %s in %s: %v", queryID, from, time.Since(start).Round(time.Millisecond), err)
		return nil, err
	}

	q, err := q.Normalize(a.cfg.Limits)
	if err != nil {
		return fail(err)
	}

	retrieval, err := a.retriever.Retrieve(ctx, q, run.transition)
	if err != nil {
		return fail(err)
	}
	if run.err != nil {
		return fail(run.err)
	}
	span.SetData("snapshot_id", retrieval.SnapshotID)

	if len(retrieval.Entries) == 0 {
		run.transition(domain.StateEmpty)
		run.transition(domain.StateAnsweredNotFound)
		if run.err != nil {
			return fail(run.err)
		}
		rec := domain.NewNotFoundRecord(queryID, q)
		rec.Elapsed = time.Since(start)
		if q.Debug {
			rec.Debug = a.debugInfo(run, retrieval, nil, 0)
		}
		log.Printf("answer %s: no evidence above cutoff (mode=%s, candidates=%d)", queryID, q.Mode, len(retrieval.Candidates))
		return rec, nil
	}

	built, err := a.contexts.Build(retrieval.Entries)
	if err != nil {
		return fail(err)
	}
	run.transition(domain.StateContextBuilt)
	citations := a.citations.Map(built.Entries, q.Mode)

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	run.transition(domain.StateGenerating)
	if run.err != nil {
		return fail(run.err)
	}

	var timer backoff.Timer
	if a.newTimer != nil {
		timer = a.newTimer()
	}
	text, attempts, err := generateWithRetry(ctx, a.generator, BuildPrompt(q.Mode, q.Text, built), a.cfg.GenerationTimeout, a.cfg.Retry, timer)
	if err != nil {
		return fail(err)
	}

	run.transition(domain.StateAnswered)
	if run.err != nil {
		return fail(run.err)
	}

	rec := &domain.AnswerRecord{
		QueryID:    queryID,
		Query:      q,
		AnswerText: text,
		Citations:  citations,
		Grounded:   true,
		State:      domain.StateAnswered,
		Elapsed:    time.Since(start),
	}
	if q.Debug {
		rec.Debug = a.debugInfo(run, retrieval, built, attempts)
	}
	log.Printf("answer %s: answered (mode=%s, citations=%d, attempts=%d) in %s",
		queryID, q.Mode, len(citations), attempts, rec.Elapsed.Round(time.Millisecond))
	return rec, nil
}

// AnswerAsync runs Answer in the background. The channel yields exactly one
// result and is then closed.
func (a *GroundedAnswerer) AnswerAsync(ctx context.Context, q domain.Query) <-chan AnswerResult {
	ch := make(chan AnswerResult, 1)
	go func() {
		defer close(ch)
		rec, err := a.Answer(ctx, q)
		ch <- AnswerResult{Record: rec, Err: err}
	}()
	return ch
}

// failureError reports caller cancellation as ErrCancelled.
func (a *GroundedAnswerer) failureError(ctx context.Context, err error) error {
	if domain.ErrorCode(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		cause := err
		if ctx.Err() != nil {
			cause = ctx.Err()
		}
		return domain.ErrCancelled.WithCause(cause)
	}
	return domain.ErrInternal.WithCause(err)
}

func (a *GroundedAnswerer) debugInfo(run *answerRun, retrieval *Retrieval, built *BuiltContext, attempts int) *domain.DebugInfo {
	info := &domain.DebugInfo{
		States:             append([]domain.State(nil), run.states...),
		SnapshotID:         retrieval.SnapshotID,
		EmbeddingVersion:   retrieval.Version,
		Candidates:         make([]domain.RetrievedChunk, 0, len(retrieval.Candidates)),
		GenerationAttempts: attempts,
	}
	for _, c := range retrieval.Candidates {
		info.Candidates = append(info.Candidates, domain.RetrievedChunk{
			ChunkID: c.Chunk.ID,
			Score:   c.Score,
			Chapter: c.Chunk.Source.Chapter,
			Section: c.Chunk.Source.Section,
			Preview: a.citations.Preview(c.Chunk.Text),
		})
	}
	if built != nil {
		info.ContextChunks = len(built.Entries)
		info.DroppedChunks = built.Dropped
		info.ContextTokens = built.Tokens
	}
	return info
}
