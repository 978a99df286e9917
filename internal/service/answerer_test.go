package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/index"
	"github.com/cloo-solutions/bookrag/internal/tokenizer"
)

var keywordVersion = domain.EmbeddingVersion{Model: "keyword", Dimension: 4}

// keywordEmbedder maps text onto four topic axes so tests can steer scores.
type keywordEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (k *keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.Lock()
	k.calls++
	err := k.err
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = keywordVector(t)
	}
	return out, nil
}

func (k *keywordEmbedder) Version() domain.EmbeddingVersion {
	return keywordVersion
}

func keywordVector(text string) []float32 {
	lower := strings.ToLower(text)
	v := make([]float32, 4)
	for i, kw := range []string{"kinematics", "dynamics", "control"} {
		v[i] = float32(strings.Count(lower, kw))
	}
	if v[0]+v[1]+v[2] == 0 {
		v[3] = 1
	}
	return v
}

type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	args := m.Called(ctx, prompt, timeout)
	return args.String(0), args.Error(1)
}

// recordingTimer fires immediately and remembers every requested wait.
type recordingTimer struct {
	mu    sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (r *recordingTimer) Start(d time.Duration) {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	r.c <- time.Now()
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time {
	return r.c
}

func (r *recordingTimer) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func bookChunk(chapter int, section string, idx int, text string) domain.Chunk {
	ref := domain.SourceRef{
		Scope:     domain.ScopeGlobal,
		Chapter:   chapter,
		Section:   section,
		URLAnchor: "section-" + strings.ReplaceAll(section, ".", "-"),
		Title:     "Title " + section,
	}
	return domain.Chunk{
		ID:         domain.ChunkID(ref, idx),
		Source:     ref,
		Text:       text,
		TokenCount: len(strings.Fields(text)),
		ChunkIndex: idx,
		Embedding:  keywordVector(text),
	}
}

func newTestGlobal(t *testing.T, chunks ...domain.Chunk) *index.Global {
	t.Helper()
	ctx := context.Background()
	store := index.NewMemoryStore()
	b, err := store.Begin(ctx, keywordVersion, "")
	require.NoError(t, err)
	for _, c := range chunks {
		_, err := b.Insert(ctx, c)
		require.NoError(t, err)
	}
	snap, err := b.Commit(ctx)
	require.NoError(t, err)

	g := index.NewGlobal()
	g.Swap(snap)
	return g
}

func defaultBook() []domain.Chunk {
	return []domain.Chunk{
		bookChunk(2, "2.1", 0, "Forward kinematics maps joint angles to the end effector pose."),
		bookChunk(2, "2.2", 0, "Inverse kinematics solves for joint angles given a target pose."),
		bookChunk(3, "3.1", 0, "Rigid body dynamics relates torques to accelerations."),
		bookChunk(4, "4.1", 0, "Feedback control keeps the arm on its planned trajectory."),
	}
}

type answererFixture struct {
	answerer  *GroundedAnswerer
	retriever *Retriever
	embedder  *keywordEmbedder
	generator *MockGenerator
	timer     *recordingTimer
}

func newAnswererFixture(t *testing.T, global *index.Global) *answererFixture {
	t.Helper()
	tok := tokenizer.Whitespace{}
	emb := &keywordEmbedder{}
	gen := new(MockGenerator)
	timer := newRecordingTimer()

	retriever := NewRetriever(emb, global, NewSegmenter(tok, DefaultSegmenterConfig()), DefaultRetrieverConfig())
	a := NewGroundedAnswerer(
		retriever,
		NewContextBuilder(tok, DefaultContextTokenBudget),
		NewCitationMapper(0),
		gen,
		DefaultAnswererConfig(),
	)
	a.newTimer = func() backoff.Timer { return timer }

	return &answererFixture{answerer: a, retriever: retriever, embedder: emb, generator: gen, timer: timer}
}

func TestAnswer_GlobalAnswered(t *testing.T) {
	f := newAnswererFixture(t, newTestGlobal(t, defaultBook()...))
	f.generator.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "[Source 1]") &&
			strings.Contains(p, "[End Source 1]") &&
			strings.Contains(p, "Question: What is inverse kinematics?")
	}), 30*time.Second).Return("Inverse kinematics finds joint angles [Source 1].", nil).Once()

	rec, err := f.answerer.Answer(context.Background(), domain.Query{
		Text: "What is inverse kinematics?",
		Mode: domain.ModeGlobal,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StateAnswered, rec.State)
	assert.True(t, rec.Grounded)
	assert.NotEmpty(t, rec.QueryID)
	assert.Equal(t, "Inverse kinematics finds joint angles [Source 1].", rec.AnswerText)
	assert.Nil(t, rec.Debug)

	require.Len(t, rec.Citations, 2)
	for _, c := range rec.Citations {
		assert.Equal(t, 2, c.Chapter)
		assert.NotEqual(t, domain.SelectedSection, c.Section)
		assert.True(t, strings.HasPrefix(c.SourceLabel, "Chapter 2, Section 2."))
	}
	assert.GreaterOrEqual(t, rec.Citations[0].RelevanceScore, rec.Citations[1].RelevanceScore)
	f.generator.AssertExpectations(t)
}

func TestAnswer_BelowCutoffReturnsFallback(t *testing.T) {
	f := newAnswererFixture(t, newTestGlobal(t, defaultBook()...))

	rec, err := f.answerer.Answer(context.Background(), domain.Query{
		Text:  "Who painted the Mona Lisa?",
		Mode:  domain.ModeGlobal,
		Debug: true,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.NotFoundAnswer, rec.AnswerText)
	assert.NotNil(t, rec.Citations)
	assert.Empty(t, rec.Citations)
	assert.False(t, rec.Grounded)
	assert.Equal(t, domain.StateAnsweredNotFound, rec.State)

	require.NotNil(t, rec.Debug)
	assert.Equal(t, []domain.State{
		domain.StateReceived,
		domain.StateEmbedding,
		domain.StateRetrieving,
		domain.StateEmpty,
		domain.StateAnsweredNotFound,
	}, rec.Debug.States)
	assert.Len(t, rec.Debug.Candidates, 4)
	for _, c := range rec.Debug.Candidates {
		assert.Less(t, c.Score, float32(0.2))
	}
	assert.Zero(t, rec.Debug.GenerationAttempts)

	f.generator.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestAnswer_SelectedTextCitations(t *testing.T) {
	f := newAnswererFixture(t, index.NewGlobal())
	selected := strings.Repeat("The control loop compares the measured and desired joint angle. ", 5)
	require.InDelta(t, 300, len(selected), 30)

	f.generator.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "selected a passage")
	}), mock.Anything).Return("It compares measured and desired angles [Source 1].", nil).Once()

	rec, err := f.answerer.Answer(context.Background(), domain.Query{
		Text:         "What does the control loop compare?",
		Mode:         domain.ModeSelected,
		SelectedText: selected,
	})
	require.NoError(t, err)

	require.Len(t, rec.Citations, 1)
	c := rec.Citations[0]
	assert.True(t, strings.HasPrefix(c.ChunkID, "selected-"))
	assert.Equal(t, "selected-selected-000", c.ChunkID)
	assert.Equal(t, 0, c.Chapter)
	assert.Equal(t, domain.SelectedSection, c.Section)
	assert.Equal(t, "Selected text", c.SourceLabel)
	assert.Empty(t, c.URLAnchor)
	f.generator.AssertExpectations(t)
}

func TestAnswer_RateLimitedExhaustsRetries(t *testing.T) {
	f := newAnswererFixture(t, newTestGlobal(t, defaultBook()...))
	f.generator.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return("", domain.ErrGenerationRateLimited)

	rec, err := f.answerer.Answer(context.Background(), domain.Query{
		Text: "Explain rigid body dynamics",
		Mode: domain.ModeGlobal,
	})
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.ErrorIs(t, err, domain.ErrGenerationRateLimited)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, f.timer.Waits())
	f.generator.AssertNumberOfCalls(t, "Generate", 4)
}

func TestAnswer_RetrySucceedsAfterTransientFailure(t *testing.T) {
	f := newAnswererFixture(t, newTestGlobal(t, defaultBook()...))
	f.generator.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return("", domain.ErrGenerationTimeout).Once()
	f.generator.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return("Torques relate to accelerations [Source 1].", nil).Once()

	rec, err := f.answerer.Answer(context.Background(), domain.Query{
		Text:  "Explain rigid body dynamics",
		Mode:  domain.ModeGlobal,
		Debug: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateAnswered, rec.State)
	require.NotNil(t, rec.Debug)
	assert.Equal(t, 2, rec.Debug.GenerationAttempts)
	assert.Equal(t, []time.Duration{time.Second}, f.timer.Waits())
	assert.Equal(t, domain.StateAnswered, rec.Debug.States[len(rec.Debug.States)-1])
}

func TestAnswer_RejectedIsNotRetried(t *testing.T) {
	f := newAnswererFixture(t, newTestGlobal(t, defaultBook()...))
	f.generator.On("Generate", mock.Anything, mock.Anything, mock.Anything).
		Return("", domain.ErrGenerationRejected).Once()

	_, err := f.answerer.Answer(context.Background(), domain.Query{
		Text: "Explain rigid body dynamics",
		Mode: domain.ModeGlobal,
	})
	assert.ErrorIs(t, err, domain.ErrGenerationRejected)
	assert.Empty(t, f.timer.Waits())
	f.generator.AssertNumberOfCalls(t, "Generate", 1)
}

func TestAnswer_IndexUnavailableFailsFast(t *testing.T) {
	f := newAnswererFixture(t, index.NewGlobal())

	_, err := f.answerer.Answer(context.Background(), domain.Query{
		Text: "What is forward kinematics?",
		Mode: domain.ModeGlobal,
	})
	assert.ErrorIs(t, err, domain.ErrIndexUnavailable)
	assert.Zero(t, f.embedder.calls)
	f.generator.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

// prunedSnapshot is a snapshot whose storage was removed after a query
// acquired it.
type prunedSnapshot struct {
	failingSearcher
}

func (prunedSnapshot) ID() string { return "snap-pruned" }
func (prunedSnapshot) Size() int { return 3 }
func (prunedSnapshot) Fingerprint() string { return "" }

func TestAnswer_PrunedSnapshotFailsInsteadOfNotFound(t *testing.T) {
	global := index.NewGlobal()
	global.Swap(prunedSnapshot{failingSearcher{err: domain.ErrIndexUnavailable}})
	f := newAnswererFixture(t, global)

	record, err := f.answerer.Answer(context.Background(), domain.Query{
		Text: "What is forward kinematics?",
		Mode: domain.ModeGlobal,
	})
	assert.ErrorIs(t, err, domain.ErrIndexUnavailable)
	if record != nil {
		assert.NotEqual(t, domain.StateAnsweredNotFound, record.State)
		assert.NotEqual(t, domain.NotFoundAnswer, record.AnswerText)
	}
	f.generator.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestAnswer_ValidationErrors(t *testing.T) {
	f := newAnswererFixture(t, newTestGlobal(t, defaultBook()...))

	tests := []struct {
		name  string
		query domain.Query
		want  error
	}{
		{"empty", domain.Query{Text: "   ", Mode: domain.ModeGlobal}, domain.ErrEmptyQuery},
		{"unknown mode", domain.Query{Text: "hi", Mode: "both"}, domain.ErrInvalidMode},
		{"selected without text", domain.Query{Text: "hi", Mode: domain.ModeSelected}, domain.ErrSelectedTextMissing},
		{"global with selected text", domain.Query{Text: "hi", Mode: domain.ModeGlobal, SelectedText: "some selected text"}, domain.ErrSelectedTextInMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.answerer.Answer(context.Background(), tt.query)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, domain.ErrCodeValidation, domain.ErrorCode(err))
		})
	}
	assert.Zero(t, f.embedder.calls)
}

func TestAnswer_CancelledContext(t *testing.T) {
	f := newAnswererFixture(t, newTestGlobal(t, defaultBook()...))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.answerer.Answer(ctx, domain.Query{Text: "What is forward kinematics?", Mode: domain.ModeGlobal})
	assert.ErrorIs(t, err, domain.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnswer_EmbeddingFailure(t *testing.T) {
	f := newAnswererFixture(t, newTestGlobal(t, defaultBook()...))
	f.embedder.err = errors.New("model crashed")

	_, err := f.answerer.Answer(context.Background(), domain.Query{Text: "What is forward kinematics?", Mode: domain.ModeGlobal})
	assert.ErrorIs(t, err, domain.ErrInternal)
}

func TestAnswer_VersionMismatchFailsFast(t *testing.T) {
	ctx := context.Background()
	store := index.NewMemoryStore()
	b, err := store.Begin(ctx, domain.EmbeddingVersion{Model: "other", Dimension: 4}, "")
	require.NoError(t, err)
	snap, err := b.Commit(ctx)
	require.NoError(t, err)
	g := index.NewGlobal()
	g.Swap(snap)

	f := newAnswererFixture(t, g)
	_, err = f.answerer.Answer(ctx, domain.Query{Text: "What is forward kinematics?", Mode: domain.ModeGlobal})
	assert.ErrorIs(t, err, domain.ErrVersionMismatch)
	assert.Zero(t, f.embedder.calls)
}

func TestAnswer_ContextBudgetDropsLowestRanked(t *testing.T) {
	book := []domain.Chunk{
		bookChunk(2, "2.1", 0, "kinematics kinematics kinematics "+strings.Repeat("word ", 40)),
		bookChunk(2, "2.2", 0, "kinematics kinematics "+strings.Repeat("word ", 40)+"dynamics"),
		bookChunk(2, "2.3", 0, "kinematics "+strings.Repeat("word ", 40)+"dynamics control"),
	}
	f := newAnswererFixture(t, newTestGlobal(t, book...))
	f.answerer.contexts = NewContextBuilder(tokenizer.Whitespace{}, 120)
	f.generator.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return("Answer [Source 1].", nil)

	rec, err := f.answerer.Answer(context.Background(), domain.Query{
		Text:  "kinematics",
		Mode:  domain.ModeGlobal,
		Debug: true,
	})
	require.NoError(t, err)
	require.NotNil(t, rec.Debug)
	assert.Equal(t, 3, len(rec.Debug.Candidates))
	assert.Equal(t, 2, rec.Debug.ContextChunks)
	assert.Equal(t, 1, rec.Debug.DroppedChunks)
	assert.LessOrEqual(t, rec.Debug.ContextTokens, 120)

	require.Len(t, rec.Citations, 2)
	assert.Equal(t, "2-2.1-000", rec.Citations[0].ChunkID)
	assert.Equal(t, "2-2.2-000", rec.Citations[1].ChunkID)
}

func TestAnswerAsync_DeliversOneResult(t *testing.T) {
	f := newAnswererFixture(t, newTestGlobal(t, defaultBook()...))

	ch := f.answerer.AnswerAsync(context.Background(), domain.Query{Text: "Who painted the Mona Lisa?", Mode: domain.ModeGlobal})
	res, ok := <-ch
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.Equal(t, domain.NotFoundAnswer, res.Record.AnswerText)

	_, ok = <-ch
	assert.False(t, ok)
}

func TestAnswer_ConcurrentSelectedQueriesAreIsolated(t *testing.T) {
	f := newAnswererFixture(t, index.NewGlobal())
	f.generator.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return("Answer [Source 1].", nil)

	texts := []string{
		strings.Repeat("Kinematics describes motion without forces. ", 6),
		strings.Repeat("Dynamics accounts for the forces behind motion. ", 6),
	}
	questions := []string{"What is kinematics?", "What is dynamics?"}

	var wg sync.WaitGroup
	results := make([]*domain.AnswerRecord, len(texts))
	errs := make([]error, len(texts))
	for i := range texts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.answerer.Answer(context.Background(), domain.Query{
				Text:         questions[i],
				Mode:         domain.ModeSelected,
				SelectedText: texts[i],
			})
		}(i)
	}
	wg.Wait()

	for i := range texts {
		require.NoError(t, errs[i], fmt.Sprintf("query %d", i))
		require.NotEmpty(t, results[i].Citations)
	}
	for _, c := range results[0].Citations {
		assert.Contains(t, c.TextPreview, "Kinematics")
		assert.NotContains(t, c.TextPreview, "Dynamics")
	}
	for _, c := range results[1].Citations {
		assert.Contains(t, c.TextPreview, "Dynamics")
		assert.NotContains(t, c.TextPreview, "Kinematics")
	}
}
