package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/index"
	"github.com/cloo-solutions/bookrag/internal/tokenizer"
)

func newTestRetriever(global *index.Global, cfg RetrieverConfig) (*Retriever, *keywordEmbedder) {
	emb := &keywordEmbedder{}
	seg := NewSegmenter(tokenizer.Whitespace{}, DefaultSegmenterConfig())
	return NewRetriever(emb, global, seg, cfg), emb
}

func TestRetriever_GlobalIsDeterministic(t *testing.T) {
	book := []domain.Chunk{
		bookChunk(2, "2.3", 1, "kinematics chain"),
		bookChunk(2, "2.1", 0, "kinematics basics"),
		bookChunk(2, "2.2", 2, "kinematics again"),
		bookChunk(3, "3.1", 0, "dynamics"),
	}
	r, _ := newTestRetriever(newTestGlobal(t, book...), DefaultRetrieverConfig())
	q := domain.Query{Text: "kinematics", Mode: domain.ModeGlobal}

	first, err := r.Retrieve(context.Background(), q, nil)
	require.NoError(t, err)

	ids := func(entries []domain.ScoredChunk) []string {
		out := make([]string, len(entries))
		for i, e := range entries {
			out[i] = e.Chunk.ID
		}
		return out
	}
	assert.Equal(t, []string{"2-2.1-000", "2-2.3-001", "2-2.2-002"}, ids(first.Entries))
	assert.Len(t, first.Candidates, 4)
	assert.Equal(t, domain.ModeGlobal, first.Mode)
	assert.NotEmpty(t, first.SnapshotID)
	assert.Equal(t, keywordVersion, first.Version)

	for i := 0; i < 5; i++ {
		again, err := r.Retrieve(context.Background(), q, nil)
		require.NoError(t, err)
		assert.Equal(t, ids(first.Entries), ids(again.Entries))
	}
}

func TestRetriever_TopKAndCutoff(t *testing.T) {
	var book []domain.Chunk
	for i := 0; i < 8; i++ {
		book = append(book, bookChunk(5, "5.1", i, "kinematics "+strings.Repeat("dynamics ", i)))
	}
	cfg := DefaultRetrieverConfig()
	cfg.TopK = 3
	cfg.GlobalCutoff = 0.9
	r, _ := newTestRetriever(newTestGlobal(t, book...), cfg)

	res, err := r.Retrieve(context.Background(), domain.Query{Text: "kinematics", Mode: domain.ModeGlobal}, nil)
	require.NoError(t, err)

	assert.Len(t, res.Candidates, 3)
	// scores are 1, 0.707, 0.447
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "5-5.1-000", res.Entries[0].Chunk.ID)
	for _, e := range res.Entries {
		assert.GreaterOrEqual(t, e.Score, cfg.GlobalCutoff)
	}
}

func TestRetriever_ObservesStates(t *testing.T) {
	r, _ := newTestRetriever(newTestGlobal(t, defaultBook()...), DefaultRetrieverConfig())

	var seen []domain.State
	_, err := r.Retrieve(context.Background(), domain.Query{Text: "control", Mode: domain.ModeGlobal}, func(s domain.State) {
		seen = append(seen, s)
	})
	require.NoError(t, err)
	assert.Equal(t, []domain.State{domain.StateEmbedding, domain.StateRetrieving}, seen)
}

func TestRetriever_SelectedNeverTouchesGlobal(t *testing.T) {
	// an empty global index would fail a global lookup
	r, _ := newTestRetriever(index.NewGlobal(), DefaultRetrieverConfig())

	var created []*index.Ephemeral
	r.newEphemeral = func(v domain.EmbeddingVersion) *index.Ephemeral {
		e := index.NewEphemeral(v)
		created = append(created, e)
		return e
	}

	res, err := r.Retrieve(context.Background(), domain.Query{
		Text:         "What is control?",
		Mode:         domain.ModeSelected,
		SelectedText: "Feedback control corrects errors. Open loop control does not.",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.ModeSelected, res.Mode)
	assert.Empty(t, res.SnapshotID)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, domain.ScopeSelected, res.Entries[0].Chunk.Source.Scope)

	require.Len(t, created, 1)
	assert.True(t, created[0].Released())
}

func TestRetriever_SelectedReleasesOnError(t *testing.T) {
	r, emb := newTestRetriever(index.NewGlobal(), DefaultRetrieverConfig())
	emb.err = assert.AnError

	var created []*index.Ephemeral
	r.newEphemeral = func(v domain.EmbeddingVersion) *index.Ephemeral {
		e := index.NewEphemeral(v)
		created = append(created, e)
		return e
	}

	_, err := r.Retrieve(context.Background(), domain.Query{
		Text:         "What is control?",
		Mode:         domain.ModeSelected,
		SelectedText: "Feedback control corrects errors.",
	}, nil)
	assert.ErrorIs(t, err, assert.AnError)

	require.Len(t, created, 1)
	assert.True(t, created[0].Released())
}

func TestRetriever_InvalidMode(t *testing.T) {
	r, emb := newTestRetriever(newTestGlobal(t, defaultBook()...), DefaultRetrieverConfig())

	_, err := r.Retrieve(context.Background(), domain.Query{Text: "x", Mode: "hybrid"}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidMode)
	assert.Zero(t, emb.calls)
}

type failingSearcher struct {
	err error
}

func (f failingSearcher) Search(context.Context, []float32, int) ([]domain.ScoredChunk, error) {
	return nil, f.err
}

func (f failingSearcher) Version() domain.EmbeddingVersion {
	return keywordVersion
}

func TestRetriever_SearchErrorsBecomeIndexUnavailable(t *testing.T) {
	r, _ := newTestRetriever(index.NewGlobal(), DefaultRetrieverConfig())

	_, err := r.search(context.Background(), failingSearcher{err: assert.AnError}, []float32{1, 0, 0, 0}, 0)
	assert.ErrorIs(t, err, domain.ErrIndexUnavailable)
	assert.ErrorIs(t, err, assert.AnError)

	_, err = r.search(context.Background(), failingSearcher{err: domain.ErrIndexReleased}, []float32{1, 0, 0, 0}, 0)
	assert.ErrorIs(t, err, domain.ErrIndexReleased)
}
