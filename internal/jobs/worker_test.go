package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cloo-solutions/bookrag/internal/corpus"
	"github.com/cloo-solutions/bookrag/internal/domain"
	"github.com/cloo-solutions/bookrag/internal/service"
)

// MockJobProcessor is a mock implementation of JobProcessor
type MockJobProcessor struct {
	mock.Mock
}

func (m *MockJobProcessor) ProcessJobs(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockCorpusSource is a mock implementation of CorpusSource
type MockCorpusSource struct {
	mock.Mock
}

func (m *MockCorpusSource) Documents(ctx context.Context) ([]domain.SourceDocument, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.SourceDocument), args.Error(1)
}

func (m *MockCorpusSource) Name() string {
	return "mock://corpus"
}

// MockIngester is a mock implementation of Ingester
type MockIngester struct {
	mock.Mock
}

func (m *MockIngester) IngestRevision(ctx context.Context, records []domain.SectionRecord, fingerprint string) (*service.IngestReport, error) {
	args := m.Called(ctx, records, fingerprint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.IngestReport), args.Error(1)
}

// MockRestorer is a mock implementation of Restorer
type MockRestorer struct {
	mock.Mock
}

func (m *MockRestorer) Restore(ctx context.Context) (string, bool, error) {
	args := m.Called(ctx)
	return args.String(0), args.Bool(1), args.Error(2)
}

// MockSnapshotPruner is a mock implementation of SnapshotPruner
type MockSnapshotPruner struct {
	mock.Mock
}

func (m *MockSnapshotPruner) PruneRetired(ctx context.Context, olderThan time.Duration) (int64, error) {
	args := m.Called(ctx, olderThan)
	return args.Get(0).(int64), args.Error(1)
}

func chapterDocs(version string) []domain.SourceDocument {
	return []domain.SourceDocument{
		{Path: "chapter-1.md", Version: version, Content: "# Introduction\n\nRobots sense and act.\n"},
		{Path: "chapter-2.md", Version: version, Content: "# Kinematics\n\nMotion without forces.\n\n## Frames\n\nA frame is a coordinate system.\n"},
	}
}

func TestWorker_StartStop(t *testing.T) {
	mockProcessor := new(MockJobProcessor)
	mockProcessor.On("ProcessJobs", mock.Anything).Return(nil)

	worker := NewWorker("reindex", mockProcessor, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Start(ctx)
	}()

	time.Sleep(250 * time.Millisecond)

	worker.Stop()
	wg.Wait()

	mockProcessor.AssertCalled(t, "ProcessJobs", mock.Anything)
}

func TestWorker_ContextCancellation(t *testing.T) {
	mockProcessor := new(MockJobProcessor)
	mockProcessor.On("ProcessJobs", mock.Anything).Return(errors.New("transient"))

	worker := NewWorker("reindex", mockProcessor, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Start(ctx)
	}()

	time.Sleep(150 * time.Millisecond)

	cancel()
	wg.Wait()

	mockProcessor.AssertCalled(t, "ProcessJobs", mock.Anything)
}

func TestReindexProcessor_IngestsParsedChapters(t *testing.T) {
	source := new(MockCorpusSource)
	ingester := new(MockIngester)
	pruner := new(MockSnapshotPruner)

	source.On("Documents", mock.Anything).Return(chapterDocs("v1"), nil)
	ingester.On("IngestRevision", mock.Anything, mock.MatchedBy(func(records []domain.SectionRecord) bool {
		return len(records) == 3 && records[0].Chapter == 1 && records[2].Section == "2.1"
	}), corpus.Fingerprint(chapterDocs("v1"))).Return(&service.IngestReport{SnapshotID: "snap-1", Chunks: 3}, nil).Once()
	pruner.On("PruneRetired", mock.Anything, defaultRetention).Return(int64(1), nil).Once()

	processor := NewReindexProcessor(source, ingester, pruner)
	err := processor.ProcessJobs(context.Background())

	require.NoError(t, err)
	ingester.AssertExpectations(t)
	pruner.AssertExpectations(t)
}

func TestReindexProcessor_UnchangedCorpusIsSkipped(t *testing.T) {
	source := new(MockCorpusSource)
	ingester := new(MockIngester)

	source.On("Documents", mock.Anything).Return(chapterDocs("v1"), nil)
	ingester.On("IngestRevision", mock.Anything, mock.Anything, mock.Anything).Return(&service.IngestReport{SnapshotID: "snap-1"}, nil).Once()

	processor := NewReindexProcessor(source, ingester, nil)
	require.NoError(t, processor.ProcessJobs(context.Background()))
	require.NoError(t, processor.ProcessJobs(context.Background()))
	require.NoError(t, processor.ProcessJobs(context.Background()))

	ingester.AssertNumberOfCalls(t, "IngestRevision", 1)
}

func TestReindexProcessor_MarkIndexedSkipsFirstRun(t *testing.T) {
	source := new(MockCorpusSource)
	ingester := new(MockIngester)

	docs := chapterDocs("v1")
	source.On("Documents", mock.Anything).Return(docs, nil)

	processor := NewReindexProcessor(source, ingester, nil)
	processor.MarkIndexed(corpus.Fingerprint(docs))

	require.NoError(t, processor.ProcessJobs(context.Background()))
	ingester.AssertNotCalled(t, "IngestRevision", mock.Anything, mock.Anything, mock.Anything)
}

func TestReindexProcessor_FailureWithRetry(t *testing.T) {
	source := new(MockCorpusSource)
	ingester := new(MockIngester)

	source.On("Documents", mock.Anything).Return(chapterDocs("v1"), nil)
	ingester.On("IngestRevision", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("embedding failed")).Once()
	ingester.On("IngestRevision", mock.Anything, mock.Anything, mock.Anything).Return(&service.IngestReport{SnapshotID: "snap-1"}, nil).Once()

	processor := NewReindexProcessor(source, ingester, nil)

	err := processor.ProcessJobs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reindex failed")

	require.NoError(t, processor.ProcessJobs(context.Background()))
	ingester.AssertNumberOfCalls(t, "IngestRevision", 2)
}

func TestReindexProcessor_MaxRetriesExceeded(t *testing.T) {
	source := new(MockCorpusSource)
	ingester := new(MockIngester)

	source.On("Documents", mock.Anything).Return(chapterDocs("v1"), nil).Times(MaxRetries + 2)
	source.On("Documents", mock.Anything).Return(chapterDocs("v2"), nil)
	ingester.On("IngestRevision", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("embedding failed"))

	processor := NewReindexProcessor(source, ingester, nil)

	var err error
	for i := 0; i < MaxRetries; i++ {
		err = processor.ProcessJobs(context.Background())
		require.Error(t, err)
	}
	assert.Contains(t, err.Error(), "max retries exceeded")

	// the same revision is not attempted again
	require.NoError(t, processor.ProcessJobs(context.Background()))
	require.NoError(t, processor.ProcessJobs(context.Background()))
	ingester.AssertNumberOfCalls(t, "IngestRevision", MaxRetries)

	// a new revision resets the counter
	err = processor.ProcessJobs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reindex failed")
	ingester.AssertNumberOfCalls(t, "IngestRevision", MaxRetries+1)
}

func TestReindexProcessor_SourceError(t *testing.T) {
	source := new(MockCorpusSource)
	ingester := new(MockIngester)

	source.On("Documents", mock.Anything).Return(nil, errors.New("bucket unreachable"))

	processor := NewReindexProcessor(source, ingester, nil)
	err := processor.ProcessJobs(context.Background())

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read corpus")
	ingester.AssertNotCalled(t, "IngestRevision", mock.Anything, mock.Anything, mock.Anything)
}

func TestReindexProcessor_BadChapterNameFails(t *testing.T) {
	source := new(MockCorpusSource)
	ingester := new(MockIngester)

	source.On("Documents", mock.Anything).Return([]domain.SourceDocument{
		{Path: "notes.md", Version: "v1", Content: "# Notes\n\nSomething.\n"},
	}, nil)

	processor := NewReindexProcessor(source, ingester, nil)
	err := processor.ProcessJobs(context.Background())

	assert.Error(t, err)
	ingester.AssertNotCalled(t, "IngestRevision", mock.Anything, mock.Anything, mock.Anything)
}

func TestReindexProcessor_PruneErrorIsNotFatal(t *testing.T) {
	source := new(MockCorpusSource)
	ingester := new(MockIngester)
	pruner := new(MockSnapshotPruner)

	source.On("Documents", mock.Anything).Return(chapterDocs("v1"), nil)
	ingester.On("IngestRevision", mock.Anything, mock.Anything, mock.Anything).Return(&service.IngestReport{SnapshotID: "snap-1"}, nil)
	pruner.On("PruneRetired", mock.Anything, mock.Anything).Return(int64(0), errors.New("database error"))

	processor := NewReindexProcessor(source, ingester, pruner)
	assert.NoError(t, processor.ProcessJobs(context.Background()))
}

func TestReindexProcessor_RestoreMarksStoredRevision(t *testing.T) {
	source := new(MockCorpusSource)
	ingester := new(MockIngester)
	restorer := new(MockRestorer)

	docs := chapterDocs("v1")
	source.On("Documents", mock.Anything).Return(docs, nil)
	restorer.On("Restore", mock.Anything).Return(corpus.Fingerprint(docs), true, nil)

	processor := NewReindexProcessor(source, ingester, nil)
	restored, err := processor.Restore(context.Background(), restorer)
	require.NoError(t, err)
	assert.True(t, restored)

	require.NoError(t, processor.ProcessJobs(context.Background()))
	ingester.AssertNotCalled(t, "IngestRevision", mock.Anything, mock.Anything, mock.Anything)
}

func TestReindexProcessor_RestoreWithoutFingerprintRebuilds(t *testing.T) {
	source := new(MockCorpusSource)
	ingester := new(MockIngester)
	restorer := new(MockRestorer)

	source.On("Documents", mock.Anything).Return(chapterDocs("v1"), nil)
	ingester.On("IngestRevision", mock.Anything, mock.Anything, mock.Anything).Return(&service.IngestReport{SnapshotID: "snap-2"}, nil).Once()
	restorer.On("Restore", mock.Anything).Return("", true, nil)

	processor := NewReindexProcessor(source, ingester, nil)
	restored, err := processor.Restore(context.Background(), restorer)
	require.NoError(t, err)
	assert.True(t, restored)

	require.NoError(t, processor.ProcessJobs(context.Background()))
	ingester.AssertNumberOfCalls(t, "IngestRevision", 1)
}

func TestReindexProcessor_NothingToRestore(t *testing.T) {
	restorer := new(MockRestorer)
	restorer.On("Restore", mock.Anything).Return("", false, nil)

	processor := NewReindexProcessor(new(MockCorpusSource), new(MockIngester), nil)
	restored, err := processor.Restore(context.Background(), restorer)
	require.NoError(t, err)
	assert.False(t, restored)
}
