package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"portal-rag-go/internal/config"
	"portal-rag-go/internal/metadata"
	"portal-rag-go/internal/model"
	"portal-rag-go/internal/repository"
	"portal-rag-go/internal/vectorstore/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	calls int
	fail  bool
}

func (f *fakeEmbedder) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string   { return "test-embed-v1" }
func (f *fakeEmbedder) Dimensions() int { return 2 }

type fakeMetaRepo struct {
	rows map[string][]model.ChunkMetadata
}

func newFakeMetaRepo() *fakeMetaRepo {
	return &fakeMetaRepo{rows: make(map[string][]model.ChunkMetadata)}
}

func (f *fakeMetaRepo) ReplaceForDocument(documentID string, records []model.ChunkMetadata) error {
	if len(records) == 0 {
		delete(f.rows, documentID)
		return nil
	}
	f.rows[documentID] = records
	return nil
}

func (f *fakeMetaRepo) FindByDocumentID(documentID string) ([]model.ChunkMetadata, error) {
	return f.rows[documentID], nil
}

func (f *fakeMetaRepo) Clear() error {
	f.rows = make(map[string][]model.ChunkMetadata)
	return nil
}

func (f *fakeMetaRepo) Count() (int64, error) {
	var n int64
	for _, r := range f.rows {
		n += int64(len(r))
	}
	return n, nil
}

type fakeStateRepo struct {
	states map[string]repository.DocumentState
}

func newFakeStateRepo() *fakeStateRepo {
	return &fakeStateRepo{states: make(map[string]repository.DocumentState)}
}

func (f *fakeStateRepo) Get(ctx context.Context, documentID string) (*repository.DocumentState, error) {
	s, ok := f.states[documentID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeStateRepo) Set(ctx context.Context, documentID string, state repository.DocumentState) error {
	f.states[documentID] = state
	return nil
}

func (f *fakeStateRepo) Clear(ctx context.Context) error {
	f.states = make(map[string]repository.DocumentState)
	return nil
}

func newTestProcessor(embedder *fakeEmbedder) (*Processor, *memory.Store, *fakeMetaRepo, *fakeStateRepo) {
	store := memory.NewStore(2, "test-embed-v1")
	metaRepo := newFakeMetaRepo()
	stateRepo := newFakeStateRepo()
	tracker := metadata.NewTracker(stateRepo)
	ragCfg := config.RAGConfig{ChunkSize: 10, ChunkOverlap: 2, TopK: 5, SimilarityThreshold: 0}
	p := NewProcessor(ragCfg, config.MinIOConfig{}, embedder, store, metaRepo, tracker)
	return p, store, metaRepo, stateRepo
}

func doc(uri, text string) *model.Document {
	return &model.Document{SourceURI: uri, RawText: text}
}

func TestProcessDocumentIngestsChunks(t *testing.T) {
	embedder := &fakeEmbedder{}
	p, store, metaRepo, stateRepo := newTestProcessor(embedder)

	// 26 runes, size 10, overlap 2 -> windows [0,10) [8,18) [16,26)
	d := doc("https://portal.example.com/a", strings.Repeat("ab", 13))
	require.NoError(t, p.ProcessDocument(context.Background(), d))

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	metas, err := metaRepo.FindByDocumentID(d.ID)
	require.NoError(t, err)
	require.Len(t, metas, 3)
	assert.Equal(t, metadata.ChunkID(d.ID, 0), metas[0].ChunkID)
	assert.Equal(t, "https://portal.example.com/a", metas[0].SourceURI)

	state, err := stateRepo.Get(context.Background(), d.ID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 3, state.ChunkCount)
	assert.Equal(t, metadata.ContentHash(d.RawText), state.ContentHash)
}

func TestProcessDocumentSkipsUnchanged(t *testing.T) {
	embedder := &fakeEmbedder{}
	p, _, _, _ := newTestProcessor(embedder)

	d := doc("https://portal.example.com/a", strings.Repeat("x", 30))
	require.NoError(t, p.ProcessDocument(context.Background(), d))
	require.NoError(t, p.ProcessDocument(context.Background(), doc(d.SourceURI, d.RawText)))

	assert.Equal(t, 1, embedder.calls)
}

func TestProcessDocumentIdempotentOverwrite(t *testing.T) {
	embedder := &fakeEmbedder{}
	p, store, _, _ := newTestProcessor(embedder)

	d := doc("https://portal.example.com/a", strings.Repeat("x", 30))
	require.NoError(t, p.ProcessDocument(context.Background(), d))
	before, _ := store.Count(context.Background())

	// 同长度但不同内容：分块数相同，chunk_id 相同，原地覆盖
	require.NoError(t, p.ProcessDocument(context.Background(), doc(d.SourceURI, strings.Repeat("y", 30))))
	after, _ := store.Count(context.Background())
	assert.Equal(t, before, after)
	assert.Equal(t, 2, embedder.calls)
}

func TestProcessDocumentShrinkRemovesStaleChunks(t *testing.T) {
	embedder := &fakeEmbedder{}
	p, store, metaRepo, stateRepo := newTestProcessor(embedder)

	d := doc("https://portal.example.com/a", strings.Repeat("x", 50))
	require.NoError(t, p.ProcessDocument(context.Background(), d))
	before, _ := store.Count(context.Background())
	require.Greater(t, before, int64(1))

	// 收缩到单个分块
	require.NoError(t, p.ProcessDocument(context.Background(), doc(d.SourceURI, "short")))

	after, _ := store.Count(context.Background())
	assert.Equal(t, int64(1), after)

	metas, _ := metaRepo.FindByDocumentID(d.ID)
	assert.Len(t, metas, 1)

	state, _ := stateRepo.Get(context.Background(), d.ID)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.ChunkCount)
}

func TestProcessDocumentEmptyText(t *testing.T) {
	embedder := &fakeEmbedder{}
	p, store, metaRepo, stateRepo := newTestProcessor(embedder)

	d := doc("https://portal.example.com/a", strings.Repeat("x", 30))
	require.NoError(t, p.ProcessDocument(context.Background(), d))

	// 文档被清空：全部旧分块必须删除，状态归零
	require.NoError(t, p.ProcessDocument(context.Background(), doc(d.SourceURI, "")))

	count, _ := store.Count(context.Background())
	assert.Equal(t, int64(0), count)

	metas, _ := metaRepo.FindByDocumentID(d.ID)
	assert.Empty(t, metas)

	state, _ := stateRepo.Get(context.Background(), d.ID)
	require.NotNil(t, state)
	assert.Equal(t, 0, state.ChunkCount)
	assert.Equal(t, 1, embedder.calls)
}

func TestAbandonedStagingReloadDoesNotMaskLiveReingest(t *testing.T) {
	embedder := &fakeEmbedder{}
	liveStore := memory.NewStore(2, "test-embed-v1")
	stagingStore := memory.NewStore(2, "test-embed-v1")
	metaRepo := newFakeMetaRepo()
	stateRepo := newFakeStateRepo()
	tracker := metadata.NewTracker(stateRepo)
	ragCfg := config.RAGConfig{ChunkSize: 10, ChunkOverlap: 2, TopK: 5}
	liveProc := NewProcessor(ragCfg, config.MinIOConfig{}, embedder, liveStore, metaRepo, tracker)
	stagingProc := NewProcessor(ragCfg, config.MinIOConfig{}, embedder, stagingStore, metaRepo, tracker)

	ctx := context.Background()
	uri := "https://portal.example.com/a"
	v1 := strings.Repeat("x", 9)
	require.NoError(t, liveProc.ProcessDocument(ctx, doc(uri, v1)))

	// 全量重载进入暂存索引
	require.NoError(t, stagingProc.ResetState(ctx))
	require.NoError(t, stagingProc.ProcessDocument(ctx, doc(uri, v1)))

	// 放弃切换：状态随暂存索引一并丢弃
	require.NoError(t, stagingProc.ResetState(ctx))

	// 内容变化后的增量摄取必须到达在用索引，而不是被跳过
	v2 := strings.Repeat("y", 9)
	require.NoError(t, liveProc.ProcessDocument(ctx, doc(uri, v2)))

	hits, err := liveStore.Search(ctx, []float32{9, 1}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, v2, hits[0].Text)
	assert.Equal(t, 3, embedder.calls) // v1 live + v1 staging + v2 live
}

func TestProcessDocumentEmbedderFailureLeavesStateUntouched(t *testing.T) {
	embedder := &fakeEmbedder{fail: true}
	p, store, _, stateRepo := newTestProcessor(embedder)

	d := doc("https://portal.example.com/a", strings.Repeat("x", 30))
	err := p.ProcessDocument(context.Background(), d)
	require.Error(t, err)

	count, _ := store.Count(context.Background())
	assert.Equal(t, int64(0), count)

	state, _ := stateRepo.Get(context.Background(), d.ID)
	assert.Nil(t, state)
}
