package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"portal-rag-go/internal/model"
	"portal-rag-go/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStateRepo struct {
	states  map[string]repository.DocumentState
	failGet bool
}

func newFakeStateRepo() *fakeStateRepo {
	return &fakeStateRepo{states: map[string]repository.DocumentState{}}
}

func (f *fakeStateRepo) Get(ctx context.Context, documentID string) (*repository.DocumentState, error) {
	if f.failGet {
		return nil, errors.New("redis down")
	}
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
	f.states = map[string]repository.DocumentState{}
	return nil
}

func TestDocumentIDIsDeterministic(t *testing.T) {
	a := DocumentID("https://docs.example.com/install")
	b := DocumentID("https://docs.example.com/install")
	c := DocumentID("https://docs.example.com/upgrade")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32) // md5 hex
}

func TestChunkIDDerivedFromDocumentAndIndex(t *testing.T) {
	docID := DocumentID("https://docs.example.com/install")

	assert.Equal(t, docID+"_chunk_0", ChunkID(docID, 0))
	assert.Equal(t, docID+"_chunk_7", ChunkID(docID, 7))
	// 同 (文档, 序号) 必须始终产出同一 ID
	assert.Equal(t, ChunkID(docID, 3), ChunkID(docID, 3))
}

func TestAssignIDKeepsExistingID(t *testing.T) {
	tr := NewTracker(newFakeStateRepo())

	doc := model.Document{SourceURI: "https://docs.example.com/install"}
	tr.AssignID(&doc)
	assert.Equal(t, DocumentID(doc.SourceURI), doc.ID)

	pinned := model.Document{ID: "pinned", SourceURI: "https://docs.example.com/install"}
	tr.AssignID(&pinned)
	assert.Equal(t, "pinned", pinned.ID)
}

func TestRecordCarriesProvenance(t *testing.T) {
	tr := NewTracker(newFakeStateRepo())
	doc := model.Document{ID: "doc1", SourceURI: "https://docs.example.com/install"}
	chunk := model.Chunk{ID: "doc1_chunk_2", DocumentID: "doc1", SequenceIndex: 2}
	now := time.Now()

	rec := tr.Record(chunk, doc, now)
	assert.Equal(t, "doc1_chunk_2", rec.ChunkID)
	assert.Equal(t, "doc1", rec.DocumentID)
	assert.Equal(t, "https://docs.example.com/install", rec.SourceURI)
	assert.Equal(t, 2, rec.SequenceIndex)
	assert.Equal(t, now, rec.IngestedAt)
}

func TestIsUnchangedAndCommit(t *testing.T) {
	ctx := context.Background()
	repo := newFakeStateRepo()
	tr := NewTracker(repo)

	hash := ContentHash("some document body")
	assert.False(t, tr.IsUnchanged(ctx, "doc1", hash), "unknown document is treated as changed")

	require.NoError(t, tr.Commit(ctx, "doc1", hash, 5))
	assert.True(t, tr.IsUnchanged(ctx, "doc1", hash))
	assert.False(t, tr.IsUnchanged(ctx, "doc1", ContentHash("edited body")))
	assert.Equal(t, 5, tr.PreviousChunkCount(ctx, "doc1"))
}

func TestIsUnchangedDegradesOnStateError(t *testing.T) {
	ctx := context.Background()
	repo := newFakeStateRepo()
	repo.failGet = true
	tr := NewTracker(repo)

	// 状态不可用时按已变化处理，避免漏更新
	assert.False(t, tr.IsUnchanged(ctx, "doc1", "whatever"))
	assert.Equal(t, 0, tr.PreviousChunkCount(ctx, "doc1"))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	repo := newFakeStateRepo()
	tr := NewTracker(repo)

	require.NoError(t, tr.Commit(ctx, "doc1", "h", 3))
	require.NoError(t, tr.Reset(ctx))
	assert.False(t, tr.IsUnchanged(ctx, "doc1", "h"))
}
