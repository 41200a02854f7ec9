package service

import (
	"context"
	"errors"
	"testing"

	"portal-rag-go/internal/apperr"
	"portal-rag-go/internal/config"
	"portal-rag-go/internal/model"
	"portal-rag-go/internal/vectorstore"
	"portal-rag-go/internal/vectorstore/memory"
	"portal-rag-go/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	model string
}

func (f *fakeEmbedder) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string   { return f.model }
func (f *fakeEmbedder) Dimensions() int { return 2 }

type fakeLLM struct {
	fragments []string
	messages  []llm.Message
}

func (f *fakeLLM) StreamChat(ctx context.Context, messages []llm.Message, gen *llm.GenerationParams, writer llm.FragmentWriter) error {
	f.messages = messages
	for _, fr := range f.fragments {
		if err := writer.WriteFragment([]byte(fr)); err != nil {
			return err
		}
	}
	return nil
}

type failingWriter struct {
	received int
}

func (w *failingWriter) WriteFragment(data []byte) error {
	w.received++
	return errors.New("client disconnected")
}

func record(chunkID, sourceURI, text string, vec []float32) vectorstore.Record {
	return vectorstore.Record{
		ChunkID: chunkID,
		Vector:  vec,
		Text:    text,
		Metadata: model.ChunkMetadata{
			ChunkID:    chunkID,
			DocumentID: "doc",
			SourceURI:  sourceURI,
		},
	}
}

func newTestService(t *testing.T, threshold float64, fake *fakeLLM) (*RetrievalService, *memory.Store) {
	t.Helper()
	store := memory.NewStore(2, "test-embed-v1")
	ragCfg := config.RAGConfig{ChunkSize: 512, ChunkOverlap: 80, TopK: 7, SimilarityThreshold: threshold}
	llmCfg := config.LLMConfig{Prompt: config.LLMPromptConfig{
		Rules:        "回答要基于参考资料。",
		RefStart:     "<参考资料>",
		RefEnd:       "</参考资料>",
		NoResultText: "知识库中没有找到相关内容。",
	}}
	svc, err := NewRetrievalService(ragCfg, llmCfg, &fakeEmbedder{model: "test-embed-v1"}, store, fake)
	require.NoError(t, err)
	return svc, store
}

func TestNewRetrievalServiceModelMismatch(t *testing.T) {
	store := memory.NewStore(2, "embed-v1")
	_, err := NewRetrievalService(config.RAGConfig{}, config.LLMConfig{}, &fakeEmbedder{model: "embed-v2"}, store, &fakeLLM{})
	require.Error(t, err)
	var mismatch *apperr.ModelMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "embed-v1", mismatch.Want)
	assert.Equal(t, "embed-v2", mismatch.Got)
}

func TestAnswerFiltersByThreshold(t *testing.T) {
	fake := &fakeLLM{fragments: []string{"答案"}}
	svc, store := newTestService(t, 0.8, fake)

	// 查询向量为 [1,0]：同向得 1.0，正交得 0.5
	_, err := store.Upsert(context.Background(), []vectorstore.Record{
		record("c1", "https://a.example.com", "relevant", []float32{1, 0}),
		record("c2", "https://b.example.com", "irrelevant", []float32{0, 1}),
	})
	require.NoError(t, err)

	ans, err := svc.Answer(context.Background(), "query", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com"}, ans.Sources)
	assert.Contains(t, fake.messages[0].Content, "relevant")
	assert.NotContains(t, fake.messages[0].Content, "irrelevant")
}

func TestAnswerNoHitsUsesFallbackContext(t *testing.T) {
	fake := &fakeLLM{fragments: []string{"抱歉，", "知识库中没有相关内容。"}}
	svc, _ := newTestService(t, 0.5, fake)

	ans, err := svc.Answer(context.Background(), "query", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, ans.Sources)
	assert.Equal(t, "抱歉，知识库中没有相关内容。", ans.Text)
	assert.Equal(t, "stop", ans.FinishReason)
	require.Len(t, fake.messages, 2)
	assert.Contains(t, fake.messages[0].Content, "知识库中没有找到相关内容。")
	assert.Equal(t, "user", fake.messages[1].Role)
	assert.Equal(t, "query", fake.messages[1].Content)
}

func TestAnswerDeduplicatesSourcesInFirstSeenOrder(t *testing.T) {
	fake := &fakeLLM{fragments: []string{"答案"}}
	svc, store := newTestService(t, 0, fake)

	_, err := store.Upsert(context.Background(), []vectorstore.Record{
		record("c1", "https://a.example.com", "t1", []float32{1, 0}),
		record("c2", "https://b.example.com", "t2", []float32{0.9, 0.1}),
		record("c3", "https://a.example.com", "t3", []float32{0.8, 0.2}),
	})
	require.NoError(t, err)

	ans, err := svc.Answer(context.Background(), "query", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, ans.Sources)
}

func TestStreamAnswerForwardsFragments(t *testing.T) {
	fake := &fakeLLM{fragments: []string{"第一段", "第二段"}}
	svc, store := newTestService(t, 0, fake)
	_, err := store.Upsert(context.Background(), []vectorstore.Record{
		record("c1", "https://a.example.com", "t1", []float32{1, 0}),
	})
	require.NoError(t, err)

	var got []string
	writer := fragmentFunc(func(data []byte) error {
		got = append(got, string(data))
		return nil
	})
	ans, err := svc.StreamAnswer(context.Background(), "query", 0, nil, writer)
	require.NoError(t, err)
	assert.Equal(t, []string{"第一段", "第二段"}, got)
	assert.Equal(t, "第一段第二段", ans.Text)
}

func TestStreamAnswerConsumerGoneLeavesStoreUntouched(t *testing.T) {
	fake := &fakeLLM{fragments: []string{"第一段", "第二段"}}
	svc, store := newTestService(t, 0, fake)
	_, err := store.Upsert(context.Background(), []vectorstore.Record{
		record("c1", "https://a.example.com", "t1", []float32{1, 0}),
	})
	require.NoError(t, err)
	before, _ := store.Count(context.Background())

	writer := &failingWriter{}
	_, err = svc.StreamAnswer(context.Background(), "query", 0, nil, writer)
	require.Error(t, err)
	assert.Equal(t, 1, writer.received)

	after, _ := store.Count(context.Background())
	assert.Equal(t, before, after)
}

type fragmentFunc func(data []byte) error

func (f fragmentFunc) WriteFragment(data []byte) error { return f(data) }
