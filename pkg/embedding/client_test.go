package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"portal-rag-go/internal/apperr"
	"portal-rag-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer 返回可由输入推导的向量: [len(text), 0]，便于校验顺序。
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		for i, text := range req.Input {
			resp.Data = append(resp.Data, item{Index: i, Embedding: []float32{float32(len(text)), 0}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testClient(baseURL string, batchSize, maxRetries int) *openAICompatibleClient {
	c := NewClient(config.EmbeddingConfig{
		APIKey:      "test-key",
		BaseURL:     baseURL,
		Model:       "text-embedding-ada-002",
		Dimensions:  2,
		BatchSize:   batchSize,
		MaxRetries:  maxRetries,
		Concurrency: 3,
	}).(*openAICompatibleClient)
	c.backoff = time.Millisecond
	return c
}

func TestCreateEmbeddingsPreservesOrderAcrossBatches(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c := testClient(srv.URL, 2, 1)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := c.CreateEmbeddings(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0], "output[%d] must correspond to input[%d]", i, i)
	}
}

func TestCreateEmbeddingsEmptyInput(t *testing.T) {
	c := testClient("http://unused", 2, 1)
	vectors, err := c.CreateEmbeddings(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestCreateEmbeddingsRetriesOnRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{Data: []item{{Index: 0, Embedding: []float32{1, 2}}}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 8, 3)
	vectors, err := c.CreateEmbeddings(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, []float32{1, 2}, vectors[0])
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCreateEmbeddingsSurfacesFailingBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		// 第二批（含 "poison"）永远失败
		for _, text := range req.Input {
			if strings.Contains(text, "poison") {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		for i := range req.Input {
			resp.Data = append(resp.Data, item{Index: i, Embedding: []float32{0, 0}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 2, 1)
	_, err := c.CreateEmbeddings(context.Background(), []string{"ok1", "ok2", "poison", "ok3"})
	require.Error(t, err)

	var provErr *apperr.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "embedding", provErr.Op)
	assert.Equal(t, 1, provErr.Batch, "the failing batch index lets ingestion resume from it")
}

func TestCreateEmbeddingsRejectsWrongDimensionality(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{Data: []item{{Index: 0, Embedding: []float32{1, 2, 3}}}} // 3 维，配置为 2 维
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := testClient(srv.URL, 8, 0)
	_, err := c.CreateEmbeddings(context.Background(), []string{"hello"})
	require.Error(t, err)

	var dimErr *apperr.DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 2, dimErr.Want)
	assert.Equal(t, 3, dimErr.Got)
}
