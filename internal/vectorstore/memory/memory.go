// Package memory 提供 vectorstore.Store 的内存实现，基于暴力余弦相似度。
// 用于单机部署与测试，无持久化。
package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"portal-rag-go/internal/apperr"
	"portal-rag-go/internal/vectorstore"
)

// Store 是一个线程安全的内存向量存储。
type Store struct {
	mu      sync.RWMutex
	dims    int
	model   string
	records map[string]vectorstore.Record
}

// NewStore 创建一个内存向量存储，dims 为固定向量维度，model 为建库模型标识。
func NewStore(dims int, model string) *Store {
	return &Store{
		dims:    dims,
		model:   model,
		records: make(map[string]vectorstore.Record),
	}
}

// Upsert 幂等写入：同一 chunk_id 覆盖旧记录。
func (s *Store) Upsert(ctx context.Context, records []vectorstore.Record) (int, error) {
	for _, r := range records {
		if len(r.Vector) != s.dims {
			return 0, &apperr.DimensionMismatchError{Want: s.dims, Got: len(r.Vector)}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.ChunkID] = r
	}
	return len(records), nil
}

// Search 暴力计算余弦相似度并返回前 k 条。
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]vectorstore.Hit, error) {
	if len(vector) != s.dims {
		return nil, &apperr.DimensionMismatchError{Want: s.dims, Got: len(vector)}
	}
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	hits := make([]vectorstore.Hit, 0, len(s.records))
	for _, r := range s.records {
		hits = append(hits, vectorstore.Hit{
			ChunkID:  r.ChunkID,
			Text:     r.Text,
			Metadata: r.Metadata,
			Score:    normalizedCosine(vector, r.Vector),
		})
	}
	s.mu.RUnlock()

	// 相似度降序，同分时 chunk_id 升序保证确定性
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})

	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete 按 chunk_id 删除记录，不存在的 ID 忽略。
func (s *Store) Delete(ctx context.Context, chunkIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIDs {
		delete(s.records, id)
	}
	return nil
}

// Clear 清空全部记录。
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]vectorstore.Record)
	return nil
}

// Count 返回记录总数。
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.records)), nil
}

// ModelVersion 返回建库模型标识。
func (s *Store) ModelVersion() string { return s.model }

// normalizedCosine 返回 (1+cos)/2，与 Elasticsearch 的 cosine 相似度得分对齐。
func normalizedCosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return (1 + cos) / 2
}

var _ vectorstore.Store = (*Store)(nil)
