// Package vectorstore 定义了向量存储的抽象接口。
// Elasticsearch 实现位于 pkg/es，内存实现位于本包的 memory 子包。
package vectorstore

import (
	"context"

	"portal-rag-go/internal/model"
)

// Record 是一条待写入的 (向量, 分块文本, 元数据) 记录。
type Record struct {
	ChunkID  string
	Vector   []float32
	Text     string
	Metadata model.ChunkMetadata
}

// Hit 是一条检索命中，Score 为归一化余弦相似度 (1+cos)/2，取值 [0,1]。
type Hit struct {
	ChunkID  string
	Text     string
	Metadata model.ChunkMetadata
	Score    float64
}

// Store 是向量存储的统一接口。
// 所有实现必须保证：同一 chunk_id 的重复 Upsert 原地覆盖而非新增；
// Search 结果按相似度降序排列，返回集合内同分记录按 chunk_id 升序；
// 恰好落在第 k 名边界上的同分记录，取哪一条由后端决定
// （内存实现全局排序后截断，因此是完全确定的；ES 实现跟随其内部排序）；
// 维度不一致的向量在 Upsert/Search 时返回 DimensionMismatchError，绝不截断或补零。
type Store interface {
	// Upsert 幂等写入一批记录，返回写入条数。
	Upsert(ctx context.Context, records []Record) (int, error)
	// Search 返回与查询向量最相似的至多 k 条记录。
	Search(ctx context.Context, vector []float32, k int) ([]Hit, error)
	// Delete 按 chunk_id 删除指定记录，用于文档收缩时清理尾部分块。
	Delete(ctx context.Context, chunkIDs []string) error
	// Clear 清空全部记录，在全量重载前调用。
	Clear(ctx context.Context) error
	// Count 返回当前存储的记录总数。
	Count(ctx context.Context) (int64, error)
	// ModelVersion 返回该索引建库时使用的嵌入模型标识。
	ModelVersion() string
}
