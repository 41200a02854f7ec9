// Package metadata 负责文档与分块的标识分配和溯源记录。
package metadata

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"portal-rag-go/internal/model"
	"portal-rag-go/internal/repository"
	"portal-rag-go/pkg/log"
)

// DocumentID 由来源 URI 计算出稳定的文档标识（md5 十六进制）。
func DocumentID(sourceURI string) string {
	sum := md5.Sum([]byte(sourceURI))
	return hex.EncodeToString(sum[:])
}

// ChunkID 由 (documentID, sequenceIndex) 确定性生成分块标识。
// 相同内容的重复摄取产生相同 ID，从而在存储层天然幂等覆盖；
// 绝不能依赖数组位置或插入顺序。
func ChunkID(documentID string, sequenceIndex int) string {
	return fmt.Sprintf("%s_chunk_%d", documentID, sequenceIndex)
}

// ContentHash 计算文档正文的内容哈希，用于跳过未变化文档的重复向量化。
func ContentHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Tracker 维护文档级的摄取状态：内容哈希与最近一次的分块数量。
type Tracker struct {
	states repository.DocumentStateRepository
}

// NewTracker 创建一个新的 Tracker 实例。
func NewTracker(states repository.DocumentStateRepository) *Tracker {
	return &Tracker{states: states}
}

// AssignID 为文档分配稳定标识（已有 ID 则保持不变）。
func (t *Tracker) AssignID(doc *model.Document) {
	if doc.ID == "" {
		doc.ID = DocumentID(doc.SourceURI)
	}
}

// Record 为一个分块生成溯源元数据记录。
func (t *Tracker) Record(chunk model.Chunk, doc model.Document, now time.Time) model.ChunkMetadata {
	return model.ChunkMetadata{
		ChunkID:       chunk.ID,
		DocumentID:    doc.ID,
		SourceURI:     doc.SourceURI,
		SequenceIndex: chunk.SequenceIndex,
		IngestedAt:    now,
	}
}

// IsUnchanged 判断文档内容自上次成功摄取以来是否未发生变化。
// 状态读取失败时按“已变化”处理，宁可多做一次向量化也不漏更新。
func (t *Tracker) IsUnchanged(ctx context.Context, documentID, contentHash string) bool {
	state, err := t.states.Get(ctx, documentID)
	if err != nil {
		log.Warnf("[Tracker] 读取文档状态失败, documentID=%s: %v", documentID, err)
		return false
	}
	return state != nil && state.ContentHash == contentHash
}

// PreviousChunkCount 返回文档上次摄取的分块数量，无记录时返回 0。
func (t *Tracker) PreviousChunkCount(ctx context.Context, documentID string) int {
	state, err := t.states.Get(ctx, documentID)
	if err != nil || state == nil {
		return 0
	}
	return state.ChunkCount
}

// Commit 在文档摄取成功后更新状态。
func (t *Tracker) Commit(ctx context.Context, documentID, contentHash string, chunkCount int) error {
	return t.states.Set(ctx, documentID, repository.DocumentState{
		ContentHash: contentHash,
		ChunkCount:  chunkCount,
	})
}

// Reset 清空全部文档状态，在全量重载前调用。
func (t *Tracker) Reset(ctx context.Context) error {
	return t.states.Clear(ctx)
}
