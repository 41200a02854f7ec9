package repository

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// DocumentState 记录某文档最近一次成功摄取后的内容哈希与分块数量。
// 内容哈希用于增量重载时跳过未变化文档的重复向量化；
// 分块数量用于检测文档收缩并删除失效的尾部分块 ID。
type DocumentState struct {
	ContentHash string
	ChunkCount  int
}

// DocumentStateRepository 定义了文档摄取状态的存取接口。
type DocumentStateRepository interface {
	// Get 返回文档状态，不存在时返回 (nil, nil)。
	Get(ctx context.Context, documentID string) (*DocumentState, error)
	Set(ctx context.Context, documentID string, state DocumentState) error
	// Clear 清空全部状态，在全量重载前与向量索引一起清理。
	Clear(ctx context.Context) error
}

const docStateKeyPrefix = "rag:docstate:"

type documentStateRepository struct {
	rdb *redis.Client
}

// NewDocumentStateRepository 创建一个基于 Redis 的 DocumentStateRepository。
func NewDocumentStateRepository(rdb *redis.Client) DocumentStateRepository {
	return &documentStateRepository{rdb: rdb}
}

func docStateKey(documentID string) string {
	return docStateKeyPrefix + documentID
}

func (r *documentStateRepository) Get(ctx context.Context, documentID string) (*DocumentState, error) {
	vals, err := r.rdb.HGetAll(ctx, docStateKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取文档状态失败: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	count, err := strconv.Atoi(vals["chunk_count"])
	if err != nil {
		return nil, fmt.Errorf("文档状态 chunk_count 非法: %w", err)
	}
	return &DocumentState{
		ContentHash: vals["content_hash"],
		ChunkCount:  count,
	}, nil
}

func (r *documentStateRepository) Set(ctx context.Context, documentID string, state DocumentState) error {
	return r.rdb.HSet(ctx, docStateKey(documentID),
		"content_hash", state.ContentHash,
		"chunk_count", strconv.Itoa(state.ChunkCount),
	).Err()
}

func (r *documentStateRepository) Clear(ctx context.Context) error {
	iter := r.rdb.Scan(ctx, 0, docStateKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
