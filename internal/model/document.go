// Package model 定义了系统核心的数据结构。
package model

import "time"

// Document 表示一篇由抓取协作方获取的原始网页文档。
// 文档一经抓取即不可变，重新抓取会产生新的 FetchedAt 版本并整体覆盖。
type Document struct {
	ID        string    `json:"id"`
	SourceURI string    `json:"source_uri"`
	RawText   string    `json:"raw_text"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Chunk 表示文档的一个连续（可能重叠）片段，是嵌入与检索的基本单位。
// ID 由 (DocumentID, SequenceIndex) 确定性生成，保证重复摄取时的幂等覆盖。
// CharStart/CharEnd 为原文中的字符（rune）偏移，区间左闭右开。
type Chunk struct {
	ID            string `json:"id"`
	DocumentID    string `json:"document_id"`
	SequenceIndex int    `json:"sequence_index"`
	Text          string `json:"text"`
	CharStart     int    `json:"char_start"`
	CharEnd       int    `json:"char_end"`
}

// ChunkMetadata 对应于数据库中的 chunk_metadata 表，与 Chunk 一一对应。
// 同样的字段随向量一起写入索引，检索时无需二次查询即可拿到溯源信息。
type ChunkMetadata struct {
	ChunkID       string    `gorm:"primaryKey;type:varchar(64);column:chunk_id" json:"chunk_id"`
	DocumentID    string    `gorm:"type:varchar(32);not null;index;column:document_id" json:"document_id"`
	SourceURI     string    `gorm:"type:varchar(512);not null;column:source_uri" json:"source_uri"`
	SequenceIndex int       `gorm:"not null;column:sequence_index" json:"sequence_index"`
	IngestedAt    time.Time `gorm:"not null;column:ingested_at" json:"ingested_at"`
}

func (ChunkMetadata) TableName() string {
	return "chunk_metadata"
}
