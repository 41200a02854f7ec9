package model

import "time"

// EsDocument 定义了存储在 Elasticsearch 中的文档结构。
// 元数据字段与 ChunkMetadata 保持一致，随向量同库存放。
type EsDocument struct {
	ChunkID       string    `json:"chunk_id"` // 唯一标识，documentID_chunk_index
	DocumentID    string    `json:"document_id"`
	SourceURI     string    `json:"source_uri"`
	SequenceIndex int       `json:"sequence_index"`
	TextContent   string    `json:"text_content"`
	Vector        []float32 `json:"vector"` // 文本内容的向量表示
	ModelVersion  string    `json:"model_version"`
	IngestedAt    time.Time `json:"ingested_at"`
}
