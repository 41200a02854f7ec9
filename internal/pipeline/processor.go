// Package pipeline 实现了文档摄取流水线：
// 分块 -> 嵌入 -> 向量写入 -> 元数据落库 -> 文档状态提交。
package pipeline

import (
	"context"
	"fmt"
	"time"

	"portal-rag-go/internal/chunker"
	"portal-rag-go/internal/config"
	"portal-rag-go/internal/metadata"
	"portal-rag-go/internal/model"
	"portal-rag-go/internal/repository"
	"portal-rag-go/internal/vectorstore"
	"portal-rag-go/pkg/embedding"
	"portal-rag-go/pkg/log"
	"portal-rag-go/pkg/storage"
	"portal-rag-go/pkg/tasks"
)

// Processor 串联摄取流水线的各个阶段。
// 单个文档的失败只影响该文档本身，错误向上返回由调用方决定重试。
type Processor struct {
	ragCfg   config.RAGConfig
	minioCfg config.MinIOConfig
	embedder embedding.Client
	store    vectorstore.Store
	metaRepo repository.ChunkMetadataRepository
	tracker  *metadata.Tracker
}

// NewProcessor 创建摄取流水线。
func NewProcessor(
	ragCfg config.RAGConfig,
	minioCfg config.MinIOConfig,
	embedder embedding.Client,
	store vectorstore.Store,
	metaRepo repository.ChunkMetadataRepository,
	tracker *metadata.Tracker,
) *Processor {
	return &Processor{
		ragCfg:   ragCfg,
		minioCfg: minioCfg,
		embedder: embedder,
		store:    store,
		metaRepo: metaRepo,
		tracker:  tracker,
	}
}

// ResetState 清空分块元数据与文档内容哈希状态。
// 全量重载开始前调用；放弃暂存索引时也必须调用，否则状态会描述
// 一个从未上线的索引，后续增量摄取会被误判为“内容未变化”而跳过。
func (p *Processor) ResetState(ctx context.Context) error {
	if err := p.metaRepo.Clear(); err != nil {
		return fmt.Errorf("清空分块元数据失败: %w", err)
	}
	if err := p.tracker.Reset(ctx); err != nil {
		return fmt.Errorf("清空文档状态失败: %w", err)
	}
	return nil
}

// Process 消费一个 Kafka 摄取任务：从 MinIO 取回爬虫交付的纯文本后摄取。
func (p *Processor) Process(ctx context.Context, task tasks.DocumentIngestTask) error {
	text, err := storage.FetchObjectText(ctx, p.minioCfg.BucketName, task.ObjectName)
	if err != nil {
		return fmt.Errorf("从 MinIO 读取对象 %s 失败: %w", task.ObjectName, err)
	}
	doc := &model.Document{
		SourceURI: task.SourceURI,
		RawText:   text,
		FetchedAt: time.Unix(task.FetchedAt, 0),
	}
	return p.ProcessDocument(ctx, doc)
}

// ProcessDocument 摄取单个文档。重复摄取是幂等的：
// 内容未变时直接跳过；内容变化时同一批 chunk_id 原地覆盖；
// 文档收缩时删除超出新分块数的旧尾部分块，不留陈旧向量。
func (p *Processor) ProcessDocument(ctx context.Context, doc *model.Document) error {
	p.tracker.AssignID(doc)
	hash := metadata.ContentHash(doc.RawText)

	if p.tracker.IsUnchanged(ctx, doc.ID, hash) {
		log.Infof("文档内容未变化，跳过摄取: %s", doc.SourceURI)
		return nil
	}

	spans, err := chunker.Split(doc.RawText, p.ragCfg.ChunkSize, p.ragCfg.ChunkOverlap)
	if err != nil {
		return err
	}
	prevCount := p.tracker.PreviousChunkCount(ctx, doc.ID)

	now := time.Now()
	records := make([]vectorstore.Record, 0, len(spans))
	metas := make([]model.ChunkMetadata, 0, len(spans))

	if len(spans) > 0 {
		texts := make([]string, len(spans))
		for i, s := range spans {
			texts[i] = s.Text
		}
		vectors, err := p.embedder.CreateEmbeddings(ctx, texts)
		if err != nil {
			return fmt.Errorf("嵌入文档 %s 失败: %w", doc.SourceURI, err)
		}
		for i, s := range spans {
			chunk := model.Chunk{
				ID:            metadata.ChunkID(doc.ID, i),
				DocumentID:    doc.ID,
				SequenceIndex: i,
				Text:          s.Text,
				CharStart:     s.Start,
				CharEnd:       s.End,
			}
			meta := p.tracker.Record(chunk, *doc, now)
			metas = append(metas, meta)
			records = append(records, vectorstore.Record{
				ChunkID:  chunk.ID,
				Vector:   vectors[i],
				Text:     chunk.Text,
				Metadata: meta,
			})
		}
	}

	if len(records) > 0 {
		if _, err := p.store.Upsert(ctx, records); err != nil {
			return fmt.Errorf("写入向量存储失败: %w", err)
		}
	}

	// 收缩修正：旧分块数多于新分块数时，删除多出的尾部向量
	if prevCount > len(spans) {
		stale := make([]string, 0, prevCount-len(spans))
		for i := len(spans); i < prevCount; i++ {
			stale = append(stale, metadata.ChunkID(doc.ID, i))
		}
		if err := p.store.Delete(ctx, stale); err != nil {
			return fmt.Errorf("清理陈旧分块失败: %w", err)
		}
		log.Infof("文档收缩，已清理 %d 个陈旧分块: %s", len(stale), doc.SourceURI)
	}

	if err := p.metaRepo.ReplaceForDocument(doc.ID, metas); err != nil {
		return fmt.Errorf("写入分块元数据失败: %w", err)
	}

	// 状态最后提交：任何前置步骤失败时状态不变，重试会重新走完整流程
	if err := p.tracker.Commit(ctx, doc.ID, hash, len(spans)); err != nil {
		return fmt.Errorf("提交文档状态失败: %w", err)
	}

	log.Infof("文档摄取完成: %s, 分块数 %d", doc.SourceURI, len(spans))
	return nil
}
