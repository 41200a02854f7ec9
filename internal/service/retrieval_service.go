// Package service 实现检索增强生成的核心业务逻辑。
package service

import (
	"context"
	"fmt"
	"strings"

	"portal-rag-go/internal/apperr"
	"portal-rag-go/internal/config"
	"portal-rag-go/internal/model"
	"portal-rag-go/internal/vectorstore"
	"portal-rag-go/pkg/embedding"
	"portal-rag-go/pkg/llm"
	"portal-rag-go/pkg/log"
)

// RetrievalService 把一条查询变成一个带溯源的回答：
// 嵌入查询 -> 向量检索 -> 阈值过滤 -> 组装上下文 -> 流式生成。
// 整条路径只读向量存储，取消请求不会留下任何部分写入。
type RetrievalService struct {
	ragCfg   config.RAGConfig
	llmCfg   config.LLMConfig
	embedder embedding.Client
	store    vectorstore.Store
	llm      llm.Client
}

// NewRetrievalService 创建检索服务。
// 查询端嵌入模型必须与建库模型一致，否则拒绝启动。
func NewRetrievalService(
	ragCfg config.RAGConfig,
	llmCfg config.LLMConfig,
	embedder embedding.Client,
	store vectorstore.Store,
	llmClient llm.Client,
) (*RetrievalService, error) {
	if embedder.Model() != store.ModelVersion() {
		return nil, &apperr.ModelMismatchError{Want: store.ModelVersion(), Got: embedder.Model()}
	}
	return &RetrievalService{
		ragCfg:   ragCfg,
		llmCfg:   llmCfg,
		embedder: embedder,
		store:    store,
		llm:      llmClient,
	}, nil
}

// retrieve 返回拼装好的上下文文本和去重后的来源列表。
// 检索不到任何结果不是错误：上下文退化为兜底文案，来源为空。
func (s *RetrievalService) retrieve(ctx context.Context, query string, topK int) (string, []string, error) {
	if topK <= 0 {
		topK = s.ragCfg.TopK
	}

	vectors, err := s.embedder.CreateEmbeddings(ctx, []string{query})
	if err != nil {
		return "", nil, fmt.Errorf("嵌入查询失败: %w", err)
	}

	hits, err := s.store.Search(ctx, vectors[0], topK)
	if err != nil {
		return "", nil, fmt.Errorf("向量检索失败: %w", err)
	}

	var contextParts []string
	var sources []string
	seen := make(map[string]bool)
	for _, hit := range hits {
		if hit.Score < s.ragCfg.SimilarityThreshold {
			continue
		}
		contextParts = append(contextParts, fmt.Sprintf("[%d] (%s) %s", len(contextParts)+1, hit.Metadata.SourceURI, hit.Text))
		if !seen[hit.Metadata.SourceURI] {
			seen[hit.Metadata.SourceURI] = true
			sources = append(sources, hit.Metadata.SourceURI)
		}
	}

	if len(contextParts) == 0 {
		log.Infof("检索无结果，使用兜底上下文: query=%q", query)
		return s.llmCfg.Prompt.NoResultText, nil, nil
	}
	return strings.Join(contextParts, "\n\n"), sources, nil
}

// buildMessages 把规则、参考资料和用户问题组装成对话消息。
func (s *RetrievalService) buildMessages(contextText, query string) []llm.Message {
	var b strings.Builder
	b.WriteString(s.llmCfg.Prompt.Rules)
	b.WriteString("\n")
	b.WriteString(s.llmCfg.Prompt.RefStart)
	b.WriteString("\n")
	b.WriteString(contextText)
	b.WriteString("\n")
	b.WriteString(s.llmCfg.Prompt.RefEnd)
	return []llm.Message{
		{Role: "system", Content: b.String()},
		{Role: "user", Content: query},
	}
}

// teeWriter 在转发流式分块的同时累积完整回答文本。
// inner 为 nil 时只累积，用于非流式调用。
type teeWriter struct {
	inner llm.FragmentWriter
	buf   strings.Builder
}

func (w *teeWriter) WriteFragment(data []byte) error {
	w.buf.Write(data)
	if w.inner != nil {
		return w.inner.WriteFragment(data)
	}
	return nil
}

// StreamAnswer 流式回答：生成过程中分块写入 writer，
// 结束后返回完整回答与溯源，供调用方追加 sources 分块。
func (s *RetrievalService) StreamAnswer(ctx context.Context, query string, topK int, gen *llm.GenerationParams, writer llm.FragmentWriter) (*model.Answer, error) {
	contextText, sources, err := s.retrieve(ctx, query, topK)
	if err != nil {
		return nil, err
	}

	tee := &teeWriter{inner: writer}
	if err := s.llm.StreamChat(ctx, s.buildMessages(contextText, query), gen, tee); err != nil {
		return nil, err
	}
	return &model.Answer{
		Text:         tee.buf.String(),
		Sources:      sources,
		FinishReason: "stop",
	}, nil
}

// Answer 非流式回答：内部仍走流式生成，聚合为完整文本后一次性返回。
func (s *RetrievalService) Answer(ctx context.Context, query string, topK int, gen *llm.GenerationParams) (*model.Answer, error) {
	return s.StreamAnswer(ctx, query, topK, gen, nil)
}
