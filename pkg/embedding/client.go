// Package embedding provides a client for interacting with embedding models.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"portal-rag-go/internal/apperr"
	"portal-rag-go/internal/config"
	"portal-rag-go/pkg/log"
)

// Client defines the interface for an embedding client.
// CreateEmbeddings 保持顺序：输出第 i 个向量对应输入第 i 条文本。
type Client interface {
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

type openAICompatibleClient struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	backoff time.Duration
}

// NewClient creates a new embedding client for an OpenAI-compatible provider.
func NewClient(cfg config.EmbeddingConfig) Client {
	return &openAICompatibleClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: 60 * time.Second},
		backoff: 500 * time.Millisecond,
	}
}

func (c *openAICompatibleClient) Model() string   { return c.cfg.Model }
func (c *openAICompatibleClient) Dimensions() int { return c.cfg.Dimensions }

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// CreateEmbeddings 将输入切成提供方限制内的批次，按受限并发度并行调用，
// 并按原始位置重组结果。任一批次重试耗尽后返回携带批次下标的 ProviderError，
// 摄取方可以从失败批次恢复而不必整体重来。
func (c *openAICompatibleClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	type batch struct {
		index  int // 批次下标
		offset int // 首条文本在输入中的位置
		texts  []string
	}

	var batches []batch
	for off := 0; off < len(texts); off += c.cfg.BatchSize {
		end := off + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, batch{index: len(batches), offset: off, texts: texts[off:end]})
	}

	results := make([][]float32, len(texts))
	batchErrs := make([]error, len(batches))

	// 受限并发：尊重提供方限流，同时保持结果按位置写回
	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, b := range batches {
		wg.Add(1)
		go func(b batch) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			vectors, err := c.embedBatch(ctx, b.texts)
			if err != nil {
				batchErrs[b.index] = err
				return
			}
			for i, v := range vectors {
				results[b.offset+i] = v
			}
		}(b)
	}
	wg.Wait()

	for i, err := range batchErrs {
		if err == nil {
			continue
		}
		var dimErr *apperr.DimensionMismatchError
		if errors.As(err, &dimErr) {
			return nil, err
		}
		return nil, &apperr.ProviderError{Op: "embedding", Batch: i, Err: err}
	}
	return results, nil
}

// embedBatch 调用一次 /embeddings，对限流与 5xx 按指数退避重试。
func (c *openAICompatibleClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff << (attempt - 1)
			log.Warnf("[EmbeddingClient] 第 %d 次重试, 等待 %s", attempt, delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		vectors, retryable, err := c.doEmbed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *openAICompatibleClient) doEmbed(ctx context.Context, texts []string) (vectors [][]float32, retryable bool, err error) {
	reqBody := embeddingRequest{
		Model:      c.cfg.Model,
		Input:      texts,
		Dimensions: c.cfg.Dimensions,
	}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		// 网络错误视为瞬时故障
		return nil, true, fmt.Errorf("failed to call embedding api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("embedding api returned transient status: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("embedding api returned non-200 status: %s", resp.Status)
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, true, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(embeddingResp.Data) != len(texts) {
		return nil, true, fmt.Errorf("embedding api returned %d vectors for %d inputs", len(embeddingResp.Data), len(texts))
	}

	// 按提供方返回的 index 排序，保证与输入一一对应
	sort.Slice(embeddingResp.Data, func(i, j int) bool {
		return embeddingResp.Data[i].Index < embeddingResp.Data[j].Index
	})

	vectors = make([][]float32, len(texts))
	for i, d := range embeddingResp.Data {
		if len(d.Embedding) != c.cfg.Dimensions {
			return nil, false, &apperr.DimensionMismatchError{Want: c.cfg.Dimensions, Got: len(d.Embedding)}
		}
		vectors[i] = d.Embedding
	}
	return vectors, false, nil
}
