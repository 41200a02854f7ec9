// Package es 提供了基于 Elasticsearch 的向量存储实现。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"portal-rag-go/internal/apperr"
	"portal-rag-go/internal/config"
	"portal-rag-go/internal/model"
	"portal-rag-go/internal/vectorstore"
	"portal-rag-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Store 是 vectorstore.Store 的 Elasticsearch 实现。
// index 是操作目标，既可以是物理索引也可以是别名（双缓冲重载时为别名）。
type Store struct {
	client *elasticsearch.Client
	index  string
	dims   int
	model  string
}

// NewStore 创建 ES 客户端并确保索引存在（映射维度与余弦相似度按配置固定）。
func NewStore(esCfg config.ElasticsearchConfig, dims int, modelVersion string) (*Store, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{client: client, index: esCfg.IndexName, dims: dims, model: modelVersion}
	if err := s.ensureIndex(esCfg.IndexName); err != nil {
		return nil, err
	}
	return s, nil
}

// ModelVersion 返回索引建库时使用的嵌入模型标识。
func (s *Store) ModelVersion() string { return s.model }

// Index 返回当前操作目标（索引或别名）。
func (s *Store) Index() string { return s.index }

// ensureIndex 检查索引是否存在，如果不存在则按固定维度与余弦相似度创建。
func (s *Store) ensureIndex(indexName string) error {
	res, err := s.client.Indices.Exists([]string{indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	defer res.Body.Close()
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"chunk_id": { "type": "keyword" },
				"document_id": { "type": "keyword" },
				"source_uri": { "type": "keyword" },
				"sequence_index": { "type": "integer" },
				"text_content": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"model_version": { "type": "keyword" },
				"ingested_at": { "type": "date" }
			}
		}
	}`, s.dims)

	createRes, err := s.client.Indices.Create(
		indexName,
		s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	defer createRes.Body.Close()
	if createRes.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, createRes.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}
	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// Upsert 以 chunk_id 作为文档 _id 批量写入，天然幂等：重复写入原地覆盖。
func (s *Store) Upsert(ctx context.Context, records []vectorstore.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	for _, r := range records {
		if len(r.Vector) != s.dims {
			return 0, &apperr.DimensionMismatchError{Want: s.dims, Got: len(r.Vector)}
		}
	}

	var buf bytes.Buffer
	for _, r := range records {
		meta := map[string]map[string]string{
			"index": {"_index": s.index, "_id": r.ChunkID},
		}
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			return 0, err
		}
		doc := model.EsDocument{
			ChunkID:       r.ChunkID,
			DocumentID:    r.Metadata.DocumentID,
			SourceURI:     r.Metadata.SourceURI,
			SequenceIndex: r.Metadata.SequenceIndex,
			TextContent:   r.Text,
			Vector:        r.Vector,
			ModelVersion:  s.model,
			IngestedAt:    r.Metadata.IngestedAt,
		}
		docBytes, err := json.Marshal(doc)
		if err != nil {
			return 0, err
		}
		buf.Write(metaBytes)
		buf.WriteByte('\n')
		buf.Write(docBytes)
		buf.WriteByte('\n')
	}

	res, err := s.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk 写入失败: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("bulk 写入返回错误: %s", res.String())
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return 0, fmt.Errorf("解析 bulk 响应失败: %w", err)
	}
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, op := range item {
				if op.Error != nil {
					return 0, fmt.Errorf("bulk 写入文档 %s 失败: %s", op.ID, op.Error.Reason)
				}
			}
		}
		return 0, errors.New("bulk 写入存在未知失败项")
	}
	return len(records), nil
}

// Search 以 kNN 余弦查询返回至多 k 条命中，按得分降序、同分 chunk_id 升序排列。
// 查询按 model_version 过滤，保证不会混用不同模型的向量。
func (s *Store) Search(ctx context.Context, vector []float32, k int) ([]vectorstore.Hit, error) {
	if len(vector) != s.dims {
		return nil, &apperr.DimensionMismatchError{Want: s.dims, Got: len(vector)}
	}
	if k <= 0 {
		return nil, nil
	}

	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              k,
			"num_candidates": k * 10,
			"filter": map[string]interface{}{
				"term": map[string]interface{}{"model_version": s.model},
			},
		},
		"size": k,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.String())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsDocument `json:"_source"`
				Score  float64          `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]vectorstore.Hit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		hits = append(hits, vectorstore.Hit{
			ChunkID: h.Source.ChunkID,
			Text:    h.Source.TextContent,
			Metadata: model.ChunkMetadata{
				ChunkID:       h.Source.ChunkID,
				DocumentID:    h.Source.DocumentID,
				SourceURI:     h.Source.SourceURI,
				SequenceIndex: h.Source.SequenceIndex,
				IngestedAt:    h.Source.IngestedAt,
			},
			Score: h.Score,
		})
	}
	// ES 已按得分降序返回，这里补充同分时的 chunk_id 升序。
	// 这只规整返回的这一页：同分记录恰好跨在第 k 名边界上时，
	// 哪条入选由 ES 内部排序决定。
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	return hits, nil
}

// Delete 按 chunk_id 批量删除，用于文档收缩时清理尾部分块。
func (s *Store) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, id := range chunkIDs {
		meta := map[string]map[string]string{
			"delete": {"_index": s.index, "_id": id},
		}
		metaBytes, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		buf.Write(metaBytes)
		buf.WriteByte('\n')
	}
	res, err := s.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return fmt.Errorf("bulk 删除失败: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk 删除返回错误: %s", res.String())
	}
	return nil
}

// Clear 通过 delete_by_query 清空索引内全部记录，保留索引与映射。
func (s *Store) Clear(ctx context.Context) error {
	body := strings.NewReader(`{"query":{"match_all":{}}}`)
	req := esapi.DeleteByQueryRequest{
		Index:   []string{s.index},
		Body:    body,
		Refresh: boolPtr(true),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("清空索引失败: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("清空索引返回错误: %s", res.String())
	}
	return nil
}

// Count 返回索引内的记录总数。
func (s *Store) Count(ctx context.Context) (int64, error) {
	res, err := s.client.Count(
		s.client.Count.WithContext(ctx),
		s.client.Count.WithIndex(s.index),
	)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("count 返回错误: %s", res.String())
	}
	var countResp struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&countResp); err != nil {
		return 0, err
	}
	return countResp.Count, nil
}

// BeginStaging 为双缓冲重载创建一个带时间戳后缀的全新物理索引，
// 返回指向该索引的 Store。摄取完成后调用 Promote 原子切换。
func (s *Store) BeginStaging(ctx context.Context) (*Store, error) {
	physical := fmt.Sprintf("%s_%s", s.index, time.Now().Format("20060102150405"))
	staging := &Store{client: s.client, index: physical, dims: s.dims, model: s.model}
	if err := staging.ensureIndex(physical); err != nil {
		return nil, err
	}
	log.Infof("已创建重载暂存索引 '%s'", physical)
	return staging, nil
}

// Promote 将别名原子地从旧索引切换到暂存索引，旧物理索引随后删除。
// 若别名位置目前是一个同名物理索引（首次部署），用 remove_index 原子替换。
func (s *Store) Promote(ctx context.Context, staging *Store) error {
	oldIndices, aliasExists, err := s.resolveAlias(ctx)
	if err != nil {
		return err
	}

	actions := make([]map[string]interface{}, 0, len(oldIndices)+1)
	if aliasExists {
		for _, idx := range oldIndices {
			actions = append(actions, map[string]interface{}{
				"remove": map[string]string{"index": idx, "alias": s.index},
			})
		}
	} else if len(oldIndices) > 0 {
		// 别名位置是物理索引：remove_index + add 在同一请求内原子完成
		for _, idx := range oldIndices {
			actions = append(actions, map[string]interface{}{
				"remove_index": map[string]string{"index": idx},
			})
		}
	}
	actions = append(actions, map[string]interface{}{
		"add": map[string]string{"index": staging.index, "alias": s.index},
	})

	body, err := json.Marshal(map[string]interface{}{"actions": actions})
	if err != nil {
		return err
	}
	req := esapi.IndicesUpdateAliasesRequest{Body: bytes.NewReader(body)}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("切换别名失败: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("切换别名返回错误: %s", res.String())
	}

	// 别名切走后旧物理索引不再可达，删除释放空间
	if aliasExists && len(oldIndices) > 0 {
		delRes, err := s.client.Indices.Delete(oldIndices, s.client.Indices.Delete.WithContext(ctx))
		if err != nil {
			log.Warnf("删除旧索引失败: %v", err)
		} else {
			delRes.Body.Close()
		}
	}
	log.Infof("别名 '%s' 已指向 '%s'", s.index, staging.index)
	return nil
}

// resolveAlias 返回当前位于别名/索引名之下的物理索引列表，以及该名字是否为别名。
func (s *Store) resolveAlias(ctx context.Context) ([]string, bool, error) {
	res, err := s.client.Indices.GetAlias(
		s.client.Indices.GetAlias.WithContext(ctx),
		s.client.Indices.GetAlias.WithName(s.index),
	)
	if err != nil {
		return nil, false, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		// 不是别名：检查是否存在同名物理索引
		exists, err := s.client.Indices.Exists([]string{s.index})
		if err != nil {
			return nil, false, err
		}
		defer exists.Body.Close()
		if exists.StatusCode == http.StatusOK {
			return []string{s.index}, false, nil
		}
		return nil, false, nil
	}
	if res.IsError() {
		return nil, false, fmt.Errorf("查询别名失败: %s", res.String())
	}
	var aliasResp map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&aliasResp); err != nil {
		return nil, false, err
	}
	indices := make([]string, 0, len(aliasResp))
	for idx := range aliasResp {
		indices = append(indices, idx)
	}
	return indices, true, nil
}

func boolPtr(b bool) *bool { return &b }

var _ vectorstore.Store = (*Store)(nil)
