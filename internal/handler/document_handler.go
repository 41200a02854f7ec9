// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"
	"time"

	"portal-rag-go/internal/metadata"
	"portal-rag-go/pkg/kafka"
	"portal-rag-go/pkg/log"
	"portal-rag-go/pkg/tasks"

	"github.com/gin-gonic/gin"
)

// DocumentHandler 负责接收摄取请求并投递到 Kafka。
// 摄取是异步的：接口只做入队，实际处理由消费者完成。
type DocumentHandler struct{}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler() *DocumentHandler {
	return &DocumentHandler{}
}

// IngestRequest 定义了摄取 API 的请求体结构。
type IngestRequest struct {
	SourceURI  string `json:"source_uri" binding:"required"`
	ObjectName string `json:"object_name" binding:"required"`
	FetchedAt  int64  `json:"fetched_at"`
}

// Ingest 把一个文档摄取任务投递到 Kafka，返回 202 与派生的 document_id。
func (h *DocumentHandler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Ingest: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_uri 与 object_name 不能为空"})
		return
	}
	if req.FetchedAt == 0 {
		req.FetchedAt = time.Now().Unix()
	}

	task := tasks.DocumentIngestTask{
		SourceURI:  req.SourceURI,
		ObjectName: req.ObjectName,
		FetchedAt:  req.FetchedAt,
	}
	if err := kafka.ProduceIngestTask(task); err != nil {
		log.Errorf("投递摄取任务失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "任务投递失败，请稍后重试"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"document_id": metadata.DocumentID(req.SourceURI),
		"status":      "queued",
	})
}
