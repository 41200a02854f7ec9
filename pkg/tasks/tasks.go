// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// DocumentIngestTask represents the data structure for a document ingestion job.
// ObjectName 指向 MinIO 中爬虫交付的纯文本对象；SourceURI 是原始页面地址，
// 也是文档 ID 的派生来源。
type DocumentIngestTask struct {
	SourceURI  string `json:"source_uri"`
	ObjectName string `json:"object_name"`
	FetchedAt  int64  `json:"fetched_at"`
}
