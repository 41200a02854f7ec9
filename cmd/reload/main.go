// Package main 是全量重载工具的入口点。
// 它遍历 MinIO 中爬虫交付的全部语料并重建知识库，
// 支持就地清空重建与基于别名切换的零停机重载两种模式。
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"portal-rag-go/internal/config"
	"portal-rag-go/internal/metadata"
	"portal-rag-go/internal/model"
	"portal-rag-go/internal/pipeline"
	"portal-rag-go/internal/repository"
	"portal-rag-go/internal/vectorstore"
	"portal-rag-go/pkg/database"
	"portal-rag-go/pkg/embedding"
	"portal-rag-go/pkg/es"
	"portal-rag-go/pkg/log"
	"portal-rag-go/pkg/storage"

	"github.com/spf13/cobra"
)

var (
	configPath string
	staging    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reload",
		Short: "重建知识库：重新摄取 MinIO 中的全部爬虫语料",
		Long: "遍历对象存储中爬虫交付的纯文本语料，重新分块、嵌入并写入向量索引。\n" +
			"默认就地清空后重建；--staging 模式先在新索引上完成摄取，再原子切换别名，检索不中断。",
		RunE: run,
	}
	rootCmd.Flags().StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")
	rootCmd.Flags().BoolVar(&staging, "staging", false, "零停机模式：写入暂存索引，完成后切换别名")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	config.Init(configPath)
	cfg := config.Conf

	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()

	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.DB.AutoMigrate(&model.ChunkMetadata{}); err != nil {
		return fmt.Errorf("chunk_metadata 表迁移失败: %w", err)
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)

	liveStore, err := es.NewStore(cfg.Elasticsearch, cfg.Embedding.Dimensions, cfg.Embedding.Model)
	if err != nil {
		return fmt.Errorf("es 初始化失败: %w", err)
	}

	ctx := context.Background()
	objects, err := storage.ListScrapedObjects(ctx, cfg.MinIO.BucketName, cfg.MinIO.ScrapedPrefix)
	if err != nil {
		return fmt.Errorf("列举语料对象失败: %w", err)
	}
	log.Infof("共发现 %d 个语料对象", len(objects))

	metaRepo := repository.NewChunkMetadataRepository(database.DB)
	stateRepo := repository.NewDocumentStateRepository(database.RDB)
	tracker := metadata.NewTracker(stateRepo)
	embeddingClient := embedding.NewClient(cfg.Embedding)

	var target vectorstore.Store = liveStore
	var stagingStore *es.Store
	if staging {
		stagingStore, err = liveStore.BeginStaging(ctx)
		if err != nil {
			return fmt.Errorf("创建暂存索引失败: %w", err)
		}
		target = stagingStore
	} else {
		if err := liveStore.Clear(ctx); err != nil {
			return fmt.Errorf("清空向量索引失败: %w", err)
		}
	}

	processor := pipeline.NewProcessor(cfg.RAG, cfg.MinIO, embeddingClient, target, metaRepo, tracker)
	// 全量重载：内容哈希状态与元数据一并清空，避免误判“未变化”
	if err := processor.ResetState(ctx); err != nil {
		return err
	}

	succeeded, failed := 0, 0
	start := time.Now()
	for _, objectName := range objects {
		sourceURI := sourceURIFromObject(cfg.MinIO.ScrapedPrefix, objectName)
		text, err := storage.FetchObjectText(ctx, cfg.MinIO.BucketName, objectName)
		if err != nil {
			log.Errorf("读取对象失败: %s, err=%v", objectName, err)
			failed++
			continue
		}
		doc := &model.Document{SourceURI: sourceURI, RawText: text, FetchedAt: time.Now()}
		if err := processor.ProcessDocument(ctx, doc); err != nil {
			// 单个文档失败不终止整体重载
			log.Errorf("文档摄取失败: %s, err=%v", sourceURI, err)
			failed++
			continue
		}
		succeeded++
	}

	log.Infof("重载完成: 成功 %d, 失败 %d, 耗时 %s", succeeded, failed, time.Since(start).Round(time.Second))

	if staging {
		if failed > 0 {
			// 有失败时不切换别名，线上检索继续使用旧索引。
			// 状态与元数据此时描述的是暂存索引，必须一并清空，
			// 否则后续增量摄取会被误判为“内容未变化”而跳过。
			log.Errorf("存在失败文档，放弃切换别名，暂存索引保留: %s", stagingStore.Index())
			if err := processor.ResetState(ctx); err != nil {
				log.Errorf("放弃暂存索引后清空状态失败: %v", err)
			}
			return fmt.Errorf("重载未完全成功: %d 个文档失败", failed)
		}
		if err := liveStore.Promote(ctx, stagingStore); err != nil {
			if resetErr := processor.ResetState(ctx); resetErr != nil {
				log.Errorf("放弃暂存索引后清空状态失败: %v", resetErr)
			}
			return fmt.Errorf("切换别名失败: %w", err)
		}
		log.Info("别名已切换，新索引开始服务检索")
	}
	if failed > 0 {
		return fmt.Errorf("重载未完全成功: %d 个文档失败", failed)
	}
	return nil
}

// sourceURIFromObject 从对象名还原来源地址。
// 爬虫按 <prefix><url-encoded-source-uri> 存放对象。
func sourceURIFromObject(prefix, objectName string) string {
	encoded := strings.TrimPrefix(objectName, prefix)
	if decoded, err := url.QueryUnescape(encoded); err == nil {
		return decoded
	}
	return encoded
}
