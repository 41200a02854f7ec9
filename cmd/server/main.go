// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portal-rag-go/internal/config"
	"portal-rag-go/internal/handler"
	"portal-rag-go/internal/metadata"
	"portal-rag-go/internal/middleware"
	"portal-rag-go/internal/model"
	"portal-rag-go/internal/pipeline"
	"portal-rag-go/internal/repository"
	"portal-rag-go/internal/service"
	"portal-rag-go/pkg/database"
	"portal-rag-go/pkg/embedding"
	"portal-rag-go/pkg/es"
	"portal-rag-go/pkg/kafka"
	"portal-rag-go/pkg/llm"
	"portal-rag-go/pkg/log"
	"portal-rag-go/pkg/storage"
	"portal-rag-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、MinIO 和向量索引
	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.DB.AutoMigrate(&model.ChunkMetadata{}); err != nil {
		log.Fatalf("chunk_metadata 表迁移失败: %v", err)
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)

	store, err := es.NewStore(cfg.Elasticsearch, cfg.Embedding.Dimensions, cfg.Embedding.Model)
	if err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	metaRepo := repository.NewChunkMetadataRepository(database.DB)
	stateRepo := repository.NewDocumentStateRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	tracker := metadata.NewTracker(stateRepo)
	retrievalService, err := service.NewRetrievalService(cfg.RAG, cfg.LLM, embeddingClient, store, llmClient)
	if err != nil {
		// 嵌入模型与索引建库模型不一致时拒绝启动
		log.Fatalf("检索服务初始化失败: %v", err)
	}

	// 6. 初始化文档摄取管道 (Processor)
	processor := pipeline.NewProcessor(
		cfg.RAG,
		cfg.MinIO,
		embeddingClient,
		store,
		metaRepo,
		tracker,
	)

	// 7. 启动后台 Kafka 消费者
	go kafka.StartConsumer(cfg.Kafka, processor)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	chatHandler := handler.NewChatHandler(retrievalService, jwtManager, cfg.LLM.Model)
	authHandler := handler.NewAuthHandler(jwtManager)
	documentHandler := handler.NewDocumentHandler()

	// Auth 路由（公开访问）
	r.POST("/auth/token", authHandler.IssueToken)

	apiV1 := r.Group("/v1")
	apiV1.Use(middleware.AuthMiddleware(jwtManager))
	{
		apiV1.POST("/chat/completions", chatHandler.Completions)
		apiV1.GET("/chat/websocket-token", chatHandler.GetWebsocketStopToken)
		apiV1.POST("/documents/ingest", documentHandler.Ingest)
	}
	// WebSocket 路由：token 在路径中校验
	r.GET("/chat/:token", chatHandler.HandleWebsocket)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// Kafka 消费者是一个阻塞循环，随进程退出自然结束。
	log.Info("服务已优雅关闭")
}
