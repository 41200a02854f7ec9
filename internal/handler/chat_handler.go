// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"portal-rag-go/internal/apperr"
	"portal-rag-go/internal/model"
	"portal-rag-go/internal/service"
	"portal-rag-go/pkg/llm"
	"portal-rag-go/pkg/log"
	"portal-rag-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}

	errStreamStopped = errors.New("stream stopped by client")
)

// ChatHandler 负责处理聊天补全接口与 WebSocket 聊天连接。
type ChatHandler struct {
	retrievalService *service.RetrievalService
	jwtManager       *token.JWTManager
	llmModel         string
	stopToken        string
	stopTokenLock    sync.Mutex
	// 每连接停止标志
	stopFlags sync.Map // key: session pointer string, value: bool
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(retrievalService *service.RetrievalService, jwtManager *token.JWTManager, llmModel string) *ChatHandler {
	return &ChatHandler{
		retrievalService: retrievalService,
		jwtManager:       jwtManager,
		llmModel:         llmModel,
	}
}

// lastUserMessage 取最后一条 user 角色消息作为检索查询。
func lastUserMessage(messages []model.ChatMessage) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && messages[i].Content != "" {
			return messages[i].Content, true
		}
	}
	return "", false
}

// generationParams 提取请求里显式给出的生成参数。
// 全部缺省时返回 nil，由 LLM 客户端注入配置默认值；
// 显式的 temperature: 0 原样透传。
func generationParams(req model.ChatRequest) *llm.GenerationParams {
	if req.Temperature == nil && req.MaxTokens == nil {
		return nil
	}
	return &llm.GenerationParams{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

// Completions 处理 OpenAI 兼容的聊天补全请求，支持 JSON 与 SSE 两种应答。
func (h *ChatHandler) Completions(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}
	query, ok := lastUserMessage(req.Messages)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages 中必须包含至少一条 user 消息"})
		return
	}

	id := "chatcmpl-" + token.GenerateRandomString(12)
	created := time.Now().Unix()
	gen := generationParams(req)

	if !req.Stream {
		ans, err := h.retrievalService.Answer(c.Request.Context(), query, 0, gen)
		if err != nil {
			h.writeChatError(c, err)
			return
		}
		sources := ans.Sources
		if sources == nil {
			sources = []string{}
		}
		c.JSON(http.StatusOK, model.ChatResponse{
			ID:      id,
			Object:  "chat.completion",
			Created: created,
			Model:   h.llmModel,
			Choices: []model.ChatResponseChoice{{
				Index:        0,
				Message:      model.ChatMessage{Role: "assistant", Content: ans.Text},
				FinishReason: ans.FinishReason,
			}},
			Sources:     sources,
			SourceCount: len(sources),
		})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	writer := &sseFragmentWriter{c: c, id: id, created: created, model: h.llmModel}
	ans, err := h.retrievalService.StreamAnswer(c.Request.Context(), query, 0, gen, writer)
	if err != nil {
		// 流已经开头，无法再改状态码：已发出的片段保留，补一个终止错误信号
		log.Errorf("流式生成失败: %v", err)
		errPayload, _ := json.Marshal(gin.H{"error": "生成中断，请重试"})
		fmt.Fprintf(c.Writer, "data: %s\n\n", errPayload)
		fmt.Fprintf(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
		return
	}

	// 结束分块：finish_reason，然后是溯源分块，最后 [DONE]
	stop := "stop"
	_ = writer.writeChunk(model.StreamChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: h.llmModel,
		Choices: []model.StreamChoice{{Index: 0, FinishReason: &stop}},
	})
	_ = writer.writeChunk(model.StreamChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: h.llmModel,
		Choices: []model.StreamChoice{{
			Index: 0,
			Delta: model.StreamDelta{Sources: ans.Sources, SourceCount: len(ans.Sources)},
		}},
	})
	fmt.Fprintf(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// writeChatError 按错误类别映射状态码：上游供应商故障返回 502。
func (h *ChatHandler) writeChatError(c *gin.Context, err error) {
	log.Errorf("聊天补全失败: %v", err)
	if apperr.IsProviderError(err) {
		c.JSON(http.StatusBadGateway, gin.H{"error": "上游服务暂时不可用，请稍后重试"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "服务内部错误"})
}

// sseFragmentWriter 把生成片段包装为 OpenAI 风格的 SSE 分块。
type sseFragmentWriter struct {
	c       *gin.Context
	id      string
	created int64
	model   string
}

func (w *sseFragmentWriter) WriteFragment(data []byte) error {
	// 客户端断开时终止上游请求
	if err := w.c.Request.Context().Err(); err != nil {
		return err
	}
	return w.writeChunk(model.StreamChunk{
		ID:      w.id,
		Object:  "chat.completion.chunk",
		Created: w.created,
		Model:   w.model,
		Choices: []model.StreamChoice{{Index: 0, Delta: model.StreamDelta{Content: string(data)}}},
	})
}

func (w *sseFragmentWriter) writeChunk(chunk model.StreamChunk) error {
	b, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.c.Writer, "data: %s\n\n", b); err != nil {
		return err
	}
	w.c.Writer.Flush()
	return nil
}

// GetWebsocketStopToken 返回一个可用于停止流的令牌。
func (h *ChatHandler) GetWebsocketStopToken(c *gin.Context) {
	h.stopTokenLock.Lock()
	defer h.stopTokenLock.Unlock()
	// 在真实的多服务器设置中，这应该在 Redis 中生成和存储
	// 为简单起见，我们在这里使用一个单一的、轮换的令牌。
	h.stopToken = "WSS_STOP_CMD_" + token.GenerateRandomString(16)
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{"cmdToken": h.stopToken}})
}

// HandleWebsocket 处理一个传入的 WebSocket 聊天连接。
// 每条文本消息是一条查询；JSON 停止指令可以中断正在进行的流。
func (h *ChatHandler) HandleWebsocket(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，客户端: %s", claims.ClientName)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		// JSON 停止指令: {"type":"stop","_internal_cmd_token":"..."}
		if h.handleStopCommand(conn, message) {
			continue
		}

		key := sessionKey(conn)
		h.stopFlags.Delete(key)
		shouldStop := func() bool {
			v, ok := h.stopFlags.Load(key)
			return ok && v.(bool)
		}

		writer := &wsFragmentWriter{conn: conn, shouldStop: shouldStop}
		ans, err := h.retrievalService.StreamAnswer(c.Request.Context(), string(message), 0, nil, writer)
		if err != nil {
			if errors.Is(err, errStreamStopped) {
				h.notify(conn, "stop", "响应已停止")
				continue
			}
			log.Errorf("处理流式响应失败: %v", err)
			errResp := map[string]string{"error": "AI服务暂时不可用，请稍后重试"}
			b, _ := json.Marshal(errResp)
			_ = conn.WriteMessage(websocket.TextMessage, b)
			h.notify(conn, "completion", "响应已完成")
			continue
		}

		// 流结束后追加溯源信息与完成通知
		srcResp := map[string]interface{}{
			"type":         "sources",
			"sources":      ans.Sources,
			"source_count": len(ans.Sources),
		}
		b, _ := json.Marshal(srcResp)
		_ = conn.WriteMessage(websocket.TextMessage, b)
		h.notify(conn, "completion", "响应已完成")
	}
}

// handleStopCommand 识别并处理停止指令，返回 true 表示该消息已被消费。
func (h *ChatHandler) handleStopCommand(conn *websocket.Conn, message []byte) bool {
	if len(message) == 0 || message[0] != '{' {
		return false
	}
	var ctrl map[string]interface{}
	if err := json.Unmarshal(message, &ctrl); err != nil {
		return false
	}
	t, ok := ctrl["type"].(string)
	if !ok || t != "stop" {
		return false
	}
	tok, ok := ctrl["_internal_cmd_token"].(string)
	if !ok {
		return false
	}
	h.stopTokenLock.Lock()
	valid := tok == h.stopToken
	h.stopTokenLock.Unlock()
	if !valid {
		return false
	}
	h.stopFlags.Store(sessionKey(conn), true)
	h.notify(conn, "stop", "响应已停止")
	return true
}

func (h *ChatHandler) notify(conn *websocket.Conn, typ, message string) {
	resp := map[string]interface{}{
		"type":      typ,
		"message":   message,
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(resp)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

// wsFragmentWriter 把生成片段写入 WebSocket 连接，停止标志置位时终止流。
type wsFragmentWriter struct {
	conn       *websocket.Conn
	shouldStop func() bool
}

func (w *wsFragmentWriter) WriteFragment(data []byte) error {
	if w.shouldStop() {
		return errStreamStopped
	}
	resp := map[string]string{"type": "content", "content": string(data)}
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

func sessionKey(conn *websocket.Conn) string {
	return fmt.Sprintf("%p", conn)
}
