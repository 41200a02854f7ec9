package model

// ChatMessage 表示一条角色消息。
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 是 /v1/chat/completions 的请求体，兼容 OpenAI 格式。
// 生成参数用指针以区分“未给出”与显式的零值（temperature: 0 表示确定性输出）。
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature"`
	MaxTokens   *int          `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

// ChatResponseChoice 是非流式应答中的单个候选。
type ChatResponseChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse 是非流式应答体，附带检索溯源信息。
type ChatResponse struct {
	ID          string               `json:"id"`
	Object      string               `json:"object"`
	Created     int64                `json:"created"`
	Model       string               `json:"model"`
	Choices     []ChatResponseChoice `json:"choices"`
	Sources     []string             `json:"sources"`
	SourceCount int                  `json:"source_count"`
}

// StreamDelta 是流式分块中的增量内容。
// Sources 仅出现在生成结束后的溯源分块中。
type StreamDelta struct {
	Content     string   `json:"content,omitempty"`
	Sources     []string `json:"sources,omitempty"`
	SourceCount int      `json:"source_count,omitempty"`
}

// StreamChoice 是流式分块中的单个候选。
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamChunk 是 SSE 流式应答中的一个分块，object 为 chat.completion.chunk。
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

// Answer 是检索引擎产出的最终回答。
// Sources 为参与上下文的去重 source_uri 列表，按首次出现顺序排列。
type Answer struct {
	Text         string   `json:"text"`
	Sources      []string `json:"sources"`
	FinishReason string   `json:"finish_reason"`
}

// TokenRequest 是令牌签发请求。
type TokenRequest struct {
	ClientName   string `json:"client_name"`
	ExpiresHours int    `json:"expires_hours"`
}

// TokenResponse 是令牌签发应答。
type TokenResponse struct {
	AccessToken    string `json:"access_token"`
	TokenType      string `json:"token_type"`
	ExpiresInHours int    `json:"expires_in_hours"`
	Client         string `json:"client"`
}
