// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"net/http"

	"portal-rag-go/internal/model"
	"portal-rag-go/pkg/log"
	"portal-rag-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责处理认证相关的 API 请求。
// 本服务没有终端用户账户，令牌面向调用方服务（门户前端、爬虫等）签发。
type AuthHandler struct {
	jwtManager *token.JWTManager
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(jwtManager *token.JWTManager) *AuthHandler {
	return &AuthHandler{jwtManager: jwtManager}
}

// IssueToken 为调用方客户端签发 access token。
// expires_hours 缺省 24 小时，越界直接拒绝。
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req model.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("IssueToken: Invalid request payload, error: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的请求负载"})
		return
	}
	if req.ClientName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_name 不能为空"})
		return
	}
	if req.ExpiresHours == 0 {
		req.ExpiresHours = 24
	}

	accessToken, err := h.jwtManager.GenerateToken(req.ClientName, req.ExpiresHours)
	if err != nil {
		log.Warnf("IssueToken: failed for client %s: %v", req.ClientName, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	log.Infof("已为客户端 '%s' 签发 token，有效期 %d 小时", req.ClientName, req.ExpiresHours)
	c.JSON(http.StatusOK, model.TokenResponse{
		AccessToken:    accessToken,
		TokenType:      "bearer",
		ExpiresInHours: req.ExpiresHours,
		Client:         req.ClientName,
	})
}
