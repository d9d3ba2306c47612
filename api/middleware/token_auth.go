/*
 * @module api/middleware/token_auth
 * @description 管理接口Token鉴权中间件，校验静态Bearer Token
 * @architecture 中间件模式 - HTTP请求拦截和验证
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow Token提取 -> Token比对 -> 上下文注入 -> 下一个处理器
 * @rules 未配置Token时不鉴权；健康检查、指标与文档路径始终放行
 * @dependencies net/http, crypto/subtle, github.com/go-chi/render
 * @refs api/routes.go
 */

package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

// ContextKey 上下文键类型
type ContextKey string

// TokenKey Token在上下文中的键
const TokenKey ContextKey = "token"

// TokenAuthMiddleware 管理接口鉴权中间件
type TokenAuthMiddleware struct {
	token []byte
	// 白名单路径（不需要鉴权）
	whitelistPaths []string
}

// NewTokenAuthMiddleware 创建鉴权中间件，basePath 为路由挂载前缀
func NewTokenAuthMiddleware(token, basePath string) *TokenAuthMiddleware {
	basePath = strings.TrimRight(basePath, "/")
	m := &TokenAuthMiddleware{token: []byte(token)}
	for _, p := range []string{"/health", "/ready", "/metrics", "/swagger"} {
		m.whitelistPaths = append(m.whitelistPaths, basePath+p)
	}
	return m
}

// Enabled 是否配置了Token
func (m *TokenAuthMiddleware) Enabled() bool {
	return len(m.token) > 0
}

// AddWhitelistPath 添加白名单路径
func (m *TokenAuthMiddleware) AddWhitelistPath(path string) {
	m.whitelistPaths = append(m.whitelistPaths, path)
}

// IsWhitelistPath 前缀匹配
func (m *TokenAuthMiddleware) IsWhitelistPath(path string) bool {
	for _, p := range m.whitelistPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware 认证中间件处理函数
func (m *TokenAuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() || r.Method == http.MethodOptions || m.IsWhitelistPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := extractToken(r)
		if !ok {
			respondUnauthorized(w, r, "缺少Authorization头或格式错误，需要Bearer Token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), m.token) != 1 {
			respondUnauthorized(w, r, "Token无效")
			return
		}

		ctx := context.WithValue(r.Context(), TokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractToken 优先读取Authorization头；浏览器SSE无法设置请求头，允许 access_token 查询参数
func extractToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, true
	}
	return "", false
}

// respondUnauthorized 返回401未授权响应
func respondUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, map[string]interface{}{
		"status":  http.StatusUnauthorized,
		"message": message,
		"error":   "Unauthorized",
	})
}

// GetTokenFromContext 从上下文中获取Token
func GetTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(TokenKey).(string)
	return token, ok
}
