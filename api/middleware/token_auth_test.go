package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token, ok := GetTokenFromContext(r.Context()); ok {
			w.Header().Set("X-Token", token)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestTokenAuthMiddleware(t *testing.T) {
	handler := NewTokenAuthMiddleware("secret", "/gw").Middleware(okHandler())

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{name: "健康检查放行", method: http.MethodGet, path: "/gw/health", want: http.StatusOK},
		{name: "就绪检查放行", method: http.MethodGet, path: "/gw/ready", want: http.StatusOK},
		{name: "文档放行", method: http.MethodGet, path: "/gw/swagger/index.html", want: http.StatusOK},
		{name: "预检放行", method: http.MethodOptions, path: "/gw/data-sources", want: http.StatusOK},
		{name: "缺少Token", method: http.MethodGet, path: "/gw/data-sources", want: http.StatusUnauthorized},
		{name: "格式错误", method: http.MethodGet, path: "/gw/data-sources", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "Token错误", method: http.MethodGet, path: "/gw/data-sources", header: "Bearer wrong", want: http.StatusUnauthorized},
		{name: "Token正确", method: http.MethodGet, path: "/gw/data-sources", header: "Bearer secret", want: http.StatusOK},
		{name: "查询参数Token", method: http.MethodGet, path: "/gw/events/stream?access_token=secret", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestTokenAuthMiddlewareInjectsToken(t *testing.T) {
	handler := NewTokenAuthMiddleware("secret", "").Middleware(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/gateway/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "secret", w.Header().Get("X-Token"))
}

func TestTokenAuthMiddlewareDisabled(t *testing.T) {
	m := NewTokenAuthMiddleware("", "")
	assert.False(t, m.Enabled())

	req := httptest.NewRequest(http.MethodDelete, "/data-sources/x", nil)
	w := httptest.NewRecorder()
	m.Middleware(okHandler()).ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
