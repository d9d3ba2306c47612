package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// HTTPAdapter HTTP 接入，在独立监听端口上暴露单个端点
type HTTPAdapter struct {
	*baseAdapter
	config  HTTPConfig
	limiter RateLimiter

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewHTTPAdapter 创建 HTTP 适配器
func NewHTTPAdapter(ds *models.DataSource, bus *eventbus.EventBus, opts Options) (Adapter, error) {
	cfg, err := DecodeHTTPConfig(ds)
	if err != nil {
		return nil, err
	}
	return &HTTPAdapter{
		baseAdapter: newBaseAdapter(ds, models.ProtocolHTTP, bus),
		config:      cfg,
		limiter:     opts.RateLimiter,
	}, nil
}

// Router 接入端点路由
func (a *HTTPAdapter) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.MethodFunc(a.config.Method, a.config.Endpoint, a.handleIngest)
	return r
}

// Start 监听端口并启动 HTTP 服务
func (a *HTTPAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running.Load() {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.config.address())
	if err != nil {
		return fmt.Errorf("监听HTTP端口失败 %s: %w", a.config.address(), err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.done = make(chan struct{})
	a.markStarted()

	server, done := a.server, a.done
	go func() {
		defer close(done)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.recordError("HTTP接入服务异常退出", "error", err)
		}
	}()
	return nil
}

func (a *HTTPAdapter) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !a.running.Load() {
		http.Error(w, "data source stopped", http.StatusServiceUnavailable)
		return
	}

	if a.limiter != nil && a.config.RateLimitRequests > 0 {
		window := time.Duration(a.config.RateLimitWindowSec) * time.Second
		allowed, err := a.limiter.Allow(r.Context(), a.id, a.config.RateLimitRequests, window)
		if err != nil {
			// 限流服务不可用时放行
			slog.Warn("HTTP接入限流检查失败", "data_source_id", a.id, "error", err)
		} else if !allowed {
			a.errors.Add(1)
			w.Header().Set("Retry-After", strconv.Itoa(a.config.RateLimitWindowSec))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.config.MaxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			a.recordError("HTTP请求体超过上限", "limit", a.config.MaxBodySize)
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		a.recordError("读取HTTP请求体失败", "error", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 && r.Method == http.MethodGet {
		body = []byte(r.URL.RawQuery)
	}

	src := source{
		address: r.RemoteAddr,
		topic:   r.URL.Path,
		headers: make(map[string]string, len(r.Header)),
	}
	if host, port, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		src.address = host
		src.port, _ = strconv.Atoi(port)
	}
	for k, v := range r.Header {
		if len(v) > 0 {
			src.headers[k] = v[0]
		}
	}

	msg := a.emit(body, src)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]interface{}{
		"message_id": msg.MessageID,
		"status":     "accepted",
	})
}

// Stop 停止接收新请求，等待进行中的请求与总线排空
func (a *HTTPAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running.Load() {
		a.mu.Unlock()
		return nil
	}
	a.running.Store(false)
	server, done := a.server, a.done
	a.mu.Unlock()

	if err := server.Shutdown(ctx); err != nil {
		_ = server.Close()
		return fmt.Errorf("关闭HTTP接入服务失败: %w", err)
	}
	<-done
	a.stopped()
	return a.drain(ctx)
}

// Addr 实际监听地址
func (a *HTTPAdapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return a.config.address()
	}
	return a.listener.Addr().String()
}

// Endpoint 接入路径
func (a *HTTPAdapter) Endpoint() string {
	return a.config.Endpoint
}

// GetStats 运行统计
func (a *HTTPAdapter) GetStats() Stats {
	return a.stats(a.Addr())
}
