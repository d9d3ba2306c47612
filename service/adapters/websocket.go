package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/models"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// WebSocketAdapter WebSocket 接入，每个客户端一个读 goroutine
type WebSocketAdapter struct {
	*baseAdapter
	config   WebSocketConfig
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	clients  map[*websocket.Conn]struct{}
	wg       sync.WaitGroup
	done     chan struct{}
}

// NewWebSocketAdapter 创建 WebSocket 适配器
func NewWebSocketAdapter(ds *models.DataSource, bus *eventbus.EventBus, _ Options) (Adapter, error) {
	cfg, err := DecodeWebSocketConfig(ds)
	if err != nil {
		return nil, err
	}
	return &WebSocketAdapter{
		baseAdapter: newBaseAdapter(ds, models.ProtocolWebSocket, bus),
		config:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]struct{}),
	}, nil
}

// Start 监听端口并启动升级服务
func (a *WebSocketAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running.Load() {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.config.address())
	if err != nil {
		return fmt.Errorf("监听WebSocket端口失败 %s: %w", a.config.address(), err)
	}

	r := chi.NewRouter()
	r.Get(a.config.Path, a.handleUpgrade)

	a.listener = ln
	a.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	a.done = make(chan struct{})
	a.markStarted()

	server, done := a.server, a.done
	go func() {
		defer close(done)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.recordError("WebSocket接入服务异常退出", "error", err)
		}
	}()
	return nil
}

func (a *WebSocketAdapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	full := len(a.clients) >= a.config.MaxConnections
	a.mu.Unlock()
	if !a.running.Load() || full {
		a.recordError("WebSocket连接被拒绝", "remote", r.RemoteAddr, "max_connections", a.config.MaxConnections)
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.recordError("WebSocket升级失败", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(a.config.MaxMessageSize)

	a.mu.Lock()
	if !a.running.Load() {
		a.mu.Unlock()
		_ = conn.Close()
		return
	}
	a.clients[conn] = struct{}{}
	a.connections.Store(int64(len(a.clients)))
	a.wg.Add(1)
	a.mu.Unlock()

	src := source{address: r.RemoteAddr, topic: r.URL.Path}
	if host, port, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		src.address = host
		src.port, _ = strconv.Atoi(port)
	}
	go a.readClient(conn, src)
}

func (a *WebSocketAdapter) readClient(conn *websocket.Conn, src source) {
	defer a.wg.Done()
	defer func() {
		_ = conn.Close()
		a.mu.Lock()
		delete(a.clients, conn)
		a.connections.Store(int64(len(a.clients)))
		a.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if a.running.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.recordError("读取WebSocket消息失败", "remote", src.address, "error", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		a.emit(data, src)
	}
}

// Stop 关闭服务与全部客户端连接并排空
func (a *WebSocketAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running.Load() {
		a.mu.Unlock()
		return nil
	}
	a.running.Store(false)
	server, done := a.server, a.done
	for conn := range a.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway stopping"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	a.mu.Unlock()

	if err := server.Shutdown(ctx); err != nil {
		_ = server.Close()
	}
	<-done
	if err := waitGroup(ctx, &a.wg); err != nil {
		return fmt.Errorf("等待WebSocket连接关闭超时: %w", err)
	}
	a.stopped()
	return a.drain(ctx)
}

// Addr 实际监听地址
func (a *WebSocketAdapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return a.config.address()
	}
	return a.listener.Addr().String()
}

// GetStats 运行统计
func (a *WebSocketAdapter) GetStats() Stats {
	return a.stats(a.Addr())
}
