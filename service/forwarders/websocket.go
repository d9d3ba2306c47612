package forwarders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gateway-service/service/models"

	"github.com/gorilla/websocket"
)

// WebSocketForwarder 长连接 WebSocket 转发器，写失败时断开并在下次尝试重连
type WebSocketForwarder struct {
	*baseForwarder
	endpoint WebSocketEndpoint
	url      string
	dialer   *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketForwarder 创建 WebSocket 转发器
func NewWebSocketForwarder(target *models.TargetSystem, deps Dependencies) (Forwarder, error) {
	var endpoint WebSocketEndpoint
	if err := decodeEndpoint(target, &endpoint); err != nil {
		return nil, err
	}
	url, err := endpoint.BuildURL()
	if err != nil {
		return nil, err
	}
	return &WebSocketForwarder{
		baseForwarder: newBaseForwarder(models.ProtocolWebSocket, deps),
		endpoint:      endpoint,
		url:           url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

func (f *WebSocketForwarder) connect(ctx context.Context, target *models.TargetSystem) (*websocket.Conn, error) {
	if f.conn != nil {
		return f.conn, nil
	}
	headers, err := BuildAuthHeaders(target.AuthConfig)
	if err != nil {
		return nil, permanent(err)
	}
	conn, _, err := f.dialer.DialContext(ctx, f.url, headers)
	if err != nil {
		return nil, fmt.Errorf("连接WebSocket失败: %w", err)
	}
	f.conn = conn
	return conn, nil
}

func (f *WebSocketForwarder) dropConn() {
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
}

func (f *WebSocketForwarder) write(ctx context.Context, target *models.TargetSystem, data []byte, binary bool) (attemptOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	conn, err := f.connect(ctx, target)
	if err != nil {
		return attemptOutcome{}, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	_ = conn.SetWriteDeadline(deadline)

	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	if err := conn.WriteMessage(msgType, data); err != nil {
		f.dropConn()
		return attemptOutcome{}, err
	}

	outcome := attemptOutcome{bytesSent: len(data)}
	if f.endpoint.ExpectResponse {
		_ = conn.SetReadDeadline(deadline)
		_, resp, err := conn.ReadMessage()
		if err != nil {
			f.dropConn()
			return outcome, err
		}
		outcome.response = string(resp)
	}
	return outcome, nil
}

// Forward 转发单条载荷
func (f *WebSocketForwarder) Forward(ctx context.Context, target *models.TargetSystem, payload interface{}) *ForwardResult {
	settings, err := LoadSettings(target, 10*time.Second)
	if err != nil {
		return f.failedResult(target, err)
	}
	data, err := f.preparePayload(ctx, payload, settings)
	if err != nil {
		return f.failedResult(target, err)
	}
	return f.execute(ctx, target, settings, func(ctx context.Context) (attemptOutcome, error) {
		return f.write(ctx, target, data, settings.Compression)
	})
}

// ForwardBatch WebSocket 无原生批量，逐条发送
func (f *WebSocketForwarder) ForwardBatch(ctx context.Context, target *models.TargetSystem, payloads []interface{}) []*ForwardResult {
	return sequentialBatch(ctx, f, target, payloads)
}

// Close 关闭连接
func (f *WebSocketForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	f.dropConn()
	return nil
}
