package forwarders

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"gateway-service/service/models"
)

// maxUDPPayload IPv4 UDP 数据报最大载荷
const maxUDPPayload = 65507

// TCPForwarder TCP 转发器，keep_alive 时复用连接，newline 时追加换行分隔
type TCPForwarder struct {
	*baseForwarder
	endpoint SocketEndpoint
	address  string
	dialer   net.Dialer

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPForwarder 创建 TCP 转发器
func NewTCPForwarder(target *models.TargetSystem, deps Dependencies) (Forwarder, error) {
	var endpoint SocketEndpoint
	if err := decodeEndpoint(target, &endpoint); err != nil {
		return nil, err
	}
	address, err := endpoint.HostPort()
	if err != nil {
		return nil, err
	}
	return &TCPForwarder{
		baseForwarder: newBaseForwarder(models.ProtocolTCP, deps),
		endpoint:      endpoint,
		address:       address,
	}, nil
}

func (f *TCPForwarder) newline() bool {
	return f.endpoint.Newline == nil || *f.endpoint.Newline
}

func (f *TCPForwarder) write(ctx context.Context, data []byte) (attemptOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	conn := f.conn
	if conn == nil {
		c, err := f.dialer.DialContext(ctx, "tcp", f.address)
		if err != nil {
			return attemptOutcome{}, fmt.Errorf("连接TCP目标失败: %w", err)
		}
		conn = c
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	frame := data
	if f.newline() {
		frame = append(append(make([]byte, 0, len(data)+1), data...), '\n')
	}
	if _, err := conn.Write(frame); err != nil {
		_ = conn.Close()
		f.conn = nil
		return attemptOutcome{}, err
	}

	if f.endpoint.KeepAlive {
		f.conn = conn
	} else {
		_ = conn.Close()
	}
	return attemptOutcome{bytesSent: len(frame)}, nil
}

// Forward 转发单条载荷
func (f *TCPForwarder) Forward(ctx context.Context, target *models.TargetSystem, payload interface{}) *ForwardResult {
	settings, err := LoadSettings(target, 10*time.Second)
	if err != nil {
		return f.failedResult(target, err)
	}
	data, err := f.preparePayload(ctx, payload, settings)
	if err != nil {
		return f.failedResult(target, err)
	}
	return f.execute(ctx, target, settings, func(ctx context.Context) (attemptOutcome, error) {
		return f.write(ctx, data)
	})
}

// ForwardBatch TCP 无原生批量，逐条发送
func (f *TCPForwarder) ForwardBatch(ctx context.Context, target *models.TargetSystem, payloads []interface{}) []*ForwardResult {
	return sequentialBatch(ctx, f, target, payloads)
}

// Close 关闭保持的连接
func (f *TCPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		err := f.conn.Close()
		f.conn = nil
		return err
	}
	return nil
}

// UDPForwarder UDP 转发器，每条载荷一个数据报
type UDPForwarder struct {
	*baseForwarder
	address string
	dialer  net.Dialer
}

// NewUDPForwarder 创建 UDP 转发器
func NewUDPForwarder(target *models.TargetSystem, deps Dependencies) (Forwarder, error) {
	var endpoint SocketEndpoint
	if err := decodeEndpoint(target, &endpoint); err != nil {
		return nil, err
	}
	address, err := endpoint.HostPort()
	if err != nil {
		return nil, err
	}
	return &UDPForwarder{
		baseForwarder: newBaseForwarder(models.ProtocolUDP, deps),
		address:       address,
	}, nil
}

// Forward 转发单条载荷
func (f *UDPForwarder) Forward(ctx context.Context, target *models.TargetSystem, payload interface{}) *ForwardResult {
	settings, err := LoadSettings(target, 5*time.Second)
	if err != nil {
		return f.failedResult(target, err)
	}
	data, err := f.preparePayload(ctx, payload, settings)
	if err != nil {
		return f.failedResult(target, err)
	}
	if len(data) > maxUDPPayload {
		return f.failedResult(target, fmt.Errorf("载荷超过UDP数据报上限: %d > %d", len(data), maxUDPPayload))
	}
	return f.execute(ctx, target, settings, func(ctx context.Context) (attemptOutcome, error) {
		conn, err := f.dialer.DialContext(ctx, "udp", f.address)
		if err != nil {
			return attemptOutcome{}, err
		}
		defer conn.Close()
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetWriteDeadline(deadline)
		}
		n, err := conn.Write(data)
		if err != nil {
			return attemptOutcome{}, err
		}
		return attemptOutcome{bytesSent: n}, nil
	})
}

// ForwardBatch UDP 无原生批量，逐条发送
func (f *UDPForwarder) ForwardBatch(ctx context.Context, target *models.TargetSystem, payloads []interface{}) []*ForwardResult {
	return sequentialBatch(ctx, f, target, payloads)
}

// Close UDP 无长连接
func (f *UDPForwarder) Close() error {
	return nil
}
