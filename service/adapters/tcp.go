package adapters

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/models"
)

// maxLineSize newline 分帧时单行上限
const maxLineSize = 1 << 20

// TCPAdapter TCP 流接入，每个连接一个 goroutine
type TCPAdapter struct {
	*baseAdapter
	config TCPConfig
	relay  *relay

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewTCPAdapter 创建 TCP 适配器
func NewTCPAdapter(ds *models.DataSource, bus *eventbus.EventBus, _ Options) (Adapter, error) {
	cfg, err := DecodeTCPConfig(ds)
	if err != nil {
		return nil, err
	}
	return &TCPAdapter{
		baseAdapter: newBaseAdapter(ds, models.ProtocolTCP, bus),
		config:      cfg,
		conns:       make(map[net.Conn]struct{}),
	}, nil
}

// Start 监听端口并启动 accept 循环
func (a *TCPAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running.Load() {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.config.address())
	if err != nil {
		return fmt.Errorf("监听TCP端口失败 %s: %w", a.config.address(), err)
	}
	a.listener = ln
	a.relay = newRelay(a.config.ForwardConfig, "tcp")
	a.markStarted()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.acceptLoop(ln)
	}()
	return nil
}

func (a *TCPAdapter) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !a.running.Load() {
				return
			}
			a.recordError("接受TCP连接失败", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !a.track(conn) {
			a.recordError("TCP连接数已达上限，拒绝连接",
				"remote", conn.RemoteAddr().String(),
				"max_connections", a.config.MaxConnections)
			_ = conn.Close()
			continue
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			defer a.untrack(conn)
			a.handleConn(conn)
		}()
	}
}

func (a *TCPAdapter) track(conn net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running.Load() || len(a.conns) >= a.config.MaxConnections {
		return false
	}
	a.conns[conn] = struct{}{}
	a.connections.Store(int64(len(a.conns)))
	return true
}

func (a *TCPAdapter) untrack(conn net.Conn) {
	_ = conn.Close()
	a.mu.Lock()
	delete(a.conns, conn)
	a.connections.Store(int64(len(a.conns)))
	a.mu.Unlock()
}

func (a *TCPAdapter) handleConn(conn net.Conn) {
	src := source{address: conn.RemoteAddr().String()}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		src.address = addr.IP.String()
		src.port = addr.Port
	}
	idle := time.Duration(a.config.TimeoutSeconds) * time.Second

	if a.config.Framing == FramingRaw {
		buf := make([]byte, a.config.BufferSize)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				a.deliver(data, src)
			}
			if err != nil {
				a.connClosed(err, src)
				return
			}
		}
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, a.config.BufferSize), maxLineSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if !scanner.Scan() {
			a.connClosed(scanner.Err(), src)
			return
		}
		line := bytes.TrimRight(scanner.Bytes(), "\r")
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		a.deliver(data, src)
	}
}

func (a *TCPAdapter) deliver(data []byte, src source) {
	a.emit(data, src)
	if a.relay != nil && a.relay.send(data) > 0 {
		a.relayed.Add(1)
	}
}

func (a *TCPAdapter) connClosed(err error, src source) {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || !a.running.Load() {
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	a.recordError("读取TCP数据失败", "remote", src.address, "error", err)
}

// Stop 关闭监听与全部连接并排空
func (a *TCPAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running.Load() {
		a.mu.Unlock()
		return nil
	}
	a.running.Store(false)
	_ = a.listener.Close()
	for conn := range a.conns {
		_ = conn.Close()
	}
	a.mu.Unlock()

	if err := waitGroup(ctx, &a.wg); err != nil {
		return fmt.Errorf("等待TCP连接关闭超时: %w", err)
	}
	if a.relay != nil {
		a.relay.close()
	}
	a.stopped()
	return a.drain(ctx)
}

// Addr 实际监听地址
func (a *TCPAdapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return a.config.address()
	}
	return a.listener.Addr().String()
}

// GetStats 运行统计
func (a *TCPAdapter) GetStats() Stats {
	return a.stats(a.Addr())
}
