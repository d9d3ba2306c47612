package adapters

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/models"
)

// UDPAdapter UDP 数据报接入
type UDPAdapter struct {
	*baseAdapter
	config UDPConfig
	relay  *relay

	mu       sync.RWMutex
	conn     *net.UDPConn
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewUDPAdapter 创建 UDP 适配器
func NewUDPAdapter(ds *models.DataSource, bus *eventbus.EventBus, _ Options) (Adapter, error) {
	cfg, err := DecodeUDPConfig(ds)
	if err != nil {
		return nil, err
	}
	return &UDPAdapter{
		baseAdapter: newBaseAdapter(ds, models.ProtocolUDP, bus),
		config:      cfg,
	}, nil
}

// Start 绑定端口并启动读循环
func (a *UDPAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running.Load() {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", a.config.address())
	if err != nil {
		return fmt.Errorf("解析UDP监听地址失败 %s: %w", a.config.address(), err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("监听UDP端口失败 %s: %w", a.config.address(), err)
	}

	a.conn = conn
	a.shutdown = make(chan struct{})
	a.relay = newRelay(a.config.ForwardConfig, "udp")
	a.markStarted()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.readLoop(conn, a.shutdown)
	}()
	return nil
}

func (a *UDPAdapter) readLoop(conn *net.UDPConn, shutdown <-chan struct{}) {
	buf := make([]byte, a.config.BufferSize)
	for {
		select {
		case <-shutdown:
			return
		default:
		}

		// 周期性超时以便检查停止信号
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.recordError("读取UDP数据失败", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		a.emit(data, source{address: remote.IP.String(), port: remote.Port})
		if a.relay != nil && a.relay.send(data) > 0 {
			a.relayed.Add(1)
		}
	}
}

// Stop 关闭套接字并排空
func (a *UDPAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running.Load() {
		a.mu.Unlock()
		return nil
	}
	a.running.Store(false)
	close(a.shutdown)
	_ = a.conn.Close()
	a.mu.Unlock()

	if err := waitGroup(ctx, &a.wg); err != nil {
		return fmt.Errorf("等待UDP读循环退出超时: %w", err)
	}
	if a.relay != nil {
		a.relay.close()
	}
	a.stopped()
	return a.drain(ctx)
}

// Addr 实际监听地址
func (a *UDPAdapter) Addr() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.conn == nil {
		return a.config.address()
	}
	return a.conn.LocalAddr().String()
}

// GetStats 运行统计
func (a *UDPAdapter) GetStats() Stats {
	return a.stats(a.Addr())
}
