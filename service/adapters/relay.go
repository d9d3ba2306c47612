package adapters

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

const relayWriteTimeout = 3 * time.Second

// relay 原始数据转发（unicast 逐个目标，multicast 发往组播组），与处理管道无关
type relay struct {
	network string
	addrs   []string
	dialer  net.Dialer

	mu    sync.Mutex
	conns map[string]net.Conn
}

// newRelay listen_only 返回 nil；unicast 使用适配器自身协议，multicast 固定为 UDP
func newRelay(cfg ForwardConfig, unicastNetwork string) *relay {
	switch cfg.Mode {
	case ForwardModeUnicast:
		return &relay{
			network: unicastNetwork,
			addrs:   cfg.Targets,
			dialer:  net.Dialer{Timeout: relayWriteTimeout},
			conns:   make(map[string]net.Conn),
		}
	case ForwardModeMulticast:
		return &relay{
			network: "udp",
			addrs:   []string{cfg.MulticastGroup},
			dialer:  net.Dialer{Timeout: relayWriteTimeout},
			conns:   make(map[string]net.Conn),
		}
	}
	return nil
}

// send 向全部目标转发，返回成功数
func (r *relay) send(data []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	sent := 0
	for _, addr := range r.addrs {
		conn, ok := r.conns[addr]
		if !ok {
			c, err := r.dialer.Dial(r.network, addr)
			if err != nil {
				slog.Warn("原始数据转发连接失败", "network", r.network, "address", addr, "error", err)
				continue
			}
			conn = c
			r.conns[addr] = conn
		}
		_ = conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
		if _, err := conn.Write(data); err != nil {
			slog.Warn("原始数据转发失败", "network", r.network, "address", addr, "error", err)
			_ = conn.Close()
			delete(r.conns, addr)
			continue
		}
		sent++
	}
	return sent
}

func (r *relay) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, conn := range r.conns {
		_ = conn.Close()
		delete(r.conns, addr)
	}
}
