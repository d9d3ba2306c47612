/*
 * @module service/adapters/adapter
 * @description 协议接入适配器统一接口、公共统计与工厂
 * @architecture 注册中心模式 - 协议类型 -> 构造函数；各适配器嵌入 baseAdapter 只实现自身 I/O 循环
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow Create(数据源) -> Start(绑定监听) -> I/O循环(构造统一消息 -> 发布 RAW_RECEIVED) -> Stop(拒绝新I/O -> 排空)
 * @rules 适配器不解析也不路由；绑定失败由 Start 返回；单个报文错误只记录并丢弃
 * @dependencies service/eventbus, github.com/google/uuid
 * @refs service/pipeline, service/gateway
 */

package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/models"
)

// ErrUnsupportedProtocol 工厂中没有该协议的适配器
var ErrUnsupportedProtocol = models.ErrUnsupportedProtocol

// Adapter 协议接入适配器
type Adapter interface {
	// Start 绑定监听并启动 I/O 循环，ctx 只约束启动过程
	Start(ctx context.Context) error

	// Stop 停止接收新数据，并在 ctx 期限内等待已发布消息处理完成
	Stop(ctx context.Context) error

	// GetStats 运行统计
	GetStats() Stats

	// ID 数据源ID
	ID() string

	// Protocol 协议类型
	Protocol() models.ProtocolType

	// Addr 实际监听地址（MQTT 为 broker 地址）
	Addr() string
}

// Stats 适配器统计
type Stats struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Protocol          string     `json:"protocol"`
	Address           string     `json:"address,omitempty"`
	MessagesReceived  int64      `json:"messages_received"`
	BytesReceived     int64      `json:"bytes_received"`
	MessagesPublished int64      `json:"messages_published"`
	MessagesRelayed   int64      `json:"messages_relayed"`
	Errors            int64      `json:"errors"`
	ActiveConnections int64      `json:"active_connections"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	IsRunning         bool       `json:"is_running"`
}

// RateLimiter HTTP 接入限流
type RateLimiter interface {
	Allow(ctx context.Context, key string, maxRequests int, window time.Duration) (bool, error)
}

// Options 适配器可选依赖
type Options struct {
	RateLimiter RateLimiter
}

// source 报文来源信息
type source struct {
	address string
	port    int
	topic   string
	headers map[string]string
}

type baseAdapter struct {
	id       string
	name     string
	schemaID string
	protocol models.ProtocolType
	bus      *eventbus.EventBus

	running     atomic.Bool
	received    atomic.Int64
	bytes       atomic.Int64
	published   atomic.Int64
	relayed     atomic.Int64
	errors      atomic.Int64
	connections atomic.Int64
	lastMessage atomic.Int64
	startedAt   atomic.Int64

	// 本适配器发布的消息对应的在途处理函数
	inflight eventbus.Tracker
}

func newBaseAdapter(ds *models.DataSource, protocol models.ProtocolType, bus *eventbus.EventBus) *baseAdapter {
	return &baseAdapter{
		id:       ds.ID,
		name:     ds.Name,
		schemaID: ds.SchemaID(),
		protocol: protocol,
		bus:      bus,
	}
}

// ID 数据源ID
func (b *baseAdapter) ID() string {
	return b.id
}

// Protocol 协议类型
func (b *baseAdapter) Protocol() models.ProtocolType {
	return b.protocol
}

func (b *baseAdapter) markStarted() {
	b.running.Store(true)
	b.startedAt.Store(time.Now().UnixNano())
	slog.Info("接入适配器已启动", "data_source_id", b.id, "name", b.name, "protocol", b.protocol)
}

func (b *baseAdapter) stats(address string) Stats {
	s := Stats{
		ID:                b.id,
		Name:              b.name,
		Protocol:          string(b.protocol),
		Address:           address,
		MessagesReceived:  b.received.Load(),
		BytesReceived:     b.bytes.Load(),
		MessagesPublished: b.published.Load(),
		MessagesRelayed:   b.relayed.Load(),
		Errors:            b.errors.Load(),
		ActiveConnections: b.connections.Load(),
		IsRunning:         b.running.Load(),
	}
	if ns := b.lastMessage.Load(); ns > 0 {
		t := time.Unix(0, ns)
		s.LastMessageAt = &t
	}
	if ns := b.startedAt.Load(); ns > 0 {
		t := time.Unix(0, ns)
		s.StartedAt = &t
	}
	return s
}

func (b *baseAdapter) recordError(msg string, args ...interface{}) {
	b.errors.Add(1)
	slog.Warn(msg, append([]interface{}{"data_source_id", b.id, "protocol", b.protocol}, args...)...)
}

// emit 构造统一消息并发布到 RAW_RECEIVED 与协议主题
func (b *baseAdapter) emit(raw []byte, src source) *models.UnifiedMessage {
	now := time.Now()
	b.received.Add(1)
	b.bytes.Add(int64(len(raw)))
	b.lastMessage.Store(now.UnixNano())

	msg := models.NewUnifiedMessage(b.protocol, b.id, raw)
	msg.SourceAddress = src.address
	msg.SourcePort = src.port
	msg.Topic = src.topic
	msg.Headers = src.headers
	msg.AdapterName = b.name
	msg.FrameSchemaID = b.schemaID

	if b.bus == nil {
		return msg
	}
	b.bus.PublishTracked(eventbus.TopicRawReceived, msg, &b.inflight)
	// 协议主题只携带摘要，消息本体由管道独占修改
	b.bus.PublishTracked(string(b.protocol)+"_RECEIVED", map[string]interface{}{
		"message_id":     msg.MessageID,
		"data_source_id": b.id,
		"source_address": src.address,
		"source_port":    src.port,
		"topic":          src.topic,
		"data_size":      len(raw),
		"timestamp":      msg.Timestamp,
	}, &b.inflight)
	b.published.Add(1)
	return msg
}

// drain 在 ctx 期限内等待本适配器已发布消息的处理完成，其他数据源的流量不参与等待
func (b *baseAdapter) drain(ctx context.Context) error {
	if err := b.inflight.Wait(ctx); err != nil {
		slog.Warn("适配器停止时排空超时，剩余消息放弃处理",
			"data_source_id", b.id,
			"pending", b.inflight.Pending(),
			"error", err)
		return fmt.Errorf("数据源 %s 排空超时: %w", b.id, err)
	}
	return nil
}

func (b *baseAdapter) stopped() {
	slog.Info("接入适配器已停止",
		"data_source_id", b.id,
		"protocol", b.protocol,
		"messages_received", b.received.Load())
}

// waitGroup 带超时等待 goroutine 退出
func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Creator 适配器构造函数
type Creator func(ds *models.DataSource, bus *eventbus.EventBus, opts Options) (Adapter, error)

// Factory 适配器工厂
type Factory struct {
	mu       sync.RWMutex
	creators map[models.ProtocolType]Creator
	options  Options
}

// NewFactory 创建工厂并注册内置协议
func NewFactory(opts Options) *Factory {
	f := &Factory{
		creators: make(map[models.ProtocolType]Creator),
		options:  opts,
	}
	f.registerBuiltinTypes()
	return f
}

// Register 注册协议构造函数，重复注册会覆盖
func (f *Factory) Register(protocol string, creator Creator) error {
	if creator == nil {
		return fmt.Errorf("构造函数不能为空")
	}
	p := models.NormalizeProtocol(protocol)
	if p == "" {
		return fmt.Errorf("协议类型不能为空")
	}
	f.mu.Lock()
	f.creators[p] = creator
	f.mu.Unlock()
	slog.Info("接入适配器类型注册成功", "protocol", p)
	return nil
}

// Create 按协议创建适配器
func (f *Factory) Create(protocol string, ds *models.DataSource, bus *eventbus.EventBus) (Adapter, error) {
	if ds == nil {
		return nil, fmt.Errorf("数据源不能为空")
	}
	p := models.NormalizeProtocol(protocol)
	f.mu.RLock()
	creator, ok := f.creators[p]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, protocol)
	}
	return creator(ds, bus, f.options)
}

// SupportedProtocols 已注册协议
func (f *Factory) SupportedProtocols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.creators))
	for p := range f.creators {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}

func (f *Factory) registerBuiltinTypes() {
	f.creators[models.ProtocolUDP] = NewUDPAdapter
	f.creators[models.ProtocolTCP] = NewTCPAdapter
	f.creators[models.ProtocolHTTP] = NewHTTPAdapter
	f.creators[models.ProtocolWebSocket] = NewWebSocketAdapter
	f.creators[models.ProtocolMQTT] = NewMQTTAdapter
}
