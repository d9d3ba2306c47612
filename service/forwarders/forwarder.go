/*
 * @module service/forwarders/forwarder
 * @description 转发器统一接口、转发结果与协议工厂
 * @architecture 工厂模式 + 接口隔离 - 协议到构造函数的注册表，调用方不做协议分支
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow Register(协议, 构造函数) -> Create(目标系统) -> Forward/ForwardBatch -> Close
 * @rules 未注册的协议返回 ErrUnsupportedProtocol；单个目标的失败不影响其他目标
 * @dependencies context, sync
 * @refs service/forwarders/manager.go, service/pipeline
 */

package forwarders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gateway-service/service/models"
)

var (
	// ErrUnsupportedProtocol 工厂中没有该协议的构造函数
	ErrUnsupportedProtocol = models.ErrUnsupportedProtocol
	// ErrForwardTimeout 单次尝试超时
	ErrForwardTimeout = errors.New("转发超时")
	// ErrForwardConnection 连接或传输失败
	ErrForwardConnection = errors.New("转发连接失败")
)

// Forwarder 转发器接口
type Forwarder interface {
	// Forward 转发单条载荷，按目标配置重试
	Forward(ctx context.Context, target *models.TargetSystem, payload interface{}) *ForwardResult

	// ForwardBatch 批量转发，协议不支持批量时逐条发送
	ForwardBatch(ctx context.Context, target *models.TargetSystem, payloads []interface{}) []*ForwardResult

	// Close 释放连接
	Close() error

	// Protocol 协议类型
	Protocol() models.ProtocolType

	// Stats 转发统计
	Stats() Stats
}

// ForwardResult 转发结果
type ForwardResult struct {
	MessageID  string        `json:"message_id,omitempty"`
	RuleID     string        `json:"rule_id,omitempty"`
	TargetID   string        `json:"target_id"`
	Protocol   string        `json:"protocol"`
	Status     string        `json:"status"` // success, failed, timeout
	StatusCode int           `json:"status_code,omitempty"`
	Response   string        `json:"response,omitempty"`
	Error      string        `json:"error,omitempty"`
	RetryCount int           `json:"retry_count"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`

	err error
}

// Success 是否转发成功
func (r *ForwardResult) Success() bool {
	return r != nil && r.Status == models.ForwardStatusSuccess
}

// Err 最后一次尝试的错误
func (r *ForwardResult) Err() error {
	return r.err
}

// Stats 转发统计
type Stats struct {
	Forwarded   int64      `json:"forwarded"`
	Failed      int64      `json:"failed"`
	Retries     int64      `json:"retries"`
	BytesSent   int64      `json:"bytes_sent"`
	LastForward *time.Time `json:"last_forward,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Creator 转发器构造函数
type Creator func(target *models.TargetSystem, deps Dependencies) (Forwarder, error)

// Dependencies 转发器的共享依赖
type Dependencies struct {
	Encrypter Encrypter
}

// Factory 转发器工厂
type Factory struct {
	mu       sync.RWMutex
	creators map[models.ProtocolType]Creator
}

// NewFactory 创建工厂并注册内置协议
func NewFactory() *Factory {
	f := &Factory{creators: make(map[models.ProtocolType]Creator)}
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
	return nil
}

// Create 按目标系统协议创建转发器
func (f *Factory) Create(target *models.TargetSystem, deps Dependencies) (Forwarder, error) {
	if target == nil {
		return nil, fmt.Errorf("目标系统不能为空")
	}
	p := models.NormalizeProtocol(target.ProtocolType)
	f.mu.RLock()
	creator, ok := f.creators[p]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, target.ProtocolType)
	}
	return creator(target, deps)
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
	f.creators[models.ProtocolHTTP] = NewHTTPForwarder
	f.creators[models.ProtocolWebSocket] = NewWebSocketForwarder
	f.creators[models.ProtocolTCP] = NewTCPForwarder
	f.creators[models.ProtocolUDP] = NewUDPForwarder
	f.creators[models.ProtocolMQTT] = NewMQTTForwarder
	f.creators[models.ProtocolKafka] = NewKafkaForwarder
}
