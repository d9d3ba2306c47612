/*
 * @module service/eventbus
 * @description 进程内发布/订阅事件总线，网关各组件之间的唯一同步点
 * @architecture 观察者模式 - 锁仅保护订阅表，处理函数在锁外执行
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow Subscribe -> Publish(快照订阅者) -> 异步派发 -> Unsubscribe / Close
 * @rules 发布时已注册的订阅者恰好被调用一次；慢/失败的处理函数不阻塞总线；无持久化、无重试
 * @dependencies sync, log/slog, github.com/google/uuid
 * @refs service/adapters, service/pipeline, service/forwarders
 */

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// 网关内部主题
const (
	TopicRawReceived     = "RAW_RECEIVED"
	TopicDataParsed      = "DATA_PARSED"
	TopicDataValidated   = "DATA_VALIDATED"
	TopicRoutingDecided  = "ROUTING_DECIDED"
	TopicDataTransformed = "DATA_TRANSFORMED"
	TopicDataForwarded   = "DATA_FORWARDED"
	TopicForwardFailed   = "FORWARD_FAILED"
	TopicMessageFailed   = "MESSAGE_FAILED"
	TopicMessageDone     = "MESSAGE_COMPLETED"

	TopicUDPReceived       = "UDP_RECEIVED"
	TopicTCPReceived       = "TCP_RECEIVED"
	TopicHTTPReceived      = "HTTP_RECEIVED"
	TopicWebSocketReceived = "WEBSOCKET_RECEIVED"
	TopicMQTTReceived      = "MQTT_RECEIVED"

	TopicGatewayStatus = "GATEWAY_STATUS"
	TopicGatewayLog    = "GATEWAY_LOG"
	TopicConfigChanged = "CONFIG_CHANGED"
)

// ErrBusClosed 总线已关闭
var ErrBusClosed = errors.New("事件总线已关闭")

// Handler 事件处理函数
type Handler func(topic string, payload interface{})

// SubscriptionID 订阅句柄
type SubscriptionID string

type subscription struct {
	id      SubscriptionID
	topic   string
	handler Handler
	seq     uint64
}

// EventBus 事件总线
type EventBus struct {
	mu       sync.RWMutex
	exact    map[string][]*subscription
	wildcard []*subscription
	index    map[SubscriptionID]*subscription
	seq      uint64
	closed   bool

	inflight  Tracker
	published atomic.Uint64
	failures  atomic.Uint64
}

// New 创建事件总线
func New() *EventBus {
	return &EventBus{
		exact: make(map[string][]*subscription),
		index: make(map[SubscriptionID]*subscription),
	}
}

// NormalizeTopic 主题统一大写
func NormalizeTopic(topic string) string {
	return strings.ToUpper(strings.TrimSpace(topic))
}

func isPattern(topic string) bool {
	return strings.ContainsAny(topic, "*?[")
}

// Subscribe 订阅主题，支持 * 通配
func (b *EventBus) Subscribe(topic string, handler Handler) (SubscriptionID, error) {
	if handler == nil {
		return "", fmt.Errorf("处理函数不能为空")
	}
	topic = NormalizeTopic(topic)
	if topic == "" {
		return "", fmt.Errorf("主题不能为空")
	}
	if isPattern(topic) {
		if _, err := path.Match(topic, ""); err != nil {
			return "", fmt.Errorf("主题通配格式错误: %w", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrBusClosed
	}

	b.seq++
	sub := &subscription{
		id:      SubscriptionID(uuid.New().String()),
		topic:   topic,
		handler: handler,
		seq:     b.seq,
	}
	if isPattern(topic) {
		b.wildcard = append(b.wildcard, sub)
	} else {
		b.exact[topic] = append(b.exact[topic], sub)
	}
	b.index[sub.id] = sub

	slog.Debug("事件订阅成功", "topic", topic, "subscription_id", sub.id)
	return sub.id, nil
}

// Unsubscribe 取消订阅
func (b *EventBus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.index[id]
	if !ok {
		return false
	}
	delete(b.index, id)

	if isPattern(sub.topic) {
		b.wildcard = removeSub(b.wildcard, id)
		return true
	}
	subs := removeSub(b.exact[sub.topic], id)
	if len(subs) == 0 {
		delete(b.exact, sub.topic)
	} else {
		b.exact[sub.topic] = subs
	}
	return true
}

func removeSub(subs []*subscription, id SubscriptionID) []*subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// snapshot 在读锁内收集当前订阅者，按注册顺序返回
func (b *EventBus) snapshot(topic string) ([]*subscription, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, false
	}

	exact := b.exact[topic]
	subs := make([]*subscription, 0, len(exact)+len(b.wildcard))
	subs = append(subs, exact...)
	matchedWildcard := false
	for _, s := range b.wildcard {
		if ok, _ := path.Match(s.topic, topic); ok {
			subs = append(subs, s)
			matchedWildcard = true
		}
	}
	if matchedWildcard {
		sort.SliceStable(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	}
	return subs, true
}

// Publish 异步派发：每个订阅者在独立 goroutine 中执行，总线不等待完成
func (b *EventBus) Publish(topic string, payload interface{}) int {
	return b.PublishTracked(topic, payload, nil)
}

// PublishTracked 同 Publish，派发出的处理函数同时计入 tracker，
// 供适配器只排空自己发布的消息
func (b *EventBus) PublishTracked(topic string, payload interface{}, tracker *Tracker) int {
	topic = NormalizeTopic(topic)
	subs, ok := b.snapshot(topic)
	if !ok {
		return 0
	}
	b.published.Add(1)
	if len(subs) == 0 {
		return 0
	}

	n := int64(len(subs))
	b.inflight.Add(n)
	if tracker != nil {
		tracker.Add(n)
	}
	for _, sub := range subs {
		go func(s *subscription) {
			defer func() {
				b.inflight.Done()
				if tracker != nil {
					tracker.Done()
				}
			}()
			b.invoke(s, topic, payload)
		}(sub)
	}
	return len(subs)
}

// PublishSync 同步派发：按注册顺序依次执行，单个处理函数异常被隔离
func (b *EventBus) PublishSync(topic string, payload interface{}) int {
	topic = NormalizeTopic(topic)
	subs, ok := b.snapshot(topic)
	if !ok {
		return 0
	}
	b.published.Add(1)

	for _, sub := range subs {
		b.invoke(sub, topic, payload)
	}
	return len(subs)
}

func (b *EventBus) invoke(sub *subscription, topic string, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			slog.Error("事件处理函数异常", "topic", topic, "subscription_id", sub.id, "panic", r)
		}
	}()
	sub.handler(topic, payload)
}

// Wait 等待当前已派发的异步处理函数结束，ctx 到期则返回错误
func (b *EventBus) Wait(ctx context.Context) error {
	if err := b.inflight.Wait(ctx); err != nil {
		return fmt.Errorf("等待事件处理完成超时, 剩余 %d 个: %w", b.inflight.Pending(), err)
	}
	return nil
}

// Pending 正在执行的异步处理函数数量
func (b *EventBus) Pending() int64 {
	return b.inflight.Pending()
}

// SubscribersCount 指定主题的订阅者数量（含通配订阅）
func (b *EventBus) SubscribersCount(topic string) int {
	subs, _ := b.snapshot(NormalizeTopic(topic))
	return len(subs)
}

// Topics 已有订阅的主题
func (b *EventBus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.exact)+len(b.wildcard))
	for t := range b.exact {
		topics = append(topics, t)
	}
	for _, s := range b.wildcard {
		topics = append(topics, s.topic)
	}
	sort.Strings(topics)
	return topics
}

// Stats 总线统计
func (b *EventBus) Stats() map[string]interface{} {
	b.mu.RLock()
	subscriptions := len(b.index)
	b.mu.RUnlock()

	return map[string]interface{}{
		"subscriptions":    subscriptions,
		"published":        b.published.Load(),
		"handler_failures": b.failures.Load(),
		"pending":          b.inflight.Pending(),
	}
}

// Clear 清空全部订阅
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exact = make(map[string][]*subscription)
	b.wildcard = nil
	b.index = make(map[SubscriptionID]*subscription)
}

// Close 关闭总线，之后的发布与订阅均被拒绝
func (b *EventBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Clear()
}
