/*
 * @module service/event/event_service
 * @description 实时事件推送：把网关状态、运行日志等总线事件通过 SSE 推给管理端
 * @architecture 事件驱动架构 - 总线订阅 -> 客户端缓冲通道 -> SSE 写出
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow Start 订阅主题 -> 事件到达复制给所有客户端 -> 客户端断开或 Stop 时移除
 * @rules 客户端队列满时丢弃该客户端的事件，不阻塞总线
 * @dependencies github.com/google/uuid
 * @refs service/eventbus, api/controllers/event_controller.go
 */

package event

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gateway-service/service/eventbus"

	"github.com/google/uuid"
)

// DefaultTopics 默认推送的主题
var DefaultTopics = []string{
	eventbus.TopicGatewayStatus,
	eventbus.TopicGatewayLog,
	eventbus.TopicConfigChanged,
	eventbus.TopicMessageFailed,
}

// SSEEvent 推送给客户端的事件
type SSEEvent struct {
	ID        string      `json:"id"`
	EventType string      `json:"event_type"`
	Data      interface{} `json:"data"`
	CreatedAt time.Time   `json:"created_at"`
}

// SSEClient SSE客户端连接
type SSEClient struct {
	ID          string
	ClientIP    string
	Topics      map[string]bool
	Channel     chan *SSEEvent
	Done        chan struct{}
	ConnectedAt time.Time
	dropped     int64
}

// accepts 未指定主题时接收全部
func (c *SSEClient) accepts(topic string) bool {
	return len(c.Topics) == 0 || c.Topics[topic]
}

// ConnectionInfo 连接信息
type ConnectionInfo struct {
	ID          string    `json:"id"`
	ClientIP    string    `json:"client_ip"`
	Topics      []string  `json:"topics,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	Dropped     int64     `json:"dropped"`
}

// EventService 事件推送服务
type EventService struct {
	bus        *eventbus.EventBus
	bufferSize int

	mu            sync.RWMutex
	clients       map[string]*SSEClient
	subscriptions []eventbus.SubscriptionID
}

// NewEventService 创建事件服务
func NewEventService(bus *eventbus.EventBus) *EventService {
	return &EventService{
		bus:        bus,
		bufferSize: 100,
		clients:    make(map[string]*SSEClient),
	}
}

// Start 订阅需要推送的主题
func (s *EventService) Start(topics ...string) error {
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	for _, topic := range topics {
		id, err := s.bus.Subscribe(topic, s.relay)
		if err != nil {
			return fmt.Errorf("订阅 %s 失败: %w", topic, err)
		}
		s.subscriptions = append(s.subscriptions, id)
	}
	slog.Info("事件推送服务已启动", "topics", topics)
	return nil
}

// Stop 取消订阅并断开全部客户端
func (s *EventService) Stop() {
	for _, id := range s.subscriptions {
		s.bus.Unsubscribe(id)
	}
	s.subscriptions = nil

	s.mu.Lock()
	for _, client := range s.clients {
		close(client.Done)
	}
	s.clients = make(map[string]*SSEClient)
	s.mu.Unlock()
	slog.Info("事件推送服务已停止")
}

// AddSSEConnection 添加SSE连接，topics 为空表示接收全部主题
func (s *EventService) AddSSEConnection(clientIP string, topics []string) *SSEClient {
	client := &SSEClient{
		ID:          uuid.New().String(),
		ClientIP:    clientIP,
		Topics:      make(map[string]bool, len(topics)),
		Channel:     make(chan *SSEEvent, s.bufferSize),
		Done:        make(chan struct{}),
		ConnectedAt: time.Now(),
	}
	for _, t := range topics {
		if t != "" {
			client.Topics[t] = true
		}
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	slog.Info("SSE连接已建立", "connection_id", client.ID, "client_ip", clientIP)
	return client
}

// RemoveSSEConnection 移除SSE连接
func (s *EventService) RemoveSSEConnection(connectionID string) {
	s.mu.Lock()
	client, ok := s.clients[connectionID]
	if ok {
		delete(s.clients, connectionID)
		close(client.Done)
	}
	s.mu.Unlock()
	if ok {
		slog.Info("SSE连接已断开", "connection_id", connectionID)
	}
}

// Connections 当前连接列表
func (s *EventService) Connections() []ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(s.clients))
	for _, c := range s.clients {
		info := ConnectionInfo{ID: c.ID, ClientIP: c.ClientIP, ConnectedAt: c.ConnectedAt, Dropped: c.dropped}
		for t := range c.Topics {
			info.Topics = append(info.Topics, t)
		}
		out = append(out, info)
	}
	return out
}

// BroadcastEvent 广播事件给所有订阅了该主题的客户端
func (s *EventService) BroadcastEvent(eventType string, data interface{}) {
	event := &SSEEvent{
		ID:        uuid.New().String(),
		EventType: eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, client := range s.clients {
		if !client.accepts(eventType) {
			continue
		}
		select {
		case client.Channel <- event:
		default:
			client.dropped++
			slog.Debug("SSE客户端队列已满，丢弃事件", "connection_id", client.ID, "event_type", eventType)
		}
	}
}

func (s *EventService) relay(topic string, payload interface{}) {
	s.BroadcastEvent(topic, payload)
}

// ServeSSE 以 text/event-stream 持续写出事件，直到客户端断开
func (s *EventService) ServeSSE(w http.ResponseWriter, r *http.Request, topics []string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "不支持流式响应", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := s.AddSSEConnection(r.RemoteAddr, topics)
	defer s.RemoveSSEConnection(client.ID)

	fmt.Fprintf(w, "event: connected\ndata: {\"connection_id\":%q}\n\n", client.ID)
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-client.Done:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event := <-client.Channel:
			data, err := json.Marshal(event)
			if err != nil {
				slog.Warn("序列化SSE事件失败", "event_type", event.EventType, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.EventType, data)
			flusher.Flush()
		}
	}
}
