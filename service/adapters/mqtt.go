package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gateway-service/service/eventbus"
	"gateway-service/service/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTAdapter 订阅外部 broker 主题接入
type MQTTAdapter struct {
	*baseAdapter
	config MQTTConfig
	broker string

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTAdapter 创建 MQTT 适配器
func NewMQTTAdapter(ds *models.DataSource, bus *eventbus.EventBus, _ Options) (Adapter, error) {
	cfg, err := DecodeMQTTConfig(ds)
	if err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "gateway-src-" + uuid.New().String()[:8]
	}
	return &MQTTAdapter{
		baseAdapter: newBaseAdapter(ds, models.ProtocolMQTT, bus),
		config:      cfg,
		broker:      cfg.BrokerURL(),
	}, nil
}

func (a *MQTTAdapter) filters() map[string]byte {
	filters := make(map[string]byte, len(a.config.Topics))
	for _, t := range a.config.Topics {
		filters[t] = byte(a.config.QoS)
	}
	return filters
}

// Start 连接 broker 并订阅主题
func (a *MQTTAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running.Load() {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(a.broker)
	opts.SetClientID(a.config.ClientID)
	opts.SetKeepAlive(time.Duration(a.config.KeepAlive) * time.Second)
	opts.SetCleanSession(a.config.CleanSession)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if a.config.Username != "" {
		opts.SetUsername(a.config.Username)
		opts.SetPassword(a.config.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		a.recordError("MQTT连接断开", "broker", a.broker, "error", err)
	})
	// 重连后重新订阅
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if !a.running.Load() {
			return
		}
		token := c.SubscribeMultiple(a.filters(), a.handleMessage)
		if token.WaitTimeout(mqttConnectTimeout) && token.Error() != nil {
			a.recordError("MQTT重新订阅失败", "broker", a.broker, "error", token.Error())
		}
	})

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return fmt.Errorf("连接MQTT broker失败 %s: %w", a.broker, err)
	}
	// 保留消息可能在订阅确认前到达
	a.running.Store(true)
	if err := waitToken(ctx, client.SubscribeMultiple(a.filters(), a.handleMessage)); err != nil {
		a.running.Store(false)
		client.Disconnect(250)
		return fmt.Errorf("订阅MQTT主题失败 %v: %w", a.config.Topics, err)
	}

	a.client = client
	a.markStarted()
	slog.Info("MQTT主题订阅成功", "data_source_id", a.id, "broker", a.broker, "topics", a.config.Topics, "qos", a.config.QoS)
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(mqttConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("等待broker响应超时")
	}
}

func (a *MQTTAdapter) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	if !a.running.Load() {
		return
	}
	payload := msg.Payload()
	data := make([]byte, len(payload))
	copy(data, payload)
	a.emit(data, source{
		address: a.broker,
		topic:   msg.Topic(),
		headers: map[string]string{
			"qos":      fmt.Sprintf("%d", msg.Qos()),
			"retained": fmt.Sprintf("%t", msg.Retained()),
		},
	})
}

// Stop 取消订阅、断开连接并排空
func (a *MQTTAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running.Load() {
		a.mu.Unlock()
		return nil
	}
	a.running.Store(false)
	client := a.client
	a.client = nil
	a.mu.Unlock()

	if client != nil {
		if err := waitToken(ctx, client.Unsubscribe(a.config.Topics...)); err != nil {
			slog.Warn("取消MQTT订阅失败", "data_source_id", a.id, "error", err)
		}
		client.Disconnect(250)
	}
	a.stopped()
	return a.drain(ctx)
}

// Addr broker 地址
func (a *MQTTAdapter) Addr() string {
	return a.broker
}

// GetStats 运行统计
func (a *MQTTAdapter) GetStats() Stats {
	return a.stats(a.broker)
}
