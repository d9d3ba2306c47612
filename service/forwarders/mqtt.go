package forwarders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gateway-service/service/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTForwarder MQTT 发布转发器，批量时连续发布后统一等待确认
type MQTTForwarder struct {
	*baseForwarder
	endpoint MQTTEndpoint
	broker   string

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTForwarder 创建 MQTT 转发器，连接在首次发送时建立
func NewMQTTForwarder(target *models.TargetSystem, deps Dependencies) (Forwarder, error) {
	var endpoint MQTTEndpoint
	if err := decodeEndpoint(target, &endpoint); err != nil {
		return nil, err
	}
	broker, err := endpoint.BrokerURL()
	if err != nil {
		return nil, err
	}
	if endpoint.Topic == "" {
		return nil, fmt.Errorf("%w: MQTT目标缺少topic", models.ErrConfigurationInconsistency)
	}
	if endpoint.QoS < 0 || endpoint.QoS > 2 {
		return nil, fmt.Errorf("%w: QoS必须为0-2: %d", models.ErrConfigurationInconsistency, endpoint.QoS)
	}
	if endpoint.ClientID == "" {
		endpoint.ClientID = "gateway-fwd-" + uuid.New().String()[:8]
	}
	return &MQTTForwarder{
		baseForwarder: newBaseForwarder(models.ProtocolMQTT, deps),
		endpoint:      endpoint,
		broker:        broker,
	}, nil
}

func (f *MQTTForwarder) ensureClient(target *models.TargetSystem, timeout time.Duration) (mqtt.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil && f.client.IsConnectionOpen() {
		return f.client, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(f.broker)
	opts.SetClientID(f.endpoint.ClientID)
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	username, password := f.endpoint.Username, f.endpoint.Password
	if auth := target.AuthConfig; auth.GetString("auth_type", "") == "basic" {
		username = auth.GetString("username", username)
		password = auth.GetString("password", password)
	}
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("%w: 连接MQTT broker超时", ErrForwardTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("连接MQTT broker失败: %w", err)
	}
	f.client = client
	return client, nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forward 发布单条载荷
func (f *MQTTForwarder) Forward(ctx context.Context, target *models.TargetSystem, payload interface{}) *ForwardResult {
	settings, err := LoadSettings(target, 10*time.Second)
	if err != nil {
		return f.failedResult(target, err)
	}
	data, err := f.preparePayload(ctx, payload, settings)
	if err != nil {
		return f.failedResult(target, err)
	}
	return f.execute(ctx, target, settings, func(ctx context.Context) (attemptOutcome, error) {
		client, err := f.ensureClient(target, settings.Timeout)
		if err != nil {
			return attemptOutcome{}, err
		}
		token := client.Publish(f.endpoint.Topic, byte(f.endpoint.QoS), f.endpoint.Retain, data)
		if err := waitToken(ctx, token); err != nil {
			return attemptOutcome{}, err
		}
		return attemptOutcome{bytesSent: len(data)}, nil
	})
}

// ForwardBatch 每批连续发布多条后统一等待
func (f *MQTTForwarder) ForwardBatch(ctx context.Context, target *models.TargetSystem, payloads []interface{}) []*ForwardResult {
	settings, err := LoadSettings(target, 10*time.Second)
	if err != nil {
		return fanResult(f.failedResult(target, err), len(payloads))
	}

	results := make([]*ForwardResult, 0, len(payloads))
	for _, chunk := range batches(payloads, settings.BatchSize) {
		encoded := make([][]byte, 0, len(chunk))
		var prepErr error
		for _, p := range chunk {
			data, err := f.preparePayload(ctx, p, settings)
			if err != nil {
				prepErr = err
				break
			}
			encoded = append(encoded, data)
		}
		if prepErr != nil {
			results = append(results, fanResult(f.failedResult(target, prepErr), len(chunk))...)
			continue
		}

		result := f.execute(ctx, target, settings, func(ctx context.Context) (attemptOutcome, error) {
			client, err := f.ensureClient(target, settings.Timeout)
			if err != nil {
				return attemptOutcome{}, err
			}
			tokens := make([]mqtt.Token, 0, len(encoded))
			sent := 0
			for _, data := range encoded {
				tokens = append(tokens, client.Publish(f.endpoint.Topic, byte(f.endpoint.QoS), f.endpoint.Retain, data))
				sent += len(data)
			}
			for _, token := range tokens {
				if err := waitToken(ctx, token); err != nil {
					return attemptOutcome{}, err
				}
			}
			return attemptOutcome{bytesSent: sent}, nil
		})
		results = append(results, fanResult(result, len(chunk))...)
	}
	return results
}

// Close 断开 broker 连接
func (f *MQTTForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		f.client.Disconnect(250)
		f.client = nil
	}
	return nil
}
