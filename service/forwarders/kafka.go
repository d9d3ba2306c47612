package forwarders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gateway-service/service/models"

	"github.com/segmentio/kafka-go"
	"github.com/spf13/cast"
)

// KafkaForwarder Kafka 生产者转发器，批量时一次 WriteMessages
type KafkaForwarder struct {
	*baseForwarder
	endpoint KafkaEndpoint
	writer   *kafka.Writer
}

// NewKafkaForwarder 创建 Kafka 转发器
func NewKafkaForwarder(target *models.TargetSystem, deps Dependencies) (Forwarder, error) {
	var endpoint KafkaEndpoint
	if err := decodeEndpoint(target, &endpoint); err != nil {
		return nil, err
	}
	var brokers []string
	for _, b := range endpoint.Brokers {
		for _, part := range strings.Split(b, ",") {
			if part = strings.TrimSpace(part); part != "" {
				brokers = append(brokers, part)
			}
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: Kafka目标缺少brokers", models.ErrConfigurationInconsistency)
	}
	if endpoint.Topic == "" {
		return nil, fmt.Errorf("%w: Kafka目标缺少topic", models.ErrConfigurationInconsistency)
	}
	endpoint.Brokers = brokers

	acks := kafka.RequireOne
	switch endpoint.RequiredAcks {
	case -1:
		acks = kafka.RequireAll
	case 0:
		if _, set := target.EndpointConfig["required_acks"]; set {
			acks = kafka.RequireNone
		}
	}

	return &KafkaForwarder{
		baseForwarder: newBaseForwarder(models.ProtocolKafka, deps),
		endpoint:      endpoint,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        endpoint.Topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: acks,
			BatchTimeout: 10 * time.Millisecond,
		},
	}, nil
}

func (f *KafkaForwarder) message(payload interface{}, data []byte) kafka.Message {
	msg := kafka.Message{Value: data, Time: time.Now()}
	if f.endpoint.KeyField != "" {
		if m, ok := models.ToMap(payload); ok {
			if key := cast.ToString(m[f.endpoint.KeyField]); key != "" {
				msg.Key = []byte(key)
			}
		}
	}
	return msg
}

// Forward 写入单条消息
func (f *KafkaForwarder) Forward(ctx context.Context, target *models.TargetSystem, payload interface{}) *ForwardResult {
	settings, err := LoadSettings(target, 10*time.Second)
	if err != nil {
		return f.failedResult(target, err)
	}
	data, err := f.preparePayload(ctx, payload, settings)
	if err != nil {
		return f.failedResult(target, err)
	}
	msg := f.message(payload, data)
	return f.execute(ctx, target, settings, func(ctx context.Context) (attemptOutcome, error) {
		if err := f.writer.WriteMessages(ctx, msg); err != nil {
			return attemptOutcome{}, err
		}
		return attemptOutcome{bytesSent: len(data)}, nil
	})
}

// ForwardBatch 每 batch_size 条一次写入
func (f *KafkaForwarder) ForwardBatch(ctx context.Context, target *models.TargetSystem, payloads []interface{}) []*ForwardResult {
	settings, err := LoadSettings(target, 10*time.Second)
	if err != nil {
		return fanResult(f.failedResult(target, err), len(payloads))
	}
	results := make([]*ForwardResult, 0, len(payloads))
	for _, chunk := range batches(payloads, settings.BatchSize) {
		msgs := make([]kafka.Message, 0, len(chunk))
		size := 0
		var prepErr error
		for _, p := range chunk {
			data, err := f.preparePayload(ctx, p, settings)
			if err != nil {
				prepErr = err
				break
			}
			size += len(data)
			msgs = append(msgs, f.message(p, data))
		}
		if prepErr != nil {
			results = append(results, fanResult(f.failedResult(target, prepErr), len(chunk))...)
			continue
		}
		result := f.execute(ctx, target, settings, func(ctx context.Context) (attemptOutcome, error) {
			if err := f.writer.WriteMessages(ctx, msgs...); err != nil {
				return attemptOutcome{}, err
			}
			return attemptOutcome{bytesSent: size}, nil
		})
		results = append(results, fanResult(result, len(chunk))...)
	}
	return results
}

// Close 关闭生产者
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}
