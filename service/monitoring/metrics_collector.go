/*
 * @module service/monitoring/metrics_collector
 * @description 网关 Prometheus 指标：接入、处理结果、转发结果与网关状态
 * @architecture 事件驱动 - 订阅事件总线更新指标，/metrics 由 promhttp 暴露
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow RAW_RECEIVED/MESSAGE_COMPLETED/MESSAGE_FAILED/DATA_FORWARDED/FORWARD_FAILED/GATEWAY_STATUS -> 指标
 * @rules 指标标签只使用有限取值（协议、状态、失败原因、ID）
 * @dependencies github.com/prometheus/client_golang
 * @refs service/eventbus, service/gateway
 */

package monitoring

import (
	"fmt"

	"gateway-service/service/eventbus"
	"gateway-service/service/forwarders"
	"gateway-service/service/gateway"
	"gateway-service/service/models"
	"gateway-service/service/pipeline"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gateway"

// MetricsCollector 网关指标收集器
type MetricsCollector struct {
	received        *prometheus.CounterVec
	receivedBytes   *prometheus.CounterVec
	processed       *prometheus.CounterVec
	failures        *prometheus.CounterVec
	processDuration prometheus.Histogram
	forwards        *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	forwardRetries  *prometheus.CounterVec

	adaptersRunning  prometheus.Gauge
	adaptersTotal    prometheus.Gauge
	forwardersActive prometheus.Gauge
	rulesLoaded      prometheus.Gauge
	inFlight         prometheus.Gauge

	subscriptions []eventbus.SubscriptionID
}

// NewMetricsCollector 创建并注册指标，reg 为 nil 时使用默认注册表
func NewMetricsCollector(reg prometheus.Registerer) (*MetricsCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &MetricsCollector{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "适配器接收的消息数",
		}, []string{"protocol", "data_source"}),
		receivedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "适配器接收的字节数",
		}, []string{"protocol"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "管道处理完成的消息数，按终态统计",
		}, []string{"status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_failures_total",
			Help:      "处理失败的消息数，按失败原因统计",
		}, []string{"reason"}),
		processDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "单条消息从接收到终态的耗时",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		forwards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwards_total",
			Help:      "转发结果数",
		}, []string{"target", "protocol", "status"}),
		forwardDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "单个目标的转发耗时（含重试）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"protocol"}),
		forwardRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_attempts_total",
			Help:      "转发尝试次数（首次加重试）",
		}, []string{"protocol"}),
		adaptersRunning:  prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "adapters_running", Help: "运行中的适配器数"}),
		adaptersTotal:    prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "adapters_total", Help: "已配置的数据源数"}),
		forwardersActive: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "forwarders_active", Help: "已创建的转发器数"}),
		rulesLoaded:      prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "rules_loaded", Help: "已加载的路由规则数"}),
		inFlight:         prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pipeline_in_flight", Help: "管道中正在处理的消息数"}),
	}

	collectors := []prometheus.Collector{
		c.received, c.receivedBytes, c.processed, c.failures, c.processDuration,
		c.forwards, c.forwardDuration, c.forwardRetries,
		c.adaptersRunning, c.adaptersTotal, c.forwardersActive, c.rulesLoaded, c.inFlight,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("注册指标失败: %w", err)
		}
	}
	return c, nil
}

// Attach 订阅事件总线
func (c *MetricsCollector) Attach(bus *eventbus.EventBus) error {
	handlers := map[string]eventbus.Handler{
		eventbus.TopicRawReceived:   c.onReceived,
		eventbus.TopicMessageDone:   c.onResult,
		eventbus.TopicMessageFailed: c.onResult,
		eventbus.TopicDataForwarded: c.onForward,
		eventbus.TopicForwardFailed: c.onForward,
		eventbus.TopicGatewayStatus: c.onStatus,
	}
	for topic, h := range handlers {
		id, err := bus.Subscribe(topic, h)
		if err != nil {
			return fmt.Errorf("订阅 %s 失败: %w", topic, err)
		}
		c.subscriptions = append(c.subscriptions, id)
	}
	return nil
}

// Detach 取消订阅
func (c *MetricsCollector) Detach(bus *eventbus.EventBus) {
	for _, id := range c.subscriptions {
		bus.Unsubscribe(id)
	}
	c.subscriptions = nil
}

func (c *MetricsCollector) onReceived(_ string, payload interface{}) {
	msg, ok := payload.(*models.UnifiedMessage)
	if !ok {
		return
	}
	protocol := string(msg.SourceProtocol)
	c.received.WithLabelValues(protocol, msg.DataSourceID).Inc()
	c.receivedBytes.WithLabelValues(protocol).Add(float64(msg.DataSize))
}

func (c *MetricsCollector) onResult(_ string, payload interface{}) {
	res, ok := payload.(*pipeline.Result)
	if !ok {
		return
	}
	c.processed.WithLabelValues(res.Status).Inc()
	if res.FailureReason != "" {
		c.failures.WithLabelValues(res.FailureReason).Inc()
	}
	c.processDuration.Observe(res.Duration.Seconds())
}

func (c *MetricsCollector) onForward(_ string, payload interface{}) {
	r, ok := payload.(*forwarders.ForwardResult)
	if !ok {
		return
	}
	c.forwards.WithLabelValues(r.TargetID, r.Protocol, r.Status).Inc()
	c.forwardDuration.WithLabelValues(r.Protocol).Observe(r.Duration.Seconds())
	c.forwardRetries.WithLabelValues(r.Protocol).Add(float64(r.RetryCount))
}

func (c *MetricsCollector) onStatus(_ string, payload interface{}) {
	st, ok := payload.(gateway.Status)
	if !ok {
		return
	}
	c.adaptersRunning.Set(float64(st.AdaptersRunning))
	c.adaptersTotal.Set(float64(st.AdaptersTotal))
	c.forwardersActive.Set(float64(st.ForwardersActive))
	c.rulesLoaded.Set(float64(st.RulesLoaded))
	c.inFlight.Set(float64(st.Pipeline.InFlight))
}
