/*
 * @module service/adapters/config
 * @description 各接入协议的强类型连接配置，由数据源 connection_config 解码并在创建时校验
 * @architecture 配置层 - mapstructure 弱类型解码 + Validate
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow connection_config(JSONB) -> 填充默认值 -> mapstructure 解码 -> Validate
 * @rules 配置错误统一包装为 ErrConfigurationInconsistency；listen_port 为0表示系统分配
 * @dependencies github.com/mitchellh/mapstructure
 * @refs service/models/data_source.go
 */

package adapters

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"gateway-service/service/models"

	"github.com/mitchellh/mapstructure"
)

const (
	defaultListenAddress  = "0.0.0.0"
	defaultBufferSize     = 8192
	minBufferSize         = 512
	defaultMaxConnections = 100
	defaultTimeoutSeconds = 30
	defaultMaxBodySize    = 1 << 20
	defaultMQTTPort       = 1883
	defaultMQTTKeepAlive  = 60
)

// 原始数据转发模式
const (
	ForwardModeListenOnly = "listen_only"
	ForwardModeUnicast    = "unicast"
	ForwardModeMulticast  = "multicast"
)

// TCP 分帧方式
const (
	FramingNewline = "newline"
	FramingRaw     = "raw"
)

// ForwardConfig UDP/TCP 原始数据转发配置，独立于处理管道
type ForwardConfig struct {
	Mode           string   `mapstructure:"forward_mode"`
	Targets        []string `mapstructure:"forward_targets"`
	MulticastGroup string   `mapstructure:"multicast_group"`
}

func (c *ForwardConfig) validate() error {
	if c.Mode == "" {
		c.Mode = ForwardModeListenOnly
	}
	c.Mode = strings.ToLower(c.Mode)

	var targets []string
	for _, t := range c.Targets {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				targets = append(targets, part)
			}
		}
	}
	c.Targets = targets

	switch c.Mode {
	case ForwardModeListenOnly:
	case ForwardModeUnicast:
		if len(c.Targets) == 0 {
			return fmt.Errorf("unicast 模式需要 forward_targets")
		}
		for _, t := range c.Targets {
			if _, _, err := net.SplitHostPort(t); err != nil {
				return fmt.Errorf("转发目标地址无效 %s: %v", t, err)
			}
		}
	case ForwardModeMulticast:
		host, _, err := net.SplitHostPort(c.MulticastGroup)
		if err != nil {
			return fmt.Errorf("multicast_group 地址无效 %s: %v", c.MulticastGroup, err)
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsMulticast() {
			return fmt.Errorf("multicast_group 不是组播地址: %s", c.MulticastGroup)
		}
	default:
		return fmt.Errorf("不支持的转发模式: %s", c.Mode)
	}
	return nil
}

// ListenEndpoint 监听地址公共部分
type ListenEndpoint struct {
	ListenAddress string `mapstructure:"listen_address"`
	ListenPort    int    `mapstructure:"listen_port"`
}

func (l ListenEndpoint) address() string {
	return net.JoinHostPort(l.ListenAddress, strconv.Itoa(l.ListenPort))
}

func (l *ListenEndpoint) validate() error {
	if l.ListenAddress == "" {
		l.ListenAddress = defaultListenAddress
	}
	if l.ListenPort < 0 || l.ListenPort > 65535 {
		return fmt.Errorf("监听端口超出范围: %d", l.ListenPort)
	}
	return nil
}

// UDPConfig UDP 接入配置
type UDPConfig struct {
	ListenEndpoint `mapstructure:",squash"`
	ForwardConfig  `mapstructure:",squash"`
	BufferSize     int `mapstructure:"buffer_size"`
}

// Validate 校验并补齐默认值
func (c *UDPConfig) Validate() error {
	if err := c.ListenEndpoint.validate(); err != nil {
		return err
	}
	if c.BufferSize < minBufferSize {
		return fmt.Errorf("buffer_size 不能小于 %d: %d", minBufferSize, c.BufferSize)
	}
	return c.ForwardConfig.validate()
}

// TCPConfig TCP 接入配置
type TCPConfig struct {
	ListenEndpoint `mapstructure:",squash"`
	ForwardConfig  `mapstructure:",squash"`
	BufferSize     int    `mapstructure:"buffer_size"`
	MaxConnections int    `mapstructure:"max_connections"`
	Framing        string `mapstructure:"framing"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // 连接空闲超时
}

// Validate 校验并补齐默认值
func (c *TCPConfig) Validate() error {
	if err := c.ListenEndpoint.validate(); err != nil {
		return err
	}
	if c.BufferSize < minBufferSize {
		return fmt.Errorf("buffer_size 不能小于 %d: %d", minBufferSize, c.BufferSize)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections 必须大于0: %d", c.MaxConnections)
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout_seconds 必须大于0: %d", c.TimeoutSeconds)
	}
	c.Framing = strings.ToLower(c.Framing)
	if c.Framing != FramingNewline && c.Framing != FramingRaw {
		return fmt.Errorf("不支持的分帧方式: %s", c.Framing)
	}
	return c.ForwardConfig.validate()
}

// HTTPConfig HTTP 接入配置
type HTTPConfig struct {
	ListenEndpoint     `mapstructure:",squash"`
	Endpoint           string `mapstructure:"endpoint"`
	Method             string `mapstructure:"method"`
	MaxBodySize        int64  `mapstructure:"max_body_size"`
	RateLimitRequests  int    `mapstructure:"rate_limit_requests"` // 0 表示不限流
	RateLimitWindowSec int    `mapstructure:"rate_limit_window"`
}

// Validate 校验并补齐默认值
func (c *HTTPConfig) Validate() error {
	if err := c.ListenEndpoint.validate(); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Endpoint, "/") {
		return fmt.Errorf("endpoint 必须以/开头: %s", c.Endpoint)
	}
	c.Method = strings.ToUpper(c.Method)
	switch c.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodGet:
	default:
		return fmt.Errorf("不支持的HTTP方法: %s", c.Method)
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}
	if c.RateLimitRequests < 0 {
		return fmt.Errorf("rate_limit_requests 不能为负数")
	}
	if c.RateLimitWindowSec <= 0 {
		c.RateLimitWindowSec = 60
	}
	return nil
}

// WebSocketConfig WebSocket 接入配置
type WebSocketConfig struct {
	ListenEndpoint `mapstructure:",squash"`
	Path           string `mapstructure:"path"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxMessageSize int64  `mapstructure:"max_message_size"`
}

// Validate 校验并补齐默认值
func (c *WebSocketConfig) Validate() error {
	if err := c.ListenEndpoint.validate(); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path 必须以/开头: %s", c.Path)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections 必须大于0: %d", c.MaxConnections)
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxBodySize
	}
	return nil
}

// MQTTConfig MQTT 订阅配置
type MQTTConfig struct {
	Broker       string   `mapstructure:"broker"`
	BrokerHost   string   `mapstructure:"broker_host"`
	BrokerPort   int      `mapstructure:"broker_port"`
	UseSSL       bool     `mapstructure:"use_ssl"`
	Topics       []string `mapstructure:"topics"`
	ClientID     string   `mapstructure:"client_id"`
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`
	QoS          int      `mapstructure:"qos"`
	KeepAlive    int      `mapstructure:"keep_alive"`
	CleanSession bool     `mapstructure:"clean_session"`
}

// BrokerURL broker 地址，broker 字段优先
func (c MQTTConfig) BrokerURL() string {
	if c.Broker != "" {
		if strings.Contains(c.Broker, "://") {
			return c.Broker
		}
		return "tcp://" + c.Broker
	}
	scheme := "tcp"
	if c.UseSSL {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(c.BrokerHost, strconv.Itoa(c.BrokerPort)))
}

// Validate 校验并补齐默认值
func (c *MQTTConfig) Validate() error {
	if c.Broker == "" && c.BrokerHost == "" {
		return fmt.Errorf("缺少 broker_host")
	}
	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		return fmt.Errorf("broker_port 超出范围: %d", c.BrokerPort)
	}
	var topics []string
	for _, t := range c.Topics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return fmt.Errorf("至少需要订阅一个主题")
	}
	c.Topics = topics
	if c.QoS < 0 || c.QoS > 2 {
		return fmt.Errorf("QoS必须为0-2: %d", c.QoS)
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = defaultMQTTKeepAlive
	}
	return nil
}

// validatable 可校验配置
type validatable interface {
	Validate() error
}

// decodeConfig 将 connection_config 解码到已填充默认值的 out 中并校验
func decodeConfig(ds *models.DataSource, out validatable) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(map[string]interface{}(ds.ConnectionConfig)); err != nil {
		return fmt.Errorf("%w: 解析连接配置失败: %v", models.ErrConfigurationInconsistency, err)
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrConfigurationInconsistency, err)
	}
	return nil
}

// DecodeUDPConfig 解码 UDP 配置
func DecodeUDPConfig(ds *models.DataSource) (UDPConfig, error) {
	cfg := UDPConfig{BufferSize: defaultBufferSize}
	return cfg, decodeConfig(ds, &cfg)
}

// DecodeTCPConfig 解码 TCP 配置
func DecodeTCPConfig(ds *models.DataSource) (TCPConfig, error) {
	cfg := TCPConfig{
		BufferSize:     defaultBufferSize,
		MaxConnections: defaultMaxConnections,
		Framing:        FramingNewline,
		TimeoutSeconds: defaultTimeoutSeconds,
	}
	return cfg, decodeConfig(ds, &cfg)
}

// DecodeHTTPConfig 解码 HTTP 配置
func DecodeHTTPConfig(ds *models.DataSource) (HTTPConfig, error) {
	cfg := HTTPConfig{Endpoint: "/data", Method: http.MethodPost}
	return cfg, decodeConfig(ds, &cfg)
}

// DecodeWebSocketConfig 解码 WebSocket 配置
func DecodeWebSocketConfig(ds *models.DataSource) (WebSocketConfig, error) {
	cfg := WebSocketConfig{Path: "/ws", MaxConnections: defaultMaxConnections}
	return cfg, decodeConfig(ds, &cfg)
}

// DecodeMQTTConfig 解码 MQTT 配置
func DecodeMQTTConfig(ds *models.DataSource) (MQTTConfig, error) {
	cfg := MQTTConfig{BrokerPort: defaultMQTTPort, CleanSession: true}
	return cfg, decodeConfig(ds, &cfg)
}
