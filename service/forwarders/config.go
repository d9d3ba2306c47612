package forwarders

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gateway-service/service/models"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cast"
)

const (
	defaultRetryCount = 3
	defaultRetryDelay = time.Second
	maxRetryDelay     = 30 * time.Second
	maxResponseLength = 500
)

// Settings 目标系统 forwarder_config 的类型化视图
type Settings struct {
	Timeout     time.Duration
	RetryCount  int
	RetryDelay  time.Duration
	BatchSize   int
	Compression bool
	Encryption  models.EncryptionSettings
}

type rawSettings struct {
	Timeout     interface{} `mapstructure:"timeout"`
	RetryCount  *int        `mapstructure:"retry_count"`
	RetryDelay  interface{} `mapstructure:"retry_delay"`
	BatchSize   int         `mapstructure:"batch_size"`
	Compression interface{} `mapstructure:"compression"`
}

// decodeMap 宽松类型解码，字符串数字等可自动转换
func decodeMap(input map[string]interface{}, output interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           output,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// parseDuration 数值按秒解析，字符串支持 "500ms"/"2s" 形式
func parseDuration(v interface{}, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	secs, err := cast.ToFloat64E(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}

// compressionEnabled compression 可以是布尔或 "gzip"
func compressionEnabled(v interface{}) bool {
	if s, ok := v.(string); ok {
		return strings.EqualFold(s, "gzip") || cast.ToBool(s)
	}
	return cast.ToBool(v)
}

// LoadSettings 解析转发配置，defaultTimeout 为协议默认的单次超时
func LoadSettings(target *models.TargetSystem, defaultTimeout time.Duration) (Settings, error) {
	var raw rawSettings
	if err := decodeMap(target.ForwarderConfig, &raw); err != nil {
		return Settings{}, fmt.Errorf("%w: 转发配置解析失败: %v", models.ErrConfigurationInconsistency, err)
	}
	s := Settings{
		Timeout:     parseDuration(raw.Timeout, defaultTimeout),
		RetryCount:  defaultRetryCount,
		RetryDelay:  parseDuration(raw.RetryDelay, defaultRetryDelay),
		BatchSize:   raw.BatchSize,
		Compression: compressionEnabled(raw.Compression),
		Encryption:  target.Encryption(),
	}
	if raw.RetryCount != nil {
		s.RetryCount = *raw.RetryCount
	}
	if s.RetryCount < 1 {
		s.RetryCount = 1
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	return s, nil
}

// Backoff 第 attempt 次失败后的等待时间：retry_delay * 2^(attempt-1)，上限30秒
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultRetryDelay
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

// WithOverrides 应用规则中目标引用的超时/重试覆盖，返回副本
func WithOverrides(target *models.TargetSystem, ref models.TargetRef) *models.TargetSystem {
	if ref.Timeout <= 0 && ref.Retry == nil && len(ref.ProtocolOptions) == 0 {
		return target
	}
	copied := *target
	cfg := make(models.JSONB, len(target.ForwarderConfig)+2)
	for k, v := range target.ForwarderConfig {
		cfg[k] = v
	}
	if ref.Timeout > 0 {
		cfg["timeout"] = fmt.Sprintf("%dms", ref.Timeout)
	}
	if ref.Retry != nil {
		cfg["retry_count"] = *ref.Retry
	}
	copied.ForwarderConfig = cfg
	if len(ref.ProtocolOptions) > 0 {
		endpoint := make(models.JSONB, len(target.EndpointConfig)+len(ref.ProtocolOptions))
		for k, v := range target.EndpointConfig {
			endpoint[k] = v
		}
		for k, v := range ref.ProtocolOptions {
			endpoint[k] = v
		}
		copied.EndpointConfig = endpoint
	}
	return &copied
}

// HTTPEndpoint HTTP 目标端点
type HTTPEndpoint struct {
	URL     string            `mapstructure:"url"`
	Address string            `mapstructure:"address"`
	Host    string            `mapstructure:"host"`
	Port    int               `mapstructure:"port"`
	Path    string            `mapstructure:"path"`
	UseSSL  bool              `mapstructure:"use_ssl"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
}

// BuildURL 组装目标URL：显式 url 优先，其次 address/host + port + path
func (e HTTPEndpoint) BuildURL() (string, error) {
	if e.URL != "" {
		if _, err := url.ParseRequestURI(e.URL); err != nil {
			return "", fmt.Errorf("%w: URL格式错误: %v", models.ErrConfigurationInconsistency, err)
		}
		return e.URL, nil
	}
	host := e.Address
	if host == "" {
		host = e.Host
	}
	if host == "" {
		return "", fmt.Errorf("%w: HTTP目标缺少地址", models.ErrConfigurationInconsistency)
	}
	if strings.Contains(host, "://") {
		return strings.TrimRight(host, "/") + normalizePath(e.Path), nil
	}
	scheme := "http"
	if e.UseSSL {
		scheme = "https"
	}
	if e.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(e.Port))
	}
	return scheme + "://" + host + normalizePath(e.Path), nil
}

func normalizePath(p string) string {
	if p == "" || strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// WebSocketEndpoint WebSocket 目标端点
type WebSocketEndpoint struct {
	URL            string `mapstructure:"url"`
	Address        string `mapstructure:"address"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Path           string `mapstructure:"path"`
	UseSSL         bool   `mapstructure:"use_ssl"`
	ExpectResponse bool   `mapstructure:"expect_response"`
}

// BuildURL ws/wss 地址
func (e WebSocketEndpoint) BuildURL() (string, error) {
	if e.URL != "" {
		return e.URL, nil
	}
	host := e.Address
	if host == "" {
		host = e.Host
	}
	if host == "" {
		return "", fmt.Errorf("%w: WebSocket目标缺少地址", models.ErrConfigurationInconsistency)
	}
	scheme := "ws"
	if e.UseSSL {
		scheme = "wss"
	}
	if e.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(e.Port))
	}
	return scheme + "://" + host + normalizePath(e.Path), nil
}

// SocketEndpoint TCP/UDP 目标端点
type SocketEndpoint struct {
	Address   string `mapstructure:"address"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Newline   *bool  `mapstructure:"newline"`
	KeepAlive bool   `mapstructure:"keep_alive"`
}

// HostPort 目标地址
func (e SocketEndpoint) HostPort() (string, error) {
	host := e.Address
	if host == "" {
		host = e.Host
	}
	if host == "" || e.Port <= 0 || e.Port > 65535 {
		return "", fmt.Errorf("%w: 目标地址或端口无效: %s:%d", models.ErrConfigurationInconsistency, host, e.Port)
	}
	return net.JoinHostPort(host, strconv.Itoa(e.Port)), nil
}

// MQTTEndpoint MQTT 目标端点
type MQTTEndpoint struct {
	Broker   string `mapstructure:"broker"`
	Address  string `mapstructure:"address"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	UseSSL   bool   `mapstructure:"use_ssl"`
	Topic    string `mapstructure:"topic"`
	QoS      int    `mapstructure:"qos"`
	Retain   bool   `mapstructure:"retain"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// BrokerURL broker 地址，默认端口1883
func (e MQTTEndpoint) BrokerURL() (string, error) {
	if e.Broker != "" {
		return e.Broker, nil
	}
	host := e.Address
	if host == "" {
		host = e.Host
	}
	if host == "" {
		return "", fmt.Errorf("%w: MQTT目标缺少broker地址", models.ErrConfigurationInconsistency)
	}
	port := e.Port
	if port == 0 {
		port = 1883
	}
	scheme := "tcp"
	if e.UseSSL {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port))), nil
}

// KafkaEndpoint Kafka 目标端点
type KafkaEndpoint struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	KeyField     string   `mapstructure:"key_field"`
	RequiredAcks int      `mapstructure:"required_acks"`
}

// decodeEndpoint 解码并校验端点配置
func decodeEndpoint(target *models.TargetSystem, out interface{}) error {
	if err := decodeMap(target.EndpointConfig, out); err != nil {
		return fmt.Errorf("%w: 端点配置解析失败: %v", models.ErrConfigurationInconsistency, err)
	}
	return nil
}
