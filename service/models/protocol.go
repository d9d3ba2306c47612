/*
 * @module service/models/protocol
 * @description 网关协议类型、消息状态等枚举定义
 * @architecture 数据模型层
 * @documentReference dev_docs/gateway_model.md
 * @stateFlow 无
 * @rules 协议标识统一使用大写字符串，比较前需归一化
 * @dependencies strings
 * @refs service/adapters, service/forwarders
 */

package models

import (
	"errors"
	"strings"
)

// ProtocolType 协议类型
type ProtocolType string

const (
	ProtocolUDP       ProtocolType = "UDP"
	ProtocolTCP       ProtocolType = "TCP"
	ProtocolHTTP      ProtocolType = "HTTP"
	ProtocolWebSocket ProtocolType = "WEBSOCKET"
	ProtocolMQTT      ProtocolType = "MQTT"
	ProtocolKafka     ProtocolType = "KAFKA"
)

// NormalizeProtocol 协议标识归一化
func NormalizeProtocol(value string) ProtocolType {
	p := strings.ToUpper(strings.TrimSpace(value))
	p = strings.TrimPrefix(p, "PROTOCOLTYPE.")
	if p == "WS" {
		return ProtocolWebSocket
	}
	return ProtocolType(p)
}

// IsInboundProtocol 是否为数据源支持的接入协议
func IsInboundProtocol(p ProtocolType) bool {
	switch p {
	case ProtocolUDP, ProtocolTCP, ProtocolHTTP, ProtocolWebSocket, ProtocolMQTT:
		return true
	}
	return false
}

// MessageStatus 统一消息处理状态
type MessageStatus string

const (
	MessageStatusReceived    MessageStatus = "received"
	MessageStatusParsing     MessageStatus = "parsing"
	MessageStatusValidated   MessageStatus = "validated"
	MessageStatusRouted      MessageStatus = "routed"
	MessageStatusTransformed MessageStatus = "transformed"
	MessageStatusForwarded   MessageStatus = "forwarded"
	MessageStatusFailed      MessageStatus = "failed"
)

// 消息日志终态
const (
	LogStatusSuccess        = "success"
	LogStatusPartialSuccess = "partial_success"
	LogStatusFailed         = "failed"
)

// 转发日志状态
const (
	ForwardStatusSuccess = "success"
	ForwardStatusFailed  = "failed"
	ForwardStatusTimeout = "timeout"
)

// 失败原因
const (
	FailureReasonUnrouted         = "unrouted"
	FailureReasonParseError       = "parse_error"
	FailureReasonChecksumInvalid  = "checksum_invalid"
	FailureReasonValidationFailed = "validation_failed"
	FailureReasonForwardFailed    = "forward_failed"
)

var (
	// ErrConfigurationInconsistency 配置自相矛盾，在创建时被拒绝
	ErrConfigurationInconsistency = errors.New("配置不一致")
	// ErrUnsupportedProtocol 适配器或转发器工厂中未注册该协议
	ErrUnsupportedProtocol = errors.New("不支持的协议")
)
