package models

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UnifiedMessage 协议无关的统一消息，从接入一直流转到转发
type UnifiedMessage struct {
	mu sync.RWMutex

	MessageID       string                 `json:"message_id"`
	Timestamp       time.Time              `json:"timestamp"`
	TraceID         string                 `json:"trace_id,omitempty"`
	SourceProtocol  ProtocolType           `json:"source_protocol"`
	DataSourceID    string                 `json:"data_source_id,omitempty"`
	SourceAddress   string                 `json:"source_address,omitempty"`
	SourcePort      int                    `json:"source_port,omitempty"`
	Topic           string                 `json:"topic,omitempty"` // MQTT主题/HTTP路径等逻辑地址
	Headers         map[string]string      `json:"headers,omitempty"`
	RawData         []byte                 `json:"-"`
	DataSize        int                    `json:"data_size"`
	ParsedData      map[string]interface{} `json:"parsed_data,omitempty"`
	FrameSchemaID   string                 `json:"frame_schema_id,omitempty"`
	Status          MessageStatus          `json:"status"`
	TargetSystemIDs []string               `json:"target_system_ids,omitempty"`
	MatchedRuleIDs  []string               `json:"matched_rule_ids,omitempty"`
	ErrorCode       string                 `json:"error_code,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	ParseError      string                 `json:"parse_error,omitempty"`
	AdapterName     string                 `json:"adapter_name,omitempty"`
	Duration        time.Duration          `json:"processing_duration"`
}

// NewUnifiedMessage 构造新消息，生成ID与时间戳
func NewUnifiedMessage(protocol ProtocolType, dataSourceID string, raw []byte) *UnifiedMessage {
	id := uuid.New().String()
	return &UnifiedMessage{
		MessageID:      id,
		TraceID:        id,
		Timestamp:      time.Now().UTC(),
		SourceProtocol: protocol,
		DataSourceID:   dataSourceID,
		RawData:        raw,
		DataSize:       len(raw),
		Status:         MessageStatusReceived,
	}
}

// SetStatus 状态迁移
func (m *UnifiedMessage) SetStatus(status MessageStatus) {
	m.mu.Lock()
	m.Status = status
	m.mu.Unlock()
}

// GetStatus 当前状态
func (m *UnifiedMessage) GetStatus() MessageStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Status
}

// Fail 进入 failed 终态
func (m *UnifiedMessage) Fail(code, message string) {
	m.mu.Lock()
	m.Status = MessageStatusFailed
	m.ErrorCode = code
	m.ErrorMessage = message
	m.mu.Unlock()
}

// LogicalAddress 规则 pattern 匹配使用的逻辑地址
func (m *UnifiedMessage) LogicalAddress() string {
	if m.Topic != "" {
		return m.Topic
	}
	return strings.TrimSpace(string(m.RawData))
}

// Envelope 用于条件字段路径解析的消息视图
func (m *UnifiedMessage) Envelope() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"message_id":      m.MessageID,
		"timestamp":       m.Timestamp,
		"source_protocol": string(m.SourceProtocol),
		"data_source_id":  m.DataSourceID,
		"source_address":  m.SourceAddress,
		"source_port":     m.SourcePort,
		"topic":           m.Topic,
		"headers":         m.Headers,
		"data_size":       m.DataSize,
		"parsed_data":     m.ParsedData,
		"raw_text":        string(m.RawData),
	}
}

// SetParsed 写入解析结果；parseErr 非空表示带校验错误标记继续转发
func (m *UnifiedMessage) SetParsed(fields map[string]interface{}, parseErr string) {
	m.mu.Lock()
	m.ParsedData = fields
	m.ParseError = parseErr
	m.mu.Unlock()
}

// SetRouting 记录命中规则与目标系统
func (m *UnifiedMessage) SetRouting(ruleIDs, targetIDs []string) {
	m.mu.Lock()
	m.MatchedRuleIDs = ruleIDs
	m.TargetSystemIDs = targetIDs
	m.mu.Unlock()
}

// Finish 记录处理耗时
func (m *UnifiedMessage) Finish(d time.Duration) {
	m.mu.Lock()
	m.Duration = d
	m.mu.Unlock()
}

// Failure 失败码与描述
func (m *UnifiedMessage) Failure() (string, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ErrorCode, m.ErrorMessage
}
