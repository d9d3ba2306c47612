/*
 * @module service/models/logs
 * @description 消息日志与转发日志模型（追加写审计记录）
 * @architecture 数据模型层 - GORM
 * @documentReference dev_docs/gateway_model.md
 * @stateFlow 每条消息一条 MessageLog（终态），每个目标一条 ForwardLog
 * @rules message_logs 按月分区，主键为 (id, timestamp)
 * @dependencies gorm.io/gorm
 * @refs service/repository/log_repository.go
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageLog 消息日志
type MessageLog struct {
	ID               string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Timestamp        time.Time        `json:"timestamp" gorm:"primaryKey;index"`
	MessageID        string           `json:"message_id" gorm:"type:varchar(36);index"`
	TraceID          string           `json:"trace_id,omitempty" gorm:"type:varchar(64)"`
	SourceProtocol   string           `json:"source_protocol" gorm:"size:20;index"`
	SourceID         string           `json:"source_id,omitempty" gorm:"type:varchar(36);index"`
	SourceAddress    string           `json:"source_address,omitempty" gorm:"size:255"`
	RawData          []byte           `json:"-"`
	RawDataSize      int              `json:"raw_data_size"`
	ParsedData       JSONB            `json:"parsed_data,omitempty" gorm:"type:jsonb"`
	ProcessingStatus string           `json:"processing_status" gorm:"size:20;index"`
	FailureReason    string           `json:"failure_reason,omitempty" gorm:"size:50"`
	MatchedRules     JSONBArray       `json:"matched_rules,omitempty" gorm:"type:jsonb"`
	TargetSystems    JSONBStringArray `json:"target_systems,omitempty" gorm:"type:jsonb"`
	ErrorMessage     string           `json:"error_message,omitempty" gorm:"type:text"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
}

// BeforeCreate GORM钩子，创建前生成UUID
func (l *MessageLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	return nil
}

// ForwardLog 转发日志
type ForwardLog struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID    string    `json:"message_id" gorm:"type:varchar(36);index"`
	TargetID     string    `json:"target_id" gorm:"type:varchar(36);index"`
	RuleID       string    `json:"rule_id,omitempty" gorm:"type:varchar(36)"`
	Protocol     string    `json:"protocol" gorm:"size:20"`
	Status       string    `json:"status" gorm:"size:20;index"`
	StatusCode   int       `json:"status_code,omitempty"`
	RetryCount   int       `json:"retry_count"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at" gorm:"index"`
}

// BeforeCreate GORM钩子，创建前生成UUID
func (l *ForwardLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	return nil
}

// EncryptionKey 加密密钥
type EncryptionKey struct {
	ID          string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name        string     `json:"name" gorm:"not null;size:100;index"`
	Version     string     `json:"version" gorm:"size:20;default:v1"`
	KeyMaterial string     `json:"-" gorm:"type:text;not null"` // base64
	IsActive    bool       `json:"is_active" gorm:"index"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Extra       JSONB      `json:"extra,omitempty" gorm:"type:jsonb"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BeforeCreate GORM钩子，创建前生成UUID
func (k *EncryptionKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	return nil
}

// IsExpired 是否已过期
func (k *EncryptionKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
