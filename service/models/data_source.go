/*
 * @module service/models/data_source
 * @description 网关数据源与目标系统模型
 * @architecture 数据模型层 - GORM
 * @documentReference dev_docs/gateway_model.md
 * @stateFlow 创建 -> 启用/停用 -> 运行时统计累加
 * @rules 被路由规则引用的数据源只做软停用，不做物理删除
 * @dependencies gorm.io/gorm, github.com/google/uuid
 * @refs service/repository, service/adapters
 */

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DataSource 数据源（接入端点）
type DataSource struct {
	ID               string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name             string     `json:"name" gorm:"not null;size:100"`
	Description      string     `json:"description" gorm:"type:text"`
	ProtocolType     string     `json:"protocol_type" gorm:"not null;size:20;index"`
	ConnectionConfig JSONB      `json:"connection_config" gorm:"type:jsonb"`
	ParseConfig      JSONB      `json:"parse_config" gorm:"type:jsonb"`
	FrameSchemaID    *string    `json:"frame_schema_id,omitempty" gorm:"type:varchar(36);index"`
	IsActive         bool       `json:"is_active" gorm:"index"`
	TotalMessages    int64      `json:"total_messages" gorm:"default:0"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// BeforeCreate GORM钩子，创建前生成UUID
func (ds *DataSource) BeforeCreate(tx *gorm.DB) error {
	if ds.ID == "" {
		ds.ID = uuid.New().String()
	}
	return nil
}

// AutoParse 是否自动解析
func (ds *DataSource) AutoParse() bool {
	return ds.ParseConfig.GetBool("auto_parse", false)
}

// SchemaID 解析配置引用的帧格式ID，列字段优先
func (ds *DataSource) SchemaID() string {
	if ds.FrameSchemaID != nil && *ds.FrameSchemaID != "" {
		return *ds.FrameSchemaID
	}
	return ds.ParseConfig.GetString("frame_schema_id", "")
}

// ParseOptions 解析选项
func (ds *DataSource) ParseOptions() JSONB {
	return ds.ParseConfig.GetMap("parse_options")
}

// TargetSystem 目标系统（转发目的地）
type TargetSystem struct {
	ID              string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name            string     `json:"name" gorm:"not null;size:100"`
	Description     string     `json:"description" gorm:"type:text"`
	ProtocolType    string     `json:"protocol_type" gorm:"not null;size:20;index"`
	EndpointConfig  JSONB      `json:"endpoint_config" gorm:"type:jsonb"`
	AuthConfig      JSONB      `json:"auth_config" gorm:"type:jsonb"`
	ForwarderConfig JSONB      `json:"forwarder_config" gorm:"type:jsonb"`
	TransformConfig JSONB      `json:"transform_config" gorm:"type:jsonb"`
	IsActive        bool       `json:"is_active" gorm:"index"`
	TotalForwarded  int64      `json:"total_forwarded" gorm:"default:0"`
	TotalFailed     int64      `json:"total_failed" gorm:"default:0"`
	LastForwardAt   *time.Time `json:"last_forward_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// BeforeCreate GORM钩子，创建前生成UUID
func (ts *TargetSystem) BeforeCreate(tx *gorm.DB) error {
	if ts.ID == "" {
		ts.ID = uuid.New().String()
	}
	return nil
}

// EncryptionSettings 转发加密配置
type EncryptionSettings struct {
	Enabled    bool
	KeyName    string
	KeyVersion string
	Metadata   JSONB
}

// Encryption 读取 forwarder_config.encryption
func (ts *TargetSystem) Encryption() EncryptionSettings {
	enc := ts.ForwarderConfig.GetMap("encryption")
	return EncryptionSettings{
		Enabled:    enc.GetBool("enabled", false),
		KeyName:    enc.GetString("key_name", ""),
		KeyVersion: enc.GetString("version", enc.GetString("key_version", "v1")),
		Metadata:   enc.GetMap("metadata"),
	}
}
