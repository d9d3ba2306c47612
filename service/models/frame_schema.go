/*
 * @module service/models/frame_schema
 * @description 二进制帧格式定义模型
 * @architecture 数据模型层 - GORM
 * @documentReference dev_docs/gateway_model.md
 * @stateFlow 设计 -> 发布(不可变) -> 新版本新建行
 * @rules name+version 唯一；FIXED 帧必须给出 total_length；仅支持 UDP/TCP
 * @dependencies gorm.io/gorm
 * @refs service/frame
 */

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 帧类型
const (
	FrameTypeFixed     = "FIXED"
	FrameTypeVariable  = "VARIABLE"
	FrameTypeDelimited = "DELIMITED"
)

// 字节序
const (
	BigEndian    = "BIG_ENDIAN"
	LittleEndian = "LITTLE_ENDIAN"
)

// 字段数据类型
const (
	DataTypeInt8      = "INT8"
	DataTypeUint8     = "UINT8"
	DataTypeInt16     = "INT16"
	DataTypeUint16    = "UINT16"
	DataTypeInt32     = "INT32"
	DataTypeUint32    = "UINT32"
	DataTypeInt64     = "INT64"
	DataTypeUint64    = "UINT64"
	DataTypeFloat32   = "FLOAT32"
	DataTypeFloat64   = "FLOAT64"
	DataTypeString    = "STRING"
	DataTypeBytes     = "BYTES"
	DataTypeBoolean   = "BOOLEAN"
	DataTypeTimestamp = "TIMESTAMP"
)

// 校验类型
const (
	ChecksumNone      = "NONE"
	ChecksumCRC16     = "CRC16"
	ChecksumCRC32     = "CRC32"
	ChecksumMD5       = "MD5"
	ChecksumSHA256    = "SHA256"
	ChecksumSimpleSum = "SIMPLE_SUM"
)

var fixedTypeSizes = map[string]int{
	DataTypeInt8: 1, DataTypeUint8: 1,
	DataTypeInt16: 2, DataTypeUint16: 2,
	DataTypeInt32: 4, DataTypeUint32: 4, DataTypeFloat32: 4,
	DataTypeInt64: 8, DataTypeUint64: 8, DataTypeFloat64: 8,
}

// FixedTypeSize 定长数值类型的字节数，变长类型返回0
func FixedTypeSize(dataType string) int {
	return fixedTypeSizes[dataType]
}

// FieldDef 帧字段定义
type FieldDef struct {
	Name        string   `json:"name"`
	DataType    string   `json:"data_type"`
	Offset      int      `json:"offset"`
	Length      int      `json:"length"`
	ByteOrder   string   `json:"byte_order,omitempty"`
	Scale       *float64 `json:"scale,omitempty"`
	OffsetValue *float64 `json:"offset_value,omitempty"`
	Encoding    string   `json:"encoding,omitempty"` // STRING 字段编码：UTF-8(默认)/GBK
	Description string   `json:"description,omitempty"`
}

// ChecksumDef 校验描述
type ChecksumDef struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Start  *int   `json:"start,omitempty"` // 覆盖区间起点，缺省0
	End    *int   `json:"end,omitempty"`   // 覆盖区间终点(不含)，缺省为校验位偏移
}

// LengthFieldDef VARIABLE 帧长度字段
type LengthFieldDef struct {
	Offset     int    `json:"offset"`
	Length     int    `json:"length"`
	ByteOrder  string `json:"byte_order,omitempty"`
	Adjustment int    `json:"adjustment,omitempty"` // 帧总长 = 长度字段值 + adjustment
}

// FieldDefs 字段列表
type FieldDefs []FieldDef

func (f *FieldDefs) Scan(value interface{}) error {
	if value == nil {
		*f = nil
		return nil
	}
	return scanJSON(value, f)
}

func (f FieldDefs) Value() (driver.Value, error) {
	if f == nil {
		return json.Marshal([]FieldDef{})
	}
	return json.Marshal([]FieldDef(f))
}

func (c *ChecksumDef) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return scanJSON(value, c)
}

func (c *ChecksumDef) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(*c)
}

func (l *LengthFieldDef) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	return scanJSON(value, l)
}

func (l *LengthFieldDef) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(*l)
}

// FrameSchema 帧格式
type FrameSchema struct {
	ID           string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name         string          `json:"name" gorm:"not null;size:100;uniqueIndex:idx_frame_schema_name_version"`
	Version      string          `json:"version" gorm:"not null;size:20;uniqueIndex:idx_frame_schema_name_version"`
	Description  string          `json:"description" gorm:"type:text"`
	ProtocolType string          `json:"protocol_type" gorm:"not null;size:20"`
	FrameType    string          `json:"frame_type" gorm:"not null;size:20"`
	TotalLength  *int            `json:"total_length,omitempty"`
	LengthField  *LengthFieldDef `json:"length_field,omitempty" gorm:"type:jsonb"`
	Delimiter    string          `json:"delimiter,omitempty" gorm:"size:20"`
	Fields       FieldDefs       `json:"fields" gorm:"type:jsonb"`
	Checksum     *ChecksumDef    `json:"checksum,omitempty" gorm:"type:jsonb"`
	IsPublished  bool            `json:"is_published"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// BeforeCreate GORM钩子，创建前生成UUID
func (fs *FrameSchema) BeforeCreate(tx *gorm.DB) error {
	if fs.ID == "" {
		fs.ID = uuid.New().String()
	}
	return nil
}

// HasChecksum 是否配置了有效校验
func (fs *FrameSchema) HasChecksum() bool {
	return fs.Checksum != nil && fs.Checksum.Type != "" && strings.ToUpper(fs.Checksum.Type) != ChecksumNone
}

// Validate 创建时的一致性检查，不一致的定义不会进入解析器
func (fs *FrameSchema) Validate() error {
	if strings.TrimSpace(fs.Name) == "" || strings.TrimSpace(fs.Version) == "" {
		return fmt.Errorf("%w: 帧格式名称和版本不能为空", ErrConfigurationInconsistency)
	}

	protocol := NormalizeProtocol(fs.ProtocolType)
	if protocol != ProtocolUDP && protocol != ProtocolTCP {
		return fmt.Errorf("%w: 帧格式仅支持UDP/TCP协议: %s", ErrConfigurationInconsistency, fs.ProtocolType)
	}

	frameType := strings.ToUpper(fs.FrameType)
	switch frameType {
	case FrameTypeFixed:
		if fs.TotalLength == nil || *fs.TotalLength <= 0 {
			return fmt.Errorf("%w: FIXED帧必须指定total_length", ErrConfigurationInconsistency)
		}
	case FrameTypeVariable:
		if fs.LengthField == nil || fs.LengthField.Length <= 0 {
			return fmt.Errorf("%w: VARIABLE帧必须指定length_field", ErrConfigurationInconsistency)
		}
		if fs.LengthField.Offset < 0 {
			return fmt.Errorf("%w: length_field偏移不能为负: %d", ErrConfigurationInconsistency, fs.LengthField.Offset)
		}
	case FrameTypeDelimited:
		if fs.Delimiter == "" {
			return fmt.Errorf("%w: DELIMITED帧必须指定delimiter", ErrConfigurationInconsistency)
		}
	default:
		return fmt.Errorf("%w: 不支持的帧类型: %s", ErrConfigurationInconsistency, fs.FrameType)
	}

	if len(fs.Fields) == 0 {
		return fmt.Errorf("%w: 帧格式至少需要一个字段", ErrConfigurationInconsistency)
	}

	names := make(map[string]bool, len(fs.Fields))
	for _, f := range fs.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: 字段名称不能为空", ErrConfigurationInconsistency)
		}
		if names[f.Name] {
			return fmt.Errorf("%w: 字段名称重复: %s", ErrConfigurationInconsistency, f.Name)
		}
		names[f.Name] = true

		dataType := strings.ToUpper(f.DataType)
		size := FixedTypeSize(dataType)
		switch dataType {
		case DataTypeString, DataTypeBytes, DataTypeBoolean, DataTypeTimestamp:
		default:
			if size == 0 {
				return fmt.Errorf("%w: 字段 %s 数据类型不支持: %s", ErrConfigurationInconsistency, f.Name, f.DataType)
			}
		}
		if frameType == FrameTypeDelimited {
			continue
		}
		if f.Offset < 0 || f.Length <= 0 {
			return fmt.Errorf("%w: 字段 %s 偏移或长度非法", ErrConfigurationInconsistency, f.Name)
		}
		if size > 0 && f.Length != size {
			return fmt.Errorf("%w: 字段 %s 长度 %d 与类型 %s 不符", ErrConfigurationInconsistency, f.Name, f.Length, dataType)
		}
		if frameType == FrameTypeFixed && f.Offset+f.Length > *fs.TotalLength {
			return fmt.Errorf("%w: 字段 %s 超出帧长度", ErrConfigurationInconsistency, f.Name)
		}
	}

	if fs.HasChecksum() {
		switch strings.ToUpper(fs.Checksum.Type) {
		case ChecksumCRC16, ChecksumCRC32, ChecksumMD5, ChecksumSHA256, ChecksumSimpleSum:
		default:
			return fmt.Errorf("%w: 不支持的校验类型: %s", ErrConfigurationInconsistency, fs.Checksum.Type)
		}
		if fs.Checksum.Length <= 0 || fs.Checksum.Offset < 0 {
			return fmt.Errorf("%w: 校验位偏移或长度非法", ErrConfigurationInconsistency)
		}
		if frameType == FrameTypeFixed && fs.Checksum.Offset+fs.Checksum.Length > *fs.TotalLength {
			return fmt.Errorf("%w: 校验位超出帧长度", ErrConfigurationInconsistency)
		}
	}

	return nil
}
