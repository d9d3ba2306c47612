package frame

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"gateway-service/service/models"

	"github.com/spf13/cast"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// Encode 将字段表编码为 FIXED 帧（Parse 的逆运算），用于下行组帧与测试。
// 数值字段先做逆线性变换 raw = (value - offset_value) / scale，再按字节序写入，最后写入校验。
func Encode(schema *models.FrameSchema, fields map[string]interface{}) ([]byte, error) {
	if schema == nil {
		return nil, fmt.Errorf("帧格式不能为空")
	}
	if strings.ToUpper(schema.FrameType) != models.FrameTypeFixed || schema.TotalLength == nil {
		return nil, fmt.Errorf("仅支持FIXED帧编码: %s", schema.FrameType)
	}

	frame := make([]byte, *schema.TotalLength)
	for _, def := range schema.Fields {
		if def.Offset+def.Length > len(frame) {
			return nil, decodeError(schema.Name, def.Name, ErrFrameTooShort)
		}
		value, ok := fields[def.Name]
		if !ok {
			continue
		}
		if err := encodeField(def, value, frame[def.Offset:def.Offset+def.Length]); err != nil {
			return nil, decodeError(schema.Name, def.Name, err)
		}
	}

	if schema.HasChecksum() {
		def := schema.Checksum
		start, end, err := checksumRange(def, len(frame))
		if err != nil {
			return nil, err
		}
		sum, err := ComputeChecksum(def.Type, frame[start:end], def.Length)
		if err != nil {
			return nil, err
		}
		copy(frame[def.Offset:def.Offset+def.Length], sum)
	}
	return frame, nil
}

func unscale(def models.FieldDef, value float64) float64 {
	if def.OffsetValue != nil {
		value -= *def.OffsetValue
	}
	if def.Scale != nil && *def.Scale != 0 {
		value /= *def.Scale
	}
	return value
}

func encodeField(def models.FieldDef, value interface{}, out []byte) error {
	bo := byteOrder(def.ByteOrder)
	dataType := strings.ToUpper(def.DataType)

	switch dataType {
	case models.DataTypeString:
		s := cast.ToString(value)
		b := []byte(s)
		if enc := strings.ToUpper(def.Encoding); enc == "GBK" || enc == "GB2312" || enc == "GB18030" {
			converted, _, err := transform.Bytes(simplifiedchinese.GBK.NewEncoder(), b)
			if err != nil {
				return err
			}
			b = converted
		}
		copy(out, b)
		return nil
	case models.DataTypeBytes:
		b, err := hex.DecodeString(cast.ToString(value))
		if err != nil {
			return err
		}
		copy(out, b)
		return nil
	case models.DataTypeBoolean:
		if cast.ToBool(value) {
			out[len(out)-1] = 1
		}
		return nil
	case models.DataTypeTimestamp:
		t, err := cast.ToTimeE(value)
		if err != nil {
			return err
		}
		return putUnsigned(out, bo, timestampValue(t, len(out)))
	}

	f, err := cast.ToFloat64E(value)
	if err != nil {
		return fmt.Errorf("字段值不是数值: %w", err)
	}
	raw := unscale(def, f)

	switch dataType {
	case models.DataTypeFloat32:
		bo.PutUint32(out, math.Float32bits(float32(raw)))
	case models.DataTypeFloat64:
		bo.PutUint64(out, math.Float64bits(raw))
	case models.DataTypeInt8, models.DataTypeInt16, models.DataTypeInt32, models.DataTypeInt64:
		return putUnsigned(out, bo, uint64(int64(math.Round(raw))))
	case models.DataTypeUint8, models.DataTypeUint16, models.DataTypeUint32, models.DataTypeUint64:
		if raw < 0 {
			return fmt.Errorf("无符号字段不能为负数: %v", raw)
		}
		if dataType == models.DataTypeUint64 {
			if u, ok := value.(uint64); ok && def.Scale == nil && def.OffsetValue == nil {
				return putUnsigned(out, bo, u)
			}
		}
		return putUnsigned(out, bo, uint64(math.Round(raw)))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedDataType, def.DataType)
	}
	return nil
}

func timestampValue(t time.Time, size int) uint64 {
	if size == 8 {
		return uint64(t.UnixMilli())
	}
	return uint64(t.Unix())
}

func putUnsigned(out []byte, bo binary.ByteOrder, v uint64) error {
	switch len(out) {
	case 1:
		out[0] = byte(v)
	case 2:
		bo.PutUint16(out, uint16(v))
	case 4:
		bo.PutUint32(out, uint32(v))
	case 8:
		bo.PutUint64(out, v)
	default:
		return fmt.Errorf("数值字段字节数不支持: %d", len(out))
	}
	return nil
}
