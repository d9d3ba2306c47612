/*
 * @module service/frame/parser
 * @description 帧解析器：按帧格式定义将二进制数据解码为字段表
 * @architecture 纯函数组件 - 无状态、无副作用
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 长度检查 -> 帧切分 -> 字段解码 -> 线性变换 -> 校验比对
 * @rules FIXED 帧长度必须等于 total_length；校验失败返回 ErrChecksumInvalid 与已解出的字段，由管道决定丢弃或标记
 * @dependencies encoding/binary, golang.org/x/text
 * @refs service/models/frame_schema.go
 */

package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gateway-service/service/models"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// Parse 按帧格式解析原始数据
func Parse(schema *models.FrameSchema, raw []byte) (map[string]interface{}, error) {
	if schema == nil {
		return nil, fmt.Errorf("帧格式不能为空")
	}

	switch strings.ToUpper(schema.FrameType) {
	case models.FrameTypeFixed:
		return parseFixed(schema, raw)
	case models.FrameTypeVariable:
		return parseVariable(schema, raw)
	case models.FrameTypeDelimited:
		return parseDelimited(schema, raw)
	default:
		return nil, decodeError(schema.Name, "", fmt.Errorf("不支持的帧类型: %s", schema.FrameType))
	}
}

func parseFixed(schema *models.FrameSchema, raw []byte) (map[string]interface{}, error) {
	if schema.TotalLength == nil {
		return nil, decodeError(schema.Name, "", fmt.Errorf("%w: 缺少total_length", models.ErrConfigurationInconsistency))
	}
	if len(raw) != *schema.TotalLength {
		return nil, decodeError(schema.Name, "", fmt.Errorf("%w: 期望 %d 字节, 实际 %d 字节", ErrFrameLengthMismatch, *schema.TotalLength, len(raw)))
	}
	return decodeBinaryFields(schema, raw)
}

func parseVariable(schema *models.FrameSchema, raw []byte) (map[string]interface{}, error) {
	lf := schema.LengthField
	if lf == nil {
		return nil, decodeError(schema.Name, "", fmt.Errorf("%w: 缺少length_field", models.ErrConfigurationInconsistency))
	}
	if lf.Offset < 0 || lf.Length <= 0 {
		return nil, decodeError(schema.Name, "length_field", fmt.Errorf("%w: 偏移 %d 长度 %d", models.ErrConfigurationInconsistency, lf.Offset, lf.Length))
	}
	if lf.Offset+lf.Length > len(raw) {
		return nil, decodeError(schema.Name, "length_field", ErrFrameTooShort)
	}

	declared, err := readUnsigned(raw[lf.Offset:lf.Offset+lf.Length], lf.ByteOrder)
	if err != nil {
		return nil, decodeError(schema.Name, "length_field", err)
	}
	frameLen := int(declared) + lf.Adjustment
	if frameLen <= 0 || frameLen > len(raw) {
		return nil, decodeError(schema.Name, "length_field", fmt.Errorf("%w: 声明长度 %d, 实际 %d 字节", ErrFrameTooShort, frameLen, len(raw)))
	}
	return decodeBinaryFields(schema, raw[:frameLen])
}

func decodeBinaryFields(schema *models.FrameSchema, frame []byte) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(schema.Fields))
	for _, def := range schema.Fields {
		if def.Offset < 0 || def.Offset+def.Length > len(frame) {
			return nil, decodeError(schema.Name, def.Name, fmt.Errorf("%w: 偏移 %d 长度 %d 超出 %d 字节", ErrFrameTooShort, def.Offset, def.Length, len(frame)))
		}
		value, err := decodeField(def, frame[def.Offset:def.Offset+def.Length])
		if err != nil {
			return nil, decodeError(schema.Name, def.Name, err)
		}
		fields[def.Name] = value
	}

	if schema.HasChecksum() {
		if err := verifyChecksum(schema, frame); err != nil {
			return fields, err
		}
	}
	return fields, nil
}

func verifyChecksum(schema *models.FrameSchema, frame []byte) error {
	def := schema.Checksum
	if def.Offset+def.Length > len(frame) {
		return decodeError(schema.Name, "checksum", ErrFrameTooShort)
	}
	start, end, err := checksumRange(def, len(frame))
	if err != nil {
		return decodeError(schema.Name, "checksum", err)
	}
	expected := frame[def.Offset : def.Offset+def.Length]
	actual, err := ComputeChecksum(def.Type, frame[start:end], def.Length)
	if err != nil {
		return decodeError(schema.Name, "checksum", err)
	}
	if !bytes.Equal(expected, actual) {
		return decodeError(schema.Name, "checksum", fmt.Errorf("%w: 期望 %X, 计算 %X", ErrChecksumInvalid, expected, actual))
	}
	return nil
}

func parseDelimited(schema *models.FrameSchema, raw []byte) (map[string]interface{}, error) {
	delimiter := DelimiterBytes(schema.Delimiter)
	if len(delimiter) == 0 {
		return nil, decodeError(schema.Name, "", fmt.Errorf("%w: 缺少delimiter", models.ErrConfigurationInconsistency))
	}

	text := bytes.TrimRight(raw, "\r\n\x00")
	segments := bytes.Split(text, delimiter)
	if len(segments) < len(schema.Fields) {
		return nil, decodeError(schema.Name, "", fmt.Errorf("%w: 期望 %d 段, 实际 %d 段", ErrFrameTooShort, len(schema.Fields), len(segments)))
	}

	fields := make(map[string]interface{}, len(schema.Fields))
	for i, def := range schema.Fields {
		value, err := decodeTextField(def, strings.TrimSpace(string(segments[i])))
		if err != nil {
			return nil, decodeError(schema.Name, def.Name, err)
		}
		fields[def.Name] = value
	}
	return fields, nil
}

// DelimiterBytes 分隔符支持 0x 前缀十六进制与 \n \t 转义
func DelimiterBytes(delimiter string) []byte {
	if strings.HasPrefix(strings.ToLower(delimiter), "0x") {
		if b, err := hex.DecodeString(delimiter[2:]); err == nil {
			return b
		}
	}
	replacer := strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t")
	return []byte(replacer.Replace(delimiter))
}

func byteOrder(order string) binary.ByteOrder {
	if strings.ToUpper(order) == models.LittleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func readUnsigned(b []byte, order string) (uint64, error) {
	bo := byteOrder(order)
	switch len(b) {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(bo.Uint16(b)), nil
	case 4:
		return uint64(bo.Uint32(b)), nil
	case 8:
		return bo.Uint64(b), nil
	}
	return 0, fmt.Errorf("长度字段字节数不支持: %d", len(b))
}

func decodeField(def models.FieldDef, b []byte) (interface{}, error) {
	bo := byteOrder(def.ByteOrder)
	dataType := strings.ToUpper(def.DataType)

	var numeric float64
	var isFloat bool
	switch dataType {
	case models.DataTypeInt8:
		numeric = float64(int8(b[0]))
	case models.DataTypeUint8:
		numeric = float64(b[0])
	case models.DataTypeInt16:
		numeric = float64(int16(bo.Uint16(b)))
	case models.DataTypeUint16:
		numeric = float64(bo.Uint16(b))
	case models.DataTypeInt32:
		numeric = float64(int32(bo.Uint32(b)))
	case models.DataTypeUint32:
		numeric = float64(bo.Uint32(b))
	case models.DataTypeInt64:
		v := int64(bo.Uint64(b))
		if def.Scale == nil && def.OffsetValue == nil {
			return v, nil
		}
		numeric = float64(v)
	case models.DataTypeUint64:
		v := bo.Uint64(b)
		if def.Scale == nil && def.OffsetValue == nil {
			return v, nil
		}
		numeric = float64(v)
	case models.DataTypeFloat32:
		numeric = float64(math.Float32frombits(bo.Uint32(b)))
		isFloat = true
	case models.DataTypeFloat64:
		numeric = math.Float64frombits(bo.Uint64(b))
		isFloat = true
	case models.DataTypeString:
		return decodeString(bytes.TrimRight(b, "\x00"), def.Encoding)
	case models.DataTypeBytes:
		return hex.EncodeToString(b), nil
	case models.DataTypeBoolean:
		for _, c := range b {
			if c != 0 {
				return true, nil
			}
		}
		return false, nil
	case models.DataTypeTimestamp:
		v, err := readUnsigned(b, def.ByteOrder)
		if err != nil {
			return nil, err
		}
		if len(b) == 8 {
			return time.UnixMilli(int64(v)).UTC(), nil
		}
		return time.Unix(int64(v), 0).UTC(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDataType, def.DataType)
	}

	return applyScale(def, numeric, isFloat), nil
}

// applyScale scaled = raw * scale + offset_value；未配置时整数保持 int64
func applyScale(def models.FieldDef, raw float64, isFloat bool) interface{} {
	if def.Scale == nil && def.OffsetValue == nil {
		if isFloat {
			return raw
		}
		return int64(raw)
	}
	scale := 1.0
	if def.Scale != nil {
		scale = *def.Scale
	}
	offset := 0.0
	if def.OffsetValue != nil {
		offset = *def.OffsetValue
	}
	return raw*scale + offset
}

func decodeString(b []byte, encoding string) (string, error) {
	switch strings.ToUpper(encoding) {
	case "GBK", "GB2312", "GB18030":
		out, _, err := transform.Bytes(simplifiedchinese.GBK.NewDecoder(), b)
		if err != nil {
			return "", fmt.Errorf("GBK解码失败: %w", err)
		}
		return string(out), nil
	default:
		return strings.ToValidUTF8(string(b), "�"), nil
	}
}

func decodeTextField(def models.FieldDef, text string) (interface{}, error) {
	dataType := strings.ToUpper(def.DataType)
	switch dataType {
	case models.DataTypeString, models.DataTypeBytes:
		return text, nil
	case models.DataTypeBoolean:
		return strconv.ParseBool(text)
	case models.DataTypeTimestamp:
		if v, err := strconv.ParseInt(text, 10, 64); err == nil {
			return time.Unix(v, 0).UTC(), nil
		}
		return time.Parse(time.RFC3339, text)
	case models.DataTypeFloat32, models.DataTypeFloat64:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, err
		}
		return applyScale(def, v, true), nil
	default:
		if models.FixedTypeSize(dataType) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedDataType, def.DataType)
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, err
		}
		return applyScale(def, float64(v), false), nil
	}
}
