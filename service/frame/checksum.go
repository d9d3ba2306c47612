package frame

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"

	"gateway-service/service/models"
)

// CRC16Modbus CRC-16/MODBUS：初值0xFFFF，反射多项式0xA001
func CRC16Modbus(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// ComputeChecksum 计算校验值，结果按大端写入 length 字节
func ComputeChecksum(checksumType string, data []byte, length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("校验长度非法: %d", length)
	}

	var full []byte
	switch strings.ToUpper(checksumType) {
	case models.ChecksumCRC16:
		full = make([]byte, 2)
		binary.BigEndian.PutUint16(full, CRC16Modbus(data))
	case models.ChecksumCRC32:
		full = make([]byte, 4)
		binary.BigEndian.PutUint32(full, crc32.ChecksumIEEE(data))
	case models.ChecksumMD5:
		sum := md5.Sum(data)
		full = sum[:]
	case models.ChecksumSHA256:
		sum := sha256.Sum256(data)
		full = sum[:]
	case models.ChecksumSimpleSum:
		var sum uint64
		for _, b := range data {
			sum += uint64(b)
		}
		full = make([]byte, 8)
		binary.BigEndian.PutUint64(full, sum)
	default:
		return nil, fmt.Errorf("不支持的校验类型: %s", checksumType)
	}

	return fitLength(full, length, strings.ToUpper(checksumType)), nil
}

// fitLength 数值型校验取低位字节；摘要型校验取前缀
func fitLength(full []byte, length int, checksumType string) []byte {
	out := make([]byte, length)
	if length >= len(full) {
		copy(out[length-len(full):], full)
		return out
	}
	switch checksumType {
	case models.ChecksumMD5, models.ChecksumSHA256:
		copy(out, full[:length])
	default:
		copy(out, full[len(full)-length:])
	}
	return out
}

// checksumRange 校验覆盖区间，缺省为 [0, 校验位偏移)
func checksumRange(def *models.ChecksumDef, frameLen int) (int, int, error) {
	start := 0
	end := def.Offset
	if def.Start != nil {
		start = *def.Start
	}
	if def.End != nil {
		end = *def.End
	}
	if start < 0 || end > frameLen || start > end {
		return 0, 0, fmt.Errorf("校验区间非法: [%d,%d)", start, end)
	}
	return start, end, nil
}
