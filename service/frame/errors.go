package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameLengthMismatch FIXED 帧长度与 total_length 不一致
	ErrFrameLengthMismatch = errors.New("帧长度不匹配")
	// ErrChecksumInvalid 校验值不一致
	ErrChecksumInvalid = errors.New("校验失败")
	// ErrFrameTooShort 数据不足以读取字段
	ErrFrameTooShort = errors.New("帧数据不足")
	// ErrUnsupportedDataType 不支持的数据类型
	ErrUnsupportedDataType = errors.New("不支持的数据类型")
)

// FrameDecodeError 单帧解码失败，携带出错字段
type FrameDecodeError struct {
	Schema string
	Field  string
	Err    error
}

func (e *FrameDecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("帧解码失败 [%s.%s]: %v", e.Schema, e.Field, e.Err)
	}
	return fmt.Sprintf("帧解码失败 [%s]: %v", e.Schema, e.Err)
}

func (e *FrameDecodeError) Unwrap() error {
	return e.Err
}

func decodeError(schema, field string, err error) error {
	return &FrameDecodeError{Schema: schema, Field: field, Err: err}
}

// IsChecksumError 是否为校验失败（字段已解出，可由上层决定丢弃或标记转发）
func IsChecksumError(err error) bool {
	return errors.Is(err, ErrChecksumInvalid)
}
