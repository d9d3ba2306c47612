/*
 * @module service/forwarders/base
 * @description 转发器公共能力：重试与退避、认证头构造、压缩、加密信封、统计
 * @architecture 组合模式 - 各协议转发器嵌入 baseForwarder，只实现单次发送
 * @documentReference dev_docs/gateway_design.md
 * @stateFlow 准备载荷(加密->序列化->压缩) -> 单次发送(带超时) -> 失败退避 -> 重试直到次数耗尽
 * @rules retry_count 为总尝试次数；最后一次失败后不再等待；结果中的 retry_count 为实际尝试次数
 * @dependencies compress/gzip, encoding/json
 * @refs service/crypto/crypto_service.go
 */

package forwarders

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"gateway-service/service/models"

	"github.com/spf13/cast"
)

// Encrypter 载荷加密（crypto.Service 实现）
type Encrypter interface {
	WrapPayload(ctx context.Context, payload interface{}, settings models.EncryptionSettings) (map[string]interface{}, error)
}

// permanentError 不可重试的错误（如4xx响应）
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// attemptOutcome 单次发送结果
type attemptOutcome struct {
	statusCode int
	response   string
	bytesSent  int
}

type sendFunc func(ctx context.Context) (attemptOutcome, error)

type baseForwarder struct {
	protocol  models.ProtocolType
	encrypter Encrypter

	statsMu sync.Mutex
	stats   Stats

	sleep func(ctx context.Context, d time.Duration) error
}

func newBaseForwarder(protocol models.ProtocolType, deps Dependencies) *baseForwarder {
	return &baseForwarder{protocol: protocol, encrypter: deps.Encrypter, sleep: sleepContext}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Protocol 协议类型
func (b *baseForwarder) Protocol() models.ProtocolType {
	return b.protocol
}

// Stats 转发统计快照
func (b *baseForwarder) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	s := b.stats
	if s.LastForward != nil {
		t := *s.LastForward
		s.LastForward = &t
	}
	return s
}

func (b *baseForwarder) record(result *ForwardResult, bytesSent int) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	now := result.Timestamp
	b.stats.LastForward = &now
	if result.RetryCount > 1 {
		b.stats.Retries += int64(result.RetryCount - 1)
	}
	if result.Success() {
		b.stats.Forwarded++
		b.stats.BytesSent += int64(bytesSent)
		return
	}
	b.stats.Failed++
	b.stats.LastError = result.Error
}

// classify 将底层错误归类为超时或连接失败
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrForwardTimeout) || errors.Is(err, ErrForwardConnection) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrForwardTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrForwardConnection, err)
}

// execute 带重试执行发送，每次尝试使用独立的超时上下文
func (b *baseForwarder) execute(ctx context.Context, target *models.TargetSystem, settings Settings, send sendFunc) *ForwardResult {
	start := time.Now()
	result := &ForwardResult{
		TargetID: target.ID,
		Protocol: string(b.protocol),
	}

	var (
		lastErr error
		outcome attemptOutcome
	)
	for attempt := 1; attempt <= settings.RetryCount; attempt++ {
		result.RetryCount = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, settings.Timeout)
		outcome, lastErr = send(attemptCtx)
		cancel()

		if lastErr == nil {
			break
		}
		lastErr = classifyPreservingPermanent(lastErr)
		slog.Warn("转发尝试失败",
			"target_id", target.ID,
			"protocol", b.protocol,
			"attempt", attempt,
			"max_attempts", settings.RetryCount,
			"error", lastErr)

		var perm *permanentError
		if errors.As(lastErr, &perm) || ctx.Err() != nil || attempt == settings.RetryCount {
			break
		}
		if err := b.sleep(ctx, Backoff(settings.RetryDelay, attempt)); err != nil {
			break
		}
	}

	result.Duration = time.Since(start)
	result.Timestamp = time.Now()
	result.StatusCode = outcome.statusCode
	result.Response = truncate(outcome.response, maxResponseLength)

	switch {
	case lastErr == nil:
		result.Status = models.ForwardStatusSuccess
	case ctx.Err() != nil:
		result.Status = models.ForwardStatusTimeout
	default:
		result.Status = models.ForwardStatusFailed
	}
	if lastErr != nil {
		result.err = lastErr
		result.Error = lastErr.Error()
	}
	b.record(result, outcome.bytesSent)
	return result
}

func classifyPreservingPermanent(err error) error {
	var perm *permanentError
	if errors.As(err, &perm) {
		return err
	}
	return classify(err)
}

// failedResult 发送前即失败（配置或序列化错误）
func (b *baseForwarder) failedResult(target *models.TargetSystem, err error) *ForwardResult {
	result := &ForwardResult{
		TargetID:  target.ID,
		Protocol:  string(b.protocol),
		Status:    models.ForwardStatusFailed,
		Error:     err.Error(),
		Timestamp: time.Now(),
		err:       err,
	}
	b.record(result, 0)
	return result
}

// preparePayload 加密(可选) -> JSON序列化 -> gzip(可选)
func (b *baseForwarder) preparePayload(ctx context.Context, payload interface{}, settings Settings) ([]byte, error) {
	if settings.Encryption.Enabled {
		if b.encrypter == nil {
			return nil, fmt.Errorf("目标要求加密但未配置加密服务")
		}
		wrapped, err := b.encrypter.WrapPayload(ctx, payload, settings.Encryption)
		if err != nil {
			return nil, fmt.Errorf("加密载荷失败: %w", err)
		}
		payload = wrapped
	}

	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if settings.Compression {
		return gzipBytes(data)
	}
	return data, nil
}

// marshalPayload 字节与字符串原样发送，其余序列化为JSON
func marshalPayload(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化载荷失败: %w", err)
	}
	return data, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("压缩载荷失败: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("压缩载荷失败: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// BuildAuthHeaders 根据 auth_config 构造认证头
func BuildAuthHeaders(auth models.JSONB) (http.Header, error) {
	headers := http.Header{}
	authType := strings.ToLower(auth.GetString("auth_type", auth.GetString("type", "none")))

	switch authType {
	case "", "none":
	case "basic":
		username := auth.GetString("username", "")
		if username == "" {
			return nil, fmt.Errorf("Basic认证缺少用户名")
		}
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + auth.GetString("password", "")))
		headers.Set("Authorization", "Basic "+token)
	case "bearer":
		token := auth.GetString("token", auth.GetString("api_key", ""))
		if token == "" {
			return nil, fmt.Errorf("Bearer认证缺少token")
		}
		headers.Set("Authorization", "Bearer "+token)
	case "api_key":
		key := auth.GetString("api_key", "")
		if key == "" {
			return nil, fmt.Errorf("API Key认证缺少API Key")
		}
		headers.Set(auth.GetString("api_key_header", "X-API-Key"), key)
	case "custom":
		for k, v := range auth.GetMap("custom_headers") {
			headers.Set(k, cast.ToString(v))
		}
	default:
		return nil, fmt.Errorf("不支持的认证类型: %s", authType)
	}
	return headers, nil
}

// batches 按 batch_size 切分
func batches(payloads []interface{}, size int) [][]interface{} {
	if size <= 0 {
		size = len(payloads)
	}
	var out [][]interface{}
	for start := 0; start < len(payloads); start += size {
		end := start + size
		if end > len(payloads) {
			end = len(payloads)
		}
		out = append(out, payloads[start:end])
	}
	return out
}

// fanResult 批量结果复制到批内每条载荷
func fanResult(result *ForwardResult, n int) []*ForwardResult {
	out := make([]*ForwardResult, n)
	for i := range out {
		copied := *result
		out[i] = &copied
	}
	return out
}

// sequentialBatch 无原生批量能力的协议逐条发送
func sequentialBatch(ctx context.Context, f Forwarder, target *models.TargetSystem, payloads []interface{}) []*ForwardResult {
	results := make([]*ForwardResult, 0, len(payloads))
	for _, p := range payloads {
		results = append(results, f.Forward(ctx, target, p))
	}
	return results
}
