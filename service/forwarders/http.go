package forwarders

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gateway-service/service/models"
)

// HTTPForwarder HTTP 转发器，批量时以 JSON 数组 POST
type HTTPForwarder struct {
	*baseForwarder
	client   *http.Client
	endpoint HTTPEndpoint
	url      string
}

// NewHTTPForwarder 创建 HTTP 转发器
func NewHTTPForwarder(target *models.TargetSystem, deps Dependencies) (Forwarder, error) {
	var endpoint HTTPEndpoint
	if err := decodeEndpoint(target, &endpoint); err != nil {
		return nil, err
	}
	url, err := endpoint.BuildURL()
	if err != nil {
		return nil, err
	}
	if endpoint.Method == "" {
		endpoint.Method = http.MethodPost
	}
	return &HTTPForwarder{
		baseForwarder: newBaseForwarder(models.ProtocolHTTP, deps),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		endpoint: endpoint,
		url:      url,
	}, nil
}

// Forward 转发单条载荷
func (f *HTTPForwarder) Forward(ctx context.Context, target *models.TargetSystem, payload interface{}) *ForwardResult {
	settings, err := LoadSettings(target, 30*time.Second)
	if err != nil {
		return f.failedResult(target, err)
	}
	body, err := f.preparePayload(ctx, payload, settings)
	if err != nil {
		return f.failedResult(target, err)
	}
	return f.send(ctx, target, settings, body)
}

// ForwardBatch 每 batch_size 条组成一个 JSON 数组请求
func (f *HTTPForwarder) ForwardBatch(ctx context.Context, target *models.TargetSystem, payloads []interface{}) []*ForwardResult {
	settings, err := LoadSettings(target, 30*time.Second)
	if err != nil {
		return fanResult(f.failedResult(target, err), len(payloads))
	}
	results := make([]*ForwardResult, 0, len(payloads))
	for _, chunk := range batches(payloads, settings.BatchSize) {
		body, err := f.preparePayload(ctx, chunk, settings)
		if err != nil {
			results = append(results, fanResult(f.failedResult(target, err), len(chunk))...)
			continue
		}
		results = append(results, fanResult(f.send(ctx, target, settings, body), len(chunk))...)
	}
	return results
}

func (f *HTTPForwarder) send(ctx context.Context, target *models.TargetSystem, settings Settings, body []byte) *ForwardResult {
	headers, err := BuildAuthHeaders(target.AuthConfig)
	if err != nil {
		return f.failedResult(target, err)
	}

	return f.execute(ctx, target, settings, func(ctx context.Context) (attemptOutcome, error) {
		req, err := http.NewRequestWithContext(ctx, strings.ToUpper(f.endpoint.Method), f.url, bytes.NewReader(body))
		if err != nil {
			return attemptOutcome{}, permanent(fmt.Errorf("创建请求失败: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		if settings.Compression {
			req.Header.Set("Content-Encoding", "gzip")
		}
		for k, v := range f.endpoint.Headers {
			req.Header.Set(k, v)
		}
		for k, values := range headers {
			for _, v := range values {
				req.Header.Set(k, v)
			}
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return attemptOutcome{}, err
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseLength))
		outcome := attemptOutcome{statusCode: resp.StatusCode, response: string(respBody), bytesSent: len(body)}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return outcome, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout:
			return outcome, permanent(fmt.Errorf("%w: 目标返回状态码 %d", ErrForwardConnection, resp.StatusCode))
		default:
			return outcome, fmt.Errorf("%w: 目标返回状态码 %d", ErrForwardConnection, resp.StatusCode)
		}
	})
}

// Close 关闭空闲连接
func (f *HTTPForwarder) Close() error {
	f.client.CloseIdleConnections()
	return nil
}
