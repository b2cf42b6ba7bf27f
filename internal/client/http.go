// Package client 外部服务客户端：交易所 HTTP API、以太坊 JSON-RPC、签名服务
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	commonerrors "github.com/exchange/custody/pkg/errors"
	"github.com/exchange/custody/pkg/tracing"
)

// DefaultTimeout 外部调用默认超时
const DefaultTimeout = 10 * time.Second

const maxErrorBody = 4 << 10

// APIError 对端返回的非 2xx 错误；只有 4xx 的结果是确定的
type APIError struct {
	Service string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s error (status %d): %s", e.Service, e.Status, e.Message)
}

func (e *APIError) ErrorCode() commonerrors.Code {
	if IsNonceError(e) {
		return commonerrors.CodeInvalidNonce
	}
	return commonerrors.CodeVenueError
}

// TransportError 请求已发出但未拿到确定结果（超时、连接中断）
type TransportError struct {
	Service string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) ErrorCode() commonerrors.Code {
	return commonerrors.CodeTimeout
}

// IsUnknownOutcome 调用结果未知，需要事后对账而不是直接重试或回滚。
// 5xx 可能来自请求已被处理后的网关，同样视为未知。
func IsUnknownOutcome(err error) bool {
	var te *TransportError
	if errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status >= http.StatusInternalServerError
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func postJSON(ctx context.Context, hc *http.Client, service, url string, headers map[string]string, body, out interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	tracing.InjectHTTP(ctx, req)

	resp, err := hc.Do(req)
	if err != nil {
		return &TransportError{Service: service, Op: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Service: service, Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Service: service, Op: "decode response", Err: err}
	}
	return nil
}

// errorMessage 提取 {"error": "..."} 或 {"message": "..."}，否则返回原文
func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
