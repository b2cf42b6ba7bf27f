// Package response HTTP 响应辅助
package response

import (
	"encoding/json"
	"net/http"
	"strings"

	commonerrors "github.com/exchange/custody/pkg/errors"
)

// RequestIDFromRequest 从请求头读取 request ID
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if reqID := RequestIDFromContext(r.Context()); reqID != "" {
		return reqID
	}
	return strings.TrimSpace(r.Header.Get(requestIDHeader))
}

// WriteJSON 写 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// WriteError 将任意错误转换为结构化错误响应
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if w == nil || err == nil {
		return
	}
	payload := *commonerrors.From(err)
	if reqID := RequestIDFromRequest(r); reqID != "" {
		payload.RequestID = reqID
	}
	WriteJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode 按错误码写响应
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	WriteError(w, r, commonerrors.NewWithDefault(code, message))
}
