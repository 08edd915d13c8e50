package llm

import (
	"context"
	"errors"
	"strings"
	"time"
)

// 统一的 LLM 错误码，用于对齐 HTTP 状态、可重试性与降级策略。
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "LLM_INVALID_REQUEST"  // 参数/格式错误
	ErrUnauthorized    ErrorCode = "LLM_UNAUTHORIZED"     // 未授权或密钥失效
	ErrForbidden       ErrorCode = "LLM_FORBIDDEN"        // 权限或内容策略拒绝
	ErrRateLimited     ErrorCode = "LLM_RATE_LIMITED"     // 上游或本地限流
	ErrUpstreamTimeout ErrorCode = "LLM_UPSTREAM_TIMEOUT" // 上游超时
	ErrUpstreamError   ErrorCode = "LLM_UPSTREAM_ERROR"   // 上游 5xx/网络错误
)

type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// IsRateLimited 判断错误是否为限流错误。
// 优先检查 *Error 的错误码，对外部错误回退到消息模式匹配。
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Code == ErrRateLimited
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests")
}

// IsTimeout 判断错误是否为超时/连接中断类错误。
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Code == ErrUpstreamTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "econnreset")
}

// IsRetryable 判断错误是否可重试：限流与超时类错误可重试，其余不可。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var le *Error
	if errors.As(err, &le) && le.Retryable {
		return true
	}
	return IsRateLimited(err) || IsTimeout(err)
}

// ChatProvider 定义补全服务的最小接口。
// 查询扩展与重排组件只依赖这一个方法。
type ChatProvider interface {
	// Complete 为给定提示词生成一次补全。
	Complete(ctx context.Context, prompt string) (string, error)
}

// CompletionFunc 将普通函数适配为 ChatProvider。
type CompletionFunc func(ctx context.Context, prompt string) (string, error)

func (f CompletionFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// HealthStatus 表示提供者的健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}
