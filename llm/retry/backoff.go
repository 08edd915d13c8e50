// Package retry 提供按错误分类的有界重试策略。
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/docflow/llm"
)

// Action 表示策略对一次失败的处置决定。
type Action int

const (
	// ActionFail 不再重试，向调用方传播错误。
	ActionFail Action = iota
	// ActionRetryAfter 在 Delay 之后重试。
	ActionRetryAfter
)

// Decision 是策略的输出：要么失败，要么延迟后重试。
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy 定义重试策略配置。
// 决策是 (错误分类, 尝试次数) 的纯函数，不携带可变状态。
type Policy struct {
	MaxAttempts int                               // 总尝试次数上限（含首次）
	Delays      []time.Duration                   // 每次重试前的延迟（第 n 次重试用 Delays[n-1]）
	Classify    func(err error) bool              // 错误是否可重试；nil 使用 llm.IsRetryable
	OnRetry     func(attempt int, err error, delay time.Duration) // 重试回调
}

// DefaultPolicy 返回嵌入批处理使用的默认策略：
// 最多 3 次尝试，退避 1s / 5s / 15s，仅限流与超时类错误可重试。
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts: 3,
		Delays:      []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second},
		Classify:    llm.IsRetryable,
	}
}

// Decide 返回对第 attempt 次失败（从 1 开始计）的处置决定。
func (p *Policy) Decide(err error, attempt int) Decision {
	classify := p.Classify
	if classify == nil {
		classify = llm.IsRetryable
	}
	if err == nil || !classify(err) || attempt >= p.MaxAttempts {
		return Decision{Action: ActionFail}
	}
	idx := attempt - 1
	if idx >= len(p.Delays) {
		idx = len(p.Delays) - 1
	}
	return Decision{Action: ActionRetryAfter, Delay: p.Delays[idx]}
}

// Retryer 重试器接口。
type Retryer interface {
	// Do 执行函数，失败时根据策略重试。
	Do(ctx context.Context, fn func() error) error
}

// backoffRetryer 基于固定退避表的重试器实现。
type backoffRetryer struct {
	policy *Policy
	logger *zap.Logger
}

// NewRetryer 创建重试器。policy 为 nil 时使用 DefaultPolicy。
func NewRetryer(policy *Policy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if len(policy.Delays) == 0 {
		policy.Delays = DefaultPolicy().Delays
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &backoffRetryer{policy: policy, logger: logger}
}

// Do 实现 Retryer.Do。
// 延迟期间监听 context 取消，取消立即返回。
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return nil
		}

		decision := r.policy.Decide(lastErr, attempt)
		if decision.Action == ActionFail {
			if attempt >= r.policy.MaxAttempts {
				r.logger.Warn("retry attempts exhausted",
					zap.Int("attempts", attempt),
					zap.Error(lastErr))
				return fmt.Errorf("failed after %d attempts: %w", attempt, lastErr)
			}
			r.logger.Debug("error not retryable", zap.Error(lastErr))
			return lastErr
		}

		r.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", decision.Delay),
			zap.Error(lastErr))

		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, lastErr, decision.Delay)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(decision.Delay):
		}
	}

	return lastErr
}
