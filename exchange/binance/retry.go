package binance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dcabot/logger"
)

// RetryPolicy 只读请求的重试策略：固定次数，指数退避
type RetryPolicy struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy 3 次，1s 起步翻倍
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseBackoff: time.Second, MaxBackoff: 60 * time.Second}
}

// backoff 第 n 次（从 0 开始）失败后的等待时间
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.BaseBackoff << uint(n)
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d <= 0) {
		d = p.MaxBackoff
	}
	return d
}

var banRe = regexp.MustCompile(`banned until (\d+)`)

// parseBanTime 从错误消息中解析封禁截止时间
// 错误格式: "IP(130.176.187.84) banned until 1767288777555"
func parseBanTime(msg string) (time.Time, bool) {
	m := banRe.FindStringSubmatch(msg)
	if len(m) < 2 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func isRateLimited(err error) bool {
	if isAPICode(err, codeTooManyRequests) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Way too many requests") || strings.Contains(msg, "banned until")
}

// retryable 业务错误（参数、保证金、签名等）不重试
func retryable(err error) bool {
	if isRateLimited(err) {
		return true
	}
	if apiErr, ok := apiError(err); ok {
		return apiErr.Code <= -1000 && apiErr.Code > -1100 // 1000 段为服务端/网络类错误
	}
	return true
}

// waitDuration 限流错误优先按封禁截止时间等待，否则按退避策略
func (p RetryPolicy) waitDuration(err error, n int, now time.Time) time.Duration {
	if isRateLimited(err) {
		if until, ok := parseBanTime(err.Error()); ok && until.After(now) {
			return until.Sub(now) + time.Second
		}
	}
	return p.backoff(n)
}

func withRetry[T any](ctx context.Context, p RetryPolicy, op string, fn func() (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for n := 0; n < attempts; n++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) || n == attempts-1 {
			break
		}
		wait := p.waitDuration(err, n, time.Now())
		logger.Warn("⚠️ [Binance] %s失败: %v，%v 后重试 (第%d次)", op, err, wait, n+1)
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("上下文已取消: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return zero, lastErr
}
