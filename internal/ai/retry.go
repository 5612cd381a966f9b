package ai

import (
	"context"
	"fmt"
	"time"
)

// DefaultMaxAttempts 能力调用默认重试预算
const DefaultMaxAttempts = 3

// Retry 指数退避重试。attempts 为总尝试次数；
// 每次失败后等待 base, 2*base, 4*base ... 再试。
// ctx 取消立即返回。
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = 200 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		backoff := base * time.Duration(1<<uint(i))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("重试 %d 次后仍失败: %w", attempts, lastErr)
}
