package notifier

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryingDispatcher 带指数退避重试的投递器装饰
// 瞬时投递失败重试到次数上限后放弃并返回错误；
// 调用方记录降级标记（last_notify_failed），不回滚领域状态。
type RetryingDispatcher struct {
	inner       Dispatcher
	maxAttempts int
	baseBackoff time.Duration
	logger      *zap.Logger
}

// NewRetryingDispatcher 创建重试投递器
func NewRetryingDispatcher(inner Dispatcher, maxAttempts int, baseBackoff time.Duration, logger *zap.Logger) *RetryingDispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseBackoff <= 0 {
		baseBackoff = 500 * time.Millisecond
	}
	return &RetryingDispatcher{
		inner:       inner,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		logger:      logger,
	}
}

// Notify 投递通知，失败按指数退避重试
func (d *RetryingDispatcher) Notify(ctx context.Context, notification Notification) error {
	backoff := d.baseBackoff
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		lastErr = d.inner.Notify(ctx, notification)
		if lastErr == nil {
			return nil
		}

		d.logger.Warn("Notification dispatch failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.maxAttempts),
			zap.Error(lastErr),
		)

		if attempt == d.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("notification failed after %d attempts: %w", d.maxAttempts, lastErr)
}
