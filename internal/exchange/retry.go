package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy 统一的重试/退避策略，由 Gateway 应用到所有交易所调用。
// 只有被 Classify 判定为瞬时的错误才会重试，退避序列如 1s, 2s, 4s。
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
}

// DefaultRetryPolicy 3 次尝试，1s 起步，指数翻倍
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Factor:      2.0,
	}
}

// Delay 第 attempt 次失败后的等待时长 (attempt 从 0 开始)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
	}
	return d
}

// Do 执行 fn 并按策略重试瞬时错误。
// 返回实际尝试次数和最终错误；不可恢复的错误立即返回。
func (p RetryPolicy) Do(ctx context.Context, logger *zap.Logger, op string, fn func() error) (attempts int, err error) {
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		attempts = attempt + 1

		err = Classify(fn())
		if err == nil {
			return attempts, nil
		}
		if !IsTransient(err) {
			logger.Warn("Exchange call rejected, not retrying",
				zap.String("Op", op), zap.Int("Attempt", attempts), zap.Error(err))
			return attempts, err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		logger.Warn("Transient exchange error, retrying",
			zap.String("Op", op), zap.Int("Attempt", attempts),
			zap.Duration("Backoff", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-time.After(delay):
		}
	}

	logger.Error("Exchange call failed after all retries",
		zap.String("Op", op), zap.Int("Attempts", attempts), zap.Error(err))
	return attempts, err
}
