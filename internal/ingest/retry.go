package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy 指数退避重试策略
type RetryPolicy struct {
	MaxRetries    int           // 首次执行之外的最大重试次数
	InitialDelay  time.Duration // 首次重试前的等待时间
	BackoffFactor float64       // 每次重试的延迟倍率
	MaxDelay      time.Duration // 延迟上限

	// sleep 可注入，测试时替换为记录调用的桩
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy 创建重试策略
func NewRetryPolicy(maxRetries int, initialDelay time.Duration, factor float64, maxDelay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:    maxRetries,
		InitialDelay:  initialDelay,
		BackoffFactor: factor,
		MaxDelay:      maxDelay,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do 按策略执行fn。熔断器打开的快速失败错误不重试，直接返回。
func (p *RetryPolicy) Do(ctx context.Context, log *zap.Logger, fn func() error) error {
	delay := p.InitialDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			// 熔断打开时重试只会继续失败，立即放弃
			return err
		}
		if attempt >= p.MaxRetries {
			return err
		}

		if log != nil {
			log.Warn("处理失败，等待重试",
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err))
		}
		if serr := p.sleep(ctx, delay); serr != nil {
			return serr
		}
		delay = time.Duration(float64(delay) * p.BackoffFactor)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
