package stimulus

import (
	"context"
	"time"
)

// Every 返回一个定时探测器：等待 interval 后上报一次无参数事件。
func Every(interval time.Duration) Detector {
	return func(ctx context.Context, spawn Spawn) error {
		timer := time.NewTimer(interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			spawn()
			return nil
		}
	}
}

// FromChannel 返回一个从 ch 读取事件的探测器，每个值作为处理器的唯一参数。
// ch 关闭后探测器一直阻塞到 ctx 结束。
func FromChannel[T any](ch <-chan T) Detector {
	return func(ctx context.Context, spawn Spawn) error {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-ch:
			if !ok {
				<-ctx.Done()
				return nil
			}
			spawn(v)
			return nil
		}
	}
}

// Ticks 返回一个由外部 tick 驱动的探测器，收到一次 tick 就上报一次无参数事件。
func Ticks(ticks <-chan time.Time) Detector {
	return func(ctx context.Context, spawn Spawn) error {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ticks:
			if !ok {
				<-ctx.Done()
				return nil
			}
			spawn()
			return nil
		}
	}
}
