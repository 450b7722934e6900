package agent

import (
	"context"

	"Stimulus-Agent/internal/memo"
)

type runtimeKey struct{}

// WithRuntime 把运行实例放入 ctx，引擎传给处理器的 ctx 都携带它。
func WithRuntime(ctx context.Context, r *Runtime) context.Context {
	return context.WithValue(ctx, runtimeKey{}, r)
}

// FromContext 取出处理器所属的运行实例。
func FromContext(ctx context.Context) (*Runtime, bool) {
	r, ok := ctx.Value(runtimeKey{}).(*Runtime)
	return r, ok && r != nil
}

// Memos 返回处理器所属 agent 的 memo 注册表，不在运行实例中时返回 nil。
func Memos(ctx context.Context) *memo.Registry {
	if r, ok := FromContext(ctx); ok {
		return r.Memos()
	}
	return nil
}
