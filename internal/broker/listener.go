package broker

import (
	"context"

	"Stimulus-Agent/internal/delivery"
	xerrors "Stimulus-Agent/internal/errors"
	"Stimulus-Agent/internal/stimulus"
)

// Listener 返回一个等待 b 上下一条消息的探测器。每条消息作为 *delivery.Message
// 交给工作单元；订阅失效时丢弃缓存并返回错误，由引擎在下一轮重新建立。
// 绑定本身非法时立即返回配置错误，不会生成探测器。
func (m *Manager) Listener(b Binding, policy delivery.RequeuePolicy) (stimulus.Detector, error) {
	if err := validateBinding(b); err != nil {
		return nil, err
	}
	return func(ctx context.Context, spawn stimulus.Spawn) error {
		sub, err := m.Queue(ctx, b)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.Deliveries():
			if !ok {
				m.invalidate(b, sub)
				return xerrors.Newf(xerrors.CodeBrokerConnect, "队列 %s 的订阅已断开", sub.Queue())
			}
			if env.Queue == "" {
				env.Queue = sub.Queue()
			}
			spawn(delivery.NewMessage(sub, env, policy, m.msgOpts...))
			return nil
		}
	}, nil
}
