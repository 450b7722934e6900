package deadletter

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"Stimulus-Agent/internal/delivery"
	xerrors "Stimulus-Agent/internal/errors"
	"Stimulus-Agent/internal/observability/alerting"
	"Stimulus-Agent/pkg/logger"
)

const saveTimeout = 5 * time.Second

type handlerConfig struct {
	agent     string
	alerter   alerting.Dispatcher
	logger    *slog.Logger
	exhausted func(queue string)
}

// HandlerOption 定义死信处理的可选配置。
type HandlerOption func(*handlerConfig)

// WithAgent 在记录与告警中标注 agent 名称。
func WithAgent(name string) HandlerOption {
	return func(c *handlerConfig) { c.agent = name }
}

// WithAlerter 在每条消息转存后发出告警。
func WithAlerter(d alerting.Dispatcher) HandlerOption {
	return func(c *handlerConfig) { c.alerter = d }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) HandlerOption {
	return func(c *handlerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithExhaustedCounter 在每次转存时回调，用于指标统计。
func WithExhaustedCounter(fn func(queue string)) HandlerOption {
	return func(c *handlerConfig) { c.exhausted = fn }
}

// Handler 构造 RequeuePolicy.OnLimitReached 回调：把消息写入 store 后永久拒绝。
// 写入失败时消息保持未处置，channel 关闭后 broker 会重新投递。
func Handler(store Store, opts ...HandlerOption) delivery.LimitFunc {
	cfg := handlerConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = logger.Named("deadletter")
	}

	return func(msg *delivery.Message, attempt, maxRetries int, cumulative time.Duration) {
		env := msg.Envelope()
		rec := recordFrom(env)
		rec.ID = uuid.NewString()
		rec.Agent = cfg.agent
		rec.Attempts = attempt
		rec.MaxRetries = maxRetries
		rec.CumulativeDelay = cumulative
		rec.CreatedAt = time.Now().UnixMilli()

		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := store.Save(ctx, rec); err != nil {
			cfg.logger.Error("保存死信失败，消息保持未确认",
				slog.Any("error", err),
				slog.String("queue", env.Queue),
				slog.String("message_id", env.MessageID),
			)
			return
		}
		if err := msg.Reject(); err != nil {
			cfg.logger.Warn("拒绝死信消息失败", slog.Any("error", err), slog.String("record_id", rec.ID))
		}

		logger.Audit().Info("消息转入死信",
			slog.String("record_id", rec.ID),
			slog.String("agent", cfg.agent),
			slog.String("queue", env.Queue),
			slog.Int("attempts", attempt),
			slog.Int("max_retries", maxRetries),
			slog.Duration("cumulative_delay", cumulative),
		)
		if cfg.exhausted != nil {
			cfg.exhausted(env.Queue)
		}
		if cfg.alerter == nil {
			return
		}
		event := alerting.NewEvent(xerrors.CodeRetriesExhausted, nil)
		event.Agent = cfg.agent
		event.Queue = env.Queue
		event.Attempts = attempt
		event.MaxRetries = maxRetries
		event.Metadata = map[string]string{"record_id": rec.ID}
		if err := cfg.alerter.Notify(ctx, event); err != nil {
			cfg.logger.Error("告警通知失败", slog.Any("error", err), slog.String("record_id", rec.ID))
		}
	}
}
