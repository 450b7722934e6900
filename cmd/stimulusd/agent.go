package main

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"Stimulus-Agent/internal/agent"
	"Stimulus-Agent/internal/broker"
	"Stimulus-Agent/internal/config"
	"Stimulus-Agent/internal/deadletter"
	"Stimulus-Agent/internal/delivery"
	xerrors "Stimulus-Agent/internal/errors"
	"Stimulus-Agent/internal/memo"
	"Stimulus-Agent/internal/observability/alerting"
	"Stimulus-Agent/internal/observability/metrics"
	"Stimulus-Agent/internal/stimulus"
	"Stimulus-Agent/internal/trigger"
	"Stimulus-Agent/pkg/logger"
)

const (
	memoProcessed = "processed"
	memoPerSource = "per_source"
	retryField    = "retry"
)

// components 汇总构建 agent 所需的外部依赖，可选组件为 nil 时跳过对应的 stimulus。
type components struct {
	cfg       *config.Config
	manager   *broker.Manager
	trigger   *trigger.RedisList
	store     deadletter.Store
	collector *metrics.Collector
	alerter   alerting.Dispatcher
}

// buildDefinition 根据配置声明 agent：心跳、每个绑定一个监听器，以及可选的 Redis 触发器。
func buildDefinition(c components) (*agent.Definition, error) {
	cfg := c.cfg
	b := agent.NewBuilder(cfg.Agent.Name).
		Memo(memoProcessed, func() (any, error) { return new(atomic.Int64), nil }, memo.WithSafe()).
		Memo(memoPerSource, func() (any, error) { return map[string]int{}, nil })

	if every := config.Duration(cfg.Agent.Heartbeat); every > 0 {
		b.Stimulus("heartbeat", heartbeat, stimulus.Every(every))
	}

	if c.manager != nil {
		for _, bc := range cfg.Broker.Bindings {
			binding := broker.Binding{
				Queue:       bc.Queue,
				Exchanges:   bc.Exchanges,
				Prefetch:    bc.Prefetch,
				RoutingKey:  bc.RoutingKey,
				Predeclared: bc.Predeclared,
				Durable:     bc.Durable,
			}
			policy := cfg.Policy()
			policy.OnRequeue = c.collector.RequeueFunc(bc.Queue, nil)
			policy.OnLimitReached = deadletter.Handler(c.store,
				deadletter.WithAgent(cfg.Agent.Name),
				deadletter.WithAlerter(c.alerter),
				deadletter.WithExhaustedCounter(c.collector.Exhausted),
			)
			listener, err := c.manager.Listener(binding, policy)
			if err != nil {
				return nil, err
			}
			b.Stimulus(bc.Name, agent.MessageHandler(consume), listener)
		}
	}

	if c.trigger != nil {
		b.Stimulus("redis", redisItem, c.trigger.Detector())
	}
	return b.Build()
}

// consume 处理一条 broker 消息。JSON 负载中 "retry": true 会触发按策略重投，
// 无法解析的消息直接丢弃。
func consume(ctx context.Context, msg *delivery.Message) error {
	log := logger.Named("consumer").With(slog.String("queue", msg.Queue()))

	var payload any
	if strings.HasPrefix(msg.Envelope().ContentType, "application/json") {
		var doc map[string]any
		if err := msg.Decode(&doc); err != nil {
			log.Warn("丢弃无法解析的消息", slog.Any("error", err))
			return msg.Reject()
		}
		if retry, _ := doc[retryField].(bool); retry {
			scheduled, err := msg.Requeue(ctx)
			if err != nil {
				return err
			}
			log.Info("消息已安排重投",
				slog.Bool("scheduled", scheduled),
				slog.Int("redelivery_count", msg.RedeliveryCount()),
			)
			return nil
		}
		payload = doc
	} else {
		var text string
		if err := msg.Decode(&text); err != nil {
			return msg.Reject()
		}
		payload = text
	}

	if err := record(ctx, "queue:"+msg.Queue()); err != nil {
		return err
	}
	log.Debug("消息处理完成", slog.Any("payload", payload))
	return msg.Ack()
}

// redisItem 处理 Redis 触发器上报的 (key, value)。
func redisItem(ctx context.Context, args ...any) error {
	if len(args) != 2 {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "Redis 事件期望 2 个参数，实际 %d 个", len(args))
	}
	key, _ := args[0].(string)
	value, _ := args[1].(string)
	if err := record(ctx, "redis:"+key); err != nil {
		return err
	}
	logger.Named("redis").Debug("收到 Redis 事件", slog.String("key", key), slog.String("value", value))
	return nil
}

func record(ctx context.Context, source string) error {
	memos := agent.Memos(ctx)
	counter, err := memo.Get[*atomic.Int64](memos, memoProcessed)
	if err != nil {
		return err
	}
	counter.Add(1)
	return memo.With(memos, memoPerSource, func(counts map[string]int) error {
		counts[source]++
		return nil
	})
}

// heartbeat 周期性地汇报处理进度。
func heartbeat(ctx context.Context, _ ...any) error {
	memos := agent.Memos(ctx)
	counter, err := memo.Get[*atomic.Int64](memos, memoProcessed)
	if err != nil {
		return err
	}
	var sources []string
	err = memo.With(memos, memoPerSource, func(counts map[string]int) error {
		for source := range counts {
			sources = append(sources, source)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(sources)
	attrs := []any{slog.Int64("processed", counter.Load()), slog.Any("sources", sources)}
	if rt, ok := agent.FromContext(ctx); ok {
		attrs = append(attrs, slog.Int("inflight", rt.Inflight()))
	}
	logger.Named("heartbeat").Info("agent 心跳", attrs...)
	return nil
}
