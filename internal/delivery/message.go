package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "Stimulus-Agent/internal/errors"
	"Stimulus-Agent/pkg/logger"
)

// RedeliveryHeader 是记录重投次数的消息头。
const RedeliveryHeader = "x-redelivery-count"

// ErrAlreadySettled 表示消息已经被确认、拒绝或重投过。
var ErrAlreadySettled = xerrors.New(xerrors.CodeAlreadySettled, "")

// Envelope 是一条入站消息在传输层的全部信息。
type Envelope struct {
	Tag         uint64
	Exchange    string
	RoutingKey  string
	Queue       string
	ContentType string
	MessageID   string
	Headers     map[string]any
	Body        []byte
	Redelivered bool
}

// Transport 由持有 channel 的一方实现，所有方法都需要自行做并发保护。
type Transport interface {
	Ack(tag uint64) error
	Reject(tag uint64, requeue bool) error
	Republish(ctx context.Context, queue string, env Envelope) error
}

// Scheduler 负责在延迟之后执行重投。
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

// TimerScheduler 使用 time.AfterFunc 调度。
type TimerScheduler struct{}

// AfterFunc 实现 Scheduler。
func (TimerScheduler) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// RequeueFunc 在成功安排一次重投后调用。
type RequeueFunc func(attempt, maxRetries int, delay time.Duration)

// LimitFunc 在重投次数达到上限时调用，由调用方决定如何处置消息。
type LimitFunc func(msg *Message, attempt, maxRetries int, cumulative time.Duration)

// RequeuePolicy 描述消息的重投规则。
type RequeuePolicy struct {
	Strategy       Strategy
	BaseDelay      time.Duration
	MaxRetries     int
	OnRequeue      RequeueFunc
	OnLimitReached LimitFunc
}

// Message 包装一条入站消息并提供 ack / reject / requeue 操作。
type Message struct {
	env       Envelope
	transport Transport
	policy    RequeuePolicy
	scheduler Scheduler
	logger    *slog.Logger

	mu        sync.Mutex
	settled   bool
	disposing bool
}

// MessageOption 定义消息的可选配置。
type MessageOption func(*Message)

// WithScheduler 替换重投调度器，测试中用于消除真实等待。
func WithScheduler(s Scheduler) MessageOption {
	return func(m *Message) {
		if s != nil {
			m.scheduler = s
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) MessageOption {
	return func(m *Message) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMessage 构造消息句柄。
func NewMessage(transport Transport, env Envelope, policy RequeuePolicy, opts ...MessageOption) *Message {
	m := &Message{
		env:       env,
		transport: transport,
		policy:    policy,
		scheduler: TimerScheduler{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = logger.Named("delivery")
	}
	return m
}

// Body 返回原始负载。
func (m *Message) Body() []byte { return m.env.Body }

// Envelope 返回传输层信息的副本。
func (m *Message) Envelope() Envelope {
	env := m.env
	env.Headers = cloneHeaders(m.env.Headers)
	return env
}

// Queue 返回消息来源队列。
func (m *Message) Queue() string { return m.env.Queue }

// RedeliveryCount 返回消息头中记录的重投次数，缺省为 0。
func (m *Message) RedeliveryCount() int {
	return RedeliveryCount(m.env.Headers)
}

// Settled 报告消息是否已经处置完毕。
func (m *Message) Settled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settled
}

// Decode 按 content type 选择解码方式：application/json 走 JSON，其余情况只支持 *[]byte 与 *string。
func (m *Message) Decode(v any) error {
	if strings.HasPrefix(strings.ToLower(m.env.ContentType), "application/json") {
		if err := json.Unmarshal(m.env.Body, v); err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 JSON 负载失败")
		}
		return nil
	}
	switch target := v.(type) {
	case *[]byte:
		*target = append((*target)[:0], m.env.Body...)
	case *string:
		*target = string(m.env.Body)
	default:
		return xerrors.Newf(xerrors.CodeInvalidArgument, "content type %q 不支持解码到 %T", m.env.ContentType, v)
	}
	return nil
}

// Ack 标记消息已处理完成。
func (m *Message) Ack() error {
	if err := m.settle(); err != nil {
		return err
	}
	return m.transport.Ack(m.env.Tag)
}

// Reject 永久丢弃消息。
func (m *Message) Reject() error {
	if err := m.settle(); err != nil {
		return err
	}
	return m.transport.Reject(m.env.Tag, false)
}

// Requeue 按策略安排重投。返回 true 表示已安排重投；
// 达到上限时调用 OnLimitReached 并返回 false，消息保持未处置状态。
// 已处置的消息返回 ErrAlreadySettled，上限回调不会重复触发。
func (m *Message) Requeue(ctx context.Context) (bool, error) {
	p := m.policy
	if err := p.Strategy.Validate(); err != nil {
		return false, err
	}

	n := m.RedeliveryCount()
	if n >= p.MaxRetries {
		if err := m.claimDisposal(); err != nil {
			return false, err
		}
		cumulative, _ := CumulativeDelay(p.Strategy, p.BaseDelay, n)
		m.logger.Warn("消息重投次数已达上限",
			slog.String("queue", m.env.Queue),
			slog.Int("attempt", n+1),
			slog.Int("max_retries", p.MaxRetries),
			slog.Duration("cumulative_delay", cumulative),
		)
		if p.OnLimitReached != nil {
			p.OnLimitReached(m, n+1, p.MaxRetries, cumulative)
		}
		return false, nil
	}

	delay, err := Delay(p.Strategy, p.BaseDelay, n)
	if err != nil {
		return false, err
	}
	if err := m.settle(); err != nil {
		return false, err
	}

	next := m.env
	next.Headers = cloneHeaders(m.env.Headers)
	if next.Headers == nil {
		next.Headers = make(map[string]any, 1)
	}
	next.Headers[RedeliveryHeader] = int64(n + 1)
	next.Redelivered = true

	// 原消息在副本成功投递后才确认；进程在等待期间退出时 broker 会重新投递原消息。
	republishCtx := context.WithoutCancel(ctx)
	m.scheduler.AfterFunc(delay, func() {
		if err := m.transport.Republish(republishCtx, m.env.Queue, next); err != nil {
			m.logger.Error("重投消息失败",
				slog.Any("error", err),
				slog.String("queue", m.env.Queue),
				slog.Int("attempt", n+1),
			)
			return
		}
		if err := m.transport.Ack(m.env.Tag); err != nil {
			m.logger.Error("重投后确认原消息失败", slog.Any("error", err), slog.String("queue", m.env.Queue))
		}
	})

	if p.OnRequeue != nil {
		p.OnRequeue(n+1, p.MaxRetries, delay)
	}
	return true, nil
}

// claimDisposal 保证达到上限的回调对一条未处置的消息只触发一次。
// 回调内仍可以调用 Ack 或 Reject。
func (m *Message) claimDisposal() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled || m.disposing {
		return ErrAlreadySettled
	}
	m.disposing = true
	return nil
}

func (m *Message) settle() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return ErrAlreadySettled
	}
	m.settled = true
	return nil
}

// RedeliveryCount 从消息头中读取重投计数，兼容 AMQP table 可能出现的各种数值类型。
func RedeliveryCount(headers map[string]any) int {
	raw, ok := headers[RedeliveryHeader]
	if !ok || raw == nil {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func cloneHeaders(h map[string]any) map[string]any {
	if h == nil {
		return nil
	}
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// String 便于日志输出。
func (m *Message) String() string {
	return fmt.Sprintf("message(queue=%s tag=%d redeliveries=%d)", m.env.Queue, m.env.Tag, m.RedeliveryCount())
}
