package broker

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"Stimulus-Agent/internal/delivery"
	xerrors "Stimulus-Agent/internal/errors"
	"Stimulus-Agent/pkg/logger"
)

// DefaultRetryInterval 是连接与绑定失败后的固定重试间隔。
const DefaultRetryInterval = 5 * time.Second

// Manager 按需建立 broker 会话，并为每个 Binding 缓存一份订阅。
type Manager struct {
	url           string
	dialer        Dialer
	retryInterval time.Duration
	logger        *slog.Logger
	msgOpts       []delivery.MessageOption

	sessionMu sync.Mutex
	session   Session

	bindingsMu sync.Mutex
	bindings   map[string]*bindingSlot
	closed     bool

	publishMu sync.Mutex
	publishCh Channel
}

// bindingSlot 的 mu 保证同一个 Binding 只有一个构造过程在重试，其他调用方等待结果。
type bindingSlot struct {
	mu  sync.Mutex
	sub *Subscription
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithDialer 替换连接实现，默认使用 AMQPDialer。
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

// WithRetryInterval 设置失败后的重试间隔。
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retryInterval = d
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMessageOptions 附加到监听器产生的每条消息上。
func WithMessageOptions(opts ...delivery.MessageOption) Option {
	return func(m *Manager) {
		m.msgOpts = append(m.msgOpts, opts...)
	}
}

// NewManager 创建连接管理器，此时并不会连接 broker。
func NewManager(brokerURL string, opts ...Option) *Manager {
	m := &Manager{
		url:           brokerURL,
		dialer:        AMQPDialer{},
		retryInterval: DefaultRetryInterval,
		bindings:      make(map[string]*bindingSlot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.logger == nil {
		m.logger = logger.Named("broker")
	}
	m.logger = m.logger.With(slog.String("broker", redactURL(brokerURL)))
	return m
}

// Queue 返回 b 对应的订阅，必要时建立连接并完成声明与绑定。
// 失败会按固定间隔无限重试，只有 ctx 结束或配置非法时才返回错误。
func (m *Manager) Queue(ctx context.Context, b Binding) (*Subscription, error) {
	if err := validateBinding(b); err != nil {
		return nil, err
	}
	slot, err := m.slot(b.Key())
	if err != nil {
		return nil, err
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.sub != nil && !slot.sub.Closed() {
		return slot.sub, nil
	}
	sub, err := m.build(ctx, b)
	if err != nil {
		return nil, err
	}
	slot.sub = sub
	return sub, nil
}

func validateBinding(b Binding) error {
	if b.Prefetch < 0 {
		return xerrors.Newf(xerrors.CodeInvalidDeclaration, "队列 %s 的 prefetch 不能为负数", b.Queue)
	}
	if b.Predeclared && strings.TrimSpace(b.Queue) == "" {
		return xerrors.New(xerrors.CodeInvalidDeclaration, "预先声明的队列必须指定名称")
	}
	return nil
}

func (m *Manager) slot(key string) (*bindingSlot, error) {
	m.bindingsMu.Lock()
	defer m.bindingsMu.Unlock()
	if m.closed {
		return nil, xerrors.New(xerrors.CodeBrokerConnect, "broker 管理器已关闭", xerrors.WithRetryable(false))
	}
	slot, ok := m.bindings[key]
	if !ok {
		slot = &bindingSlot{}
		m.bindings[key] = slot
	}
	return slot, nil
}

func (m *Manager) build(ctx context.Context, b Binding) (*Subscription, error) {
	for attempt := 1; ; attempt++ {
		session, err := m.connect(ctx)
		if err != nil {
			return nil, err
		}
		sub, err := m.bind(session, b)
		if err == nil {
			if attempt > 1 {
				m.logger.Info("队列绑定已恢复", slog.String("queue", sub.Queue()), slog.Int("attempts", attempt))
			}
			return sub, nil
		}
		m.logger.Error("绑定队列失败，稍后使用新的 channel 重试",
			slog.Any("error", err),
			slog.String("queue", b.Queue),
			slog.Any("exchanges", b.Exchanges),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", m.retryInterval),
		)
		if session.IsClosed() {
			m.resetSession(session)
		}
		if err := sleep(ctx, m.retryInterval); err != nil {
			return nil, err
		}
	}
}

// connect 返回可用会话；连接或认证失败时只重试连接这一步。
func (m *Manager) connect(ctx context.Context) (Session, error) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	if m.session != nil && !m.session.IsClosed() {
		return m.session, nil
	}
	m.session = nil
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		session, err := m.dialer.Dial(ctx, m.url)
		if err == nil {
			if attempt > 1 {
				m.logger.Info("broker 连接已恢复", slog.Int("attempts", attempt))
			}
			m.session = session
			return session, nil
		}
		msg := "连接 broker 失败，稍后重试"
		if xerrors.CodeOf(err) == xerrors.CodeBrokerAuth {
			msg = "broker 认证失败，稍后重试"
		}
		m.logger.Error(msg,
			slog.Any("error", err),
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", m.retryInterval),
		)
		if err := sleep(ctx, m.retryInterval); err != nil {
			return nil, err
		}
	}
}

func (m *Manager) resetSession(dead Session) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	if m.session == dead {
		m.session = nil
	}
}

// bind 在一个新的 channel 上完成 prefetch、声明、逐个绑定与订阅；任一步失败都关闭该 channel。
func (m *Manager) bind(session Session, b Binding) (sub *Subscription, err error) {
	ch, err := session.Channel()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = ch.Close()
		}
	}()

	if b.Prefetch > 0 {
		if err := ch.Qos(b.Prefetch); err != nil {
			return nil, err
		}
	}
	queue := b.Queue
	if !b.Predeclared {
		name, err := ch.QueueDeclare(b.Queue, b.Durable)
		if err != nil {
			return nil, err
		}
		queue = name
	}
	for _, exchange := range b.Exchanges {
		if exchange == "" {
			continue
		}
		if err := ch.QueueBind(queue, exchange, b.RoutingKey); err != nil {
			return nil, err
		}
	}
	tag := "stimulus-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag)
	if err != nil {
		return nil, err
	}
	m.logger.Info("队列已就绪",
		slog.String("queue", queue),
		slog.Any("exchanges", b.Exchanges),
		slog.Int("prefetch", b.Prefetch),
		slog.String("consumer", tag),
	)
	return newSubscription(b, queue, tag, ch, deliveries), nil
}

// invalidate 丢弃已失效的订阅，下一次 Queue 会重新构造。
func (m *Manager) invalidate(b Binding, sub *Subscription) {
	m.bindingsMu.Lock()
	slot := m.bindings[b.Key()]
	m.bindingsMu.Unlock()
	if slot != nil {
		slot.mu.Lock()
		if slot.sub == sub {
			slot.sub = nil
		}
		slot.mu.Unlock()
	}
	_ = sub.Close()
}

// Publish 向 exchange 发布一条消息，供生产方使用。
func (m *Manager) Publish(ctx context.Context, exchange, routingKey string, body []byte, headers map[string]any) error {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	if m.publishCh == nil {
		session, err := m.connect(ctx)
		if err != nil {
			return err
		}
		ch, err := session.Channel()
		if err != nil {
			return err
		}
		m.publishCh = ch
	}
	err := m.publishCh.Publish(ctx, exchange, routingKey, Publishing{
		ContentType: contentTypeOf(body),
		MessageID:   uuid.NewString(),
		Headers:     headers,
		Body:        body,
	})
	if err != nil {
		_ = m.publishCh.Close()
		m.publishCh = nil
		return err
	}
	return nil
}

// Close 关闭所有订阅与会话，之后 Queue 会返回错误。
func (m *Manager) Close() error {
	m.bindingsMu.Lock()
	m.closed = true
	slots := make([]*bindingSlot, 0, len(m.bindings))
	for _, slot := range m.bindings {
		slots = append(slots, slot)
	}
	m.bindingsMu.Unlock()

	for _, slot := range slots {
		slot.mu.Lock()
		if slot.sub != nil {
			_ = slot.sub.Close()
			slot.sub = nil
		}
		slot.mu.Unlock()
	}

	m.publishMu.Lock()
	if m.publishCh != nil {
		_ = m.publishCh.Close()
		m.publishCh = nil
	}
	m.publishMu.Unlock()

	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	if m.session == nil {
		return nil
	}
	err := m.session.Close()
	m.session = nil
	return err
}

func contentTypeOf(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return "application/json"
	}
	return "application/octet-stream"
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}
