package broker

import (
	"context"
	"fmt"
	"strings"

	"Stimulus-Agent/internal/delivery"
)

// Publishing 是待发布的一条消息。
type Publishing struct {
	ContentType string
	MessageID   string
	Headers     map[string]any
	Body        []byte
}

// Dialer 建立到 broker 的会话。
type Dialer interface {
	Dial(ctx context.Context, url string) (Session, error)
}

// Session 是一条 broker 连接。
type Session interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Channel 是会话上的一个信道，绑定失败后 broker 可能会将其关闭。
type Channel interface {
	Qos(prefetch int) error
	QueueDeclare(name string, durable bool) (string, error)
	QueueBind(queue, exchange, routingKey string) error
	Consume(queue, consumer string) (<-chan delivery.Envelope, error)
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error
	Ack(tag uint64) error
	Reject(tag uint64, requeue bool) error
	Close() error
}

// Binding 描述一个队列及其绑定的 exchange 列表。
type Binding struct {
	Queue      string
	Exchanges  []string
	Prefetch   int
	RoutingKey string
	// Predeclared 为 true 时跳过队列声明，直接使用已存在的队列。
	Predeclared bool
	// Durable 控制队列声明时是否持久化。
	Durable bool
}

// Key 返回缓存绑定时使用的唯一键。
func (b Binding) Key() string {
	return fmt.Sprintf("%s|%s|%d|%s|%t|%t",
		b.Queue, strings.Join(b.Exchanges, ","), b.Prefetch, b.RoutingKey, b.Predeclared, b.Durable)
}
