package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"Stimulus-Agent/internal/delivery"
	xerrors "Stimulus-Agent/internal/errors"
)

// AMQPDialer 使用 rabbitmq/amqp091-go 连接 RabbitMQ。
type AMQPDialer struct {
	Heartbeat   time.Duration
	DialTimeout time.Duration
	// ConnectionName 会出现在 RabbitMQ 管理界面中。
	ConnectionName string
}

// Dial 实现 Dialer。认证失败返回 CodeBrokerAuth，其他连接失败返回 CodeBrokerConnect。
func (d AMQPDialer) Dial(ctx context.Context, url string) (Session, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg := amqp.Config{
		Heartbeat: d.Heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			var dialer net.Dialer
			return dialer.DialContext(dialCtx, network, addr)
		},
	}
	if d.ConnectionName != "" {
		cfg.Properties = amqp.NewConnectionProperties()
		cfg.Properties.SetClientConnectionName(d.ConnectionName)
	}
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, classifyDialError(err)
	}
	return &amqpSession{conn: conn}, nil
}

func classifyDialError(err error) error {
	if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrSASL) {
		return xerrors.Wrap(xerrors.CodeBrokerAuth, err, "")
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
		return xerrors.Wrap(xerrors.CodeBrokerAuth, err, "")
	}
	return xerrors.Wrap(xerrors.CodeBrokerConnect, err, "")
}

type amqpSession struct {
	conn *amqp.Connection
}

func (s *amqpSession) Channel() (Channel, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBrokerConnect, err, "创建 RabbitMQ channel 失败")
	}
	return &amqpChannel{ch: ch, closing: make(chan struct{})}, nil
}

func (s *amqpSession) IsClosed() bool { return s.conn.IsClosed() }

func (s *amqpSession) Close() error { return s.conn.Close() }

type amqpChannel struct {
	ch        *amqp.Channel
	closing   chan struct{}
	closeOnce sync.Once
}

func (c *amqpChannel) Qos(prefetch int) error {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return xerrors.Wrap(xerrors.CodeBrokerBind, err, "设置 RabbitMQ QOS 失败")
	}
	return nil
}

func (c *amqpChannel) QueueDeclare(name string, durable bool) (string, error) {
	q, err := c.ch.QueueDeclare(name, durable, false, false, false, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeBrokerBind, err, "声明 RabbitMQ 队列失败")
	}
	return q.Name, nil
}

func (c *amqpChannel) QueueBind(queue, exchange, routingKey string) error {
	if err := c.ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeBrokerBind, err, "绑定 exchange "+exchange+" 失败")
	}
	return nil
}

func (c *amqpChannel) Consume(queue, consumer string) (<-chan delivery.Envelope, error) {
	msgs, err := c.ch.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBrokerBind, err, "订阅 RabbitMQ 队列失败")
	}
	out := make(chan delivery.Envelope)
	go func() {
		defer close(out)
		for msg := range msgs {
			env := delivery.Envelope{
				Tag:         msg.DeliveryTag,
				Exchange:    msg.Exchange,
				RoutingKey:  msg.RoutingKey,
				Queue:       queue,
				ContentType: msg.ContentType,
				MessageID:   msg.MessageId,
				Headers:     map[string]any(msg.Headers),
				Body:        msg.Body,
				Redelivered: msg.Redelivered,
			}
			select {
			case out <- env:
			case <-c.closing:
				return
			}
		}
	}()
	return out, nil
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error {
	err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		MessageId:    msg.MessageID,
		Headers:      amqp.Table(msg.Headers),
		Body:         msg.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeBrokerConnect, err, "发布 RabbitMQ 消息失败")
	}
	return nil
}

func (c *amqpChannel) Ack(tag uint64) error { return c.ch.Ack(tag, false) }

func (c *amqpChannel) Reject(tag uint64, requeue bool) error { return c.ch.Reject(tag, requeue) }

func (c *amqpChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	return c.ch.Close()
}
