package broker

import (
	"context"
	"sync"

	"Stimulus-Agent/internal/delivery"
)

// Subscription 是一个已绑定并开始消费的队列。channel 只被订阅循环持有，
// 工作单元通过 Message 间接调用 Ack / Reject / Republish，这些操作在此处加锁。
type Subscription struct {
	binding    Binding
	queue      string
	consumer   string
	deliveries <-chan delivery.Envelope

	mu        sync.Mutex
	ch        Channel
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

func newSubscription(b Binding, queue, consumer string, ch Channel, deliveries <-chan delivery.Envelope) *Subscription {
	return &Subscription{
		binding:    b,
		queue:      queue,
		consumer:   consumer,
		deliveries: deliveries,
		ch:         ch,
		done:       make(chan struct{}),
	}
}

// Queue 返回实际消费的队列名（服务端命名的队列也会在这里体现）。
func (s *Subscription) Queue() string { return s.queue }

// Consumer 返回消费者标签。
func (s *Subscription) Consumer() string { return s.consumer }

// Binding 返回构造该订阅的绑定描述。
func (s *Subscription) Binding() Binding { return s.binding }

// Deliveries 返回入站消息流，channel 关闭后该流也会关闭。
func (s *Subscription) Deliveries() <-chan delivery.Envelope { return s.deliveries }

// Done 在订阅关闭后关闭。
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Closed 报告订阅是否已关闭。
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Ack 实现 delivery.Transport。
func (s *Subscription) Ack(tag uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.Ack(tag)
}

// Reject 实现 delivery.Transport。
func (s *Subscription) Reject(tag uint64, requeue bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.Reject(tag, requeue)
}

// Republish 通过默认 exchange 把消息副本投递回 queue。
func (s *Subscription) Republish(ctx context.Context, queue string, env delivery.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch.Publish(ctx, "", queue, Publishing{
		ContentType: env.ContentType,
		MessageID:   env.MessageID,
		Headers:     env.Headers,
		Body:        env.Body,
	})
}

// Close 关闭底层 channel，阻塞中的监听器会随之返回。
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		err = s.ch.Close()
	})
	return err
}
