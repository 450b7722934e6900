package broker

import (
	"context"
	"fmt"
	"sync"

	"Stimulus-Agent/internal/delivery"
	xerrors "Stimulus-Agent/internal/errors"
)

// fakeBroker 模拟 broker：可以按顺序注入连接失败，或让某个 exchange 的绑定失败若干次。
type fakeBroker struct {
	mu           sync.Mutex
	dialErrs     []error
	dials        int
	sessions     []*fakeSession
	channels     []*fakeChannel
	bindFailures map[string]int
	bindCalls    []string
	declared     []string
	qos          []int
	published    []fakePublish
}

type fakePublish struct {
	exchange   string
	routingKey string
	msg        Publishing
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{bindFailures: make(map[string]int)}
}

func (b *fakeBroker) Dial(ctx context.Context, _ string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		if len(b.dialErrs) > 1 || err != errAlwaysFail {
			b.dialErrs = b.dialErrs[1:]
		}
		return nil, err
	}
	s := &fakeSession{broker: b}
	b.sessions = append(b.sessions, s)
	return s, nil
}

var errAlwaysFail = xerrors.New(xerrors.CodeBrokerConnect, "connection refused")

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) channelList() []*fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeChannel(nil), b.channels...)
}

func (b *fakeBroker) binds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.bindCalls...)
}

type fakeSession struct {
	broker *fakeBroker
	mu     sync.Mutex
	closed bool
}

func (s *fakeSession) Channel() (Channel, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, xerrors.New(xerrors.CodeBrokerConnect, "session closed")
	}
	ch := &fakeChannel{broker: s.broker, deliveries: make(chan delivery.Envelope, 16)}
	s.broker.mu.Lock()
	s.broker.channels = append(s.broker.channels, ch)
	s.broker.mu.Unlock()
	return ch, nil
}

func (s *fakeSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeChannel struct {
	broker     *fakeBroker
	deliveries chan delivery.Envelope

	mu       sync.Mutex
	closed   bool
	bound    []string
	consumer string
	acks     []uint64
	rejects  []uint64
}

func (c *fakeChannel) Qos(prefetch int) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.qos = append(c.broker.qos, prefetch)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, _ bool) (string, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if name == "" {
		name = fmt.Sprintf("amq.gen-%d", len(c.broker.declared))
	}
	c.broker.declared = append(c.broker.declared, name)
	return name, nil
}

func (c *fakeChannel) QueueBind(queue, exchange, _ string) error {
	c.broker.mu.Lock()
	c.broker.bindCalls = append(c.broker.bindCalls, queue+"->"+exchange)
	if c.broker.bindFailures[exchange] > 0 {
		c.broker.bindFailures[exchange]--
		c.broker.mu.Unlock()
		return xerrors.Newf(xerrors.CodeBrokerBind, "NOT_FOUND - no exchange '%s'", exchange)
	}
	c.broker.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bound = append(c.bound, exchange)
	return nil
}

func (c *fakeChannel) Consume(_ string, consumer string) (<-chan delivery.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumer = consumer
	return c.deliveries, nil
}

func (c *fakeChannel) Publish(_ context.Context, exchange, routingKey string, msg Publishing) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.broker.published = append(c.broker.published, fakePublish{exchange: exchange, routingKey: routingKey, msg: msg})
	return nil
}

func (c *fakeChannel) Ack(tag uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, tag)
	return nil
}

func (c *fakeChannel) Reject(tag uint64, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejects = append(c.rejects, tag)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.deliveries)
	}
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) boundExchanges() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bound...)
}

func (c *fakeChannel) ackCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acks)
}
