package delivery

import (
	"context"
	"sync"
	"time"
)

// Recorder 是内存中的 Transport，记录 ack / reject / republish 调用，
// 用于在没有 broker 的情况下向监听器注入消息。
type Recorder struct {
	mu          sync.Mutex
	acks        []uint64
	rejects     []uint64
	requeued    []uint64
	republished []Envelope
	nextTag     uint64
}

// NewRecorder 创建 Recorder。
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Ack 实现 Transport。
func (r *Recorder) Ack(tag uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks = append(r.acks, tag)
	return nil
}

// Reject 实现 Transport。
func (r *Recorder) Reject(tag uint64, requeue bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if requeue {
		r.requeued = append(r.requeued, tag)
		return nil
	}
	r.rejects = append(r.rejects, tag)
	return nil
}

// Republish 实现 Transport。
func (r *Recorder) Republish(_ context.Context, queue string, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	env.Queue = queue
	r.republished = append(r.republished, env)
	return nil
}

// Message 用 Recorder 构造一条待处理的消息。
func (r *Recorder) Message(body []byte, headers map[string]any, policy RequeuePolicy, opts ...MessageOption) *Message {
	r.mu.Lock()
	r.nextTag++
	tag := r.nextTag
	r.mu.Unlock()
	return NewMessage(r, Envelope{
		Tag:     tag,
		Queue:   "test",
		Headers: headers,
		Body:    body,
	}, policy, opts...)
}

// Acks 返回 ack 次数。
func (r *Recorder) Acks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acks)
}

// Rejects 返回永久拒绝次数。
func (r *Recorder) Rejects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rejects)
}

// Republished 返回全部重投副本。
func (r *Recorder) Republished() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.republished...)
}

// ManualScheduler 记录延迟并在 Flush 时执行，测试用。
type ManualScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

// AfterFunc 实现 Scheduler。
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.pending = append(s.pending, fn)
}

// Delays 返回已经请求过的延迟。
func (s *ManualScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// Flush 执行全部待处理的回调。
func (s *ManualScheduler) Flush() int {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
	return len(pending)
}
