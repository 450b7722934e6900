package deadletter

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"Stimulus-Agent/internal/delivery"
	xerrors "Stimulus-Agent/internal/errors"
)

// Record 是一条达到重投上限后被转存的消息。
type Record struct {
	ID              string
	Agent           string
	Queue           string
	Exchange        string
	RoutingKey      string
	MessageID       string
	ContentType     string
	Headers         map[string]any
	Body            []byte
	Attempts        int
	MaxRetries      int
	CumulativeDelay time.Duration
	CreatedAt       int64
}

// Store 持久化死信记录。
type Store interface {
	Save(ctx context.Context, rec Record) error
	// List 按时间倒序返回记录，queue 为空表示全部队列，limit <= 0 表示不限制。
	List(ctx context.Context, queue string, limit int) ([]Record, error)
	Close() error
}

func recordFrom(env delivery.Envelope) Record {
	return Record{
		Queue:       env.Queue,
		Exchange:    env.Exchange,
		RoutingKey:  env.RoutingKey,
		MessageID:   env.MessageID,
		ContentType: env.ContentType,
		Headers:     env.Headers,
		Body:        env.Body,
	}
}

// MemoryStore 在内存中保存死信，适合测试与单机调试。
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save 实现 Store。
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	if strings.TrimSpace(rec.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "死信记录 ID 不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.ID == rec.ID {
			return xerrors.Newf(xerrors.CodeStorageFailure, "死信记录 %s 已存在", rec.ID)
		}
	}
	rec.Body = append([]byte(nil), rec.Body...)
	s.records = append(s.records, rec)
	return nil
}

// List 实现 Store。
func (s *MemoryStore) List(_ context.Context, queue string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if queue != "" && rec.Queue != queue {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
