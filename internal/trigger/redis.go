package trigger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Stimulus-Agent/internal/errors"
	"Stimulus-Agent/internal/stimulus"
)

// RedisListConfig 描述 Redis list 触发器的连接参数。
type RedisListConfig struct {
	Address   string
	Password  string
	DB        int
	Keys      []string
	BlockWait time.Duration
}

// listClient 是触发器用到的 go-redis 命令子集。
type listClient interface {
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// RedisList 通过 BRPOP 把 Redis list 中的元素作为事件上报。
type RedisList struct {
	client listClient
	keys   []string
	wait   time.Duration
}

// NewRedisList 连接 Redis 并创建触发器。
func NewRedisList(ctx context.Context, cfg RedisListConfig) (*RedisList, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	keys, err := normalizeKeys(cfg.Keys)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return newRedisList(client, keys, cfg.BlockWait), nil
}

func newRedisList(client listClient, keys []string, wait time.Duration) *RedisList {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisList{client: client, keys: keys, wait: wait}
}

func normalizeKeys(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 触发器至少需要一个 key")
	}
	return out, nil
}

// Detector 返回探测器：阻塞等待任一 key 出现元素，以 (key, value) 作为处理器参数。
// BRPOP 超时视为本轮没有事件。
func (l *RedisList) Detector() stimulus.Detector {
	return func(ctx context.Context, spawn stimulus.Spawn) error {
		values, err := l.client.BRPop(ctx, l.wait, l.keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				return nil
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 取事件失败")
		}
		if len(values) != 2 {
			return nil
		}
		spawn(values[0], values[1])
		return nil
	}
}

// Push 向 key 追加一个事件，供生产方使用。
func (l *RedisList) Push(ctx context.Context, key, value string) error {
	if err := l.client.LPush(ctx, key, value).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Keys 返回监听的 key。
func (l *RedisList) Keys() []string { return append([]string(nil), l.keys...) }

// Close 关闭 Redis 连接。
func (l *RedisList) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
