package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mcp-agent-worker/internal/llm"
	"mcp-agent-worker/pkg/logger"
)

// RedisStore 把每个线程的历史保存为一个 Redis list，元素是 JSON 编码的消息。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore 创建 Redis 存储。ttl>0 时每次追加都会刷新线程的过期时间。
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "mcp-agent"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) messagesKey(threadID string) string {
	return fmt.Sprintf("%s:thread:%s:messages", s.prefix, threadID)
}

func (s *RedisStore) activityKey(threadID string) string {
	return fmt.Sprintf("%s:thread:%s:last", s.prefix, threadID)
}

func (s *RedisStore) Append(ctx context.Context, threadID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	values := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		encoded, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("序列化消息失败: %w", err)
		}
		values = append(values, encoded)
	}

	msgKey, lastKey := s.messagesKey(threadID), s.activityKey(threadID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, msgKey, values...)
		pipe.Set(ctx, lastKey, now.UnixNano(), s.ttl)
		if s.ttl > 0 {
			pipe.Expire(ctx, msgKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("追加会话消息失败: %w", err)
	}
	return nil
}

func (s *RedisStore) Snapshot(ctx context.Context, threadID string) ([]llm.Message, error) {
	raw, err := s.client.LRange(ctx, s.messagesKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取会话历史失败: %w", err)
	}
	out := make([]llm.Message, 0, len(raw))
	for _, item := range raw {
		var msg llm.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("解析会话消息失败: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) LastActivity(ctx context.Context, threadID string) (time.Time, error) {
	raw, err := s.client.Get(ctx, s.activityKey(threadID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("读取会话活跃时间失败: %w", err)
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("解析会话活跃时间失败: %w", err)
	}
	return time.Unix(0, nanos).UTC(), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker 是跨进程的线程锁：SET NX PX 加随机令牌，释放时比对令牌。
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

// NewRedisLocker 创建锁。ttl 是持锁上限，防止进程崩溃后锁永不释放。
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl, wait time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = "mcp-agent"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if wait < 0 {
		wait = 0
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, wait: wait, poll: 50 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, threadID string) (func(), error) {
	key := fmt.Sprintf("%s:lock:%s", l.prefix, threadID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, BusyError(threadID, fmt.Errorf("获取线程锁失败: %w", err))
		}
		if ok {
			return l.unlocker(key, token), nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, BusyError(threadID, nil)
		}
		select {
		case <-ctx.Done():
			return nil, BusyError(threadID, ctx.Err())
		case <-time.After(min(l.poll, remaining)):
		}
	}
}

func (l *RedisLocker) unlocker(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// 调用方的 ctx 可能已经取消，释放锁使用独立的短超时。
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				logger.L().Warn("释放线程锁失败", slog.String("key", key), slog.Any("error", err))
			}
		})
	}
}
