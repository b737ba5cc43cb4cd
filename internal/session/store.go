package session

import (
	"context"
	"time"

	"mcp-agent-worker/internal/llm"
)

// Store 是按线程保存的只追加消息历史。
type Store interface {
	// Append 原子地追加一批消息，线程不存在时自动创建。
	Append(ctx context.Context, threadID string, msgs ...llm.Message) error
	// Snapshot 返回线程历史的副本，线程不存在时返回空切片。
	Snapshot(ctx context.Context, threadID string) ([]llm.Message, error)
	// LastActivity 返回线程最后一次追加的时间，线程不存在时返回零值。
	LastActivity(ctx context.Context, threadID string) (time.Time, error)
	Close() error
}

// Locker 串行化同一线程上的运行。
type Locker interface {
	// Lock 在有限等待内获取线程锁，超时返回 SESSION_BUSY。
	Lock(ctx context.Context, threadID string) (func(), error)
}
