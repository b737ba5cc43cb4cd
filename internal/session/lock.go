package session

import (
	"context"
	"errors"
	"sync"
	"time"

	xerrors "mcp-agent-worker/internal/errors"
)

// MemoryLocker 是进程内的线程锁，等待者按到达顺序竞争。
type MemoryLocker struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker 创建锁。wait 为 0 时冲突立即返回 SESSION_BUSY。
func NewMemoryLocker(wait time.Duration) *MemoryLocker {
	if wait < 0 {
		wait = 0
	}
	return &MemoryLocker{wait: wait, slots: make(map[string]*slot)}
}

func (l *MemoryLocker) acquireSlot(threadID string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[threadID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[threadID] = s
	}
	s.refs++
	return s
}

func (l *MemoryLocker) releaseSlot(threadID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, threadID)
	}
}

func (l *MemoryLocker) Lock(ctx context.Context, threadID string) (func(), error) {
	s := l.acquireSlot(threadID)

	select {
	case s.ch <- struct{}{}:
		return l.unlocker(threadID, s), nil
	default:
	}
	if l.wait == 0 {
		l.releaseSlot(threadID, s)
		return nil, BusyError(threadID, nil)
	}

	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case s.ch <- struct{}{}:
		return l.unlocker(threadID, s), nil
	case <-timer.C:
		l.releaseSlot(threadID, s)
		return nil, BusyError(threadID, nil)
	case <-ctx.Done():
		l.releaseSlot(threadID, s)
		return nil, BusyError(threadID, ctx.Err())
	}
}

func (l *MemoryLocker) unlocker(threadID string, s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.releaseSlot(threadID, s)
		})
	}
}

// BusyError 构造 SESSION_BUSY 错误。
func BusyError(threadID string, cause error) error {
	if cause == nil {
		cause = errors.New("线程正被其他请求占用")
	}
	return xerrors.Wrap(xerrors.CodeSessionBusy, cause, "", xerrors.WithMetadata("thread_id", threadID))
}

