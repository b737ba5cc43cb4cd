package session

import (
	"context"
	"sync"
	"time"

	"mcp-agent-worker/internal/llm"
)

type thread struct {
	mu           sync.Mutex
	messages     []llm.Message
	lastActivity time.Time
}

// MemoryStore 是进程内实现，进程退出后历史丢失。
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*thread
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*thread)}
}

func (s *MemoryStore) thread(threadID string, create bool) *thread {
	s.mu.RLock()
	t, ok := s.threads[threadID]
	s.mu.RUnlock()
	if ok || !create {
		return t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.threads[threadID]; !ok {
		t = &thread{}
		s.threads[threadID] = t
	}
	return t
}

func (s *MemoryStore) Append(_ context.Context, threadID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	t := s.thread(threadID, true)
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	for _, msg := range msgs {
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		t.messages = append(t.messages, msg)
	}
	t.lastActivity = now
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context, threadID string) ([]llm.Message, error) {
	t := s.thread(threadID, false)
	if t == nil {
		return []llm.Message{}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]llm.Message, len(t.messages))
	copy(out, t.messages)
	return out, nil
}

func (s *MemoryStore) LastActivity(_ context.Context, threadID string) (time.Time, error) {
	t := s.thread(threadID, false)
	if t == nil {
		return time.Time{}, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity, nil
}

func (s *MemoryStore) Close() error { return nil }
