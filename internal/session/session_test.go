package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/llm"
)

func newRedisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func storeBackends(t *testing.T) map[string]Store {
	_, client := newRedisClient(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, "test", time.Hour),
	}
}

func TestStoreAppendAndSnapshot(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			empty, err := store.Snapshot(ctx, "missing")
			if err != nil || len(empty) != 0 {
				t.Fatalf("unknown thread should be empty: %v %v", empty, err)
			}
			last, err := store.LastActivity(ctx, "missing")
			if err != nil || !last.IsZero() {
				t.Fatalf("unknown thread should have zero activity: %v %v", last, err)
			}

			err = store.Append(ctx, "t-1",
				llm.Message{Role: llm.RoleUser, Content: "hi", AuthorRole: "admin", AuthorUserID: "u-1"},
				llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "get_weather", Arguments: map[string]any{"city": "Paris"}}}},
			)
			if err != nil {
				t.Fatalf("append failed: %v", err)
			}
			if err := store.Append(ctx, "t-1", llm.Message{Role: llm.RoleTool, ToolCallID: "c1", Content: "sunny"}); err != nil {
				t.Fatalf("append failed: %v", err)
			}

			history, err := store.Snapshot(ctx, "t-1")
			if err != nil {
				t.Fatalf("snapshot failed: %v", err)
			}
			if len(history) != 3 {
				t.Fatalf("unexpected history length: %d", len(history))
			}
			if history[0].AuthorUserID != "u-1" || history[0].AuthorRole != "admin" {
				t.Fatalf("author tags lost: %+v", history[0])
			}
			if history[1].ToolCalls[0].Arguments["city"] != "Paris" {
				t.Fatalf("tool call lost: %+v", history[1])
			}
			if history[2].ToolCallID != "c1" {
				t.Fatalf("ordering broken: %+v", history)
			}

			last, err = store.LastActivity(ctx, "t-1")
			if err != nil || last.IsZero() {
				t.Fatalf("activity not recorded: %v %v", last, err)
			}

			history[0].Content = "mutated"
			again, _ := store.Snapshot(ctx, "t-1")
			if again[0].Content != "hi" {
				t.Fatalf("snapshot must be a copy")
			}
		})
	}
}

func TestStoreThreadIsolation(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					thread := fmt.Sprintf("t-%d", i)
					for j := 0; j < 5; j++ {
						_ = store.Append(ctx, thread, llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("%s-%d", thread, j)})
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < 8; i++ {
				thread := fmt.Sprintf("t-%d", i)
				history, err := store.Snapshot(ctx, thread)
				if err != nil {
					t.Fatalf("snapshot failed: %v", err)
				}
				if len(history) != 5 {
					t.Fatalf("thread %s has %d messages", thread, len(history))
				}
				for j, msg := range history {
					if msg.Content != fmt.Sprintf("%s-%d", thread, j) {
						t.Fatalf("thread %s message %d = %q", thread, j, msg.Content)
					}
				}
			}
		})
	}
}

func TestRedisStoreAppliesTTL(t *testing.T) {
	mr, client := newRedisClient(t)
	store := NewRedisStore(client, "ttl", time.Minute)
	if err := store.Append(context.Background(), "t", llm.Message{Role: llm.RoleUser, Content: "x"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if ttl := mr.TTL("ttl:thread:t:messages"); ttl != time.Minute {
		t.Fatalf("unexpected ttl: %v", ttl)
	}
}

func lockerBackends(t *testing.T, wait time.Duration) map[string]Locker {
	_, client := newRedisClient(t)
	redisLocker := NewRedisLocker(client, "test", time.Minute, wait)
	redisLocker.poll = 5 * time.Millisecond
	return map[string]Locker{
		"memory": NewMemoryLocker(wait),
		"redis":  redisLocker,
	}
}

func TestLockerRejectsImmediatelyWithoutWait(t *testing.T) {
	for name, locker := range lockerBackends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			unlock, err := locker.Lock(ctx, "t")
			if err != nil {
				t.Fatalf("first lock failed: %v", err)
			}
			if _, err := locker.Lock(ctx, "t"); !xerrors.IsCode(err, xerrors.CodeSessionBusy) {
				t.Fatalf("expected session busy, got %v", err)
			}

			other, err := locker.Lock(ctx, "other")
			if err != nil {
				t.Fatalf("different thread must not be blocked: %v", err)
			}
			other()

			unlock()
			unlock()
			again, err := locker.Lock(ctx, "t")
			if err != nil {
				t.Fatalf("lock after release failed: %v", err)
			}
			again()
		})
	}
}

func TestLockerQueuesWithinWait(t *testing.T) {
	for name, locker := range lockerBackends(t, 2*time.Second) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			unlock, err := locker.Lock(ctx, "t")
			if err != nil {
				t.Fatalf("first lock failed: %v", err)
			}

			acquired := make(chan error, 1)
			go func() {
				second, err := locker.Lock(ctx, "t")
				if err == nil {
					second()
				}
				acquired <- err
			}()

			time.Sleep(30 * time.Millisecond)
			unlock()

			select {
			case err := <-acquired:
				if err != nil {
					t.Fatalf("queued caller should acquire the lock: %v", err)
				}
			case <-time.After(time.Second):
				t.Fatalf("queued caller never acquired the lock")
			}
		})
	}
}

func TestLockerTimesOut(t *testing.T) {
	for name, locker := range lockerBackends(t, 40*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			unlock, err := locker.Lock(context.Background(), "t")
			if err != nil {
				t.Fatalf("first lock failed: %v", err)
			}
			defer unlock()

			start := time.Now()
			_, err = locker.Lock(context.Background(), "t")
			if !xerrors.IsCode(err, xerrors.CodeSessionBusy) {
				t.Fatalf("expected session busy, got %v", err)
			}
			if time.Since(start) < 30*time.Millisecond {
				t.Fatalf("caller gave up before the wait elapsed")
			}
		})
	}
}
