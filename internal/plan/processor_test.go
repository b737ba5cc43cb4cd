package plan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	xerrors "mcp-agent-worker/internal/errors"
	"mcp-agent-worker/internal/observability/alerting"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	failures  map[string]int
	failWith  error

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeExecutor) RunPlan(ctx context.Context, userID, plan string) (string, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[plan]++
	n := f.calls[plan]
	f.mu.Unlock()

	if n <= f.failures[plan] {
		return "", f.failWith
	}
	f.processed.Add(1)
	return "done for " + userID, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func startProcessor(t *testing.T, p *Processor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitForJob(t *testing.T, svc *Service, id string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := svc.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("job %s did not finish: %v", id, err)
	}
	return job
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 5 * time.Millisecond}

	svc := NewService(store, queue, 3)
	stop := startProcessor(t, NewProcessor(exec, store, queue, WithWorkerCount(8)))
	defer stop()

	total := 100
	for i := 0; i < total; i++ {
		if _, err := svc.Submit(context.Background(), SubmitRequest{UserID: "u", Plan: fmt.Sprintf(`{"step":%d}`, i)}); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(exec.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("jobs not processed in time, done %d", exec.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{
		failures: map[string]int{`{"a":1}`: 2},
		failWith: xerrors.New(xerrors.CodeInferenceFailure, "model down"),
	}
	alerts := &recordingDispatcher{}

	svc := NewService(store, queue, 3)
	stop := startProcessor(t, NewProcessor(exec, store, queue, WithAlertDispatcher(alerts)))
	defer stop()

	job, err := svc.Submit(context.Background(), SubmitRequest{UserID: "u-1", Plan: `{"a":1}`})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	done := waitForJob(t, svc, job.ID)
	if done.Status != StatusSucceeded || done.Attempts != 3 || done.Reply != "done for u-1" {
		t.Fatalf("unexpected job: %+v", done)
	}

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.events) != 2 || alerts.events[0].Stage != "retry" || alerts.events[0].JobID != job.ID {
		t.Fatalf("unexpected alerts: %+v", alerts.events)
	}
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	exec := &fakeExecutor{
		failures: map[string]int{`{}`: 10},
		failWith: xerrors.New(xerrors.CodeLoopLimitExceeded, ""),
	}

	svc := NewService(store, queue, 5)
	stop := startProcessor(t, NewProcessor(exec, store, queue))
	defer stop()

	job, err := svc.Submit(context.Background(), SubmitRequest{UserID: "u", Plan: `{}`})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	done := waitForJob(t, svc, job.ID)
	if done.Status != StatusFailed || done.Attempts != 1 {
		t.Fatalf("unexpected job: %+v", done)
	}
	if done.ErrorCode != string(xerrors.CodeLoopLimitExceeded) {
		t.Fatalf("error code not recorded: %+v", done)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(4), 0)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, SubmitRequest{UserID: "u", Plan: "not json"}); !xerrors.IsCode(err, CodeJobValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Submit(ctx, SubmitRequest{Plan: `{}`}); !xerrors.IsCode(err, CodeJobValidation) {
		t.Fatalf("expected validation error for missing user, got %v", err)
	}

	first, err := svc.Submit(ctx, SubmitRequest{ID: "fixed", UserID: "u", Plan: `{}`})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	again, err := svc.Submit(ctx, SubmitRequest{ID: "fixed", UserID: "u", Plan: `{"other":true}`})
	if err != nil {
		t.Fatalf("idempotent submit failed: %v", err)
	}
	if again.ID != first.ID || again.Plan != `{}` {
		t.Fatalf("expected existing job, got %+v", again)
	}
	if first.MaxRetries != 3 {
		t.Fatalf("default max retries not applied: %d", first.MaxRetries)
	}
}

func TestMemoryStoreClaimRules(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, &Job{ID: "j", Status: StatusPending, MaxRetries: 1})

	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Claim(ctx, "j"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if _, err := store.Claim(ctx, "j"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}
	_ = store.MarkFailed(ctx, "j", CodeJobProcessing, "boom", false)
	if _, err := store.Claim(ctx, "j"); !errors.Is(err, ErrJobFinished) {
		t.Fatalf("expected exhausted job to be finished, got %v", err)
	}
}

func TestRedisQueueDeliversJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	queue := NewRedisQueue(client, "test:plans", 100*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 2)
	go func() {
		_ = queue.Consume(ctx, 1, func(_ context.Context, id string) error {
			received <- id
			return nil
		})
	}()

	for _, id := range []string{"a", "b"} {
		if err := queue.Publish(ctx, id); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	got := map[string]bool{}
	for len(got) < 2 {
		select {
		case id := <-received:
			got[id] = true
		case <-time.After(3 * time.Second):
			t.Fatalf("jobs not delivered: %v", got)
		}
	}
}
