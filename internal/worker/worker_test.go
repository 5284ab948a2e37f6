package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/local/docingest/internal/ingesterr"
)

func TestNewAppliesDefaultsForNonPositiveConfig(t *testing.T) {
	p := New(Config{}, &poolFakeQueue{}, fakeProcessor(func(ctx context.Context, documentID string) error { return nil }))
	if p.cfg.Concurrency != 4 {
		t.Errorf("expected default concurrency 4, got %d", p.cfg.Concurrency)
	}
	if p.cfg.JobMaxAttempts != 3 {
		t.Errorf("expected default max attempts 3, got %d", p.cfg.JobMaxAttempts)
	}
	if p.cfg.RetryBaseDelay != 2*time.Second {
		t.Errorf("expected default base delay 2s, got %v", p.cfg.RetryBaseDelay)
	}
	if p.cfg.RetryFactor != 2.0 {
		t.Errorf("expected default retry factor 2.0, got %v", p.cfg.RetryFactor)
	}
}

func TestIsRetryableOnlyForUpstreamUnavailable(t *testing.T) {
	if !isRetryable(ingesterr.New(ingesterr.UpstreamUnavailable, "upstream down")) {
		t.Error("expected UpstreamUnavailable to be retryable")
	}
	if isRetryable(ingesterr.New(ingesterr.ValidationError, "bad input")) {
		t.Error("expected ValidationError to not be retryable")
	}
}

func TestBackoffDelayGrowsByFactorAndCaps(t *testing.T) {
	base := 1 * time.Second
	if got := backoffDelay(base, 2.0, 1); got != base {
		t.Errorf("backoffDelay(attempt=1) = %v, want %v", got, base)
	}
	if got := backoffDelay(base, 2.0, 3); got != 4*time.Second {
		t.Errorf("backoffDelay(attempt=3) = %v, want 4s", got)
	}
	if got := backoffDelay(base, 2.0, 100); got != 5*time.Minute {
		t.Errorf("backoffDelay should cap at 5m, got %v", got)
	}
}

// poolFakeQueue drives Pool.loop deterministically: DequeueJob blocks on a
// channel fed by the test, and every terminal call (Ack/AddDLQ/EnqueueDelayed)
// reports onto a channel the test can select on.
type poolFakeQueue struct {
	mu        sync.Mutex
	jobs      chan queuedJob
	acked     chan string
	dlq       chan string
	delayed   chan []byte
	idemDone  map[string]bool
	cancelled map[string]bool
}

type queuedJob struct {
	msgID string
	data  []byte
}

func newPoolFakeQueue() *poolFakeQueue {
	return &poolFakeQueue{
		jobs:     make(chan queuedJob, 4),
		acked:    make(chan string, 4),
		dlq:      make(chan string, 4),
		delayed:  make(chan []byte, 4),
		idemDone: map[string]bool{},
	}
}

func (q *poolFakeQueue) DequeueJob(ctx context.Context, consumer string, timeout time.Duration) (string, []byte, error) {
	select {
	case j := <-q.jobs:
		return j.msgID, j.data, nil
	case <-time.After(10 * time.Millisecond):
		return "", nil, nil
	}
}
func (q *poolFakeQueue) Ack(ctx context.Context, msgID string) error {
	q.acked <- msgID
	return nil
}
func (q *poolFakeQueue) IsCancelled(ctx context.Context, documentID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[documentID], nil
}
func (q *poolFakeQueue) EnqueueJob(ctx context.Context, payload []byte) error { return nil }
func (q *poolFakeQueue) EnqueueDelayed(ctx context.Context, payload []byte, executeAt time.Time) error {
	q.delayed <- payload
	return nil
}
func (q *poolFakeQueue) AddDLQ(ctx context.Context, payload []byte, reason string) error {
	q.dlq <- reason
	return nil
}
func (q *poolFakeQueue) IsIdemDone(ctx context.Context, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idemDone[key], nil
}
func (q *poolFakeQueue) MarkIdemDone(ctx context.Context, key string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.idemDone[key] = true
	return nil
}
func (q *poolFakeQueue) ClearIdemDone(ctx context.Context, key string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.idemDone, key)
	return nil
}

type fakeProcessor func(ctx context.Context, documentID string) error

func (f fakeProcessor) Process(ctx context.Context, documentID string) error { return f(ctx, documentID) }

func TestPoolAcksAndMarksIdemDoneOnSuccess(t *testing.T) {
	q := newPoolFakeQueue()
	proc := fakeProcessor(func(ctx context.Context, documentID string) error { return nil })
	p := New(Config{Concurrency: 1}, q, proc)
	p.Start()
	defer p.Stop()

	payload, _ := json.Marshal(JobPayload{DocumentID: "doc-1", Attempt: 1})
	q.jobs <- queuedJob{msgID: "m1", data: payload}

	select {
	case msgID := <-q.acked:
		if msgID != "m1" {
			t.Errorf("expected ack for m1, got %s", msgID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
	if !q.idemDone["process:doc-1"] {
		t.Error("expected idempotency key marked done")
	}
}

func TestPoolRetriesUpstreamFailureUntilMaxAttempts(t *testing.T) {
	q := newPoolFakeQueue()
	proc := fakeProcessor(func(ctx context.Context, documentID string) error {
		return ingesterr.New(ingesterr.UpstreamUnavailable, "upstream down")
	})
	p := New(Config{Concurrency: 1, JobMaxAttempts: 2, RetryBaseDelay: time.Millisecond}, q, proc)
	p.Start()
	defer p.Stop()

	payload, _ := json.Marshal(JobPayload{DocumentID: "doc-1", Attempt: 1})
	q.jobs <- queuedJob{msgID: "m1", data: payload}

	select {
	case delayedPayload := <-q.delayed:
		var job JobPayload
		_ = json.Unmarshal(delayedPayload, &job)
		if job.Attempt != 2 {
			t.Errorf("expected retried attempt 2, got %d", job.Attempt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delayed retry enqueue")
	}
}

func TestPoolSendsToDLQAfterMaxAttempts(t *testing.T) {
	q := newPoolFakeQueue()
	proc := fakeProcessor(func(ctx context.Context, documentID string) error {
		return ingesterr.New(ingesterr.UpstreamUnavailable, "upstream down")
	})
	p := New(Config{Concurrency: 1, JobMaxAttempts: 1, RetryBaseDelay: time.Millisecond}, q, proc)
	p.Start()
	defer p.Stop()

	payload, _ := json.Marshal(JobPayload{DocumentID: "doc-1", Attempt: 1})
	q.jobs <- queuedJob{msgID: "m1", data: payload}

	select {
	case <-q.dlq:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for DLQ entry")
	}
}

func TestPoolDropsNonRetryableFailureWithoutDLQ(t *testing.T) {
	q := newPoolFakeQueue()
	proc := fakeProcessor(func(ctx context.Context, documentID string) error {
		return ingesterr.New(ingesterr.ValidationError, "bad input")
	})
	p := New(Config{Concurrency: 1}, q, proc)
	p.Start()
	defer p.Stop()

	payload, _ := json.Marshal(JobPayload{DocumentID: "doc-1", Attempt: 1})
	q.jobs <- queuedJob{msgID: "m1", data: payload}

	select {
	case msgID := <-q.acked:
		if msgID != "m1" {
			t.Errorf("expected ack for m1, got %s", msgID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack of a non-retryable failure")
	}
	select {
	case reason := <-q.dlq:
		t.Fatalf("did not expect a DLQ entry for a non-retryable error, got %q", reason)
	default:
	}
}
