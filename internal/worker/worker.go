// Package worker is the Ingestion Worker Pool (spec.md §4.8): it
// consumes document-processing jobs off the Redis Streams queue and drives
// them through the Document Processor, with retry backoff and a
// dead-letter stream for jobs that exhaust their attempts. Grounded in the
// teacher's internal/dispatcher/worker.go loop shape.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/docingest/internal/ingesterr"
	"github.com/local/docingest/internal/logging"
	"github.com/local/docingest/internal/metrics"
)

// JobPayload is the queue message shape for a document-processing job.
type JobPayload struct {
	DocumentID string `json:"document_id"`
	Attempt    int    `json:"attempt"`
}

// Queue is the subset of internal/queue.RedisQueue the pool drives against.
type Queue interface {
	DequeueJob(ctx context.Context, consumer string, timeout time.Duration) (string, []byte, error)
	Ack(ctx context.Context, msgID string) error
	IsCancelled(ctx context.Context, documentID string) (bool, error)
	EnqueueJob(ctx context.Context, payload []byte) error
	EnqueueDelayed(ctx context.Context, payload []byte, executeAt time.Time) error
	AddDLQ(ctx context.Context, payload []byte, reason string) error
	IsIdemDone(ctx context.Context, key string) (bool, error)
	MarkIdemDone(ctx context.Context, key string, ttl time.Duration) error
	ClearIdemDone(ctx context.Context, key string) error
}

// idemKeyForProcess is the idempotency key the pool checks/marks around a
// Process call; Enqueuer.EnqueueProcess clears it before re-enqueueing so a
// document re-driven through the machine (e.g. by a knowledge-base rebuild)
// is not short-circuited by a stale "already done" marker from an earlier run.
func idemKeyForProcess(documentID string) string { return "process:" + documentID }

// Processor is the subset of ingest.Processor the pool calls.
type Processor interface {
	Process(ctx context.Context, documentID string) error
}

// Config controls pool concurrency and retry policy.
type Config struct {
	Concurrency    int
	JobMaxAttempts int
	RetryBaseDelay time.Duration
	RetryFactor    float64
}

// Pool drives queued jobs through Processor.
type Pool struct {
	cfg  Config
	q    Queue
	proc Processor
	stop chan struct{}
}

func New(cfg Config, q Queue, proc Processor) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.JobMaxAttempts <= 0 {
		cfg.JobMaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.RetryFactor <= 1 {
		cfg.RetryFactor = 2.0
	}
	return &Pool{cfg: cfg, q: q, proc: proc, stop: make(chan struct{})}
}

// Start launches cfg.Concurrency consumer goroutines.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Concurrency; i++ {
		go p.loop(i)
	}
}

// Stop signals every consumer goroutine to exit after its current iteration.
func (p *Pool) Stop() { close(p.stop) }

func (p *Pool) log() *zerolog.Logger { return logging.Get() }

func (p *Pool) loop(id int) {
	consumer := fmt.Sprintf("w-%d", id)
	p.log().Info().Int("worker", id).Msg("ingestion worker started")
	for {
		select {
		case <-p.stop:
			p.log().Info().Int("worker", id).Msg("ingestion worker stopped")
			return
		default:
		}

		msgID, data, err := p.q.DequeueJob(context.Background(), consumer, 2*time.Second)
		if err != nil {
			p.log().Error().Err(err).Msg("queue dequeue error")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if data == nil {
			continue
		}

		var job JobPayload
		if err := json.Unmarshal(data, &job); err != nil || job.DocumentID == "" {
			p.log().Error().Err(err).Msg("malformed job payload, dropping")
			_ = p.q.Ack(context.Background(), msgID)
			continue
		}

		if cancelled, _ := p.q.IsCancelled(context.Background(), job.DocumentID); cancelled {
			p.log().Info().Str("document_id", job.DocumentID).Msg("job cancelled before processing; skipping")
			_ = p.q.Ack(context.Background(), msgID)
			continue
		}

		idemKey := idemKeyForProcess(job.DocumentID)
		if done, _ := p.q.IsIdemDone(context.Background(), idemKey); done {
			_ = p.q.Ack(context.Background(), msgID)
			continue
		}

		err = p.proc.Process(context.Background(), job.DocumentID)
		if err == nil {
			_ = p.q.MarkIdemDone(context.Background(), idemKey, 24*time.Hour)
			_ = p.q.Ack(context.Background(), msgID)
			continue
		}

		if !isRetryable(err) {
			_ = p.q.Ack(context.Background(), msgID)
			continue
		}

		attempt := job.Attempt
		if attempt <= 0 {
			attempt = 1
		}
		if attempt >= p.cfg.JobMaxAttempts {
			_ = p.q.AddDLQ(context.Background(), data, err.Error())
			_ = p.q.Ack(context.Background(), msgID)
			metrics.IncDocumentState("dlq")
			continue
		}

		job.Attempt = attempt + 1
		b, _ := json.Marshal(job)
		delay := backoffDelay(p.cfg.RetryBaseDelay, p.cfg.RetryFactor, attempt)
		_ = p.q.EnqueueDelayed(context.Background(), b, time.Now().Add(delay))
		_ = p.q.Ack(context.Background(), msgID)
		metrics.IncRetry()
	}
}

// isRetryable reports whether a processing error should be retried by the
// pool (network/upstream instability) rather than left in its terminal
// FAILED state for the caller's explicit Retry.
func isRetryable(err error) bool {
	switch ingesterr.KindOf(err) {
	case ingesterr.UpstreamUnavailable:
		return true
	default:
		return false
	}
}

func backoffDelay(base time.Duration, factor float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	max := 5 * time.Minute
	if time.Duration(d) > max {
		return max
	}
	return time.Duration(d)
}
