package worker

import (
	"context"
	"encoding/json"

	"github.com/local/docingest/internal/ingesterr"
)

// Enqueuer wraps a Queue with the JobPayload shape so every caller
// (the ingestion HTTP handler, the knowledge-base rebuild flow) enqueues
// process jobs the same way the pool expects to dequeue them.
type Enqueuer struct {
	Queue Queue
}

// EnqueueProcess enqueues a first-attempt process job for documentID,
// clearing any stale idempotency marker from a prior run first — this is an
// explicit request to (re-)drive the document through Process, not a retry
// of an in-flight attempt, so it must not be swallowed by the pool's
// already-done short-circuit.
func (e *Enqueuer) EnqueueProcess(ctx context.Context, documentID string) error {
	if err := e.Queue.ClearIdemDone(ctx, idemKeyForProcess(documentID)); err != nil {
		return ingesterr.Wrap(ingesterr.InternalError, "failed to clear idempotency marker", err)
	}
	payload, err := json.Marshal(JobPayload{DocumentID: documentID, Attempt: 1})
	if err != nil {
		return ingesterr.Wrap(ingesterr.InternalError, "failed to build job payload", err)
	}
	if err := e.Queue.EnqueueJob(ctx, payload); err != nil {
		return ingesterr.Wrap(ingesterr.InternalError, "failed to enqueue job", err)
	}
	return nil
}
