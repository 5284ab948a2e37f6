package kb

import (
	"context"
	"sync"
	"time"

	"github.com/local/docingest/internal/logging"
	"github.com/local/docingest/internal/metrics"
	"github.com/local/docingest/internal/store"
)

// PollInterval is the fixed cadence between parse-status checks
// (spec.md §4.6 — must-preserve, not a tuning knob).
const PollInterval = 5 * time.Second

// Poller watches PARSING_KB documents until the RAG API reports the parse
// as done or failed, then terminates them. One goroutine per document,
// started by StartPolling and stopped on success, failure, StopPolling, or
// cancellation of the context it was started with.
type Poller struct {
	Store  store.Store
	RAG    *ragClient
	Mirror *store.StatusMirror

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewPoller builds a Poller sharing the Service's RAG client and mirror.
func NewPoller(st store.Store, svc *Service) *Poller {
	return &Poller{Store: st, RAG: svc.RAG, Mirror: svc.Mirror, cancels: make(map[string]context.CancelFunc)}
}

// StartPolling begins watching documentID's parse status. Calling it again
// for a document already being watched is a no-op.
func (p *Poller) StartPolling(ctx context.Context, projectID, documentID string) {
	p.mu.Lock()
	if _, exists := p.cancels[documentID]; exists {
		p.mu.Unlock()
		return
	}
	pctx, cancel := context.WithCancel(ctx)
	p.cancels[documentID] = cancel
	p.mu.Unlock()

	metrics.SetActivePollers(p.count())
	go p.run(pctx, projectID, documentID)
}

// StopPolling cancels an in-flight poll, if any; used when a document is
// deleted out from under the poller.
func (p *Poller) StopPolling(documentID string) {
	p.mu.Lock()
	cancel, exists := p.cancels[documentID]
	delete(p.cancels, documentID)
	p.mu.Unlock()
	if exists {
		cancel()
	}
	metrics.SetActivePollers(p.count())
}

func (p *Poller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

// ResumeAll restarts polling for every document currently PARSING_KB,
// called once at process startup to recover pollers lost to a restart.
func (p *Poller) ResumeAll(ctx context.Context, projectIDs []string) {
	for _, projectID := range projectIDs {
		docs, err := p.Store.ListDocumentsByProject(ctx, projectID)
		if err != nil {
			continue
		}
		for _, d := range docs {
			if d.Status == store.StatusParsingKB {
				p.StartPolling(ctx, projectID, d.ID)
			}
		}
	}
}

func (p *Poller) run(ctx context.Context, projectID, documentID string) {
	defer p.finish(documentID)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done, err := p.tick(ctx, projectID, documentID)
			if err != nil {
				// Transient transport errors are swallowed, not terminal
				// (spec.md §4.6): the next tick retries.
				metrics.IncPollIteration("transient")
				logging.Get().Debug().Str("document_id", documentID).Err(err).Msg("parse-status poll failed, retrying")
				continue
			}
			if done {
				return
			}
		}
	}
}

func (p *Poller) mirror(ctx context.Context, documentID string) {
	if p.Mirror == nil {
		return
	}
	if d, err := p.Store.GetDocument(ctx, documentID); err == nil {
		store.MirrorDocument(ctx, p.Mirror, d)
	}
}

func (p *Poller) finish(documentID string) {
	p.mu.Lock()
	delete(p.cancels, documentID)
	p.mu.Unlock()
	metrics.SetActivePollers(p.count())
}

// tick checks one parse-status cycle. Returns done=true once the document
// has reached a terminal outcome (recorded in Store) and polling should stop.
func (p *Poller) tick(ctx context.Context, projectID, documentID string) (bool, error) {
	project, err := p.Store.GetProject(ctx, projectID)
	if err != nil {
		return true, nil // project gone: nothing left to poll for
	}
	doc, err := p.Store.GetDocument(ctx, documentID)
	if err != nil || doc.Status != store.StatusParsingKB {
		return true, nil // document gone or already terminal
	}

	states, err := p.RAG.listDocumentRunStates(ctx, project.DatasetID)
	if err != nil {
		return false, err
	}

	var found *documentRunState
	for i := range states {
		if states[i].ID == doc.RAGDocumentID {
			found = &states[i]
			break
		}
	}
	if found == nil {
		metrics.IncPollIteration("pending")
		return false, nil
	}

	switch {
	case found.Progress >= 1.0 && found.Run == "DONE":
		_ = p.Store.CompareAndSwapStatus(ctx, documentID, store.StatusParsingKB, func(d *store.Document) {
			d.Status = store.StatusCompleted
			d.Progress = 100
			d.ErrorMessage = ""
		})
		p.mirror(ctx, documentID)
		metrics.IncDocumentState("completed")
		metrics.IncPollIteration("done")
		return true, nil

	case found.Run == "FAILED" || found.Run == "ERROR" || found.Run == "CANCELLED":
		_ = p.Store.CompareAndSwapStatus(ctx, documentID, store.StatusParsingKB, func(d *store.Document) {
			d.Status = store.StatusKBParseFailed
			d.ErrorMessage = "knowledge-base parsing failed"
		})
		p.mirror(ctx, documentID)
		metrics.IncDocumentState("kb_parse_failed")
		metrics.IncPollIteration("failed")
		return true, nil

	default:
		metrics.IncPollIteration("pending")
		return false, nil
	}
}
