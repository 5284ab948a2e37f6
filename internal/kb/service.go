package kb

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/local/docingest/internal/fsx"
	"github.com/local/docingest/internal/ingesterr"
	"github.com/local/docingest/internal/logging"
	"github.com/local/docingest/internal/metrics"
	"github.com/local/docingest/internal/store"
)

// Reprocessor is the subset of the document processor the KB service needs
// to re-drive documents after a dataset rebuild, kept as an interface to
// avoid an import cycle with internal/ingest.
type Reprocessor interface {
	EnqueueProcess(ctx context.Context, documentID string) error
}

// Service owns dataset lifecycle and per-document upload/parse calls.
type Service struct {
	Store  store.Store
	Files  fsx.Store
	RAG    *ragClient
	Jobs   Reprocessor
	Poller *Poller

	// Mirror is an optional Redis read-model kept in sync alongside Store,
	// so a status-polling dashboard can avoid round-tripping Store.
	Mirror *store.StatusMirror
}

func (s *Service) mirror(ctx context.Context, documentID string) {
	if s.Mirror == nil {
		return
	}
	if d, err := s.Store.GetDocument(ctx, documentID); err == nil {
		store.MirrorDocument(ctx, s.Mirror, d)
	}
}

// New builds a Service against the given RAG API base URL and key.
func New(st store.Store, files fsx.Store, jobs Reprocessor, baseURL, apiKey string, timeout time.Duration) *Service {
	return &Service{
		Store: st,
		Files: files,
		RAG:   newRAGClient(baseURL, apiKey, timeout),
		Jobs:  jobs,
	}
}

// EnsureDatasetForProject lazily creates the project's dataset if it does
// not already have one. Two concurrent first-uploads for the same project
// both observe no dataset and both create one remotely, but only the first
// to land SetProjectDatasetIfAbsent is recorded; the loser deletes the
// remote dataset it created and adopts the winner's id, so every caller
// ends up pointed at the same dataset_id.
func (s *Service) EnsureDatasetForProject(ctx context.Context, projectID string) (string, error) {
	project, err := s.Store.GetProject(ctx, projectID)
	if err != nil {
		return "", ingesterr.New(ingesterr.NotFound, "project not found")
	}
	if project.DatasetID != "" {
		return project.DatasetID, nil
	}

	kbName := fmt.Sprintf("%s_%s_%s", project.Owner, project.Name, uuid.NewString())
	datasetID, err := s.RAG.createDataset(ctx, kbName)
	if err != nil {
		return "", err
	}

	winner, won, err := s.Store.SetProjectDatasetIfAbsent(ctx, projectID, datasetID, kbName)
	if err != nil {
		return "", ingesterr.Wrap(ingesterr.InternalError, "failed to record dataset binding", err)
	}
	if !won {
		if delErr := s.RAG.deleteDataset(ctx, datasetID); delErr != nil {
			logging.Get().Warn().Str("project_id", projectID).Str("dataset_id", datasetID).Err(delErr).Msg("failed to clean up losing dataset after a concurrent rebind")
		}
		return winner, nil
	}
	return datasetID, nil
}

// UploadDocument requires the document be UPLOADING_TO_KB with an artifact
// already written, ensures the project's dataset exists, uploads the
// artifact, and transitions to PARSING_KB (triggering parse) or FAILED.
func (s *Service) UploadDocument(ctx context.Context, projectID, documentID string) (bool, error) {
	doc, err := s.Store.GetDocument(ctx, documentID)
	if err != nil {
		return false, ingesterr.New(ingesterr.NotFound, "document not found")
	}
	if doc.Status != store.StatusUploadingToKB || doc.ProcessedFilePath == "" {
		return false, ingesterr.New(ingesterr.NotReady, "document is not ready for knowledge-base upload")
	}

	datasetID, err := s.EnsureDatasetForProject(ctx, projectID)
	if err != nil {
		return false, s.failUpload(ctx, documentID, err)
	}

	markdown, err := s.Files.Get(ctx, doc.ProcessedFilePath)
	if err != nil {
		return false, s.failUpload(ctx, documentID, ingesterr.Wrap(ingesterr.InternalError, "processed artifact missing", err))
	}

	stem := strings.TrimSuffix(filepath.Base(doc.OriginalName), filepath.Ext(doc.OriginalName))
	fileName := stem + ".md"

	start := time.Now()
	ragDocumentID, err := s.RAG.uploadDocument(ctx, datasetID, markdown, fileName)
	metrics.ObserveUpstream("kb", outcome(err), time.Since(start))
	if err != nil {
		return false, s.failUpload(ctx, documentID, err)
	}

	if err := s.RAG.triggerParse(ctx, datasetID, ragDocumentID); err != nil {
		_ = s.Store.CompareAndSwapStatus(ctx, documentID, store.StatusUploadingToKB, func(d *store.Document) {
			d.RAGDocumentID = ragDocumentID
			d.Status = store.StatusFailed
			d.ErrorMessage = "failed to trigger knowledge-base parsing"
		})
		s.mirror(ctx, documentID)
		return false, err
	}

	err = s.Store.CompareAndSwapStatus(ctx, documentID, store.StatusUploadingToKB, func(d *store.Document) {
		d.RAGDocumentID = ragDocumentID
		d.Status = store.StatusParsingKB
		d.Progress = 80
		d.ErrorMessage = ""
	})
	if err != nil && err != store.ErrConflict {
		return false, ingesterr.Wrap(ingesterr.InternalError, "failed to record upload result", err)
	}
	s.mirror(ctx, documentID)
	if err == nil && s.Poller != nil {
		s.Poller.StartPolling(context.Background(), projectID, documentID)
	}
	return true, nil
}

func (s *Service) failUpload(ctx context.Context, documentID string, cause error) error {
	logging.Get().Warn().Str("document_id", documentID).Err(cause).Msg("knowledge-base upload failed")
	_ = s.Store.CompareAndSwapStatus(ctx, documentID, store.StatusUploadingToKB, func(d *store.Document) {
		d.Status = store.StatusFailed
		d.ErrorMessage = cause.Error()
	})
	s.mirror(ctx, documentID)
	metrics.IncDocumentState("failed")
	return cause
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// DeleteDocumentFromDataset removes the document's RAG handle, best-effort:
// a document with no dataset or no RAG handle is treated as already clean.
func (s *Service) DeleteDocumentFromDataset(ctx context.Context, projectID, documentID string) error {
	project, err := s.Store.GetProject(ctx, projectID)
	if err != nil || project.DatasetID == "" {
		return nil
	}
	doc, err := s.Store.GetDocument(ctx, documentID)
	if err != nil || doc.RAGDocumentID == "" {
		return nil
	}
	if err := s.RAG.deleteDocument(ctx, project.DatasetID, doc.RAGDocumentID); err != nil {
		return err
	}
	return s.Store.CompareAndSwapStatus(ctx, documentID, store.StatusAny, func(d *store.Document) {
		d.RAGDocumentID = ""
	})
}

// DeleteDataset removes the project's dataset and clears its KB fields.
// A project with no dataset is a no-op success.
func (s *Service) DeleteDataset(ctx context.Context, projectID string) error {
	project, err := s.Store.GetProject(ctx, projectID)
	if err != nil {
		return ingesterr.New(ingesterr.NotFound, "project not found")
	}
	if project.DatasetID == "" {
		return nil
	}
	if err := s.RAG.deleteDataset(ctx, project.DatasetID); err != nil {
		return err
	}
	return s.Store.ClearProjectKB(ctx, projectID)
}

// RebuildForProject deletes the existing dataset, resets every document to
// FAILED with its artifact cleared, creates a fresh dataset, and re-enqueues
// Process for every document (spec.md §4.7). Documents land in FAILED
// rather than PROCESSING: canStartProcess only admits a document back into
// the machine from UPLOADING/FAILED/KB_PARSE_FAILED, so a document dropped
// straight into PROCESSING would never be picked up — Process treats that
// as a concurrent invocation already in flight and no-ops, stranding it.
func (s *Service) RebuildForProject(ctx context.Context, projectID string) error {
	if err := s.DeleteDataset(ctx, projectID); err != nil {
		return err
	}

	docs, err := s.Store.ListDocumentsByProject(ctx, projectID)
	if err != nil {
		return ingesterr.Wrap(ingesterr.InternalError, "failed to list project documents", err)
	}

	for _, d := range docs {
		if d.ProcessedFilePath != "" {
			_ = s.Files.Delete(ctx, d.ProcessedFilePath)
		}
		err := s.Store.CompareAndSwapStatus(ctx, d.ID, store.StatusAny, func(doc *store.Document) {
			doc.Status = store.StatusFailed
			doc.ProcessedFilePath = ""
			doc.RAGDocumentID = ""
			doc.Progress = 0
			doc.ErrorMessage = ""
		})
		if err != nil {
			logging.Get().Warn().Str("document_id", d.ID).Err(err).Msg("failed to reset document for rebuild")
			continue
		}
	}

	if _, err := s.EnsureDatasetForProject(ctx, projectID); err != nil {
		return err
	}

	for _, d := range docs {
		if err := s.Jobs.EnqueueProcess(ctx, d.ID); err != nil {
			logging.Get().Warn().Str("document_id", d.ID).Err(err).Msg("failed to re-enqueue document after rebuild")
		}
	}
	return nil
}
