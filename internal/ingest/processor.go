// Package ingest implements the Document Processor (spec.md §4.4): it
// owns the per-document state machine, drives conversion, writes the
// artifact to the processed tree, and hands off to the knowledge-base
// service. Grounded in the teacher's internal/orchestrator HTTP-handler
// and job shape, and original_source's document_processor.py.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/local/docingest/internal/convert"
	"github.com/local/docingest/internal/filekind"
	"github.com/local/docingest/internal/fsx"
	"github.com/local/docingest/internal/ingesterr"
	"github.com/local/docingest/internal/logging"
	"github.com/local/docingest/internal/metrics"
	"github.com/local/docingest/internal/store"
)

// KBUploader is the subset of the knowledge-base service the processor
// drives once an artifact is ready; kept as an interface so ingest and kb
// don't import one another directly, matching the teacher's
// interface-at-the-boundary idiom (internal/orchestrator's Queue/StatusStore).
type KBUploader interface {
	UploadDocument(ctx context.Context, projectID, documentID string) (bool, error)
	DeleteDocumentFromDataset(ctx context.Context, projectID, documentID string) error
}

// Processor drives Ingest/Process/Retry/Delete/Preview for documents.
type Processor struct {
	Store    store.Store
	Files    fsx.Store
	Dispatch *convert.Dispatcher
	KB       KBUploader
	Detector *filekind.Detector

	// Mirror is an optional read-model: a status/progress snapshot kept in
	// Redis so a status-polling dashboard doesn't have to round-trip the
	// primary Store on every poll. Nil-safe — leave unset to disable.
	Mirror *store.StatusMirror
}

func (p *Processor) mirror(ctx context.Context, documentID string) {
	if p.Mirror == nil {
		return
	}
	if d, err := p.Store.GetDocument(ctx, documentID); err == nil {
		store.MirrorDocument(ctx, p.Mirror, d)
	}
}

// Ingest validates, stores, and rows a new document in UPLOADING.
func (p *Processor) Ingest(ctx context.Context, projectID string, raw []byte, originalName, label, uploadBy string) (string, error) {
	project, err := p.Store.GetProject(ctx, projectID)
	if err != nil {
		return "", ingesterr.New(ingesterr.ValidationError, "project does not exist")
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	if err := filekind.CheckExtension(ext); err != nil {
		return "", ingesterr.New(ingesterr.ValidationError, err.Error())
	}

	kind, err := p.Detector.DetectBytes(raw, ext)
	if err != nil {
		return "", ingesterr.Wrap(ingesterr.ValidationError, "could not determine document kind", err)
	}

	displayName := applyLabelPrefix(originalName, label)

	safeName := fsx.SafeName(originalName)
	hexPrefix := fsx.RandomHex(8)
	rawKey := fsx.RawKey(project.FolderUUID, hexPrefix, safeName)

	if err := p.Files.Put(ctx, rawKey, raw); err != nil {
		return "", ingesterr.Wrap(ingesterr.InternalError, "failed to store uploaded file", err)
	}

	documentID := uuid.NewString()
	doc := &store.Document{
		ID:           documentID,
		ProjectID:    projectID,
		OriginalName: displayName,
		RawPath:      rawKey,
		Kind:         kind,
		SizeBytes:    int64(len(raw)),
		Label:        label,
		UploadBy:     uploadBy,
		Status:       store.StatusUploading,
		Progress:     ProgressUploading,
		CreatedAt:    time.Now(),
	}
	if err := p.Store.CreateDocument(ctx, doc); err != nil {
		_ = p.Files.Delete(ctx, rawKey)
		return "", ingesterr.Wrap(ingesterr.InternalError, "failed to create document record", err)
	}
	p.mirror(ctx, documentID)

	return documentID, nil
}

// applyLabelPrefix prefixes name with label idempotently.
func applyLabelPrefix(name, label string) string {
	if label == "" {
		return name
	}
	prefix := label + "_"
	if strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + name
}

// Process drives the state machine forward. Safe against concurrent
// invocation: a second caller for a document already past the entry
// states is a no-op.
func (p *Processor) Process(ctx context.Context, documentID string) error {
	doc, err := p.Store.GetDocument(ctx, documentID)
	if err != nil {
		return ingesterr.New(ingesterr.NotFound, "document not found")
	}
	if !canStartProcess(doc.Status) {
		return nil // concurrent invocation: no-op
	}

	fromStatus := doc.Status
	now := time.Now()
	err = p.Store.CompareAndSwapStatus(ctx, documentID, fromStatus, func(d *store.Document) {
		d.Status = store.StatusProcessing
		d.ErrorMessage = ""
		if d.ProcessingStartedAt == nil {
			d.ProcessingStartedAt = &now
		}
		d.Progress = bumpProgress(d.Progress, ProgressProcessingMin)
	})
	if err == store.ErrConflict {
		return nil // another worker already advanced it
	}
	if err != nil {
		return ingesterr.Wrap(ingesterr.InternalError, "failed to start processing", err)
	}
	p.mirror(ctx, documentID)

	return p.runConversion(ctx, documentID)
}

func (p *Processor) runConversion(ctx context.Context, documentID string) error {
	doc, err := p.Store.GetDocument(ctx, documentID)
	if err != nil {
		return ingesterr.New(ingesterr.NotFound, "document not found")
	}

	project, err := p.Store.GetProject(ctx, doc.ProjectID)
	if err != nil {
		return ingesterr.New(ingesterr.NotFound, "project not found")
	}

	raw, err := p.Files.Get(ctx, doc.RawPath)
	if err != nil {
		return p.fail(ctx, documentID, store.StatusProcessing, ingesterr.Wrap(ingesterr.ConversionError, "raw file missing", err))
	}

	if doc.Kind == store.KindMarkdown {
		_ = p.Store.CompareAndSwapStatus(ctx, documentID, store.StatusProcessing, func(d *store.Document) {
			d.Progress = bumpProgress(d.Progress, 30)
		})
	}

	_, rawStem := splitSafeStem(doc.RawPath)

	scratchPath, cleanup, err := writeScratchFile(doc.RawPath, raw)
	if err != nil {
		return p.fail(ctx, documentID, store.StatusProcessing, ingesterr.Wrap(ingesterr.InternalError, "failed to stage file for conversion", err))
	}
	defer cleanup()

	markdown, err := p.Dispatch.Convert(ctx, scratchPath, raw, doc.OriginalName, doc.Kind, rawStem)
	if err != nil {
		metrics.ObserveUpstream("conversion", "error", 0)
		return p.fail(ctx, documentID, store.StatusProcessing, err)
	}

	if doc.Kind == store.KindMarkdown {
		_ = p.Store.CompareAndSwapStatus(ctx, documentID, store.StatusProcessing, func(d *store.Document) {
			d.Progress = bumpProgress(d.Progress, 70)
		})
	}

	hexPrefix, stem := splitSafeStem(doc.RawPath)
	processedKey := fsx.ProcessedKey(project.FolderUUID, hexPrefix, stem)
	if err := p.Files.Put(ctx, processedKey, []byte(markdown)); err != nil {
		return p.fail(ctx, documentID, store.StatusProcessing, ingesterr.Wrap(ingesterr.InternalError, "failed to write artifact", err))
	}

	now := time.Now()
	err = p.Store.CompareAndSwapStatus(ctx, documentID, store.StatusProcessing, func(d *store.Document) {
		d.Status = store.StatusUploadingToKB
		d.ProcessedFilePath = processedKey
		d.ProcessedAt = &now
		d.Progress = bumpProgress(d.Progress, ProgressUploadingToKB)
	})
	if err == store.ErrConflict {
		return nil
	}
	if err != nil {
		return ingesterr.Wrap(ingesterr.InternalError, "failed to record conversion result", err)
	}
	p.mirror(ctx, documentID)

	metrics.ObserveUpstream("conversion", "ok", 0)

	if _, err := p.KB.UploadDocument(ctx, doc.ProjectID, documentID); err != nil {
		return p.fail(ctx, documentID, store.StatusUploadingToKB, err)
	}
	return nil
}

// writeScratchFile stages raw under a temp path so the PDF scan detector
// and rasterizer, which always open a real file with go-fitz, work the same
// regardless of which fsx.Store backend holds the document of record.
func writeScratchFile(rawKey string, raw []byte) (path string, cleanup func(), err error) {
	base := filepath.Base(rawKey)
	f, err := os.CreateTemp("", "docingest-*-"+base)
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func splitSafeStem(rawKey string) (hexPrefix, stem string) {
	base := filepath.Base(rawKey)
	idx := strings.Index(base, "_")
	if idx < 0 {
		s, _ := fsx.StemAndExt(base)
		return "", s
	}
	hexPrefix = base[:idx]
	rest := base[idx+1:]
	stem, _ = fsx.StemAndExt(rest)
	return hexPrefix, stem
}

func (p *Processor) fail(ctx context.Context, documentID string, fromStatus store.DocumentStatus, cause error) error {
	msg := ingesterr.KindOf(cause)
	logging.Get().Warn().Str("document_id", documentID).Str("error_kind", string(msg)).Err(cause).Msg("document processing failed")
	err := p.Store.CompareAndSwapStatus(ctx, documentID, fromStatus, func(d *store.Document) {
		d.Status = store.StatusFailed
		d.ErrorMessage = cause.Error()
	})
	if err != nil && err != store.ErrConflict {
		return ingesterr.Wrap(ingesterr.InternalError, "failed to record failure", err)
	}
	p.mirror(ctx, documentID)
	metrics.IncDocumentState("failed")
	return cause
}

// Retry resets a document from FAILED/KB_PARSE_FAILED and re-enters the
// machine: clears error/artifact fields, deletes the stale artifact file,
// resets progress to 0, and sets status PROCESSING before re-running the
// same conversion path Process would.
func (p *Processor) Retry(ctx context.Context, documentID string) error {
	doc, err := p.Store.GetDocument(ctx, documentID)
	if err != nil {
		return ingesterr.New(ingesterr.NotFound, "document not found")
	}
	if doc.Status != store.StatusFailed && doc.Status != store.StatusKBParseFailed {
		return ingesterr.New(ingesterr.ValidationError, "document is not in a retryable state")
	}

	if doc.ProcessedFilePath != "" {
		_ = p.Files.Delete(ctx, doc.ProcessedFilePath)
	}

	fromStatus := doc.Status
	err = p.Store.CompareAndSwapStatus(ctx, documentID, fromStatus, func(d *store.Document) {
		d.Status = store.StatusProcessing
		d.ErrorMessage = ""
		d.ProcessedFilePath = ""
		d.RAGDocumentID = ""
		d.Progress = 0
	})
	if err == store.ErrConflict {
		return ingesterr.New(ingesterr.ValidationError, "document state changed concurrently")
	}
	if err != nil {
		return ingesterr.Wrap(ingesterr.InternalError, "failed to reset document for retry", err)
	}
	p.mirror(ctx, documentID)
	metrics.IncRetry()

	return p.runConversion(ctx, documentID)
}

// Delete removes the KB registration (best effort), the artifact, the raw
// file, and the row, in that order.
func (p *Processor) Delete(ctx context.Context, documentID string) error {
	doc, err := p.Store.GetDocument(ctx, documentID)
	if err != nil {
		return ingesterr.New(ingesterr.NotFound, "document not found")
	}

	if doc.RAGDocumentID != "" {
		if err := p.KB.DeleteDocumentFromDataset(ctx, doc.ProjectID, documentID); err != nil {
			logging.Get().Warn().Str("document_id", documentID).Err(err).Msg("best-effort KB deregistration failed")
		}
	}
	if doc.ProcessedFilePath != "" {
		if err := p.Files.Delete(ctx, doc.ProcessedFilePath); err != nil {
			logging.Get().Warn().Str("document_id", documentID).Err(err).Msg("failed to delete artifact")
		}
	}
	if doc.RawPath != "" {
		if err := p.Files.Delete(ctx, doc.RawPath); err != nil {
			logging.Get().Warn().Str("document_id", documentID).Err(err).Msg("failed to delete raw file")
		}
	}
	if err := p.Store.DeleteDocument(ctx, documentID); err != nil {
		return ingesterr.Wrap(ingesterr.InternalError, "failed to delete document record", err)
	}
	if p.Mirror != nil {
		_ = p.Mirror.Del(ctx, documentID)
	}
	return nil
}

// Preview reads the artifact from disk, trying UTF-8, then a localized
// legacy encoding (GBK), then Latin-1. Order is deliberate (spec.md §9)
// and must not be reshuffled.
func (p *Processor) Preview(ctx context.Context, documentID string) (markdown, displayName string, err error) {
	doc, err := p.Store.GetDocument(ctx, documentID)
	if err != nil {
		return "", "", ingesterr.New(ingesterr.NotFound, "document not found")
	}
	if !doc.HasArtifact() {
		return "", "", ingesterr.New(ingesterr.NotReady, "document has no processed artifact yet")
	}

	raw, err := p.Files.Get(ctx, doc.ProcessedFilePath)
	if err != nil {
		return "", "", ingesterr.Wrap(ingesterr.InternalError, "failed to read artifact", err)
	}

	text, decodeErr := decodeWithFallback(raw)
	if decodeErr != nil {
		return "", "", ingesterr.Wrap(ingesterr.InternalError, "failed to decode artifact", decodeErr)
	}
	return text, doc.OriginalName, nil
}

func decodeWithFallback(raw []byte) (string, error) {
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	if text, err := simplifiedchinese.GBK.NewDecoder().Bytes(raw); err == nil {
		return string(text), nil
	}
	text, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode as latin-1: %w", err)
	}
	return string(text), nil
}
