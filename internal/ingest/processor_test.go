package ingest

import (
	"context"
	"testing"

	"github.com/local/docingest/internal/convert"
	"github.com/local/docingest/internal/filekind"
	"github.com/local/docingest/internal/fsx"
	"github.com/local/docingest/internal/ingesterr"
	"github.com/local/docingest/internal/store"
)

type fakeKB struct {
	uploadCalls []string
	uploadErr   error
	deleteCalls []string
}

func (f *fakeKB) UploadDocument(ctx context.Context, projectID, documentID string) (bool, error) {
	f.uploadCalls = append(f.uploadCalls, documentID)
	if f.uploadErr != nil {
		return false, f.uploadErr
	}
	return true, nil
}

func (f *fakeKB) DeleteDocumentFromDataset(ctx context.Context, projectID, documentID string) error {
	f.deleteCalls = append(f.deleteCalls, documentID)
	return nil
}

func newTestProcessor(t *testing.T, kb KBUploader) (*Processor, store.Store, fsx.Store) {
	t.Helper()
	st := store.NewMemStore()
	files := fsx.NewLocalStore(t.TempDir())
	p := &Processor{
		Store:    st,
		Files:    files,
		Dispatch: &convert.Dispatcher{},
		KB:       kb,
		Detector: filekind.New(),
	}
	ctx := context.Background()
	if err := st.CreateProject(ctx, &store.Project{ID: "proj-1", FolderUUID: "folder-1"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p, st, files
}

func TestIngestCreatesDocumentInUploadingStatus(t *testing.T) {
	p, st, _ := newTestProcessor(t, &fakeKB{})
	ctx := context.Background()

	docID, err := p.Ingest(ctx, "proj-1", []byte("# hello"), "notes.md", "", "alice")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	doc, err := st.GetDocument(ctx, docID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != store.StatusUploading {
		t.Errorf("expected status UPLOADING, got %s", doc.Status)
	}
	if doc.Kind != store.KindMarkdown {
		t.Errorf("expected markdown kind, got %s", doc.Kind)
	}
	if doc.OriginalName != "notes.md" {
		t.Errorf("expected no label prefix without a label, got %q", doc.OriginalName)
	}
}

func TestIngestAppliesLabelPrefixIdempotently(t *testing.T) {
	p, _, _ := newTestProcessor(t, &fakeKB{})
	ctx := context.Background()

	docID, err := p.Ingest(ctx, "proj-1", []byte("hello"), "notes.md", "batch1", "alice")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	doc, _ := p.Store.GetDocument(ctx, docID)
	if doc.OriginalName != "batch1_notes.md" {
		t.Errorf("expected label-prefixed name, got %q", doc.OriginalName)
	}
}

func TestIngestRejectsUnsupportedExtension(t *testing.T) {
	p, _, _ := newTestProcessor(t, &fakeKB{})
	_, err := p.Ingest(context.Background(), "proj-1", []byte("x"), "report.docx", "", "alice")
	if err == nil || ingesterr.KindOf(err) != ingesterr.ValidationError {
		t.Fatalf("expected ValidationError for .docx, got %v", err)
	}
}

func TestIngestRejectsUnknownProject(t *testing.T) {
	p, _, _ := newTestProcessor(t, &fakeKB{})
	_, err := p.Ingest(context.Background(), "no-such-project", []byte("x"), "notes.md", "", "alice")
	if err == nil || ingesterr.KindOf(err) != ingesterr.ValidationError {
		t.Fatalf("expected ValidationError for an unknown project, got %v", err)
	}
}

func TestProcessMarkdownDocumentReachesUploadingToKB(t *testing.T) {
	kb := &fakeKB{}
	p, st, files := newTestProcessor(t, kb)
	ctx := context.Background()

	docID, err := p.Ingest(ctx, "proj-1", []byte("# Title\n\nBody text."), "doc.md", "", "alice")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := p.Process(ctx, docID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	doc, _ := st.GetDocument(ctx, docID)
	if doc.Status != store.StatusUploadingToKB {
		t.Errorf("expected UPLOADING_TO_KB after markdown conversion, got %s", doc.Status)
	}
	// The markdown byte-copy path reaches 70, above the UPLOADING_TO_KB
	// floor of 60, and progress never moves backwards.
	if doc.Progress != 70 {
		t.Errorf("expected progress 70 (markdown path above the %d floor), got %d", ProgressUploadingToKB, doc.Progress)
	}
	if doc.ProcessedFilePath == "" {
		t.Fatal("expected a processed file path to be recorded")
	}
	written, err := files.Get(ctx, doc.ProcessedFilePath)
	if err != nil {
		t.Fatalf("reading back the artifact: %v", err)
	}
	if string(written) != "# Title\n\nBody text." {
		t.Errorf("markdown artifact should be a byte copy, got %q", written)
	}
	if len(kb.uploadCalls) != 1 || kb.uploadCalls[0] != docID {
		t.Errorf("expected exactly one KB upload call for %s, got %v", docID, kb.uploadCalls)
	}
}

func TestProcessIsANoOpForADocumentAlreadyPastTheEntryStates(t *testing.T) {
	kb := &fakeKB{}
	p, st, _ := newTestProcessor(t, kb)
	ctx := context.Background()

	docID, _ := p.Ingest(ctx, "proj-1", []byte("hello"), "doc.md", "", "alice")
	_ = st.CompareAndSwapStatus(ctx, docID, store.StatusUploading, func(d *store.Document) {
		d.Status = store.StatusUploadingToKB
	})

	if err := p.Process(ctx, docID); err != nil {
		t.Fatalf("expected a silent no-op, got error %v", err)
	}
	if len(kb.uploadCalls) != 0 {
		t.Errorf("expected no KB upload for a document past the entry states, got %v", kb.uploadCalls)
	}
}

func TestProcessFailsWhenKBUploadErrors(t *testing.T) {
	kb := &fakeKB{uploadErr: ingesterr.New(ingesterr.UpstreamUnavailable, "kb down")}
	p, st, _ := newTestProcessor(t, kb)
	ctx := context.Background()

	docID, _ := p.Ingest(ctx, "proj-1", []byte("hello"), "doc.md", "", "alice")
	err := p.Process(ctx, docID)
	if err == nil {
		t.Fatal("expected the KB upload error to propagate")
	}

	doc, _ := st.GetDocument(ctx, docID)
	if doc.Status != store.StatusFailed {
		t.Errorf("expected status FAILED, got %s", doc.Status)
	}
	if doc.ErrorMessage == "" {
		t.Error("expected ErrorMessage to be recorded")
	}
}

func TestRetryRejectsNonRetryableStatus(t *testing.T) {
	p, _, _ := newTestProcessor(t, &fakeKB{})
	ctx := context.Background()
	docID, _ := p.Ingest(ctx, "proj-1", []byte("hello"), "doc.md", "", "alice")

	err := p.Retry(ctx, docID)
	if err == nil || ingesterr.KindOf(err) != ingesterr.ValidationError {
		t.Fatalf("expected ValidationError retrying a document still in UPLOADING, got %v", err)
	}
}

func TestRetryResetsAndReprocessesAFailedDocument(t *testing.T) {
	kb := &fakeKB{}
	p, st, _ := newTestProcessor(t, kb)
	ctx := context.Background()

	docID, _ := p.Ingest(ctx, "proj-1", []byte("hello"), "doc.md", "", "alice")
	_ = st.CompareAndSwapStatus(ctx, docID, store.StatusUploading, func(d *store.Document) {
		d.Status = store.StatusFailed
		d.ErrorMessage = "boom"
	})

	if err := p.Retry(ctx, docID); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	doc, _ := st.GetDocument(ctx, docID)
	if doc.Status != store.StatusUploadingToKB {
		t.Errorf("expected retry to drive the document back to UPLOADING_TO_KB, got %s", doc.Status)
	}
	if doc.ErrorMessage != "" {
		t.Errorf("expected ErrorMessage cleared after a successful retry, got %q", doc.ErrorMessage)
	}
}

func TestDeleteRemovesArtifactRawFileAndRecord(t *testing.T) {
	kb := &fakeKB{}
	p, st, files := newTestProcessor(t, kb)
	ctx := context.Background()

	docID, _ := p.Ingest(ctx, "proj-1", []byte("hello"), "doc.md", "", "alice")
	_ = p.Process(ctx, docID)

	doc, _ := st.GetDocument(ctx, docID)
	rawPath, processedPath := doc.RawPath, doc.ProcessedFilePath

	if err := p.Delete(ctx, docID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.GetDocument(ctx, docID); err == nil {
		t.Error("expected document record deleted")
	}
	if ok, _ := files.Exists(ctx, rawPath); ok {
		t.Error("expected raw file deleted")
	}
	if ok, _ := files.Exists(ctx, processedPath); ok {
		t.Error("expected processed artifact deleted")
	}
}

func TestPreviewReturnsNotReadyBeforeArtifactExists(t *testing.T) {
	p, _, _ := newTestProcessor(t, &fakeKB{})
	ctx := context.Background()
	docID, _ := p.Ingest(ctx, "proj-1", []byte("hello"), "doc.md", "", "alice")

	_, _, err := p.Preview(ctx, docID)
	if err == nil || ingesterr.KindOf(err) != ingesterr.NotReady {
		t.Fatalf("expected NotReady before conversion, got %v", err)
	}
}

func TestPreviewReturnsArtifactAfterProcessing(t *testing.T) {
	p, _, _ := newTestProcessor(t, &fakeKB{})
	ctx := context.Background()
	docID, _ := p.Ingest(ctx, "proj-1", []byte("# content"), "doc.md", "", "alice")
	if err := p.Process(ctx, docID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	markdown, name, err := p.Preview(ctx, docID)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if markdown != "# content" {
		t.Errorf("Preview markdown = %q", markdown)
	}
	if name != "doc.md" {
		t.Errorf("Preview displayName = %q", name)
	}
}
