package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/local/docingest/internal/ingesterr"
)

type fakeProcessor struct {
	ingestID   string
	ingestErr  error
	retryErr   error
	deleteErr  error
	previewMD  string
	previewNm  string
	previewErr error

	lastProjectID string
	lastLabel     string
	lastUploadBy  string
}

func (f *fakeProcessor) Ingest(ctx context.Context, projectID string, raw []byte, originalName, label, uploadBy string) (string, error) {
	f.lastProjectID, f.lastLabel, f.lastUploadBy = projectID, label, uploadBy
	if f.ingestErr != nil {
		return "", f.ingestErr
	}
	return f.ingestID, nil
}
func (f *fakeProcessor) Retry(ctx context.Context, documentID string) error   { return f.retryErr }
func (f *fakeProcessor) Delete(ctx context.Context, documentID string) error { return f.deleteErr }
func (f *fakeProcessor) Preview(ctx context.Context, documentID string) (string, string, error) {
	return f.previewMD, f.previewNm, f.previewErr
}

type fakeKBService struct {
	rebuildErr   error
	rebuildCalls []string
}

func (f *fakeKBService) RebuildForProject(ctx context.Context, projectID string) error {
	f.rebuildCalls = append(f.rebuildCalls, projectID)
	return f.rebuildErr
}

func multipartUploadBody(t *testing.T, filename string, content []byte, label string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if label != "" {
		_ = w.WriteField("label", label)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestHandleUploadSuccess(t *testing.T) {
	proc := &fakeProcessor{ingestID: "doc-1"}
	api := &API{Processor: proc}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	body, contentType := multipartUploadBody(t, "notes.md", []byte("hello"), "batch1")
	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["document_id"] != "doc-1" {
		t.Errorf("expected document_id doc-1, got %+v", resp)
	}
	if proc.lastProjectID != "p1" || proc.lastLabel != "batch1" {
		t.Errorf("unexpected ingest args: project=%q label=%q", proc.lastProjectID, proc.lastLabel)
	}
}

func TestHandleUploadMissingFileIsValidationError(t *testing.T) {
	proc := &fakeProcessor{}
	api := &API{Processor: proc}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/documents", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing file field, got %d", rec.Code)
	}
}

func TestHandleUploadPropagatesIngestError(t *testing.T) {
	proc := &fakeProcessor{ingestErr: ingesterr.New(ingesterr.ValidationError, "bad project")}
	api := &API{Processor: proc}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	body, contentType := multipartUploadBody(t, "notes.md", []byte("hello"), "")
	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/documents", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRetrySuccess(t *testing.T) {
	api := &API{Processor: &fakeProcessor{}}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/documents/d1/retry", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
}

func TestHandleRetryValidationErrorMapsToBadRequest(t *testing.T) {
	api := &API{Processor: &fakeProcessor{retryErr: ingesterr.New(ingesterr.ValidationError, "not retryable")}}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/documents/d1/retry", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for ValidationError, got %d", rec.Code)
	}
}

func TestHandleDeleteSuccess(t *testing.T) {
	api := &API{Processor: &fakeProcessor{}}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodDelete, "/api/documents/d1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestHandlePreviewNotReady(t *testing.T) {
	api := &API{Processor: &fakeProcessor{previewErr: ingesterr.New(ingesterr.NotReady, "no artifact yet")}}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/documents/d1/preview", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for NotReady, got %d", rec.Code)
	}
}

func TestHandlePreviewSuccess(t *testing.T) {
	api := &API{Processor: &fakeProcessor{previewMD: "# hi", previewNm: "doc.md"}}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/documents/d1/preview", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["markdown"] != "# hi" || resp["name"] != "doc.md" {
		t.Errorf("unexpected body: %+v", resp)
	}
}

func TestHandleStatusWithoutMirrorIsNotFound(t *testing.T) {
	api := &API{Processor: &fakeProcessor{}}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/documents/d1/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when the status read-model is disabled, got %d", rec.Code)
	}
}

func TestHandleRebuildSuccess(t *testing.T) {
	kb := &fakeKBService{}
	api := &API{Processor: &fakeProcessor{}, KB: kb}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/kb/rebuild", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(kb.rebuildCalls) != 1 || kb.rebuildCalls[0] != "p1" {
		t.Errorf("expected rebuild called for p1, got %v", kb.rebuildCalls)
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	api := &API{Processor: &fakeProcessor{}}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/projects/p1/unknown-action", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unrecognized action, got %d", rec.Code)
	}
}
