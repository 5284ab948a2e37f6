package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/local/docingest/internal/fsx"
	"github.com/local/docingest/internal/ingesterr"
	"github.com/local/docingest/internal/store"
)

func newTestDispatcher(t *testing.T, baseURL string) (*Dispatcher, store.Store, fsx.Store) {
	t.Helper()
	st := store.NewMemStore()
	files := fsx.NewLocalStore(t.TempDir())
	d := New(st, files, baseURL, "test-key", 5*time.Second)
	return d, st, files
}

func seedCompletedProject(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	_ = st.CreateProject(ctx, &store.Project{ID: "p1", Name: "acme"})
	_ = st.CreateDocument(ctx, &store.Document{ID: "d1", ProjectID: "p1", Status: store.StatusCompleted})
}

func TestGenerateRejectsWhenDocumentsStillParsing(t *testing.T) {
	d, st, _ := newTestDispatcher(t, "http://example.invalid")
	ctx := context.Background()
	_ = st.CreateProject(ctx, &store.Project{ID: "p1"})
	_ = st.CreateDocument(ctx, &store.Document{ID: "d1", ProjectID: "p1", Status: store.StatusParsingKB})

	_, _, err := d.Generate(ctx, "p1", "Acme", "kb-name")
	if err == nil || ingesterr.KindOf(err) != ingesterr.NotReady {
		t.Fatalf("expected NotReady, got %v", err)
	}
}

func TestGenerateSucceedsAndPersistsReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/workflows/run" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("expected bearer auth, got %q", auth)
		}
		resp := workflowResponse{WorkflowRunID: "run-1"}
		resp.Data.Status = "succeeded"
		resp.Data.Outputs.Text = "# Report\n\nFindings."
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	d, st, files := newTestDispatcher(t, srv.URL)
	seedCompletedProject(t, st)

	markdown, runID, err := d.Generate(context.Background(), "p1", "Acme", "kb-name")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if markdown != "# Report\n\nFindings." {
		t.Errorf("markdown = %q", markdown)
	}
	if runID != "run-1" {
		t.Errorf("workflowRunID = %q", runID)
	}

	p, _ := st.GetProject(context.Background(), "p1")
	if p.ReportStatus != store.ReportStatusCompleted {
		t.Errorf("expected report status COMPLETED, got %s", p.ReportStatus)
	}
	if p.ReportPath == "" {
		t.Fatal("expected a report path recorded")
	}
	stored, err := files.Get(context.Background(), p.ReportPath)
	if err != nil {
		t.Fatalf("reading persisted report: %v", err)
	}
	if string(stored) != "# Report\n\nFindings." {
		t.Errorf("persisted report = %q", stored)
	}
}

func TestGenerateMarksFailedWhenWorkflowDoesNotSucceed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := workflowResponse{}
		resp.Data.Status = "failed"
		resp.Data.Error = "model timed out"
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	d, st, _ := newTestDispatcher(t, srv.URL)
	seedCompletedProject(t, st)

	_, _, err := d.Generate(context.Background(), "p1", "Acme", "kb-name")
	if err == nil || ingesterr.KindOf(err) != ingesterr.UpstreamRejected {
		t.Fatalf("expected UpstreamRejected, got %v", err)
	}
	p, _ := st.GetProject(context.Background(), "p1")
	if p.ReportStatus != store.ReportStatusFailed {
		t.Errorf("expected report status FAILED, got %s", p.ReportStatus)
	}
}

func TestGenerateMarksFailedOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, st, _ := newTestDispatcher(t, srv.URL)
	seedCompletedProject(t, st)

	_, _, err := d.Generate(context.Background(), "p1", "Acme", "kb-name")
	if err == nil || ingesterr.KindOf(err) != ingesterr.UpstreamUnavailable {
		t.Fatalf("expected UpstreamUnavailable, got %v", err)
	}
	p, _ := st.GetProject(context.Background(), "p1")
	if p.ReportStatus != store.ReportStatusFailed {
		t.Errorf("expected report status FAILED, got %s", p.ReportStatus)
	}
}
