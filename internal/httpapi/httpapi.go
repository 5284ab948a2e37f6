// Package httpapi is the HTTP surface over the ingestion pipeline: upload,
// retry, delete, preview, project KB rebuild, and report generation.
// Grounded in the teacher's internal/web route-registration idiom
// (mux.HandleFunc per verb, JSON bodies, explicit status codes).
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/local/docingest/internal/ingesterr"
	"github.com/local/docingest/internal/report"
	"github.com/local/docingest/internal/store"
	"github.com/local/docingest/internal/worker"
)

// Processor is the subset of ingest.Processor the HTTP surface drives.
type Processor interface {
	Ingest(ctx context.Context, projectID string, raw []byte, originalName, label, uploadBy string) (string, error)
	Retry(ctx context.Context, documentID string) error
	Delete(ctx context.Context, documentID string) error
	Preview(ctx context.Context, documentID string) (markdown, displayName string, err error)
}

// KBService is the subset of kb.Service the HTTP surface drives.
type KBService interface {
	RebuildForProject(ctx context.Context, projectID string) error
}

// API wires the ingestion pipeline's HTTP endpoints.
type API struct {
	Processor Processor
	KB        KBService
	Report    *report.Dispatcher
	Jobs      *worker.Enqueuer

	// Mirror is optional: when set, GET status requests are served from the
	// Redis read-model; when nil, the status endpoint answers not-found.
	Mirror *store.StatusMirror
}

// RegisterRoutes attaches every endpoint to mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/projects/", a.handleProjectScoped)
	mux.HandleFunc("/api/documents/", a.handleDocumentScoped)
}

// handleProjectScoped dispatches /api/projects/{id}/documents (POST upload)
// and /api/projects/{id}/kb/rebuild (POST).
func (a *API) handleProjectScoped(w http.ResponseWriter, r *http.Request) {
	projectID, action, ok := splitTwo(r.URL.Path, "/api/projects/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch {
	case action == "documents" && r.Method == http.MethodPost:
		a.handleUpload(w, r, projectID)
	case action == "kb/rebuild" && r.Method == http.MethodPost:
		a.handleRebuild(w, r, projectID)
	case action == "report" && r.Method == http.MethodPost:
		a.handleReport(w, r, projectID)
	default:
		http.NotFound(w, r)
	}
}

// handleDocumentScoped dispatches /api/documents/{id}/retry,
// /api/documents/{id}/preview, and DELETE /api/documents/{id}.
func (a *API) handleDocumentScoped(w http.ResponseWriter, r *http.Request) {
	documentID, action, ok := splitTwo(r.URL.Path, "/api/documents/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch {
	case action == "retry" && r.Method == http.MethodPost:
		a.handleRetry(w, r, documentID)
	case action == "preview" && r.Method == http.MethodGet:
		a.handlePreview(w, r, documentID)
	case action == "status" && r.Method == http.MethodGet:
		a.handleStatus(w, r, documentID)
	case action == "" && r.Method == http.MethodDelete:
		a.handleDelete(w, r, documentID)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request, projectID string) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, ingesterr.New(ingesterr.ValidationError, "invalid multipart form"))
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, ingesterr.New(ingesterr.ValidationError, "missing file"))
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.InternalError, "failed to read upload", err))
		return
	}

	label := r.FormValue("label")
	uploadBy := r.FormValue("upload_by")

	documentID, err := a.Processor.Ingest(r.Context(), projectID, raw, hdr.Filename, label, uploadBy)
	if err != nil {
		writeError(w, err)
		return
	}

	if a.Jobs != nil {
		if err := a.Jobs.EnqueueProcess(r.Context(), documentID); err != nil {
			log.Error().Err(err).Str("document_id", documentID).Msg("failed to enqueue process job")
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": documentID})
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request, documentID string) {
	if err := a.Processor.Retry(r.Context(), documentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": documentID, "status": "retrying"})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request, documentID string) {
	if err := a.Processor.Delete(r.Context(), documentID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request, documentID string) {
	markdown, displayName, err := a.Processor.Preview(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": displayName, "markdown": markdown})
}

// handleStatus serves a fast status/progress snapshot from the Redis
// mirror when available, falling back to a full preview-style not-found
// error when the mirror has nothing recorded for the document.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request, documentID string) {
	if a.Mirror == nil {
		writeError(w, ingesterr.New(ingesterr.NotFound, "status read-model is not enabled"))
		return
	}
	st, ok, err := a.Mirror.Get(r.Context(), documentID)
	if err != nil {
		writeError(w, ingesterr.Wrap(ingesterr.InternalError, "failed to read status", err))
		return
	}
	if !ok {
		writeError(w, ingesterr.New(ingesterr.NotFound, "no status recorded for document"))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleRebuild(w http.ResponseWriter, r *http.Request, projectID string) {
	if err := a.KB.RebuildForProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"project_id": projectID, "status": "rebuilding"})
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request, projectID string) {
	var body struct {
		Company       string `json:"company"`
		KnowledgeName string `json:"knowledge_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, ingesterr.New(ingesterr.ValidationError, "invalid request body"))
		return
	}
	markdown, runID, err := a.Report.Generate(r.Context(), projectID, body.Company, body.KnowledgeName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workflow_run_id": runID, "markdown": markdown})
}

// splitTwo splits the tail of path after prefix into its first segment and
// remaining sub-path, e.g. "abc/retry" -> ("abc", "retry").
func splitTwo(path, prefix string) (id, rest string, ok bool) {
	if len(path) <= len(prefix) || path[:len(prefix)] != prefix {
		return "", "", false
	}
	tail := path[len(prefix):]
	for i := 0; i < len(tail); i++ {
		if tail[i] == '/' {
			return tail[:i], tail[i+1:], true
		}
	}
	return tail, "", true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := ingesterr.KindOf(err)
	status := statusForKind(kind)
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(kind)})
}

func statusForKind(kind ingesterr.Kind) int {
	switch kind {
	case ingesterr.ValidationError:
		return http.StatusBadRequest
	case ingesterr.NotFound:
		return http.StatusNotFound
	case ingesterr.PermissionDenied:
		return http.StatusForbidden
	case ingesterr.NotReady, ingesterr.UpstreamRejected:
		return http.StatusConflict
	case ingesterr.UpstreamUnavailable:
		return http.StatusBadGateway
	case ingesterr.ConversionError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
