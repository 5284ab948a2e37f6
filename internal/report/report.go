// Package report is the Report Dispatcher (spec.md §4.8): it gates on
// every document in a project having reached parse-success, then invokes
// the external report-generation workflow and persists the result.
// Grounded in the teacher's hand-rolled HTTP client idiom and the
// workflow-endpoint contract in spec.md §5.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/local/docingest/internal/fsx"
	"github.com/local/docingest/internal/ingesterr"
	"github.com/local/docingest/internal/limiter"
	"github.com/local/docingest/internal/store"
)

const collaborator = "workflow"

// Dispatcher generates a project's report once its knowledge base is fully parsed.
type Dispatcher struct {
	Store store.Store
	Files fsx.Store

	// Limiter is optional; when set it gates outbound calls through the
	// shared per-collaborator circuit breaker and concurrency cap.
	Limiter *limiter.Adaptive

	http    *http.Client
	baseURL string
	apiKey  string
}

func New(st store.Store, files fsx.Store, baseURL, apiKey string, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		Store:   st,
		Files:   files,
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

type workflowRequest struct {
	Inputs       map[string]string `json:"inputs"`
	ResponseMode string            `json:"response_mode"`
	User         string            `json:"user"`
}

type workflowResponse struct {
	WorkflowRunID string `json:"workflow_run_id"`
	Data          struct {
		Status  string `json:"status"`
		Outputs struct {
			Text string `json:"text"`
		} `json:"outputs"`
		Error string `json:"error"`
	} `json:"data"`
}

// Generate gates on every document in projectID having reached COMPLETED,
// then calls the workflow endpoint and persists its output Markdown.
func (d *Dispatcher) Generate(ctx context.Context, projectID, companyName, knowledgeName string) (markdown, workflowRunID string, err error) {
	docs, err := d.Store.ListDocumentsByProject(ctx, projectID)
	if err != nil {
		return "", "", ingesterr.Wrap(ingesterr.InternalError, "failed to list project documents", err)
	}
	for _, doc := range docs {
		if doc.Status != store.StatusCompleted {
			return "", "", ingesterr.New(ingesterr.NotReady, "at least one document is still parsing")
		}
	}

	_ = d.Store.SetProjectReport(ctx, projectID, "", store.ReportStatusRunning)

	payload, _ := json.Marshal(workflowRequest{
		Inputs:       map[string]string{"company": companyName, "knowledge_name": knowledgeName},
		ResponseMode: "blocking",
		User:         "root",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/workflows/run", bytes.NewReader(payload))
	if err != nil {
		return "", "", d.fail(ctx, projectID, ingesterr.Wrap(ingesterr.InternalError, "build workflow request", err))
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.doGuarded(ctx, req)
	if err != nil {
		return "", "", d.fail(ctx, projectID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(resp.Body)
		return "", "", d.fail(ctx, projectID, ingesterr.Wrap(ingesterr.UpstreamUnavailable,
			fmt.Sprintf("workflow endpoint returned status %d", resp.StatusCode), fmt.Errorf("%s", text)))
	}

	var wr workflowResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return "", "", d.fail(ctx, projectID, ingesterr.Wrap(ingesterr.UpstreamUnavailable, "workflow endpoint returned invalid JSON", err))
	}
	if wr.Data.Status != "succeeded" {
		msg := wr.Data.Error
		if msg == "" {
			msg = "workflow run did not succeed"
		}
		return "", "", d.fail(ctx, projectID, ingesterr.New(ingesterr.UpstreamRejected, msg))
	}

	key := fsx.OutputKey(companyName, time.Now())
	if err := d.Files.Put(ctx, key, []byte(wr.Data.Outputs.Text)); err != nil {
		return "", "", d.fail(ctx, projectID, ingesterr.Wrap(ingesterr.InternalError, "failed to persist report", err))
	}

	if err := d.Store.SetProjectReport(ctx, projectID, key, store.ReportStatusCompleted); err != nil {
		return "", "", ingesterr.Wrap(ingesterr.InternalError, "failed to record report completion", err)
	}

	return wr.Data.Outputs.Text, wr.WorkflowRunID, nil
}

func (d *Dispatcher) fail(ctx context.Context, projectID string, cause error) error {
	_ = d.Store.SetProjectReport(ctx, projectID, "", store.ReportStatusFailed)
	return cause
}

// doGuarded runs req through the circuit breaker and in-process semaphore
// before hitting the wire, tripping the breaker on transport failure and
// resetting it on success.
func (d *Dispatcher) doGuarded(ctx context.Context, req *http.Request) (*http.Response, error) {
	if d.Limiter == nil {
		resp, err := d.http.Do(req)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.UpstreamUnavailable, "workflow endpoint unreachable", err)
		}
		return resp, nil
	}
	if d.Limiter.IsOpen(ctx, collaborator) {
		return nil, ingesterr.New(ingesterr.UpstreamUnavailable, "workflow endpoint circuit open")
	}
	release, ok := d.Limiter.Allow(collaborator)
	if !ok {
		return nil, ingesterr.New(ingesterr.UpstreamUnavailable, "too many in-flight workflow requests")
	}
	defer release()

	resp, err := d.http.Do(req)
	if err != nil {
		d.Limiter.Open(ctx, collaborator)
		return nil, ingesterr.Wrap(ingesterr.UpstreamUnavailable, "workflow endpoint unreachable", err)
	}
	d.Limiter.Close(ctx, collaborator)
	return resp, nil
}
