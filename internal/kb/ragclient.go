// Package kb is the Knowledge-Base Service (spec.md §4.6): it owns the
// dataset lifecycle (create/delete/rebuild) and per-document upload and
// parse-trigger calls against the external RAG API. Grounded in the
// teacher's hand-rolled HTTP client idiom (internal/ai) and
// original_source's knowledge_base_service.py.
package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/local/docingest/internal/ingesterr"
	"github.com/local/docingest/internal/limiter"
)

const collaborator = "kb"

// ragClient is a thin wrapper over the RAG API's dataset/document/chunk
// endpoints. Every call carries Bearer auth and a bounded timeout.
type ragClient struct {
	http    *http.Client
	baseURL string
	apiKey  string

	// Limiter is optional; when set it gates outbound calls through the
	// shared per-collaborator circuit breaker and concurrency cap.
	Limiter *limiter.Adaptive
}

func newRAGClient(baseURL, apiKey string, timeout time.Duration) *ragClient {
	return &ragClient{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *ragClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) (envelope, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return envelope{}, ingesterr.Wrap(ingesterr.InternalError, "build RAG API request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.doGuarded(ctx, req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(resp.Body)
		return envelope{}, ingesterr.Wrap(ingesterr.UpstreamUnavailable,
			fmt.Sprintf("knowledge-base service returned status %d", resp.StatusCode), fmt.Errorf("%s", text))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return envelope{}, ingesterr.Wrap(ingesterr.UpstreamUnavailable, "knowledge-base service returned invalid JSON", err)
	}
	if env.Code != 0 {
		return envelope{}, ingesterr.New(ingesterr.UpstreamRejected, env.Message)
	}
	return env, nil
}

// doGuarded runs req through the circuit breaker and in-process semaphore
// before hitting the wire, tripping the breaker on transport failure and
// resetting it on success.
func (c *ragClient) doGuarded(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.Limiter == nil {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.UpstreamUnavailable, "knowledge-base service unreachable", err)
		}
		return resp, nil
	}
	if c.Limiter.IsOpen(ctx, collaborator) {
		return nil, ingesterr.New(ingesterr.UpstreamUnavailable, "knowledge-base service circuit open")
	}
	release, ok := c.Limiter.Allow(collaborator)
	if !ok {
		return nil, ingesterr.New(ingesterr.UpstreamUnavailable, "too many in-flight knowledge-base requests")
	}
	defer release()

	resp, err := c.http.Do(req)
	if err != nil {
		c.Limiter.Open(ctx, collaborator)
		return nil, ingesterr.Wrap(ingesterr.UpstreamUnavailable, "knowledge-base service unreachable", err)
	}
	c.Limiter.Close(ctx, collaborator)
	return resp, nil
}

// createDataset creates a dataset named name and returns its id.
func (c *ragClient) createDataset(ctx context.Context, name string) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"name":        name,
		"description": "knowledge base: " + name,
	})
	env, err := c.do(ctx, http.MethodPost, "/api/v1/datasets", bytes.NewReader(payload), "application/json")
	if err != nil {
		return "", err
	}
	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", ingesterr.Wrap(ingesterr.UpstreamUnavailable, "malformed dataset creation response", err)
	}
	return data.ID, nil
}

// deleteDataset deletes the given dataset.
func (c *ragClient) deleteDataset(ctx context.Context, datasetID string) error {
	payload, _ := json.Marshal(map[string][]string{"ids": {datasetID}})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/datasets", bytes.NewReader(payload))
	if err != nil {
		return ingesterr.Wrap(ingesterr.InternalError, "build RAG API request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doGuarded(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(resp.Body)
		return ingesterr.Wrap(ingesterr.UpstreamUnavailable,
			fmt.Sprintf("knowledge-base service returned status %d", resp.StatusCode), fmt.Errorf("%s", text))
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return ingesterr.Wrap(ingesterr.UpstreamUnavailable, "knowledge-base service returned invalid JSON", err)
	}
	if env.Code != 0 {
		return ingesterr.New(ingesterr.UpstreamRejected, env.Message)
	}
	return nil
}

// uploadDocument multipart-uploads markdown under fileName into dataset and
// returns the RAG document id.
func (c *ragClient) uploadDocument(ctx context.Context, datasetID string, markdown []byte, fileName string) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName)},
		"Content-Type":        {"text/markdown"},
	})
	if err != nil {
		return "", ingesterr.Wrap(ingesterr.InternalError, "build upload request", err)
	}
	if _, err := part.Write(markdown); err != nil {
		return "", ingesterr.Wrap(ingesterr.InternalError, "build upload request", err)
	}
	if err := w.Close(); err != nil {
		return "", ingesterr.Wrap(ingesterr.InternalError, "build upload request", err)
	}

	env, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/datasets/%s/documents", datasetID), &body, w.FormDataContentType())
	if err != nil {
		return "", err
	}
	var data []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || len(data) == 0 {
		return "", ingesterr.New(ingesterr.UpstreamUnavailable, "malformed document upload response")
	}
	return data[0].ID, nil
}

// triggerParse asks the dataset to parse the given RAG document.
func (c *ragClient) triggerParse(ctx context.Context, datasetID, ragDocumentID string) error {
	payload, _ := json.Marshal(map[string][]string{"document_ids": {ragDocumentID}})
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/datasets/%s/chunks", datasetID), bytes.NewReader(payload), "application/json")
	return err
}

// deleteDocument removes a single document from a dataset.
func (c *ragClient) deleteDocument(ctx context.Context, datasetID, ragDocumentID string) error {
	payload, _ := json.Marshal(map[string][]string{"ids": {ragDocumentID}})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+fmt.Sprintf("/api/v1/datasets/%s/documents", datasetID), bytes.NewReader(payload))
	if err != nil {
		return ingesterr.Wrap(ingesterr.InternalError, "build RAG API request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doGuarded(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(resp.Body)
		return ingesterr.Wrap(ingesterr.UpstreamUnavailable,
			fmt.Sprintf("knowledge-base service returned status %d", resp.StatusCode), fmt.Errorf("%s", text))
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return ingesterr.Wrap(ingesterr.UpstreamUnavailable, "knowledge-base service returned invalid JSON", err)
	}
	if env.Code != 0 {
		return ingesterr.New(ingesterr.UpstreamRejected, env.Message)
	}
	return nil
}

// documentRunState is the RAG API's reported state for one dataset document.
type documentRunState struct {
	ID       string  `json:"id"`
	Progress float64 `json:"progress"`
	Run      string  `json:"run"`
}

// listDocumentRunStates lists up to 100 documents' parse states in a dataset.
func (c *ragClient) listDocumentRunStates(ctx context.Context, datasetID string) ([]documentRunState, error) {
	env, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/datasets/%s/documents?page_size=100", datasetID), nil, "")
	if err != nil {
		return nil, err
	}
	var data struct {
		Docs []documentRunState `json:"docs"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, ingesterr.Wrap(ingesterr.UpstreamUnavailable, "malformed document list response", err)
	}
	return data.Docs, nil
}
