// Package external is the External Conversion Client (spec.md §4.2): a
// multipart upload to a remote conversion service that turns an arbitrary
// raw file into Markdown. Grounded in the teacher's hand-rolled HTTP
// client idiom (internal/ai) and original_source's
// _process_with_external_api contract.
package external

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

// collaborator is the circuit-breaker/limiter key for this external service.
const collaborator = "conversion"

// Result is the Markdown and metadata returned by the conversion service.
type Result struct {
	Markdown       string
	ProcessingTime float64
	Metadata       map[string]any
}

// Client uploads raw files to the external conversion endpoint.
type Client struct {
	http    *http.Client
	baseURL string

	// Limiter is optional; when set it gates outbound calls through the
	// shared per-collaborator circuit breaker and concurrency cap.
	Limiter *limiter.Adaptive
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type convertResponse struct {
	Success        bool           `json:"success"`
	Content        string         `json:"content"`
	ProcessingTime float64        `json:"processing_time"`
	Metadata       map[string]any `json:"metadata"`
	Error          string         `json:"error,omitempty"`
}

// Convert uploads raw as filename and returns the produced Markdown. No
// retries happen at this layer — the caller (internal/ingest) decides
// whether to retry.
func (c *Client) Convert(ctx context.Context, raw []byte, filename string) (Result, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return Result{}, ingesterr.Wrap(ingesterr.InternalError, "build conversion request", err)
	}
	if _, err := part.Write(raw); err != nil {
		return Result{}, ingesterr.Wrap(ingesterr.InternalError, "build conversion request", err)
	}
	if err := w.Close(); err != nil {
		return Result{}, ingesterr.Wrap(ingesterr.InternalError, "build conversion request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/process", &body)
	if err != nil {
		return Result{}, ingesterr.Wrap(ingesterr.InternalError, "build conversion request", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.doGuarded(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(resp.Body)
		return Result{}, ingesterr.Wrap(ingesterr.UpstreamUnavailable,
			fmt.Sprintf("conversion service returned status %d", resp.StatusCode), fmt.Errorf("%s", text))
	}

	var r convertResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Result{}, ingesterr.Wrap(ingesterr.UpstreamUnavailable, "conversion service returned invalid JSON", err)
	}

	if !r.Success || r.Content == "" {
		msg := r.Error
		if msg == "" {
			msg = "conversion service rejected the document"
		}
		return Result{}, ingesterr.New(ingesterr.UpstreamRejected, msg)
	}

	return Result{Markdown: r.Content, ProcessingTime: r.ProcessingTime, Metadata: r.Metadata}, nil
}

// doGuarded runs req through the circuit breaker and in-process semaphore
// before hitting the wire, tripping the breaker on transport failure and
// resetting it on success.
func (c *Client) doGuarded(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.Limiter == nil {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, ingesterr.Wrap(ingesterr.UpstreamUnavailable, "conversion service unreachable", err)
		}
		return resp, nil
	}
	if c.Limiter.IsOpen(ctx, collaborator) {
		return nil, ingesterr.New(ingesterr.UpstreamUnavailable, "conversion service circuit open")
	}
	release, ok := c.Limiter.Allow(collaborator)
	if !ok {
		return nil, ingesterr.New(ingesterr.UpstreamUnavailable, "too many in-flight conversion requests")
	}
	defer release()

	resp, err := c.http.Do(req)
	if err != nil {
		c.Limiter.Open(ctx, collaborator)
		return nil, ingesterr.Wrap(ingesterr.UpstreamUnavailable, "conversion service unreachable", err)
	}
	c.Limiter.Close(ctx, collaborator)
	return resp, nil
}
