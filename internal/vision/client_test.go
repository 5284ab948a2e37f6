package vision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewChatCompletionsClientClampsTemperature(t *testing.T) {
	c := NewChatCompletionsClient("http://example.com", "key", "gpt-4o", 0.9, 5*time.Second)
	if c.temperature != 0.1 {
		t.Errorf("expected temperature clamped to 0.1, got %v", c.temperature)
	}
}

func TestExtractPageSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %q", auth)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Temperature != 0.1 {
			t.Errorf("expected temperature 0.1 sent upstream, got %v", req.Temperature)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "# Page 1\n\nhello"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
		})
	}))
	defer srv.Close()

	c := NewChatCompletionsClient(srv.URL, "test-key", "gpt-4o", 0.1, 5*time.Second)
	resp, err := c.ExtractPage(context.Background(), PageRequest{PageNumber: 1, ImageBase64: "QUJD", ImageMIME: "image/png"})
	if err != nil {
		t.Fatalf("ExtractPage: %v", err)
	}
	if resp.Markdown != "# Page 1\n\nhello" {
		t.Errorf("Markdown = %q", resp.Markdown)
	}
	if resp.TokensIn != 10 || resp.TokensOut != 5 {
		t.Errorf("unexpected token counts: %+v", resp)
	}
}

func TestExtractPageRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewChatCompletionsClient(srv.URL, "key", "gpt-4o", 0.1, 5*time.Second)
	_, err := c.ExtractPage(context.Background(), PageRequest{ImageBase64: "QUJD", ImageMIME: "image/png"})
	if !IsRateLimited(err) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestExtractPageContentRefusal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refusal := "I can't help with that."
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "", "refusal": refusal}, "finish_reason": "stop"},
			},
		})
	}))
	defer srv.Close()

	c := NewChatCompletionsClient(srv.URL, "key", "gpt-4o", 0.1, 5*time.Second)
	_, err := c.ExtractPage(context.Background(), PageRequest{ImageBase64: "QUJD", ImageMIME: "image/png"})
	if !IsContentRefused(err) {
		t.Errorf("expected ErrContentRefused, got %v", err)
	}
}

func TestExtractPageContentFilterFinishReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": ""}, "finish_reason": "content_filter"},
			},
		})
	}))
	defer srv.Close()

	c := NewChatCompletionsClient(srv.URL, "key", "gpt-4o", 0.1, 5*time.Second)
	_, err := c.ExtractPage(context.Background(), PageRequest{ImageBase64: "QUJD", ImageMIME: "image/png"})
	if !IsContentRefused(err) {
		t.Errorf("expected ErrContentRefused for a content_filter finish reason, got %v", err)
	}
}

func TestExtractPageNoChoicesIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []map[string]any{}})
	}))
	defer srv.Close()

	c := NewChatCompletionsClient(srv.URL, "key", "gpt-4o", 0.1, 5*time.Second)
	_, err := c.ExtractPage(context.Background(), PageRequest{ImageBase64: "QUJD", ImageMIME: "image/png"})
	if err == nil {
		t.Fatal("expected an error when the endpoint returns zero choices")
	}
}
