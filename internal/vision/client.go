package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/local/docingest/internal/limiter"
)

const collaborator = "vision"

// ChatCompletionsClient calls an OpenAI-style chat-completions endpoint
// with a single user message carrying a text part and an image_url part.
type ChatCompletionsClient struct {
	http        *http.Client
	baseURL     string
	apiKey      string
	model       string
	temperature float64

	// Limiter is optional; when set it gates outbound calls through the
	// shared per-collaborator circuit breaker and concurrency cap.
	Limiter *limiter.Adaptive
}

func NewChatCompletionsClient(baseURL, apiKey, model string, temperature float64, timeout time.Duration) *ChatCompletionsClient {
	if temperature > 0.1 {
		temperature = 0.1 // fixed low per spec.md §4.3; never let config push it higher
	}
	return &ChatCompletionsClient{
		http:        &http.Client{Timeout: timeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		model:       model,
		temperature: temperature,
	}
}

type chatMessage struct {
	Role    string                   `json:"role"`
	Content []map[string]interface{} `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string  `json:"content"`
			Refusal *string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *ChatCompletionsClient) ExtractPage(ctx context.Context, req PageRequest) (PageResponse, error) {
	imageURL := fmt.Sprintf("data:%s;base64,%s", req.ImageMIME, req.ImageBase64)

	userContent := []map[string]interface{}{
		{"type": "image_url", "image_url": map[string]string{"url": imageURL}},
		{"type": "text", "text": Instruction},
	}

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: userContent},
		},
		Temperature: c.temperature,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return PageResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return PageResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.doGuarded(ctx, httpReq)
	if err != nil {
		return PageResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return PageResponse{}, ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PageResponse{}, fmt.Errorf("vision endpoint status %d", resp.StatusCode)
	}

	var r chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return PageResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if len(r.Choices) == 0 {
		return PageResponse{}, errors.New("vision endpoint returned no choices")
	}

	choice := r.Choices[0]
	if choice.Message.Refusal != nil && *choice.Message.Refusal != "" {
		return PageResponse{}, fmt.Errorf("%w: %s", ErrContentRefused, *choice.Message.Refusal)
	}
	if choice.FinishReason == "content_filter" {
		return PageResponse{}, fmt.Errorf("%w: content filtered by safety system", ErrContentRefused)
	}

	return PageResponse{
		Markdown:  choice.Message.Content,
		TokensIn:  r.Usage.PromptTokens,
		TokensOut: r.Usage.CompletionTokens,
	}, nil
}

// doGuarded runs req through the circuit breaker and in-process semaphore
// before hitting the wire, tripping the breaker on transport failure and
// resetting it on success.
func (c *ChatCompletionsClient) doGuarded(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.Limiter == nil {
		return c.http.Do(req)
	}
	if c.Limiter.IsOpen(ctx, collaborator) {
		return nil, ErrRateLimited
	}
	release, ok := c.Limiter.Allow(collaborator)
	if !ok {
		return nil, ErrRateLimited
	}
	defer release()

	resp, err := c.http.Do(req)
	if err != nil {
		c.Limiter.Open(ctx, collaborator)
		return nil, err
	}
	c.Limiter.Close(ctx, collaborator)
	return resp, nil
}
