// Package vision implements the chat-completions vision-LLM client used as
// the scanned-PDF conversion path: one call per rasterized page, a fixed
// instruction prompt, and a low temperature. Grounded in the teacher's
// internal/ai package (OpenAI-style chat-completions client, refusal
// detection, rate-limit sentinel).
package vision

import (
	"context"
	"errors"
)

// Instruction is the fixed per-page extraction instruction (spec.md §4.3).
const Instruction = "Extract all textual content as Markdown. Ignore watermarks and seals. Preserve tables."

// PageRequest is a single page of a scanned PDF to be OCR'd.
type PageRequest struct {
	PageNumber  int
	ImageBase64 string
	ImageMIME   string
}

// PageResponse is the extracted Markdown for one page.
type PageResponse struct {
	Markdown  string
	TokensIn  int
	TokensOut int
}

// Client is the vision-LLM collaborator contract.
type Client interface {
	ExtractPage(ctx context.Context, req PageRequest) (PageResponse, error)
}

var (
	ErrRateLimited    = errors.New("vision: rate_limited")
	ErrContentRefused = errors.New("vision: content_refused")
)

func IsRateLimited(err error) bool    { return errors.Is(err, ErrRateLimited) }
func IsContentRefused(err error) bool { return errors.Is(err, ErrContentRefused) }
