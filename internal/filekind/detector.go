// Package filekind detects a document's real kind from magic bytes (not
// merely its extension) and enforces the ingestion allow-list, adapted
// from the teacher's internal/filetype/detector.go.
package filekind

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/local/docingest/internal/store"
)

// RejectedDocMessage is the exact user-facing message for .doc/.docx uploads.
const RejectedDocMessage = "unsupported format; please upload as PDF"

// allowedExtensions is the fixed extension allow-list from the external
// interfaces contract; doc/docx are deliberately absent.
var allowedExtensions = map[string]bool{
	".pdf": true, ".xls": true, ".xlsx": true, ".csv": true, ".txt": true,
	".jpg": true, ".jpeg": true, ".png": true, ".md": true, ".html": true, ".htm": true,
}

// Detector classifies a raw file's kind using magic-byte detection,
// cross-checked against the extension allow-list.
type Detector struct{}

func New() *Detector { return &Detector{} }

// CheckExtension validates ext (with leading dot, any case) against the
// allow-list. Returns a descriptive error for .doc/.docx and a generic one
// for anything else unrecognized.
func CheckExtension(ext string) error {
	ext = strings.ToLower(ext)
	if ext == ".doc" || ext == ".docx" {
		return fmt.Errorf("%s", RejectedDocMessage)
	}
	if !allowedExtensions[ext] {
		return fmt.Errorf("unsupported file extension %q", ext)
	}
	return nil
}

// Detect determines the store.Kind of filePath from its magic bytes,
// falling back to its extension when the magic-byte MIME type is generic
// (e.g. "text/plain" for both .txt and .csv).
func (d *Detector) Detect(filePath string) (store.Kind, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	if err := CheckExtension(ext); err != nil {
		return "", err
	}

	mtype, err := mimetype.DetectFile(filePath)
	if err != nil {
		return "", fmt.Errorf("detect file type: %w", err)
	}
	mimeType := mtype.String()

	return classify(ext, mimeType)
}

// DetectBytes is Detect's in-memory counterpart, used by Ingest before the
// raw bytes are written to any backing store.
func (d *Detector) DetectBytes(raw []byte, ext string) (store.Kind, error) {
	ext = strings.ToLower(ext)
	if err := CheckExtension(ext); err != nil {
		return "", err
	}
	mimeType := mimetype.Detect(raw).String()
	return classify(ext, mimeType)
}

func classify(ext, mimeType string) (store.Kind, error) {
	switch {
	case mimeType == "application/pdf" || ext == ".pdf":
		return store.KindPDF, nil
	case ext == ".xls" || ext == ".xlsx" || ext == ".csv" ||
		mimeType == "application/vnd.ms-excel" ||
		mimeType == "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return store.KindExcel, nil
	case ext == ".html" || ext == ".htm" || mimeType == "text/html":
		return store.KindHTML, nil
	case strings.HasPrefix(mimeType, "image/") || ext == ".jpg" || ext == ".jpeg" || ext == ".png":
		return store.KindImage, nil
	case ext == ".md" || ext == ".txt" || strings.HasPrefix(mimeType, "text/"):
		// Plain text and Markdown both take the byte-copy strategy (§4.1).
		return store.KindMarkdown, nil
	default:
		return "", fmt.Errorf("unrecognized file kind for extension %q (mime %q)", ext, mimeType)
	}
}
