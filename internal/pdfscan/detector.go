// Package pdfscan decides whether a PDF is image-only (scanned) and, when
// it is, rasterizes its pages for the vision-LLM path. Grounded in the
// teacher's internal/mupdf (go-fitz text extraction) and
// internal/imagerender (go-fitz page rasterization).
package pdfscan

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ScannedTextThreshold is the deliberate, must-preserve threshold: if the
// concatenated text of the first few pages is shorter than this many
// characters, the PDF is classified as scanned (spec.md §4.3 — a tuning
// question, not a correctness one, so this constant is never referenced
// outside this package).
const ScannedTextThreshold = 50

// MaxProbePages is the number of leading pages sampled to decide scanned-ness.
const MaxProbePages = 3

// Detector opens PDFs with go-fitz to extract text and page counts.
type Detector struct{}

func New() *Detector { return &Detector{} }

// PageCount returns the number of pages in the PDF at pdfPath.
func (d *Detector) PageCount(pdfPath string) (int, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

// IsScanned extracts text from the first MaxProbePages pages and reports
// whether the concatenated length is below ScannedTextThreshold.
func (d *Detector) IsScanned(pdfPath string) (bool, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return false, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	probe := n
	if probe > MaxProbePages {
		probe = MaxProbePages
	}

	var buf strings.Builder
	for i := 0; i < probe; i++ {
		text, err := doc.Text(i)
		if err != nil {
			continue
		}
		buf.WriteString(text)
	}

	return utf8.RuneCountInString(buf.String()) < ScannedTextThreshold, nil
}

// FastPageCount reports the page count using pdfcpu's structural reader,
// which is far cheaper than opening a full go-fitz document and is used as
// a page-budget guard before the scanned-PDF path rasterizes every page.
func FastPageCount(pdfPath string) (int, error) {
	n, err := api.PageCountFile(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("pdfcpu page count: %w", err)
	}
	return n, nil
}

// ExtractText returns all text in the PDF, concatenated across pages.
func (d *Detector) ExtractText(pdfPath string) (string, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	var result strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			continue
		}
		if i > 0 {
			result.WriteString("\n\n")
		}
		result.WriteString(text)
	}
	return result.String(), nil
}
