package pdfscan

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"
)

// RenderPageToPNG rasterizes a 1-based page number to PNG bytes at the
// given DPI, adapted from the teacher's imagerender.RenderPageToJPEG (PNG
// here since the vision-LLM path needs lossless text edges for OCR).
func RenderPageToPNG(pdfPath string, pageNum int, dpi int) ([]byte, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	img, err := doc.ImageDPI(pageNum-1, float64(dpi))
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", pageNum, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode page %d png: %w", pageNum, err)
	}
	return buf.Bytes(), nil
}

// RenderPageToDataURI renders a page and returns it as a data: URI suitable
// for the vision-LLM chat-completions image_url field.
func RenderPageToDataURI(pdfPath string, pageNum int, dpi int) (string, error) {
	png, err := RenderPageToPNG(pdfPath, pageNum, dpi)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
