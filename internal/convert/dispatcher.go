// Package convert is the Conversion Dispatcher (spec.md §4.1): it routes a
// raw file to the correct conversion strategy by detected kind, owns no
// state of its own, and strips image references from text-PDF and HTML
// output before it is written. Grounded in the teacher's
// internal/dispatcher routing shape.
package convert

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/local/docingest/internal/convert/external"
	"github.com/local/docingest/internal/ingesterr"
	"github.com/local/docingest/internal/pdfscan"
	"github.com/local/docingest/internal/store"
	"github.com/local/docingest/internal/vision"
)

var (
	mdImageRef  = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	htmlImgTag  = regexp.MustCompile(`(?i)<img[^>]*>`)
	scanDPI     = 200
)

type Dispatcher struct {
	External     *external.Client
	Vision       vision.Client
	ScanDetector *pdfscan.Detector

	// VisionPageTimeout bounds a single per-page vision-LLM call.
	VisionPageTimeout time.Duration

	// MaxPages rejects a scanned PDF outright rather than running it
	// page-by-page through the vision LLM at unbounded cost. 0 means
	// unbounded.
	MaxPages int
}

// Convert produces Markdown for rawPath of the given kind and returns it
// ready to write to the artifact path. The caller is responsible for
// persisting the returned bytes.
func (d *Dispatcher) Convert(ctx context.Context, rawPath string, raw []byte, originalName string, kind store.Kind, stem string) (string, error) {
	switch kind {
	case store.KindMarkdown:
		return string(raw), nil

	case store.KindPDF:
		scanned, err := d.ScanDetector.IsScanned(rawPath)
		if err != nil {
			return "", ingesterr.Wrap(ingesterr.ConversionError, "failed to inspect PDF", err)
		}
		if scanned {
			return d.convertScannedPDF(ctx, rawPath, stem)
		}
		md, err := d.convertExternal(ctx, raw, originalName)
		if err != nil {
			return "", err
		}
		return stripImageRefs(md), nil

	case store.KindExcel, store.KindWord, store.KindImage, store.KindHTML:
		// KindWord is unreachable today: filekind rejects .doc/.docx at
		// ingest time. Kept here for enum completeness in case that
		// allow-list ever changes.
		md, err := d.convertExternal(ctx, raw, originalName)
		if err != nil {
			return "", err
		}
		if kind == store.KindHTML {
			return stripImageRefs(md), nil
		}
		return md, nil

	default:
		return "", ingesterr.New(ingesterr.ConversionError, fmt.Sprintf("no conversion strategy for kind %q", kind))
	}
}

func (d *Dispatcher) convertExternal(ctx context.Context, raw []byte, filename string) (string, error) {
	res, err := d.External.Convert(ctx, raw, filename)
	if err != nil {
		return "", err
	}
	if res.Markdown == "" {
		return "", ingesterr.New(ingesterr.ConversionError, "conversion produced empty document")
	}
	return res.Markdown, nil
}

func (d *Dispatcher) convertScannedPDF(ctx context.Context, rawPath, stem string) (string, error) {
	if d.MaxPages > 0 {
		budget, err := pdfscan.FastPageCount(rawPath)
		if err != nil {
			return "", ingesterr.Wrap(ingesterr.ConversionError, "failed to inspect PDF page budget", err)
		}
		if budget > d.MaxPages {
			return "", ingesterr.New(ingesterr.ValidationError, fmt.Sprintf("scanned PDF has %d pages, exceeds the %d page limit for vision extraction", budget, d.MaxPages))
		}
	}

	n, err := d.ScanDetector.PageCount(rawPath)
	if err != nil {
		return "", ingesterr.Wrap(ingesterr.ConversionError, "failed to count PDF pages", err)
	}

	out := fmt.Sprintf("# %s\n\n", stem)
	for page := 1; page <= n; page++ {
		md, err := d.ocrPage(ctx, rawPath, page)
		if err != nil {
			return "", ingesterr.Wrap(ingesterr.ConversionError, fmt.Sprintf("vision extraction failed on page %d", page), err)
		}
		out += fmt.Sprintf("## Page %d\n\n%s\n\n", page, md)
	}
	return out, nil
}

func (d *Dispatcher) ocrPage(ctx context.Context, rawPath string, page int) (string, error) {
	timeout := d.VisionPageTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dataURI, err := pdfscan.RenderPageToDataURI(rawPath, page, scanDPI)
	if err != nil {
		return "", fmt.Errorf("rasterize page %d: %w", page, err)
	}
	// dataURI is "data:<mime>;base64,<payload>" — split for the client contract.
	mime, b64, err := splitDataURI(dataURI)
	if err != nil {
		return "", err
	}

	resp, err := d.Vision.ExtractPage(pctx, vision.PageRequest{
		PageNumber:  page,
		ImageBase64: b64,
		ImageMIME:   mime,
	})
	if err != nil {
		return "", err
	}
	return resp.Markdown, nil
}

func splitDataURI(uri string) (mime, b64 string, err error) {
	const prefix = "data:"
	if len(uri) < len(prefix) || uri[:len(prefix)] != prefix {
		return "", "", fmt.Errorf("malformed data uri")
	}
	rest := uri[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ';' {
			mime = rest[:i]
			rest = rest[i+1:]
			break
		}
	}
	const b64Marker = "base64,"
	idx := -1
	for i := 0; i+len(b64Marker) <= len(rest); i++ {
		if rest[i:i+len(b64Marker)] == b64Marker {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", fmt.Errorf("malformed data uri: missing base64 marker")
	}
	return mime, rest[idx+len(b64Marker):], nil
}

// stripImageRefs removes inline Markdown image references and raw <img>
// tags, per spec.md §4.1 (text-PDF and HTML outputs only; scanned-PDF
// output is preserved verbatim).
func stripImageRefs(md string) string {
	md = mdImageRef.ReplaceAllString(md, "")
	md = htmlImgTag.ReplaceAllString(md, "")
	return md
}
