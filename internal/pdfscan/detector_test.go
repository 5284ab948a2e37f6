package pdfscan

import (
	"strings"
	"testing"
)

func TestPageCountOfMissingFileIsWrappedError(t *testing.T) {
	d := New()
	_, err := d.PageCount("/nonexistent/path/does-not-exist.pdf")
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if !strings.Contains(err.Error(), "open pdf") {
		t.Errorf("expected the open-pdf context to be preserved, got %q", err.Error())
	}
}

func TestIsScannedOfMissingFileIsWrappedError(t *testing.T) {
	d := New()
	_, err := d.IsScanned("/nonexistent/path/does-not-exist.pdf")
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if !strings.Contains(err.Error(), "open pdf") {
		t.Errorf("expected the open-pdf context to be preserved, got %q", err.Error())
	}
}

func TestExtractTextOfMissingFileIsWrappedError(t *testing.T) {
	d := New()
	_, err := d.ExtractText("/nonexistent/path/does-not-exist.pdf")
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if !strings.Contains(err.Error(), "open pdf") {
		t.Errorf("expected the open-pdf context to be preserved, got %q", err.Error())
	}
}

func TestFastPageCountOfMissingFileIsWrappedError(t *testing.T) {
	_, err := FastPageCount("/nonexistent/path/does-not-exist.pdf")
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if !strings.Contains(err.Error(), "pdfcpu page count") {
		t.Errorf("expected the pdfcpu context to be preserved, got %q", err.Error())
	}
}

func TestScannedTextThresholdAndProbePagesAreSane(t *testing.T) {
	if ScannedTextThreshold <= 0 {
		t.Error("ScannedTextThreshold must be positive")
	}
	if MaxProbePages <= 0 {
		t.Error("MaxProbePages must be positive")
	}
}
