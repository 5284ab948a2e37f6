// Package fsx implements the uploads/processed/output filesystem layout:
// two sibling trees partitioned by project folder UUID, plus a flat
// output tree for generated reports. A Store interface abstracts the
// backing medium (local disk by default, S3 as an alternate backend);
// the path-shape helpers here are backend-agnostic.
package fsx

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SafeName keeps only the final path element of name and collapses anything
// outside [a-zA-Z0-9._-] in it to "_", so a stored stem is filesystem-safe
// on every target OS and never escapes its directory via path traversal.
// A name with no usable element ("", ".", "..") becomes "file".
func SafeName(name string) string {
	name = path.Base(name)
	safe := unsafeNameChars.ReplaceAllString(name, "_")
	if safe == "" || safe == "." || safe == ".." {
		safe = "file"
	}
	return safe
}

// RandomHex returns a short random hex prefix used to guarantee uniqueness
// across duplicate uploads and on case-insensitive filesystems.
func RandomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// StemAndExt splits a safe filename into its stem and extension (extension
// includes the leading dot, lowercased, empty string if none).
func StemAndExt(safeName string) (stem, ext string) {
	idx := strings.LastIndex(safeName, ".")
	if idx <= 0 {
		return safeName, ""
	}
	return safeName[:idx], strings.ToLower(safeName[idx:])
}

// RawKey builds the uploads-tree key for a document:
// uploads/<folder_uuid>/<hex>_<safe-name>.<ext>
func RawKey(folderUUID, hexPrefix, safeName string) string {
	return path.Join("uploads", folderUUID, hexPrefix+"_"+safeName)
}

// ProcessedKey builds the processed-tree key for a document, using the stem
// of the stored raw filename (not the original user-visible name) so it is
// guaranteed unique: processed/<folder_uuid>/<hex>_<stem>.md
func ProcessedKey(folderUUID, hexPrefix, rawStem string) string {
	return path.Join("processed", folderUUID, hexPrefix+"_"+rawStem+".md")
}

// ProjectRawDir and ProjectProcessedDir return the per-project subtree root,
// used for cascading deletes.
func ProjectRawDir(folderUUID string) string       { return path.Join("uploads", folderUUID) }
func ProjectProcessedDir(folderUUID string) string { return path.Join("processed", folderUUID) }

// OutputKey builds the report-output key:
// output/<safe-company>-<yyyyMMdd-HHmmss>.md
func OutputKey(companyName string, at time.Time) string {
	safe := SafeName(companyName)
	return path.Join("output", fmt.Sprintf("%s-%s.md", safe, at.Format("20060102-150405")))
}
