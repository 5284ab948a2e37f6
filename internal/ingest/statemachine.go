package ingest

import "github.com/local/docingest/internal/store"

// Canonical progress floors per state (spec.md §4.5). Implementations may
// emit finer-grained values within a phase; bumpProgress never lets a
// later floor move progress backwards; callers layering a floor on top of
// an already-higher in-phase value (e.g. the markdown byte-copy path,
// which reaches 70 before the UPLOADING_TO_KB floor of 60) keep the higher
// value, since progress must never decrease outside Retry.
const (
	ProgressUploading     = 0
	ProgressProcessingMin = 10
	ProgressUploadingToKB = 60
	ProgressParsingKB     = 80
	ProgressCompleted     = 100
)

func bumpProgress(current, floor int) int {
	if floor > current {
		return floor
	}
	return current
}

// canStartProcess reports whether Process(document_id) may act on a
// document currently in status: only a fresh ingest or a document
// recovering from a terminal failure may (re-)enter the machine; anything
// further along the pipeline is a concurrent-invocation no-op.
func canStartProcess(status store.DocumentStatus) bool {
	switch status {
	case store.StatusUploading, store.StatusFailed, store.StatusKBParseFailed:
		return true
	default:
		return false
	}
}
