// Package store defines the Project/Document entity shapes and the
// persistence boundary the rest of the pipeline drives through. The
// relational database itself is out of scope (spec treats it as an
// external collaborator); only the entity shape and an optimistic,
// single-row-update discipline matter here, so a Redis-shaped typed Go
// API is kept but backed by an in-process map.
package store

import "time"

// DocumentStatus is one of the seven states of the ingestion state machine.
type DocumentStatus string

const (
	StatusUploading      DocumentStatus = "UPLOADING"
	StatusProcessing     DocumentStatus = "PROCESSING"
	StatusUploadingToKB  DocumentStatus = "UPLOADING_TO_KB"
	StatusParsingKB      DocumentStatus = "PARSING_KB"
	StatusCompleted      DocumentStatus = "COMPLETED"
	StatusFailed         DocumentStatus = "FAILED"
	StatusKBParseFailed  DocumentStatus = "KB_PARSE_FAILED"
)

// Kind is the detected file kind driving conversion-dispatch routing.
type Kind string

const (
	KindPDF      Kind = "pdf"
	KindExcel    Kind = "excel"
	KindWord     Kind = "word"
	KindImage    Kind = "image"
	KindHTML     Kind = "html"
	KindMarkdown Kind = "markdown"
)

// ReportStatus tracks the project's most recent report-generation attempt.
type ReportStatus string

const (
	ReportStatusNone      ReportStatus = ""
	ReportStatusRunning   ReportStatus = "RUNNING"
	ReportStatusCompleted ReportStatus = "COMPLETED"
	ReportStatusFailed    ReportStatus = "FAILED"
)

// Project is a tenant for documents: it owns a folder tree and, lazily,
// a knowledge-base dataset binding.
type Project struct {
	ID         string
	FolderUUID string
	Name       string
	Owner      string

	// DatasetID and KnowledgeBaseName are present iff each other is:
	// both become set at first successful KB creation and are cleared
	// only by rebuild or project deletion.
	DatasetID         string
	KnowledgeBaseName string

	ReportPath   string
	ReportStatus ReportStatus

	Version int64 // optimistic-concurrency counter
}

// Document is a single ingested source file moving through the state machine.
type Document struct {
	ID        string
	ProjectID string

	OriginalName string // user-visible name, label-prefixed if a label was supplied
	RawPath      string
	Kind         Kind
	SizeBytes    int64
	Label        string
	UploadBy     string

	Status   DocumentStatus
	Progress int // [0,100], monotonically non-decreasing except across Retry

	ProcessedFilePath string
	RAGDocumentID     string
	ErrorMessage      string

	CreatedAt           time.Time
	ProcessingStartedAt *time.Time
	ProcessedAt         *time.Time

	Version int64 // optimistic-concurrency counter
}

// HasArtifact reports whether status implies processed_file_path must exist on disk.
func (d *Document) HasArtifact() bool {
	switch d.Status {
	case StatusUploadingToKB, StatusParsingKB, StatusCompleted, StatusKBParseFailed:
		return true
	default:
		return false
	}
}

// HasRAGHandle reports whether status implies rag_document_id must be set.
func (d *Document) HasRAGHandle() bool {
	switch d.Status {
	case StatusParsingKB, StatusCompleted, StatusKBParseFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether status is one the state machine does not leave
// without an explicit Retry.
func (d *Document) IsTerminal() bool {
	switch d.Status {
	case StatusCompleted, StatusFailed, StatusKBParseFailed:
		return true
	default:
		return false
	}
}
