package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a project or document identity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by CompareAndSwapStatus when the observed status
// no longer matches the current row — another worker already advanced it.
var ErrConflict = errors.New("store: optimistic conflict")

// Store is the persistence boundary for projects and documents. Every
// status transition goes through CompareAndSwapStatus, conditioned on the
// previously observed status, so two concurrent drivers racing on the same
// document never both apply a transition.
type Store interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjectIDs(ctx context.Context) ([]string, error)

	// SetProjectDatasetIfAbsent binds datasetID/kbName to the project only if
	// it does not already have a dataset bound — first writer wins. It
	// returns the dataset id now on record for the project (the caller's own
	// id if it won, or the existing/concurrent winner's id if it lost) along
	// with whether the caller's id won the race.
	SetProjectDatasetIfAbsent(ctx context.Context, id, datasetID, kbName string) (winner string, won bool, err error)
	ClearProjectKB(ctx context.Context, id string) error
	SetProjectReport(ctx context.Context, id, path string, status ReportStatus) error
	DeleteProject(ctx context.Context, id string) error

	CreateDocument(ctx context.Context, d *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListDocumentsByProject(ctx context.Context, projectID string) ([]*Document, error)
	DeleteDocument(ctx context.Context, id string) error

	// CompareAndSwapStatus applies fn to the document only if its current
	// status equals fromStatus (or fromStatus is StatusAny); fn mutates the
	// document in place to compute the next state. Returns ErrConflict if
	// the observed status had already changed.
	CompareAndSwapStatus(ctx context.Context, id string, fromStatus DocumentStatus, fn func(d *Document)) error
}

// StatusAny is used with CompareAndSwapStatus to mean "apply regardless of
// current status" — used by Delete and by Retry's guard, which check
// membership in a set themselves before calling.
const StatusAny DocumentStatus = ""
