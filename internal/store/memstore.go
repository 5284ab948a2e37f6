package store

import (
	"context"
	"sync"
)

// MemStore is an in-process Store implementation guarded by a single mutex.
// Status transitions still go through the same CompareAndSwapStatus
// contract a Redis-row HSET-with-WATCH implementation would need, so
// callers are exercised against the same optimistic-concurrency discipline
// a production relational or Redis-backed store would enforce.
type MemStore struct {
	mu        sync.Mutex
	projects  map[string]*Project
	documents map[string]*Document
}

func NewMemStore() *MemStore {
	return &MemStore{
		projects:  make(map[string]*Project),
		documents: make(map[string]*Document),
	}
}

func (s *MemStore) CreateProject(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Version = 1
	s.projects[p.ID] = &cp
	return nil
}

func (s *MemStore) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ListProjectIDs returns every known project id, used by the knowledge-base
// poller to resume watching in-flight documents after a process restart.
func (s *MemStore) ListProjectIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.projects))
	for id := range s.projects {
		out = append(out, id)
	}
	return out, nil
}

// SetProjectDatasetIfAbsent binds datasetID/kbName only if the project does
// not already have a dataset on record; otherwise it reports the existing
// binding as the winner. First-writer-wins under the same mutex that guards
// every other project mutation, so two concurrent callers never both win.
func (s *MemStore) SetProjectDatasetIfAbsent(ctx context.Context, id, datasetID, kbName string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return "", false, ErrNotFound
	}
	if p.DatasetID != "" {
		return p.DatasetID, false, nil
	}
	p.DatasetID = datasetID
	p.KnowledgeBaseName = kbName
	p.Version++
	return datasetID, true, nil
}

func (s *MemStore) ClearProjectKB(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return ErrNotFound
	}
	p.DatasetID = ""
	p.KnowledgeBaseName = ""
	p.Version++
	return nil
}

func (s *MemStore) SetProjectReport(ctx context.Context, id, path string, status ReportStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return ErrNotFound
	}
	if path != "" {
		p.ReportPath = path
	}
	p.ReportStatus = status
	p.Version++
	return nil
}

func (s *MemStore) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	delete(s.projects, id)
	for docID, d := range s.documents {
		if d.ProjectID == id {
			delete(s.documents, docID)
		}
	}
	return nil
}

func (s *MemStore) CreateDocument(ctx context.Context, d *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	cp.Version = 1
	s.documents[d.ID] = &cp
	return nil
}

func (s *MemStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemStore) ListDocumentsByProject(ctx context.Context, projectID string) ([]*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Document
	for _, d := range s.documents {
		if d.ProjectID == projectID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[id]; !ok {
		return ErrNotFound
	}
	delete(s.documents, id)
	return nil
}

func (s *MemStore) CompareAndSwapStatus(ctx context.Context, id string, fromStatus DocumentStatus, fn func(d *Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return ErrNotFound
	}
	if fromStatus != StatusAny && d.Status != fromStatus {
		return ErrConflict
	}
	fn(d)
	d.Version++
	return nil
}
