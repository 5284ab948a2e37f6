package store

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// StatusMirror is an optional Redis-backed read model for document status,
// kept in sync by the ingestion processor alongside the authoritative
// Store write. It exists so a lightweight dashboard or a second process
// can read current status/progress without round-tripping through the
// primary Store, and so a redelivered queue message can be correlated
// back to the document it was enqueued for.
type StatusMirror struct {
	client *redis.Client
	keyNS  string
}

// MirroredStatus is the denormalized view of a document's progress.
type MirroredStatus struct {
	Status   string     `json:"status"`
	Progress int        `json:"progress"`
	Message  string     `json:"message"`
	Start    *time.Time `json:"start_time,omitempty"`
	End      *time.Time `json:"end_time,omitempty"`
}

func NewStatusMirror(redisURL string) (*StatusMirror, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opt)
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &StatusMirror{client: c, keyNS: "doc"}, nil
}

func (s *StatusMirror) key(documentID string) string {
	return fmt.Sprintf("%s:%s:status", s.keyNS, documentID)
}

func (s *StatusMirror) Set(ctx context.Context, documentID string, st MirroredStatus) error {
	m := map[string]interface{}{
		"status":   st.Status,
		"progress": st.Progress,
		"message":  st.Message,
	}
	if st.Start != nil {
		m["start"] = st.Start.Format(time.RFC3339Nano)
	}
	if st.End != nil {
		m["end"] = st.End.Format(time.RFC3339Nano)
	}
	return s.client.HSet(ctx, s.key(documentID), m).Err()
}

func (s *StatusMirror) Get(ctx context.Context, documentID string) (MirroredStatus, bool, error) {
	res, err := s.client.HGetAll(ctx, s.key(documentID)).Result()
	if err != nil {
		return MirroredStatus{}, false, err
	}
	if len(res) == 0 {
		return MirroredStatus{}, false, nil
	}
	st := MirroredStatus{Status: res["status"], Message: res["message"]}
	if p, ok := res["progress"]; ok && p != "" {
		var pi int
		fmt.Sscan(p, &pi)
		st.Progress = pi
	}
	if v := res["start"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.Start = &t
		}
	}
	if v := res["end"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.End = &t
		}
	}
	return st, true, nil
}

func (s *StatusMirror) Close() error { return s.client.Close() }

// Del removes a document's mirrored status, used when the document row itself is deleted.
func (s *StatusMirror) Del(ctx context.Context, documentID string) error {
	return s.client.Del(ctx, s.key(documentID)).Err()
}

// MirrorDocument is a no-op if m is nil, so callers can wire an optional
// mirror without branching at every call site.
func MirrorDocument(ctx context.Context, m *StatusMirror, d *Document) {
	if m == nil || d == nil {
		return
	}
	_ = m.Set(ctx, d.ID, MirroredStatus{
		Status:   string(d.Status),
		Progress: d.Progress,
		Message:  d.ErrorMessage,
		Start:    d.ProcessingStartedAt,
		End:      d.ProcessedAt,
	})
}

// Client returns the underlying Redis client.
func (s *StatusMirror) Client() *redis.Client { return s.client }

// SetDocumentJobMapping records which queue message a document's in-flight
// job corresponds to, so a worker restart can tell whether a redelivered
// message is stale.
func (s *StatusMirror) SetDocumentJobMapping(ctx context.Context, documentID, jobID string) error {
	key := fmt.Sprintf("doc_to_job:%s", documentID)
	return s.client.Set(ctx, key, jobID, 7*24*time.Hour).Err()
}

// GetJobByDocumentID retrieves the job id associated with a document id.
func (s *StatusMirror) GetJobByDocumentID(ctx context.Context, documentID string) (string, error) {
	key := fmt.Sprintf("doc_to_job:%s", documentID)
	jobID, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("no job found for document_id: %s", documentID)
	}
	return jobID, err
}
