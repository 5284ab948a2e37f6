package fsx

import "context"

// Store is the backend-agnostic object-storage boundary for the
// uploads/processed/output trees. LocalStore (default) writes to a disk
// root; s3store.Store is the alternate backend for deployments that put
// the trees in object storage instead.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// DeleteTree removes every object whose key has the given prefix,
	// used for cascading a project's uploads/processed subtree.
	DeleteTree(ctx context.Context, prefix string) error
	Exists(ctx context.Context, key string) (bool, error)
}
