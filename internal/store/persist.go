package store

import "context"

// Change replaces the subtree at Path with Value; a nil Value deletes it
type Change struct {
	Path  string
	Value any
}

// Persister makes the tree durable. Apply must be atomic across all changes
// of one commit: the tree only becomes visible to listeners once it returns
// without error.
type Persister interface {
	Load(ctx context.Context) (any, error)
	Apply(ctx context.Context, changes []Change) error
}
