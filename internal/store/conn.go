package store

import "context"

// Listener receives the full value of a subscribed path
type Listener func(Snapshot)

// Unsubscribe detaches a listener. Calling it more than once is harmless.
type Unsubscribe func()

// Conn is one client's view of the shared tree. Every client process owns
// exactly one Conn; its disconnect hooks and its ".info/connected" signal
// belong to that process alone.
type Conn interface {
	// Get reads the current value at path
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set overwrites the value at path. A nil value removes it.
	Set(ctx context.Context, path string, value any) error

	// Update merges fields into path. Keys may be multi-segment relative
	// paths; all of them commit atomically. A nil field removes that child.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Remove deletes path and everything below it
	Remove(ctx context.Context, path string) error

	// Subscribe attaches fn to path. fn fires with the current value and
	// again after every commit touching path, an ancestor or a descendant.
	Subscribe(path string, fn Listener) Unsubscribe

	// OnDisconnectUpdate registers a merge write the store performs when
	// this client's connection drops. Registering the same path again
	// replaces the earlier hook.
	OnDisconnectUpdate(ctx context.Context, path string, fields map[string]any) error

	// OnDisconnectSet registers an overwrite performed on disconnect
	OnDisconnectSet(ctx context.Context, path string, value any) error

	// CancelOnDisconnect drops any hook registered for path
	CancelOnDisconnect(ctx context.Context, path string) error

	// Close detaches everything and releases the connection
	Close() error
}
