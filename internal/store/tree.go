package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"guardian/internal/models"

	"go.uber.org/zap"
)

var (
	ErrClosed         = errors.New("store closed")
	ErrOverlappingKey = errors.New("update paths overlap")
)

// Write is a single path assignment inside one commit
type Write struct {
	Path  string
	Value any
}

type watcher struct {
	segs   []string
	path   string
	fn     Listener
	mu     sync.Mutex
	active bool
}

func (w *watcher) deliver(s Snapshot) {
	w.mu.Lock()
	active := w.active
	w.mu.Unlock()
	if active {
		w.fn(s)
	}
}

// Tree is the shared state every connection reads and writes. Commits are
// serialized, so subscribers of a path observe its values in commit order;
// nothing is promised across different paths.
type Tree struct {
	mu       sync.Mutex
	root     any
	watchers map[uint64]*watcher
	nextID   uint64
	closed   bool

	persister Persister
	now       func() time.Time
	logger    *zap.Logger
	loop      *Loop
}

// Option configures a Tree
type Option func(*Tree)

// WithPersister makes every commit durable through p
func WithPersister(p Persister) Option {
	return func(t *Tree) { t.persister = p }
}

// WithClock overrides the commit clock used for ServerTimestamp
func WithClock(now func() time.Time) Option {
	return func(t *Tree) { t.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(t *Tree) { t.logger = l }
}

// NewTree creates a tree, loading existing content from the persister if set
func NewTree(ctx context.Context, opts ...Option) (*Tree, error) {
	t := &Tree{
		watchers: make(map[uint64]*watcher),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.persister != nil {
		root, err := t.persister.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load tree: %w", err)
		}
		t.root = root
	}
	t.loop = NewLoop(t.logger)
	return t, nil
}

// Close stops notification delivery
func (t *Tree) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.loop.Close()
}

// Sync waits until every notification queued so far has been delivered
func (t *Tree) Sync(ctx context.Context) error {
	return t.loop.Sync(ctx)
}

// Now returns the tree clock
func (t *Tree) Now() time.Time {
	return t.now()
}

// Get returns a copy of the value at path
func (t *Tree) Get(path string) (Snapshot, error) {
	segs, err := splitPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return NewSnapshot(JoinPath(segs...), deepCopy(getAt(t.root, segs))), nil
}

// Export returns a copy of the whole tree
func (t *Tree) Export() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return deepCopy(t.root)
}

// Set overwrites path
func (t *Tree) Set(ctx context.Context, path string, value any) error {
	return t.Commit(ctx, []Write{{Path: path, Value: value}})
}

// Update merges fields below path in one commit
func (t *Tree) Update(ctx context.Context, path string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	writes := make([]Write, 0, len(fields))
	for k, v := range fields {
		writes = append(writes, Write{Path: JoinPath(path, k), Value: v})
	}
	return t.Commit(ctx, writes)
}

// Remove deletes path
func (t *Tree) Remove(ctx context.Context, path string) error {
	return t.Commit(ctx, []Write{{Path: path}})
}

type resolvedWrite struct {
	segs  []string
	value any
}

// Commit applies all writes atomically and notifies affected subscribers
func (t *Tree) Commit(ctx context.Context, writes []Write) error {
	nowMs := t.now().UnixMilli()
	resolved := make([]resolvedWrite, 0, len(writes))
	for _, w := range writes {
		segs, err := splitPath(w.Path)
		if err != nil {
			return err
		}
		v, err := normalize(w.Value)
		if err != nil {
			return err
		}
		resolved = append(resolved, resolvedWrite{segs: segs, value: resolveServerValues(v, nowMs)})
	}
	for i := range resolved {
		for j := i + 1; j < len(resolved); j++ {
			if isPrefix(resolved[i].segs, resolved[j].segs) || isPrefix(resolved[j].segs, resolved[i].segs) {
				return fmt.Errorf("%w: %q and %q", ErrOverlappingKey,
					JoinPath(resolved[i].segs...), JoinPath(resolved[j].segs...))
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	if t.persister != nil {
		changes := make([]Change, 0, len(resolved))
		for _, r := range resolved {
			changes = append(changes, Change{Path: JoinPath(r.segs...), Value: r.value})
		}
		if err := t.persister.Apply(ctx, changes); err != nil {
			return fmt.Errorf("%w: %v", models.ErrWriteError, err)
		}
	}

	for _, r := range resolved {
		t.root = setAt(t.root, r.segs, r.value)
	}

	for _, w := range t.watchers {
		for _, r := range resolved {
			if related(w.segs, r.segs) {
				t.postLocked(w)
				break
			}
		}
	}
	return nil
}

// Watch attaches fn to path. It fires once with the current value.
func (t *Tree) Watch(path string, fn Listener) (Unsubscribe, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	w := &watcher{segs: segs, path: JoinPath(segs...), fn: fn, active: true}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	id := t.nextID
	t.nextID++
	t.watchers[id] = w
	t.postLocked(w)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			w.active = false
			w.mu.Unlock()
			t.mu.Lock()
			delete(t.watchers, id)
			t.mu.Unlock()
		})
	}, nil
}

// Resend queues a fresh snapshot of path for fn without registering anything
func (t *Tree) Resend(path string, fn Listener) {
	segs, err := splitPath(path)
	if err != nil {
		return
	}
	t.mu.Lock()
	snap := NewSnapshot(JoinPath(segs...), deepCopy(getAt(t.root, segs)))
	t.mu.Unlock()
	t.loop.Post(func() { fn(snap) })
}

// Post runs fn on the notification loop
func (t *Tree) Post(fn func()) {
	t.loop.Post(fn)
}

func (t *Tree) postLocked(w *watcher) {
	snap := NewSnapshot(w.path, deepCopy(getAt(t.root, w.segs)))
	t.loop.Post(func() { w.deliver(snap) })
}
