package store

import (
	"context"
	"fmt"
	"sync"

	"guardian/internal/models"

	"go.uber.org/zap"
)

type hook struct {
	path   string
	merge  bool
	value  any
	fields map[string]any
}

type localSub struct {
	path     string
	fn       Listener
	cancel   Unsubscribe
	detached bool
}

// LocalConn is an in-process client of a Tree. It models the connection
// lifecycle explicitly: Drop simulates an ungraceful link loss, which runs the
// registered disconnect hooks, and Reconnect restores the link and resends
// current snapshots to every subscriber.
type LocalConn struct {
	tree   *Tree
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
	hooks     []hook
	subs      map[uint64]*localSub
	connSubs  map[uint64]Listener
	nextID    uint64
}

// Connect opens a connected client on tree
func Connect(tree *Tree, logger *zap.Logger) *LocalConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalConn{
		tree:      tree,
		logger:    logger,
		connected: true,
		subs:      make(map[uint64]*localSub),
		connSubs:  make(map[uint64]Listener),
	}
}

// Tree exposes the shared tree the connection writes to
func (c *LocalConn) Tree() *Tree {
	return c.tree
}

func (c *LocalConn) online() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return fmt.Errorf("%w: client offline", models.ErrWriteError)
	}
	return nil
}

func (c *LocalConn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

func (c *LocalConn) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := c.online(); err != nil {
		return Snapshot{}, err
	}
	return c.tree.Get(path)
}

func (c *LocalConn) Set(ctx context.Context, path string, value any) error {
	if err := c.online(); err != nil {
		return err
	}
	return c.tree.Set(ctx, path, value)
}

func (c *LocalConn) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := c.online(); err != nil {
		return err
	}
	return c.tree.Update(ctx, path, fields)
}

func (c *LocalConn) Remove(ctx context.Context, path string) error {
	if err := c.online(); err != nil {
		return err
	}
	return c.tree.Remove(ctx, path)
}

func (c *LocalConn) Subscribe(path string, fn Listener) Unsubscribe {
	if path == ConnectedPath {
		return c.subscribeConnected(fn)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	id := c.nextID
	c.nextID++
	sub := &localSub{path: path, fn: fn}
	c.subs[id] = sub
	c.mu.Unlock()

	cancel, err := c.tree.Watch(path, func(s Snapshot) {
		if c.isConnected() {
			fn(s)
		}
	})
	if err != nil {
		c.logger.Warn("subscribe failed", zap.String("path", path), zap.Error(err))
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return func() {}
	}

	c.mu.Lock()
	sub.cancel = cancel
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *LocalConn) subscribeConnected(fn Listener) Unsubscribe {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.connSubs[id] = fn
	state := c.connected && !c.closed
	c.mu.Unlock()

	c.tree.Post(func() {
		c.mu.Lock()
		_, still := c.connSubs[id]
		c.mu.Unlock()
		if still {
			fn(NewSnapshot(ConnectedPath, state))
		}
	})

	return func() {
		c.mu.Lock()
		delete(c.connSubs, id)
		c.mu.Unlock()
	}
}

func (c *LocalConn) addHook(h hook) error {
	if err := c.online(); err != nil {
		return err
	}
	if _, err := splitPath(h.path); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.hooks {
		if c.hooks[i].path == h.path {
			c.hooks[i] = h
			return nil
		}
	}
	c.hooks = append(c.hooks, h)
	return nil
}

func (c *LocalConn) OnDisconnectUpdate(ctx context.Context, path string, fields map[string]any) error {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return c.addHook(hook{path: path, merge: true, fields: copied})
}

func (c *LocalConn) OnDisconnectSet(ctx context.Context, path string, value any) error {
	return c.addHook(hook{path: path, value: value})
}

func (c *LocalConn) CancelOnDisconnect(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.hooks[:0]
	for _, h := range c.hooks {
		if h.path != path {
			kept = append(kept, h)
		}
	}
	c.hooks = kept
	return nil
}

// HookCount reports how many disconnect hooks are armed
func (c *LocalConn) HookCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hooks)
}

// Drop simulates the link going away without a goodbye
func (c *LocalConn) Drop() {
	c.mu.Lock()
	if !c.connected || c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = false
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	c.runHooks(hooks)
	c.broadcastConnected(false)
}

// Reconnect restores the link and resends every subscribed path
func (c *LocalConn) Reconnect() {
	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = true
	subs := make([]*localSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.broadcastConnected(true)
	for _, s := range subs {
		fn := s.fn
		c.tree.Resend(s.path, func(snap Snapshot) {
			if c.isConnected() {
				fn(snap)
			}
		})
	}
}

// Close detaches all listeners; armed hooks fire as the link goes away
func (c *LocalConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	wasConnected := c.connected
	c.closed = true
	c.connected = false
	hooks := c.hooks
	c.hooks = nil
	subs := c.subs
	c.subs = make(map[uint64]*localSub)
	c.connSubs = make(map[uint64]Listener)
	c.mu.Unlock()

	for _, s := range subs {
		if s.cancel != nil {
			s.cancel()
		}
	}
	if wasConnected {
		c.runHooks(hooks)
	}
	return nil
}

func (c *LocalConn) runHooks(hooks []hook) {
	ctx := context.Background()
	for _, h := range hooks {
		var err error
		if h.merge {
			err = c.tree.Update(ctx, h.path, h.fields)
		} else {
			err = c.tree.Set(ctx, h.path, h.value)
		}
		if err != nil {
			c.logger.Error("disconnect hook failed", zap.String("path", h.path), zap.Error(err))
		}
	}
}

func (c *LocalConn) broadcastConnected(state bool) {
	c.mu.Lock()
	fns := make([]Listener, 0, len(c.connSubs))
	for _, fn := range c.connSubs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	snap := NewSnapshot(ConnectedPath, state)
	c.tree.Post(func() {
		for _, fn := range fns {
			fn(snap)
		}
	})
}
