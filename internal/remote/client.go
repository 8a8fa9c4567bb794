package remote

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"guardian/internal/models"
	"guardian/internal/store"
)

type remoteSub struct {
	path string
	fn   store.Listener
}

// Client is a store.Conn backed by a websocket to a Server. It redials with
// capped exponential backoff after the link drops, replays every live
// subscription once it is back, and reports the link on ".info/connected".
// Disconnect hooks live on the server and are consumed by the drop, the way
// they are for any other client.
type Client struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	logger     *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	loop       *store.Loop

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	wmu sync.Mutex

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	closed    bool
	nextID    uint64
	pending   map[uint64]chan Frame
	subs      map[uint64]*remoteSub
	connSubs  map[uint64]store.Listener

	ready     chan struct{}
	readyOnce sync.Once
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBackoff bounds the delay between redial attempts
func WithBackoff(lo, hi time.Duration) Option {
	return func(c *Client) {
		c.minBackoff = lo
		c.maxBackoff = hi
	}
}

// WithHeader adds headers to every handshake
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// Dial starts a client for url and waits for the first connection. The
// client keeps redialing in the background until Close.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:        url,
		dialer:     &websocket.Dialer{HandshakeTimeout: writeWait},
		logger:     zap.NewNop(),
		minBackoff: 250 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		done:       make(chan struct{}),
		pending:    make(map[uint64]chan Frame),
		subs:       make(map[uint64]*remoteSub),
		connSubs:   make(map[uint64]store.Listener),
		ready:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.loop = store.NewLoop(c.logger)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run()

	select {
	case <-c.ready:
		return c, nil
	case <-ctx.Done():
		_ = c.Close()
		return nil, fmt.Errorf("failed to reach store at %s: %w", url, ctx.Err())
	}
}

func (c *Client) run() {
	defer close(c.done)
	backoff := c.minBackoff
	for {
		ws, _, err := c.dialer.DialContext(c.ctx, c.url, c.header)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Debug("store dial failed", zap.String("url", c.url), zap.Duration("retry", backoff), zap.Error(err))
			if !c.sleep(backoff) {
				return
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		backoff = c.minBackoff
		if !c.attach(ws) {
			return
		}
		err = c.readLoop(ws)
		c.detach(ws)
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Info("store link lost, reconnecting", zap.Error(err))
		if !c.sleep(c.minBackoff) {
			return
		}
	}
}

func (c *Client) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// attach installs ws as the live link and replays subscriptions
func (c *Client) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return false
	}
	c.ws = ws
	c.connected = true
	replay := make([]Frame, 0, len(c.subs))
	for id, s := range c.subs {
		replay = append(replay, Frame{Op: opSub, Sub: id, Path: s.path})
	}
	c.mu.Unlock()

	c.broadcastConnected(true)
	for _, f := range replay {
		if err := c.write(ws, f); err != nil {
			c.logger.Warn("subscription replay failed", zap.String("path", f.Path), zap.Error(err))
		}
	}
	c.readyOnce.Do(func() { close(c.ready) })
	return true
}

// detach fails every pending request and reports the link as down
func (c *Client) detach(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.connected = false
	}
	pending := c.pending
	c.pending = make(map[uint64]chan Frame)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- Frame{Op: opAck, Code: codeWrite, Error: "connection lost"}
	}
	c.broadcastConnected(false)
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		switch f.Op {
		case opAck:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case opEvent:
			c.deliver(f)
		}
	}
}

// deliver hands an event to its listener on the client's loop
func (c *Client) deliver(f Frame) {
	snap := store.NewSnapshot(f.Path, f.Value)
	c.loop.Post(func() {
		c.mu.Lock()
		s, ok := c.subs[f.Sub]
		live := c.connected && !c.closed
		c.mu.Unlock()
		if ok && live {
			s.fn(snap)
		}
	})
}

func (c *Client) write(ws *websocket.Conn, f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(f)
}

// request sends f and waits for its ack
func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, store.ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("%w: client offline", models.ErrWriteError)
	}
	c.nextID++
	f.ID = c.nextID
	ch := make(chan Frame, 1)
	c.pending[f.ID] = ch
	ws := c.ws
	c.mu.Unlock()

	if err := c.write(ws, f); err != nil {
		c.forget(f.ID)
		return Frame{}, fmt.Errorf("%w: %v", models.ErrWriteError, err)
	}
	select {
	case ack := <-ch:
		return ack, ack.err()
	case <-ctx.Done():
		c.forget(f.ID)
		return Frame{}, ctx.Err()
	case <-c.ctx.Done():
		return Frame{}, store.ErrClosed
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// send writes f on the live link, if any, without waiting
func (c *Client) send(f Frame) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	if err := c.write(ws, f); err != nil {
		c.logger.Debug("store frame not sent", zap.String("op", f.Op), zap.Error(err))
	}
}

func (c *Client) Get(ctx context.Context, path string) (store.Snapshot, error) {
	ack, err := c.request(ctx, Frame{Op: opGet, Path: path})
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.NewSnapshot(store.JoinPath(path), ack.Value), nil
}

func (c *Client) Set(ctx context.Context, path string, value any) error {
	_, err := c.request(ctx, Frame{Op: opSet, Path: path, Value: value})
	return err
}

func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	_, err := c.request(ctx, Frame{Op: opUpdate, Path: path, Fields: fields})
	return err
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.request(ctx, Frame{Op: opRemove, Path: path})
	return err
}

func (c *Client) OnDisconnectUpdate(ctx context.Context, path string, fields map[string]any) error {
	_, err := c.request(ctx, Frame{Op: opHookMrg, Path: path, Fields: fields})
	return err
}

func (c *Client) OnDisconnectSet(ctx context.Context, path string, value any) error {
	_, err := c.request(ctx, Frame{Op: opHookSet, Path: path, Value: value})
	return err
}

func (c *Client) CancelOnDisconnect(ctx context.Context, path string) error {
	_, err := c.request(ctx, Frame{Op: opHookDrop, Path: path})
	return err
}

func (c *Client) Subscribe(path string, fn store.Listener) store.Unsubscribe {
	if path == store.ConnectedPath {
		return c.subscribeConnected(fn)
	}
	if err := store.ValidatePath(path); err != nil {
		c.logger.Warn("subscribe failed", zap.String("path", path), zap.Error(err))
		return func() {}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.nextID++
	id := c.nextID
	c.subs[id] = &remoteSub{path: path, fn: fn}
	c.mu.Unlock()

	c.send(Frame{Op: opSub, Sub: id, Path: path})

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			c.send(Frame{Op: opUnsub, Sub: id})
		})
	}
}

func (c *Client) subscribeConnected(fn store.Listener) store.Unsubscribe {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.connSubs[id] = fn
	state := c.connected && !c.closed
	c.mu.Unlock()

	c.loop.Post(func() {
		c.mu.Lock()
		_, still := c.connSubs[id]
		c.mu.Unlock()
		if still {
			fn(store.NewSnapshot(store.ConnectedPath, state))
		}
	})
	return func() {
		c.mu.Lock()
		delete(c.connSubs, id)
		c.mu.Unlock()
	}
}

func (c *Client) broadcastConnected(state bool) {
	c.mu.Lock()
	fns := make([]store.Listener, 0, len(c.connSubs))
	for _, fn := range c.connSubs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	snap := store.NewSnapshot(store.ConnectedPath, state)
	c.loop.Post(func() {
		for _, fn := range fns {
			fn(snap)
		}
	})
}

// Connected reports whether the link is currently up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// Sync waits until every notification queued so far has been delivered
func (c *Client) Sync(ctx context.Context) error {
	return c.loop.Sync(ctx)
}

// Close ends the link; the server runs this client's hooks as it goes.
// It must not be called from a listener.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.connSubs = make(map[uint64]store.Listener)
	c.mu.Unlock()

	if ws != nil {
		c.wmu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.wmu.Unlock()
	}
	c.cancel()
	if ws != nil {
		_ = ws.Close()
	}
	<-c.done
	c.loop.Close()
	return nil
}
