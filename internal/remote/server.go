package remote

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"guardian/internal/store"
)

// Server serves store connections over websockets. Each socket gets its own
// store.LocalConn, so a socket that goes away runs exactly the disconnect
// hooks its client registered.
type Server struct {
	tree   *store.Tree
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns int
}

// NewServer creates a server for tree
func NewServer(tree *store.Tree, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{tree: tree, logger: logger, ctx: ctx, cancel: cancel}
}

// Connections reports how many sockets are being served
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Shutdown drops every socket and waits for their hooks to run
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs one upgraded socket until it closes. It owns ws.
func (s *Server) Serve(ws *websocket.Conn) {
	if s.ctx.Err() != nil {
		_ = ws.Close()
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.mu.Lock()
	s.conns++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conns--
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(s.ctx)
	c := &serverConn{
		id:     uuid.NewString(),
		ws:     ws,
		local:  store.Connect(s.tree, s.logger),
		out:    make(chan Frame, sendBuffer),
		subs:   make(map[uint64]store.Unsubscribe),
		ctx:    ctx,
		cancel: cancel,
	}
	c.logger = s.logger.With(zap.String("conn", c.id))
	c.logger.Debug("store client connected", zap.String("remote", ws.RemoteAddr().String()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	c.readLoop()

	cancel()
	<-writerDone
	for _, stop := range c.subs {
		stop()
	}
	// Runs the hooks this client armed
	_ = c.local.Close()
	c.logger.Debug("store client disconnected")
}

type serverConn struct {
	id     string
	ws     *websocket.Conn
	local  *store.LocalConn
	logger *zap.Logger
	out    chan Frame

	// subs is only touched by the read loop
	subs map[uint64]store.Unsubscribe

	ctx    context.Context
	cancel context.CancelFunc
}

// send queues f without blocking; a client that cannot keep up is dropped
func (c *serverConn) send(f Frame) {
	select {
	case c.out <- f:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("store client too slow, dropping connection")
		c.cancel()
	}
}

func (c *serverConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *serverConn) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("store socket read failed", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(f)
	}
}

func (c *serverConn) handle(f Frame) {
	ctx := c.ctx
	var (
		value any
		err   error
	)
	switch f.Op {
	case opGet:
		var snap store.Snapshot
		snap, err = c.local.Get(ctx, f.Path)
		value = snap.Value()
	case opSet:
		err = c.local.Set(ctx, f.Path, f.Value)
	case opUpdate:
		err = c.local.Update(ctx, f.Path, f.Fields)
	case opRemove:
		err = c.local.Remove(ctx, f.Path)
	case opHookSet:
		err = c.local.OnDisconnectSet(ctx, f.Path, f.Value)
	case opHookMrg:
		err = c.local.OnDisconnectUpdate(ctx, f.Path, f.Fields)
	case opHookDrop:
		err = c.local.CancelOnDisconnect(ctx, f.Path)
	case opSub:
		c.subscribe(f)
		return
	case opUnsub:
		if stop, ok := c.subs[f.Sub]; ok {
			stop()
			delete(c.subs, f.Sub)
		}
		return
	default:
		c.logger.Warn("unknown store op", zap.String("op", f.Op))
		err = errUnknownOp
	}
	if f.ID == 0 {
		return
	}
	ack := Frame{ID: f.ID, Op: opAck, Value: value}
	if err != nil {
		ack.Code = errorCode(err)
		ack.Error = err.Error()
	}
	c.send(ack)
}

func (c *serverConn) subscribe(f Frame) {
	if err := store.ValidatePath(f.Path); err != nil || f.Path == store.ConnectedPath {
		c.logger.Warn("rejected subscription", zap.String("path", f.Path), zap.Error(err))
		return
	}
	if stop, ok := c.subs[f.Sub]; ok {
		stop()
	}
	sub := f.Sub
	c.subs[sub] = c.local.Subscribe(f.Path, func(snap store.Snapshot) {
		c.send(Frame{Op: opEvent, Sub: sub, Path: snap.Path(), Value: snap.Value()})
	})
}
