package beacon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"guardian/internal/models"
)

// DeviceHandle identifies a paired beacon
type DeviceHandle struct {
	ID   string
	Name string
}

// Link is the transport boundary to the beacon. Pair fails with
// ErrPermissionDenied or ErrNotFound; Send fails with ErrNotConnected or
// ErrWriteError.
type Link interface {
	Pair(ctx context.Context) (DeviceHandle, error)
	Send(ctx context.Context, h DeviceHandle, command string) error
	OnStatusChange(fn func(connected bool)) func()
	OnDataReceived(fn func(raw string)) func()
	Close() error
}

// Dialer opens the byte stream to the beacon
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// StreamLink is a Link over any byte stream. Incoming data is split into
// lines; outgoing commands are newline terminated.
type StreamLink struct {
	name   string
	dial   Dialer
	logger *zap.Logger

	mu        sync.Mutex
	rwc       io.ReadWriteCloser
	handle    DeviceHandle
	statusFns map[int]func(bool)
	dataFns   map[int]func(string)
	nextID    int
	readDone  chan struct{}
}

// NewStreamLink creates a link that connects through dial
func NewStreamLink(name string, dial Dialer, logger *zap.Logger) *StreamLink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamLink{
		name:      name,
		dial:      dial,
		logger:    logger,
		statusFns: make(map[int]func(bool)),
		dataFns:   make(map[int]func(string)),
	}
}

// NewTCPLink reaches a beacon bridged to a TCP address
func NewTCPLink(addr string, logger *zap.Logger) *StreamLink {
	return NewStreamLink(addr, func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}, logger)
}

// NewDeviceLink reaches a beacon through a character device such as /dev/rfcomm0
func NewDeviceLink(path string, logger *zap.Logger) *StreamLink {
	return NewStreamLink(path, func(ctx context.Context) (io.ReadWriteCloser, error) {
		return os.OpenFile(path, os.O_RDWR, 0)
	}, logger)
}

func (l *StreamLink) Pair(ctx context.Context) (DeviceHandle, error) {
	l.mu.Lock()
	if l.rwc != nil {
		h := l.handle
		l.mu.Unlock()
		return h, nil
	}
	l.mu.Unlock()

	rwc, err := l.dial(ctx)
	if err != nil {
		return DeviceHandle{}, classifyDialError(err)
	}

	h := DeviceHandle{ID: l.name, Name: l.name}
	done := make(chan struct{})
	l.mu.Lock()
	l.rwc = rwc
	l.handle = h
	l.readDone = done
	l.mu.Unlock()

	go l.read(rwc, done)
	l.notifyStatus(true)
	return h, nil
}

// classifyDialError maps transport failures onto the pairing taxonomy:
// anything other than a permission problem means no beacon was reachable.
func classifyDialError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", models.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", models.ErrNotFound, err)
}

func (l *StreamLink) read(rwc io.ReadWriteCloser, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(rwc)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		l.mu.Lock()
		fns := make([]func(string), 0, len(l.dataFns))
		for _, fn := range l.dataFns {
			fns = append(fns, fn)
		}
		l.mu.Unlock()
		for _, fn := range fns {
			fn(line)
		}
	}
	if err := scanner.Err(); err != nil {
		l.logger.Debug("beacon stream ended", zap.String("device", l.name), zap.Error(err))
	}

	l.mu.Lock()
	current := l.rwc == rwc
	if current {
		l.rwc = nil
	}
	l.mu.Unlock()
	if current {
		rwc.Close()
		l.notifyStatus(false)
	}
}

func (l *StreamLink) Send(ctx context.Context, h DeviceHandle, command string) error {
	l.mu.Lock()
	rwc := l.rwc
	paired := l.handle
	l.mu.Unlock()

	if rwc == nil || h.ID != paired.ID {
		return models.ErrNotConnected
	}
	if _, err := io.WriteString(rwc, command+"\n"); err != nil {
		return fmt.Errorf("%w: %v", models.ErrWriteError, err)
	}
	return nil
}

func (l *StreamLink) OnStatusChange(fn func(connected bool)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.statusFns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.statusFns, id)
	}
}

func (l *StreamLink) OnDataReceived(fn func(raw string)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.dataFns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.dataFns, id)
	}
}

func (l *StreamLink) notifyStatus(connected bool) {
	l.mu.Lock()
	fns := make([]func(bool), 0, len(l.statusFns))
	for _, fn := range l.statusFns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

// Close drops the stream and waits for the reader to finish
func (l *StreamLink) Close() error {
	l.mu.Lock()
	rwc, done := l.rwc, l.readDone
	l.rwc = nil
	l.mu.Unlock()

	if rwc == nil {
		return nil
	}
	err := rwc.Close()
	<-done
	l.notifyStatus(false)
	return err
}
