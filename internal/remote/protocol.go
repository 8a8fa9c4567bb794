// Package remote carries the store protocol over a websocket. Server exposes
// a Tree to remote processes; Client is the store.Conn those processes use.
package remote

import (
	"errors"
	"fmt"
	"time"

	"guardian/internal/models"
	"guardian/internal/store"
)

// Frame operations
const (
	opGet      = "get"
	opSet      = "set"
	opUpdate   = "update"
	opRemove   = "remove"
	opSub      = "sub"
	opUnsub    = "unsub"
	opHookSet  = "onDisconnectSet"
	opHookMrg  = "onDisconnectUpdate"
	opHookDrop = "cancelOnDisconnect"
	opAck      = "ack"
	opEvent    = "event"
)

// Error codes carried in acks
const (
	codeWrite    = "write_error"
	codePath     = "invalid_path"
	codeOverlap  = "overlap"
	codeClosed   = "closed"
	codeInternal = "internal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var errUnknownOp = errors.New("unknown operation")

// Frame is one JSON message in either direction. Requests carry an ID the
// server echoes in its ack; subscription frames are identified by Sub.
type Frame struct {
	ID     uint64         `json:"id,omitempty"`
	Op     string         `json:"op"`
	Path   string         `json:"path,omitempty"`
	Value  any            `json:"value,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	Sub    uint64         `json:"sub,omitempty"`
	Code   string         `json:"code,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrWriteError):
		return codeWrite
	case errors.Is(err, store.ErrInvalidPath):
		return codePath
	case errors.Is(err, store.ErrOverlappingKey):
		return codeOverlap
	case errors.Is(err, store.ErrClosed):
		return codeClosed
	}
	return codeInternal
}

// err rebuilds the sentinel a failed ack stands for
func (f Frame) err() error {
	if f.Code == "" && f.Error == "" {
		return nil
	}
	var sentinel error
	switch f.Code {
	case codeWrite:
		sentinel = models.ErrWriteError
	case codePath:
		sentinel = store.ErrInvalidPath
	case codeOverlap:
		sentinel = store.ErrOverlappingKey
	case codeClosed:
		sentinel = store.ErrClosed
	default:
		return fmt.Errorf("remote store: %s", f.Error)
	}
	return fmt.Errorf("%w: %s", sentinel, f.Error)
}
