// Package service implements the family safety protocol on top of a
// store.Conn: identity and session fencing, location sync, the command
// slot, presence and SOS, and the activity log.
package service

import (
	"sync"
	"time"
)

// clock is embedded by every service so tests can pin time
type clock struct {
	mu  sync.RWMutex
	now func() time.Time
}

func newClock() clock {
	return clock{now: time.Now}
}

// SetClock replaces the time source
func (c *clock) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now()
}

func (c *clock) nowMs() int64 {
	return c.Now().UnixMilli()
}
