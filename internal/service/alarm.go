package service

import (
	"sync"
	"time"
)

// Alarm repeats an impulse at a fixed interval until stopped. Starting a
// running alarm restarts it; there is never more than one repeat loop.
// Impulses run on their own goroutine, so a slow impulse never holds up
// Start or Stop. Ticks that arrive while one is still running are skipped.
type Alarm struct {
	interval time.Duration
	impulse  func()

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running int
}

// NewAlarm creates a stopped alarm
func NewAlarm(interval time.Duration, impulse func()) *Alarm {
	return &Alarm{interval: interval, impulse: impulse}
}

// Start cancels any running loop, then starts a new one. The first impulse
// fires immediately.
func (a *Alarm) Start() {
	a.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		// Lost a race with a concurrent Start
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	a.stop, a.done = stop, done
	a.running++

	ring := make(chan struct{}, 1)
	go func() {
		for range ring {
			a.impulse()
		}
	}()

	go func() {
		defer func() {
			close(ring)
			a.mu.Lock()
			a.running--
			a.mu.Unlock()
			close(done)
		}()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		fire := func() {
			select {
			case ring <- struct{}{}:
			default:
			}
		}
		fire()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fire()
			}
		}
	}()
}

// Stop ends the loop and waits for it to exit. An impulse already running
// finishes on its own; no new one starts.
func (a *Alarm) Stop() {
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	a.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Active reports whether a loop is running
func (a *Alarm) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stop != nil
}

// loops is the number of live repeat goroutines
func (a *Alarm) loops() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}
