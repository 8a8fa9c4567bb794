// Package device holds the phone-side boundaries the services drive:
// positioning, battery level, vibration and local notifications.
package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"guardian/internal/models"
)

// Options configures a positioning request
type Options struct {
	EnableHighAccuracy bool
	Timeout            time.Duration
	MaxAge             time.Duration
}

// DefaultOptions are the options every tracker uses unless configured otherwise
func DefaultOptions() Options {
	return Options{EnableHighAccuracy: true, Timeout: 20 * time.Second, MaxAge: 5 * time.Second}
}

// Fix is one position report
type Fix struct {
	Lat      float64
	Lng      float64
	Accuracy float64
	Time     time.Time
	Provider models.Provider
}

// ClearWatch stops a continuous watch. It is safe to call more than once.
type ClearWatch func()

// Source pushes position fixes. The source decides how often fixes arrive;
// consumers never poll it.
type Source interface {
	Watch(opts Options, onFix func(Fix), onErr func(error)) ClearWatch
	Current(ctx context.Context, opts Options) (Fix, error)
}

// Feed is a Source fed by whoever holds it: a GPS daemon reader, a
// replayed track or a test.
type Feed struct {
	mu       sync.Mutex
	last     Fix
	hasLast  bool
	watchers map[int]*feedWatcher
	nextID   int
	now      func() time.Time
}

type feedWatcher struct {
	onFix func(Fix)
	onErr func(error)
}

// NewFeed creates an empty feed
func NewFeed() *Feed {
	return &Feed{watchers: make(map[int]*feedWatcher), now: time.Now}
}

// Push delivers a fix to every watcher
func (f *Feed) Push(fix Fix) {
	if fix.Time.IsZero() {
		fix.Time = f.now()
	}
	if fix.Provider == "" {
		fix.Provider = models.ProviderGPS
	}
	f.mu.Lock()
	f.last = fix
	f.hasLast = true
	watchers := f.snapshot()
	f.mu.Unlock()

	for _, w := range watchers {
		w.onFix(fix)
	}
}

// Fail reports a positioning error to every watcher
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	watchers := f.snapshot()
	f.mu.Unlock()

	for _, w := range watchers {
		if w.onErr != nil {
			w.onErr(err)
		}
	}
}

func (f *Feed) snapshot() []*feedWatcher {
	out := make([]*feedWatcher, 0, len(f.watchers))
	for _, w := range f.watchers {
		out = append(out, w)
	}
	return out
}

// Watchers reports how many watches are active
func (f *Feed) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

func (f *Feed) Watch(opts Options, onFix func(Fix), onErr func(error)) ClearWatch {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.watchers[id] = &feedWatcher{onFix: onFix, onErr: onErr}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.watchers, id)
			f.mu.Unlock()
		})
	}
}

// Current returns the last fix if it is younger than opts.MaxAge, otherwise
// it waits up to opts.Timeout for the next one.
func (f *Feed) Current(ctx context.Context, opts Options) (Fix, error) {
	f.mu.Lock()
	if f.hasLast && f.now().Sub(f.last.Time) <= opts.MaxAge {
		fix := f.last
		f.mu.Unlock()
		return fix, nil
	}
	f.mu.Unlock()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	got := make(chan Fix, 1)
	failed := make(chan error, 1)
	stopWatch := f.Watch(opts, func(fix Fix) {
		select {
		case got <- fix:
		default:
		}
	}, func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	defer stopWatch()

	select {
	case fix := <-got:
		return fix, nil
	case err := <-failed:
		return Fix{}, err
	case <-ctx.Done():
		return Fix{}, fmt.Errorf("position request timed out: %w", ctx.Err())
	}
}

// ScanFixes reads "lat,lng[,accuracy]" lines from r into the feed until r
// is exhausted or ctx is done. Malformed lines are reported through Fail.
func ScanFixes(ctx context.Context, r io.Reader, feed *Feed) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fix, err := ParseFix(line)
		if err != nil {
			feed.Fail(err)
			continue
		}
		feed.Push(fix)
	}
	return scanner.Err()
}

// ParseFix parses "lat,lng[,accuracy]"
func ParseFix(line string) (Fix, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return Fix{}, fmt.Errorf("malformed fix %q", line)
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Fix{}, fmt.Errorf("malformed fix %q: %w", line, err)
		}
		vals[i] = v
	}
	if vals[0] < -90 || vals[0] > 90 || vals[1] < -180 || vals[1] > 180 {
		return Fix{}, fmt.Errorf("fix %q out of range", line)
	}
	fix := Fix{Lat: vals[0], Lng: vals[1], Provider: models.ProviderGPS}
	if len(vals) == 3 {
		fix.Accuracy = vals[2]
	}
	return fix, nil
}
