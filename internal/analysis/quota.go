package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// usage is the on-disk quota record
type usage struct {
	Count    int    `json:"count"`
	LastDate string `json:"lastDate"`
}

// Quota counts model calls per UTC day in a small JSON file
type Quota struct {
	path  string
	limit int
	now   func() time.Time

	mu sync.Mutex
}

// NewQuota creates a quota of limit calls per day stored at path
func NewQuota(path string, limit int) *Quota {
	return &Quota{path: path, limit: limit, now: time.Now}
}

// Limit is the number of calls allowed per day
func (q *Quota) Limit() int {
	return q.limit
}

// Used returns today's count
func (q *Quota) Used() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	u, err := q.load()
	if err != nil {
		return 0, err
	}
	return u.Count, nil
}

// Available reports whether another call fits today
func (q *Quota) Available() (bool, error) {
	used, err := q.Used()
	if err != nil {
		return false, err
	}
	return used < q.limit, nil
}

// Consume records one call
func (q *Quota) Consume() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	u, err := q.load()
	if err != nil {
		return err
	}
	u.Count++
	return q.save(u)
}

func (q *Quota) today() string {
	return q.now().UTC().Format("2006-01-02")
}

// load reads the record, starting a fresh count on a new day
func (q *Quota) load() (usage, error) {
	today := q.today()
	raw, err := os.ReadFile(q.path)
	if errors.Is(err, fs.ErrNotExist) {
		return usage{LastDate: today}, nil
	}
	if err != nil {
		return usage{}, fmt.Errorf("failed to read AI usage: %w", err)
	}
	var u usage
	if err := json.Unmarshal(raw, &u); err != nil {
		return usage{}, fmt.Errorf("malformed AI usage file %s: %w", q.path, err)
	}
	if u.LastDate != today {
		return usage{LastDate: today}, nil
	}
	return u, nil
}

func (q *Quota) save(u usage) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(q.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create AI usage dir: %w", err)
		}
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write AI usage: %w", err)
	}
	return os.Rename(tmp, q.path)
}
