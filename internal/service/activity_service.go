package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"guardian/internal/models"
	"guardian/internal/store"
)

// ActivityService appends to and reads the per-family log ring buffer
type ActivityService struct {
	clock
	conn     store.Conn
	capacity int
	logger   *zap.Logger

	mu     sync.Mutex
	lastMs int64
}

// NewActivityService creates a log writer keeping the newest capacity entries
func NewActivityService(conn store.Conn, capacity int, logger *zap.Logger) *ActivityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capacity <= 0 {
		capacity = 20
	}
	return &ActivityService{clock: newClock(), conn: conn, capacity: capacity, logger: logger}
}

// entryKey orders lexically by time. The millisecond part never repeats
// within one client and the random suffix separates clients.
func (s *ActivityService) entryKey(nowMs int64) string {
	s.mu.Lock()
	if nowMs <= s.lastMs {
		nowMs = s.lastMs + 1
	}
	s.lastMs = nowMs
	s.mu.Unlock()

	suffix := make([]byte, 3)
	if _, err := rand.Read(suffix); err != nil {
		return strconv.FormatInt(nowMs, 10)
	}
	return fmt.Sprintf("%013d-%s", nowMs, hex.EncodeToString(suffix))
}

// Append writes one entry and prunes the log to capacity
func (s *ActivityService) Append(ctx context.Context, familyID string, kind models.LogKind, title, message string) error {
	nowMs := s.nowMs()
	entry := models.LogEntry{Kind: kind, Title: title, Message: message, Timestamp: nowMs}
	key := s.entryKey(nowMs)

	logsPath := models.LogsPath(familyID)
	if err := s.conn.Set(ctx, store.JoinPath(logsPath, key), entry); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return s.prune(ctx, familyID)
}

// Record appends and only logs failures; for callers on the event loop
// that have nowhere to return an error to.
func (s *ActivityService) Record(ctx context.Context, familyID string, kind models.LogKind, title, message string) {
	if err := s.Append(ctx, familyID, kind, title, message); err != nil {
		s.logger.Warn("activity log write failed",
			zap.String("family", familyID),
			zap.String("title", title),
			zap.Error(err))
	}
}

func (s *ActivityService) prune(ctx context.Context, familyID string) error {
	logsPath := models.LogsPath(familyID)
	snap, err := s.conn.Get(ctx, logsPath)
	if err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}
	keys := snap.Keys()
	if len(keys) <= s.capacity {
		return nil
	}
	sort.Strings(keys)
	drop := make(map[string]any, len(keys)-s.capacity)
	for _, k := range keys[:len(keys)-s.capacity] {
		drop[k] = nil
	}
	if err := s.conn.Update(ctx, logsPath, drop); err != nil {
		return fmt.Errorf("failed to prune log: %w", err)
	}
	return nil
}

// List returns the log, newest first
func (s *ActivityService) List(ctx context.Context, familyID string) ([]models.LogEntry, error) {
	snap, err := s.conn.Get(ctx, models.LogsPath(familyID))
	if err != nil {
		return nil, err
	}
	return DecodeLog(snap)
}

// Subscribe delivers the whole log, newest first, on every change
func (s *ActivityService) Subscribe(familyID string, fn func([]models.LogEntry)) store.Unsubscribe {
	return s.conn.Subscribe(models.LogsPath(familyID), func(snap store.Snapshot) {
		entries, err := DecodeLog(snap)
		if err != nil {
			s.logger.Warn("malformed activity log", zap.String("family", familyID), zap.Error(err))
			return
		}
		fn(entries)
	})
}

// DecodeLog converts a logs snapshot into entries, newest first
func DecodeLog(snap store.Snapshot) ([]models.LogEntry, error) {
	if !snap.Exists() {
		return nil, nil
	}
	raw := map[string]models.LogEntry{}
	if err := snap.Decode(&raw); err != nil {
		return nil, err
	}
	entries := make([]models.LogEntry, 0, len(raw))
	for k, e := range raw {
		e.Key = k
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key > entries[j].Key })
	return entries, nil
}
