package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"guardian/internal/device"
	"guardian/internal/models"
	"guardian/internal/store"
)

// StatusPatch is a field-level change to ChildStatus. Nil fields are left
// untouched; there is deliberately no way to overwrite the whole record.
type StatusPatch struct {
	Battery         *int
	BeaconBattery   *int
	BeaconConnected *bool
}

func (p StatusPatch) fields() map[string]any {
	f := map[string]any{}
	if p.Battery != nil {
		f[models.StatusBattery] = device.ClampPercent(*p.Battery)
	}
	if p.BeaconBattery != nil {
		f[models.StatusBeaconBattery] = device.ClampPercent(*p.BeaconBattery)
	}
	if p.BeaconConnected != nil {
		f[models.StatusBeaconConnected] = *p.BeaconConnected
	}
	return f
}

// PresenceService owns the child's status record: presence, SOS and battery
type PresenceService struct {
	clock
	conn     store.Conn
	activity *ActivityService
	logger   *zap.Logger
}

// NewPresenceService creates a new presence service
func NewPresenceService(conn store.Conn, activity *ActivityService, logger *zap.Logger) *PresenceService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceService{clock: newClock(), conn: conn, activity: activity, logger: logger}
}

// PresenceMonitor is an armed presence binding returned by Monitor
type PresenceMonitor struct {
	service     *PresenceService
	familyID    string
	unsubscribe store.Unsubscribe
	once        sync.Once
}

// Monitor ties the child's online flag to the store connection. On every
// transition to connected it arms the disconnect hook first and only then
// writes online=true, so a drop between the two can never strand a stale
// online flag.
func (s *PresenceService) Monitor(familyID string) *PresenceMonitor {
	statusPath := models.ChildStatusPath(familyID)
	unsub := s.conn.Subscribe(store.ConnectedPath, func(snap store.Snapshot) {
		if !snap.Bool() {
			s.logger.Info("store connection lost", zap.String("family", familyID))
			return
		}
		ctx := context.Background()
		err := s.conn.OnDisconnectUpdate(ctx, statusPath, map[string]any{
			models.StatusOnline:   false,
			models.StatusLastSeen: store.ServerTimestamp,
		})
		if err != nil {
			s.logger.Warn("failed to arm disconnect hook", zap.String("family", familyID), zap.Error(err))
			return
		}
		err = s.conn.Update(ctx, statusPath, map[string]any{
			models.StatusOnline:   true,
			models.StatusLastSeen: s.nowMs(),
		})
		if err != nil {
			s.logger.Warn("failed to mark online", zap.String("family", familyID), zap.Error(err))
		}
	})
	return &PresenceMonitor{service: s, familyID: familyID, unsubscribe: unsub}
}

// Stop detaches, disarms the hook and marks the child offline
func (m *PresenceMonitor) Stop() {
	m.release(true)
}

// Detach disarms without writing. Used when another client has taken over
// the account and owns the online flag now.
func (m *PresenceMonitor) Detach() {
	m.release(false)
}

func (m *PresenceMonitor) release(markOffline bool) {
	m.once.Do(func() {
		s := m.service
		statusPath := models.ChildStatusPath(m.familyID)
		m.unsubscribe()
		ctx := context.Background()
		if err := s.conn.CancelOnDisconnect(ctx, statusPath); err != nil {
			s.logger.Warn("failed to disarm disconnect hook", zap.String("family", m.familyID), zap.Error(err))
		}
		if !markOffline {
			return
		}
		err := s.conn.Update(ctx, statusPath, map[string]any{
			models.StatusOnline:   false,
			models.StatusLastSeen: s.nowMs(),
		})
		if err != nil {
			s.logger.Debug("offline write skipped", zap.String("family", m.familyID), zap.Error(err))
		}
	})
}

// SetSos raises or clears SOS and logs it
func (s *PresenceService) SetSos(ctx context.Context, familyID string, on bool) error {
	err := s.conn.Update(ctx, models.ChildStatusPath(familyID), map[string]any{
		models.StatusSOS:      on,
		models.StatusLastSeen: s.nowMs(),
	})
	if err != nil {
		return fmt.Errorf("failed to set SOS: %w", err)
	}
	if s.activity != nil {
		if on {
			s.activity.Record(ctx, familyID, models.LogDanger, "SOS triggered", "Child sent a distress signal")
		} else {
			s.activity.Record(ctx, familyID, models.LogInfo, "SOS cleared", "Child cleared the distress signal")
		}
	}
	return nil
}

// PatchStatus merge-writes the set fields of p
func (s *PresenceService) PatchStatus(ctx context.Context, familyID string, p StatusPatch) error {
	fields := p.fields()
	if len(fields) == 0 {
		return nil
	}
	if err := s.conn.Update(ctx, models.ChildStatusPath(familyID), fields); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// SetBattery merge-writes the phone battery level
func (s *PresenceService) SetBattery(ctx context.Context, familyID string, level int) error {
	return s.PatchStatus(ctx, familyID, StatusPatch{Battery: &level})
}

// WatchStatus follows the child's status record. exists is false until any
// field has been written.
func (s *PresenceService) WatchStatus(familyID string, fn func(status models.ChildStatus, exists bool)) store.Unsubscribe {
	path := models.ChildStatusPath(familyID)
	return s.conn.Subscribe(path, func(snap store.Snapshot) {
		var status models.ChildStatus
		if snap.Exists() {
			if err := snap.Decode(&status); err != nil {
				s.logger.Warn("malformed child status", zap.String("path", path), zap.Error(err))
				return
			}
		}
		fn(status, snap.Exists())
	})
}

// BatteryPoller writes the phone battery level at a fixed interval
type BatteryPoller struct {
	presence *PresenceService
	reader   device.BatteryReader
	familyID string
	interval time.Duration
	logger   *zap.Logger
}

// NewBatteryPoller creates a new battery poller
func NewBatteryPoller(presence *PresenceService, reader device.BatteryReader, familyID string, interval time.Duration) *BatteryPoller {
	return &BatteryPoller{presence: presence, reader: reader, familyID: familyID, interval: interval, logger: presence.logger}
}

// Run polls once immediately and then every interval until ctx is done
func (p *BatteryPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *BatteryPoller) poll(ctx context.Context) {
	level, err := p.reader.Level(ctx)
	if err != nil {
		p.logger.Debug("battery read failed", zap.Error(err))
		return
	}
	if err := p.presence.SetBattery(ctx, p.familyID, level); err != nil {
		p.logger.Warn("battery write failed", zap.String("family", p.familyID), zap.Error(err))
	}
}

// SOSResponder is the parent's reaction to the child's SOS flag: a
// repeating local alarm while it is raised and one notification per raise.
type SOSResponder struct {
	alarm    *Alarm
	notifier device.Notifier
	child    string

	mu     sync.Mutex
	raised bool
}

// NewSOSResponder creates a responder; childName goes into the notification
func NewSOSResponder(alarm *Alarm, notifier device.Notifier, childName string) *SOSResponder {
	return &SOSResponder{alarm: alarm, notifier: notifier, child: childName}
}

// Observe feeds one status snapshot. Only transitions act.
func (r *SOSResponder) Observe(status models.ChildStatus) {
	r.mu.Lock()
	was := r.raised
	r.raised = status.SOS
	r.mu.Unlock()

	switch {
	case status.SOS && !was:
		r.alarm.Start()
		if r.notifier != nil {
			r.notifier.Notify(device.Notification{
				Title:              "SOS",
				Body:               r.child + " needs help now",
				RequireInteraction: true,
			})
		}
	case !status.SOS && was:
		r.alarm.Stop()
	}
}

// Raised reports the last observed SOS flag
func (r *SOSResponder) Raised() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raised
}

// Close silences the alarm
func (r *SOSResponder) Close() {
	r.alarm.Stop()
}
