package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"guardian/internal/models"
	"guardian/internal/store"
)

// CommandService drives the single parent-to-child command slot
type CommandService struct {
	clock
	conn      store.Conn
	freshness time.Duration
	activity  *ActivityService
	logger    *zap.Logger
}

// NewCommandService creates a command service. Commands older than
// freshness are never acted on.
func NewCommandService(conn store.Conn, freshness time.Duration, activity *ActivityService, logger *zap.Logger) *CommandService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandService{clock: newClock(), conn: conn, freshness: freshness, activity: activity, logger: logger}
}

// IsFresh is the one staleness policy applied by every receiver
func (s *CommandService) IsFresh(cmd models.Command) bool {
	return s.nowMs()-cmd.Timestamp < s.freshness.Milliseconds()
}

// SendCommand overwrites the slot with a new pending command. Beacon codes
// are rejected here; they go straight to the locally paired beacon.
func (s *CommandService) SendCommand(ctx context.Context, familyID string, t models.CommandType) (models.Command, error) {
	if !t.IsReplicated() {
		return models.Command{}, fmt.Errorf("command %s is not carried by the command slot", t)
	}
	cmd := models.Command{Type: t, Status: models.CommandPending, Timestamp: s.nowMs()}
	if err := s.conn.Set(ctx, models.CommandPath(familyID), cmd); err != nil {
		return models.Command{}, fmt.Errorf("failed to send command: %w", err)
	}
	s.logger.Info("command sent", zap.String("family", familyID), zap.String("command", string(t)))
	if s.activity != nil {
		s.activity.Record(ctx, familyID, models.LogCommand, "Command sent", "Sent "+string(t)+" to child")
	}
	return cmd, nil
}

// slotReadTimeout bounds the read that confirms a delivered command is
// still the one in the slot
const slotReadTimeout = 5 * time.Second

// ListenForCommands dispatches each fresh pending command exactly once.
// Stale commands are dropped and left pending; re-deliveries of an already
// dispatched command are ignored. A delivery that a later send has already
// replaced is dropped too, so only the slot's current command is acted on.
func (s *CommandService) ListenForCommands(familyID string, onCommand func(models.Command)) store.Unsubscribe {
	var mu sync.Mutex
	var last models.Command
	path := models.CommandPath(familyID)

	return s.conn.Subscribe(path, func(snap store.Snapshot) {
		if !snap.Exists() {
			return
		}
		var cmd models.Command
		if err := snap.Decode(&cmd); err != nil {
			s.logger.Warn("malformed command", zap.String("path", path), zap.Error(err))
			return
		}
		if cmd.Status != models.CommandPending {
			return
		}
		if !s.IsFresh(cmd) {
			s.logger.Debug("dropping stale command",
				zap.String("family", familyID),
				zap.String("command", string(cmd.Type)),
				zap.Error(models.ErrStaleCommand))
			return
		}
		if !s.stillCurrent(path, cmd) {
			s.logger.Debug("dropping replaced command",
				zap.String("family", familyID),
				zap.String("command", string(cmd.Type)))
			return
		}

		mu.Lock()
		dup := cmd.SameIssue(last)
		last = cmd
		mu.Unlock()
		if dup {
			return
		}

		if s.activity != nil {
			s.activity.Record(context.Background(), familyID, models.LogCommand, "Command received", "Received "+string(cmd.Type))
		}
		onCommand(cmd)
	})
}

// stillCurrent reports whether cmd is the pending command in the slot right
// now. Deliveries carry the value of their own commit, so one queued behind
// a newer send is outdated by the time it arrives.
func (s *CommandService) stillCurrent(path string, cmd models.Command) bool {
	ctx, cancel := context.WithTimeout(context.Background(), slotReadTimeout)
	defer cancel()
	snap, err := s.conn.Get(ctx, path)
	if err != nil {
		// A reconnect replays the subscription with the slot's value
		s.logger.Debug("command slot unreadable", zap.String("path", path), zap.Error(err))
		return false
	}
	if !snap.Exists() {
		return false
	}
	var current models.Command
	if err := snap.Decode(&current); err != nil {
		return false
	}
	return current.Status == models.CommandPending && current.SameIssue(cmd)
}

// MarkExecuted flips the slot to executed, unless a newer command has
// replaced cmd in the meantime.
func (s *CommandService) MarkExecuted(ctx context.Context, familyID string, cmd models.Command) error {
	path := models.CommandPath(familyID)
	snap, err := s.conn.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to read command slot: %w", err)
	}
	var current models.Command
	if snap.Exists() {
		if err := snap.Decode(&current); err != nil {
			return fmt.Errorf("malformed command: %w", err)
		}
	}
	if !current.SameIssue(cmd) {
		s.logger.Debug("command superseded before completion",
			zap.String("family", familyID),
			zap.String("command", string(cmd.Type)))
		return nil
	}

	err = s.conn.Update(ctx, path, map[string]any{
		"status":     models.CommandExecuted,
		"executedAt": s.nowMs(),
	})
	if err != nil {
		return fmt.Errorf("failed to mark command executed: %w", err)
	}
	if s.activity != nil {
		s.activity.Record(ctx, familyID, models.LogCommand, "Command executed", string(cmd.Type)+" done")
	}
	return nil
}

// CommandPhase is the parent's view of the slot
type CommandPhase string

const (
	PhaseNone     CommandPhase = "none"
	PhasePending  CommandPhase = "pending"
	PhaseExecuted CommandPhase = "executed"
	// PhaseExpired is a pending command the child can no longer act on
	PhaseExpired CommandPhase = "expired"
)

// CommandState pairs the slot content with its derived phase
type CommandState struct {
	Command *models.Command
	Phase   CommandPhase
}

// CommandTracker follows the slot from the parent side and re-evaluates
// freshness on a fixed interval so a pending command turns expired without
// any new write.
type CommandTracker struct {
	commands *CommandService
	interval time.Duration
	familyID string
	onChange func(CommandState)

	mu    sync.Mutex
	state CommandState
	unsub store.Unsubscribe
	stop  chan struct{}
	done  chan struct{}
}

// NewCommandTracker creates a tracker. onChange fires whenever the phase or
// the command changes.
func NewCommandTracker(commands *CommandService, familyID string, interval time.Duration, onChange func(CommandState)) *CommandTracker {
	return &CommandTracker{
		commands: commands,
		interval: interval,
		familyID: familyID,
		onChange: onChange,
		state:    CommandState{Phase: PhaseNone},
	}
}

// Start subscribes and begins periodic re-evaluation
func (t *CommandTracker) Start() {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()

	unsub := t.commands.conn.Subscribe(models.CommandPath(t.familyID), func(snap store.Snapshot) {
		var cmd *models.Command
		if snap.Exists() {
			cmd = &models.Command{}
			if err := snap.Decode(cmd); err != nil {
				t.commands.logger.Warn("malformed command", zap.String("family", t.familyID), zap.Error(err))
				return
			}
		}
		t.evaluate(cmd, true)
	})
	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.evaluate(nil, false)
			}
		}
	}()
}

// Stop unsubscribes and waits for the re-evaluation goroutine
func (t *CommandTracker) Stop() {
	t.mu.Lock()
	stop, done, unsub := t.stop, t.done, t.unsub
	t.stop, t.done, t.unsub = nil, nil, nil
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if stop != nil {
		close(stop)
		<-done
	}
}

// State returns the current derived state
func (t *CommandTracker) State() CommandState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// evaluate recomputes the phase. With replace the slot content is cmd,
// otherwise the last seen command is re-checked against the clock.
func (t *CommandTracker) evaluate(cmd *models.Command, replace bool) {
	t.mu.Lock()
	if !replace {
		cmd = t.state.Command
	}
	next := CommandState{Command: cmd, Phase: t.phaseOf(cmd)}
	changed := next.Phase != t.state.Phase || !sameCommand(next.Command, t.state.Command)
	t.state = next
	t.mu.Unlock()

	if changed && t.onChange != nil {
		t.onChange(next)
	}
}

func (t *CommandTracker) phaseOf(cmd *models.Command) CommandPhase {
	switch {
	case cmd == nil:
		return PhaseNone
	case cmd.Status == models.CommandExecuted:
		return PhaseExecuted
	case t.commands.IsFresh(*cmd):
		return PhasePending
	default:
		return PhaseExpired
	}
}

func sameCommand(a, b *models.Command) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
