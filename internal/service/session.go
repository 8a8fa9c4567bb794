package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guardian/internal/beacon"
	"guardian/internal/device"
	"guardian/internal/models"
	"guardian/internal/store"
)

// SessionConfig carries the timings shared by parent and child sessions
type SessionConfig struct {
	CommandFreshness    time.Duration
	CommandReevaluate   time.Duration
	LocationStaleAfter  time.Duration
	LogCapacity         int
	AlarmInterval       time.Duration
	BatteryPollInterval time.Duration
	Position            device.Options
	// SafeZone is optional; the parent view reports whether the child is inside it
	SafeZone *SafeZone
}

// DefaultSessionConfig returns the production timings
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		CommandFreshness:    30 * time.Second,
		CommandReevaluate:   5 * time.Second,
		LocationStaleAfter:  time.Minute,
		LogCapacity:         20,
		AlarmInterval:       1200 * time.Millisecond,
		BatteryPollInterval: time.Minute,
		Position:            device.DefaultOptions(),
	}
}

// Devices are the local peripherals a session drives. Nil members are
// skipped. A session takes ownership of Beacon and closes it on teardown.
type Devices struct {
	Position device.Source
	Battery  device.BatteryReader
	Notifier device.Notifier
	Vibrator device.Vibrator
	Beacon   *beacon.Adapter
	// Alert is the impulse repeated while the child's SOS is raised. It runs
	// off the notification loop and may block; ticks during a slow call are
	// skipped.
	Alert func()
}

// session is the teardown bookkeeping shared by both roles
type session struct {
	identity *IdentityService
	profile  models.Profile
	logger   *zap.Logger

	mu      sync.Mutex
	detach  []func()
	started bool
	closed  bool
	err     error
	done    chan struct{}
}

func newSession(identity *IdentityService, profile *models.Profile, want models.Role, logger *zap.Logger) (*session, error) {
	if profile == nil || profile.Role != want {
		return nil, fmt.Errorf("%w: %s session needs a %s profile", models.ErrPermissionDenied, want, want)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &session{
		identity: identity,
		profile:  *profile,
		logger:   logger.With(zap.String("family", profile.FamilyID), zap.String("role", want.String())),
		done:     make(chan struct{}),
	}, nil
}

// begin marks the session started; a session starts at most once
func (s *session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.errLocked()
	}
	if s.started {
		return errors.New("session already started")
	}
	s.started = true
	return nil
}

// keep registers a teardown step. When the session is already gone the
// step runs at once.
func (s *session) keep(fns ...func()) {
	s.mu.Lock()
	if !s.closed {
		s.detach = append(s.detach, fns...)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// shutdown runs every teardown step once, newest first
func (s *session) shutdown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = cause
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()

	for i := len(detach) - 1; i >= 0; i-- {
		detach[i]()
	}
	if cause != nil {
		s.logger.Info("session ended", zap.Error(cause))
	}
	close(s.done)
}

// Done is closed once the session has been torn down
func (s *session) Done() <-chan struct{} {
	return s.done
}

// Err is ErrSessionExpired after a login elsewhere, nil after Close
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) errLocked() error {
	if s.err != nil {
		return s.err
	}
	return errors.New("session closed")
}

func (s *session) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.errLocked()
	}
	return nil
}

// Profile is the logged-in profile the session was built for
func (s *session) Profile() models.Profile {
	return s.profile
}

func (s *session) watchSession() {
	s.keep(s.identity.WatchSession(s.profile.UsernameKey, s.profile.SessionToken, func() {
		// Expiry is terminal and tears down from the notification loop
		s.shutdown(models.ErrSessionExpired)
	}))
}

// pairBeacon pairs the optional beacon. Failures are logged, never fatal.
func pairBeacon(ctx context.Context, adapter *beacon.Adapter, activity *ActivityService, familyID string, logger *zap.Logger) {
	if adapter == nil {
		return
	}
	h, err := adapter.Pair(ctx)
	if err != nil {
		logger.Warn("beacon pairing failed", zap.Error(err))
		activity.Record(ctx, familyID, models.LogDanger, "Beacon error", "Could not pair beacon: "+err.Error())
		return
	}
	logger.Info("beacon paired", zap.String("device", h.Name))
	activity.Record(ctx, familyID, models.LogInfo, "Beacon connected", h.Name+" paired")
}

// bindBeacon mirrors the beacon's battery and link state into ChildStatus
// and forwards its SOS edges to onSOS.
func bindBeacon(adapter *beacon.Adapter, presence *PresenceService, familyID string, onSOS func(bool), logger *zap.Logger) {
	var mu sync.Mutex
	lastConnected, lastBattery := false, -1
	first := true

	adapter.OnState(func(st beacon.State) {
		mu.Lock()
		var patch StatusPatch
		if first || st.Connected != lastConnected {
			connected := st.Connected
			patch.BeaconConnected = &connected
		}
		if st.Battery >= 0 && st.Battery != lastBattery {
			level := st.Battery
			patch.BeaconBattery = &level
		}
		first = false
		lastConnected, lastBattery = st.Connected, st.Battery
		mu.Unlock()

		if err := presence.PatchStatus(context.Background(), familyID, patch); err != nil {
			logger.Warn("beacon status write failed", zap.Error(err))
		}
	})
	adapter.OnEvent(func(ev beacon.Event) {
		switch {
		case ev.SOSRaised:
			onSOS(true)
		case ev.SOSCleared:
			onSOS(false)
		}
	})
}

// ParentView is everything the parent screen shows
type ParentView struct {
	ChildName string
	Own       *models.LocationRecord
	Child     *models.LocationRecord
	// DistanceMeters is valid when both locations are known
	DistanceMeters float64
	HasDistance    bool
	// LocationOnline is location freshness, ChildOnline is connectivity
	LocationOnline bool
	ChildOnline    bool
	InSafeZone     bool
	Status         models.ChildStatus
	StatusKnown    bool
	Command        CommandState
	Beacon         *beacon.State
	Logs           []models.LogEntry
}

// ParentSession wires every parent-side component for one logged-in profile
type ParentSession struct {
	*session
	conn store.Conn
	cfg  SessionConfig
	devs Devices

	activity   *ActivityService
	locations  *LocationService
	commands   *CommandService
	presence   *PresenceService
	tracker    *Tracker
	cmdTracker *CommandTracker
	responder  *SOSResponder

	viewMu sync.RWMutex
	view   ParentView
}

// NewParentSession builds the parent components. Nothing is attached until Start.
func NewParentSession(conn store.Conn, identity *IdentityService, profile *models.Profile,
	cfg SessionConfig, devs Devices, logger *zap.Logger) (*ParentSession, error) {
	base, err := newSession(identity, profile, models.RoleParent, logger)
	if err != nil {
		return nil, err
	}
	p := &ParentSession{session: base, conn: conn, cfg: cfg, devs: devs}
	p.activity = NewActivityService(conn, cfg.LogCapacity, p.logger)
	p.locations = NewLocationService(conn, models.RoleParent, cfg.LocationStaleAfter, p.logger)
	p.commands = NewCommandService(conn, cfg.CommandFreshness, p.activity, p.logger)
	p.presence = NewPresenceService(conn, p.activity, p.logger)
	if devs.Position != nil {
		p.tracker = NewTracker(p.locations, devs.Position, cfg.Position, profile.FamilyID, models.RoleParent, p.activity, p.logger)
	}
	p.cmdTracker = NewCommandTracker(p.commands, profile.FamilyID, cfg.CommandReevaluate, p.setCommand)
	return p, nil
}

// SetClock pins the time source of every component. Call it before Start.
func (p *ParentSession) SetClock(now func() time.Time) {
	for _, c := range []*clock{&p.activity.clock, &p.locations.clock, &p.commands.clock, &p.presence.clock} {
		c.SetClock(now)
	}
	if p.tracker != nil {
		p.tracker.SetClock(now)
	}
}

// Start attaches every subscription and begins tracking
func (p *ParentSession) Start(ctx context.Context) error {
	if err := p.begin(); err != nil {
		return err
	}
	familyID := p.profile.FamilyID

	// Beacon callbacks go in before pairing so the first link state is seen
	if adapter := p.devs.Beacon; adapter != nil {
		adapter.OnState(func(st beacon.State) {
			p.viewMu.Lock()
			p.view.Beacon = &st
			p.viewMu.Unlock()
		})
		bindBeacon(adapter, p.presence, familyID, func(on bool) {
			if err := p.presence.SetSos(context.Background(), familyID, on); err != nil {
				p.logger.Warn("beacon SOS write failed", zap.Error(err))
			}
		}, p.logger)
		p.keep(func() { _ = adapter.Close() })
	}

	g, gctx := errgroup.WithContext(ctx)
	var childName string
	g.Go(func() error {
		name, err := p.childName(gctx)
		childName = name
		return err
	})
	g.Go(func() error {
		pairBeacon(gctx, p.devs.Beacon, p.activity, familyID, p.logger)
		return nil
	})
	if err := g.Wait(); err != nil {
		p.shutdown(nil)
		return err
	}

	p.viewMu.Lock()
	p.view.ChildName = childName
	p.view.Command = CommandState{Phase: PhaseNone}
	p.viewMu.Unlock()

	alert := p.devs.Alert
	if alert == nil {
		alert = func() { p.logger.Warn("SOS alert", zap.String("child", childName)) }
	}
	p.responder = NewSOSResponder(NewAlarm(p.cfg.AlarmInterval, alert), p.devs.Notifier, childName)
	p.keep(p.responder.Close)

	p.watchSession()

	p.keep(p.locations.SubscribeToPeerLocation(familyID, models.RoleParent, func(r *models.LocationRecord) {
		p.viewMu.Lock()
		p.view.Child = r
		p.viewMu.Unlock()
	}))

	p.keep(p.presence.WatchStatus(familyID, func(status models.ChildStatus, exists bool) {
		p.viewMu.Lock()
		p.view.Status = status
		p.view.StatusKnown = exists
		p.viewMu.Unlock()
		p.responder.Observe(status)
	}))

	p.cmdTracker.Start()
	p.keep(p.cmdTracker.Stop)

	p.keep(p.activity.Subscribe(familyID, func(entries []models.LogEntry) {
		p.viewMu.Lock()
		p.view.Logs = entries
		p.viewMu.Unlock()
	}))

	if p.tracker != nil {
		p.tracker.OnFix(func(r models.LocationRecord) {
			p.viewMu.Lock()
			p.view.Own = &r
			p.viewMu.Unlock()
		})
		p.tracker.Start()
		p.keep(p.tracker.Stop)
	}

	p.logger.Info("parent session started")
	return nil
}

func (p *ParentSession) childName(ctx context.Context) (string, error) {
	snap, err := p.conn.Get(ctx, models.FamilyPath(p.profile.FamilyID))
	if err != nil {
		return "", fmt.Errorf("failed to read family: %w", err)
	}
	if !snap.Exists() {
		return "", fmt.Errorf("family %s: %w", p.profile.FamilyID, models.ErrNotFound)
	}
	var family models.Family
	if err := snap.Decode(&family); err != nil {
		return "", fmt.Errorf("malformed family: %w", err)
	}
	snap, err = p.conn.Get(ctx, models.UserPath(family.ChildUsernameKey))
	if err != nil {
		return "", fmt.Errorf("failed to read child account: %w", err)
	}
	var child models.Account
	if err := snap.Decode(&child); err != nil {
		return "", fmt.Errorf("malformed child account: %w", err)
	}
	if child.DisplayName == "" {
		return family.ChildUsernameKey, nil
	}
	return child.DisplayName, nil
}

func (p *ParentSession) setCommand(s CommandState) {
	p.viewMu.Lock()
	p.view.Command = s
	p.viewMu.Unlock()
}

// View returns a copy of the current state with the derived fields
// recomputed against the clock.
func (p *ParentSession) View() ParentView {
	p.viewMu.RLock()
	v := p.view
	v.Logs = append([]models.LogEntry(nil), p.view.Logs...)
	p.viewMu.RUnlock()

	v.LocationOnline = p.locations.IsOnline(v.Child)
	v.ChildOnline = v.StatusKnown && v.Status.Online
	if v.Own != nil && v.Child != nil {
		v.DistanceMeters = Distance(PointOf(v.Own), PointOf(v.Child))
		v.HasDistance = true
	}
	if p.cfg.SafeZone != nil && v.Child != nil {
		v.InSafeZone = p.cfg.SafeZone.Contains(PointOf(v.Child))
	}
	return v
}

// Send issues a command. Beacon codes go to the locally paired beacon, the
// rest through the shared command slot.
func (p *ParentSession) Send(ctx context.Context, t models.CommandType) error {
	if err := p.alive(); err != nil {
		return err
	}
	if t.IsBeaconCode() {
		if p.devs.Beacon == nil {
			return models.ErrNotConnected
		}
		if err := p.devs.Beacon.Send(ctx, t); err != nil {
			return err
		}
		p.activity.Record(ctx, p.profile.FamilyID, models.LogCommand, "Beacon command", "Sent "+string(t)+" to beacon")
		return nil
	}
	_, err := p.commands.SendCommand(ctx, p.profile.FamilyID, t)
	return err
}

// ChildCredentials reads the child login for display
func (p *ParentSession) ChildCredentials(ctx context.Context) (*models.ChildCredentials, error) {
	return p.identity.ChildCredentials(ctx, p.profile.FamilyID)
}

// Close detaches everything. The stored sessionToken is left in place.
func (p *ParentSession) Close() error {
	p.shutdown(nil)
	return nil
}

// Logout is Close under the name the UI uses
func (p *ParentSession) Logout() error {
	return p.Close()
}

// ChildView is everything the child screen shows
type ChildView struct {
	Own            *models.LocationRecord
	Parent         *models.LocationRecord
	DistanceMeters float64
	HasDistance    bool
	Connected      bool
	SOS            bool
	Permitted      bool
	LastCommand    *models.Command
	Beacon         *beacon.State
}

// ChildSession wires every child-side component for one logged-in profile
type ChildSession struct {
	*session
	conn store.Conn
	cfg  SessionConfig
	devs Devices

	activity  *ActivityService
	locations *LocationService
	commands  *CommandService
	presence  *PresenceService
	tracker   *Tracker

	runCtx    context.Context
	runCancel context.CancelFunc
	workers   sync.WaitGroup

	// next is the newest command not yet taken by the command worker
	cmdMu   sync.Mutex
	next    *models.Command
	cmdWake chan struct{}

	viewMu sync.RWMutex
	view   ChildView
}

// NewChildSession builds the child components. Nothing is attached until Start.
func NewChildSession(conn store.Conn, identity *IdentityService, profile *models.Profile,
	cfg SessionConfig, devs Devices, logger *zap.Logger) (*ChildSession, error) {
	base, err := newSession(identity, profile, models.RoleChild, logger)
	if err != nil {
		return nil, err
	}
	c := &ChildSession{session: base, conn: conn, cfg: cfg, devs: devs, cmdWake: make(chan struct{}, 1)}
	c.activity = NewActivityService(conn, cfg.LogCapacity, c.logger)
	c.locations = NewLocationService(conn, models.RoleChild, cfg.LocationStaleAfter, c.logger)
	c.commands = NewCommandService(conn, cfg.CommandFreshness, c.activity, c.logger)
	c.presence = NewPresenceService(conn, c.activity, c.logger)
	if devs.Position != nil {
		c.tracker = NewTracker(c.locations, devs.Position, cfg.Position, profile.FamilyID, models.RoleChild, c.activity, c.logger)
	}
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.view.Permitted = true
	return c, nil
}

// SetClock pins the time source of every component. Call it before Start.
func (c *ChildSession) SetClock(now func() time.Time) {
	for _, cl := range []*clock{&c.activity.clock, &c.locations.clock, &c.commands.clock, &c.presence.clock} {
		cl.SetClock(now)
	}
	if c.tracker != nil {
		c.tracker.SetClock(now)
	}
}

// Start attaches every subscription, arms presence and begins tracking
func (c *ChildSession) Start(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	familyID := c.profile.FamilyID

	// Cancelling runCtx unblocks workers; waiting on them comes after
	c.keep(func() {
		c.runCancel()
		c.workers.Wait()
	})

	if adapter := c.devs.Beacon; adapter != nil {
		adapter.OnState(func(st beacon.State) {
			c.viewMu.Lock()
			c.view.Beacon = &st
			c.viewMu.Unlock()
		})
		bindBeacon(adapter, c.presence, familyID, func(on bool) {
			// Off the link's reader: SetSos writes back to the beacon
			c.spawn(func(ctx context.Context) {
				if err := c.SetSos(ctx, on); err != nil {
					c.logger.Warn("beacon SOS failed", zap.Error(err))
				}
			})
		}, c.logger)
		c.keep(func() { _ = adapter.Close() })
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pairBeacon(gctx, c.devs.Beacon, c.activity, familyID, c.logger)
		return nil
	})
	g.Go(func() error {
		// Pick up an SOS raised by an earlier run of this client
		snap, err := c.conn.Get(gctx, models.ChildStatusPath(familyID))
		if err != nil {
			return fmt.Errorf("failed to read child status: %w", err)
		}
		c.viewMu.Lock()
		c.view.SOS = snap.Child(models.StatusSOS).Bool()
		c.viewMu.Unlock()
		return nil
	})
	if err := g.Wait(); err != nil {
		c.shutdown(nil)
		return err
	}

	c.watchSession()
	monitor := c.presence.Monitor(familyID)
	c.keep(func() {
		if errors.Is(c.Err(), models.ErrSessionExpired) {
			monitor.Detach()
			return
		}
		monitor.Stop()
	})

	c.keep(c.conn.Subscribe(store.ConnectedPath, func(snap store.Snapshot) {
		c.viewMu.Lock()
		c.view.Connected = snap.Bool()
		c.viewMu.Unlock()
	}))

	c.keep(c.presence.WatchStatus(familyID, func(status models.ChildStatus, exists bool) {
		c.viewMu.Lock()
		c.view.SOS = status.SOS
		c.viewMu.Unlock()
	}))

	c.keep(c.locations.SubscribeToPeerLocation(familyID, models.RoleChild, func(r *models.LocationRecord) {
		c.viewMu.Lock()
		c.view.Parent = r
		c.viewMu.Unlock()
	}))

	if c.tracker != nil {
		c.tracker.OnFix(func(r models.LocationRecord) {
			c.viewMu.Lock()
			c.view.Own = &r
			c.viewMu.Unlock()
		})
		c.tracker.Start()
		c.keep(c.tracker.Stop)
	}

	// Actions can block on positioning; they run on one worker off the
	// notification loop, in the order the commands were sent
	c.spawn(c.runCommands)
	c.keep(c.commands.ListenForCommands(familyID, func(cmd models.Command) {
		c.viewMu.Lock()
		c.view.LastCommand = &cmd
		c.viewMu.Unlock()

		c.cmdMu.Lock()
		c.next = &cmd
		c.cmdMu.Unlock()
		select {
		case c.cmdWake <- struct{}{}:
		default:
		}
	}))

	if c.devs.Battery != nil {
		poller := NewBatteryPoller(c.presence, c.devs.Battery, familyID, c.cfg.BatteryPollInterval)
		c.spawn(poller.Run)
	}

	c.logger.Info("child session started")
	return nil
}

// spawn runs fn on a worker that shutdown cancels and waits for
func (c *ChildSession) spawn(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.workers.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.workers.Done()
		fn(c.runCtx)
	}()
}

// runCommands performs received commands one at a time. A command replaced
// while an earlier one was still running is skipped.
func (c *ChildSession) runCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.cmdWake:
		}
		c.cmdMu.Lock()
		cmd := c.next
		c.next = nil
		c.cmdMu.Unlock()
		if cmd != nil {
			c.dispatch(ctx, *cmd)
		}
	}
}

// dispatch performs a fresh command and marks it executed. A command whose
// action fails stays pending and expires on the parent's side.
func (c *ChildSession) dispatch(ctx context.Context, cmd models.Command) {
	familyID := c.profile.FamilyID
	switch cmd.Type {
	case models.CommandVibrate:
		if c.devs.Vibrator != nil {
			c.devs.Vibrator.Start()
		}
	case models.CommandStopVibrate:
		if c.devs.Vibrator != nil {
			c.devs.Vibrator.Stop()
		}
	case models.CommandRequestLocation:
		if c.tracker == nil {
			c.logger.Warn("location requested but no positioning source")
			return
		}
		if _, err := c.tracker.LocateNow(ctx); err != nil {
			c.logger.Warn("requested fix failed", zap.Error(err))
			return
		}
	default:
		c.logger.Warn("unsupported command", zap.String("command", string(cmd.Type)))
		return
	}
	if err := c.commands.MarkExecuted(ctx, familyID, cmd); err != nil {
		c.logger.Warn("failed to mark command executed", zap.String("command", string(cmd.Type)), zap.Error(err))
	}
}

// SetSos raises or clears SOS. Raising also republishes the location so
// the parent sees a fresh fix, and sounds the beacon buzzer when paired.
func (c *ChildSession) SetSos(ctx context.Context, on bool) error {
	if err := c.alive(); err != nil {
		return err
	}
	familyID := c.profile.FamilyID
	if err := c.presence.SetSos(ctx, familyID, on); err != nil {
		return err
	}
	c.viewMu.Lock()
	c.view.SOS = on
	c.viewMu.Unlock()

	if on && c.tracker != nil {
		if err := c.tracker.Republish(ctx); err != nil && !errors.Is(err, models.ErrNotFound) {
			c.logger.Warn("SOS location republish failed", zap.Error(err))
		}
	}
	if adapter := c.devs.Beacon; adapter != nil {
		code := models.CommandBuzzerOff
		if on {
			code = models.CommandBuzzerOn
		}
		if err := adapter.Send(ctx, code); err != nil && !errors.Is(err, models.ErrNotConnected) {
			c.logger.Warn("beacon buzzer command failed", zap.Error(err))
		}
	}
	return nil
}

// LocateNow takes and publishes a one-shot fix
func (c *ChildSession) LocateNow(ctx context.Context) (*models.LocationRecord, error) {
	if c.tracker == nil {
		return nil, fmt.Errorf("%w: no positioning source", models.ErrNotConnected)
	}
	return c.tracker.LocateNow(ctx)
}

// View returns a copy of the current state
func (c *ChildSession) View() ChildView {
	c.viewMu.RLock()
	v := c.view
	c.viewMu.RUnlock()
	if c.tracker != nil {
		v.Permitted = c.tracker.Permitted()
	}
	if v.Own != nil && v.Parent != nil {
		v.DistanceMeters = Distance(PointOf(v.Own), PointOf(v.Parent))
		v.HasDistance = true
	}
	return v
}

// Close detaches everything and marks the child offline
func (c *ChildSession) Close() error {
	c.shutdown(nil)
	return nil
}

// Logout is Close under the name the UI uses
func (c *ChildSession) Logout() error {
	return c.Close()
}
