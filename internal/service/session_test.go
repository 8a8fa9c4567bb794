package service

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian/internal/beacon"
	"guardian/internal/device"
	"guardian/internal/models"
	"guardian/internal/store"
)

type testFamily struct {
	tree   *store.Tree
	parent *models.Profile
	child  *models.Profile
}

func newFamily(t *testing.T) testFamily {
	t.Helper()
	tree := newTestTree(t, nil)
	op := &captureOperator{}
	ids := newIdentity(connect(t, tree), op, nil)
	parent := registerFamily(t, ids, op, "alice")
	creds, err := ids.ChildCredentials(context.Background(), parent.FamilyID)
	require.NoError(t, err)
	child, err := ids.Login(context.Background(), creds.Username, creds.PIN)
	require.NoError(t, err)
	return testFamily{tree: tree, parent: parent, child: child}
}

func testSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.CommandReevaluate = 5 * time.Millisecond
	cfg.AlarmInterval = 2 * time.Millisecond
	cfg.BatteryPollInterval = time.Hour
	return cfg
}

func startParent(t *testing.T, f testFamily, devs Devices) *ParentSession {
	t.Helper()
	conn := connect(t, f.tree)
	p, err := NewParentSession(conn, newIdentity(conn, &captureOperator{}, nil), f.parent, testSessionConfig(), devs, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func startChild(t *testing.T, f testFamily, devs Devices) (*ChildSession, *store.LocalConn) {
	t.Helper()
	conn := connect(t, f.tree)
	c, err := NewChildSession(conn, newIdentity(conn, &captureOperator{}, nil), f.child, testSessionConfig(), devs, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, conn
}

func TestSessionRejectsWrongRole(t *testing.T) {
	f := newFamily(t)
	conn := connect(t, f.tree)
	ids := newIdentity(conn, &captureOperator{}, nil)

	_, err := NewParentSession(conn, ids, f.child, testSessionConfig(), Devices{}, nil)
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
	_, err = NewChildSession(conn, ids, f.parent, testSessionConfig(), Devices{}, nil)
	assert.ErrorIs(t, err, models.ErrPermissionDenied)
}

func TestParentAndChildSessions(t *testing.T) {
	f := newFamily(t)
	ctx := context.Background()

	childFeed := device.NewFeed()
	motor := &device.Recorder{}
	child, _ := startChild(t, f, Devices{
		Position: childFeed,
		Battery:  device.FixedBattery(73),
		Vibrator: motor,
	})

	parentFeed := device.NewFeed()
	screen := &device.Recorder{}
	var alerts atomic.Int32
	parent := startParent(t, f, Devices{
		Position: parentFeed,
		Notifier: screen,
		Alert:    func() { alerts.Add(1) },
	})
	assert.Equal(t, testChild, parent.View().ChildName)

	// Presence and battery
	eventually(t, f.tree, func() bool {
		v := parent.View()
		return v.ChildOnline && v.Status.Battery == 73
	})
	assert.True(t, child.View().Connected)

	// Locations both ways
	childFeed.Push(device.Fix{Lat: 0, Lng: 0, Accuracy: 5})
	parentFeed.Push(device.Fix{Lat: 0, Lng: 1, Accuracy: 5})
	eventually(t, f.tree, func() bool {
		return parent.View().HasDistance && child.View().HasDistance
	})
	assert.InDelta(t, 111195, parent.View().DistanceMeters, 50)
	assert.True(t, parent.View().LocationOnline)

	// Vibrate round trip
	require.NoError(t, parent.Send(ctx, models.CommandVibrate))
	eventually(t, f.tree, func() bool {
		on, _ := motor.Vibrating()
		return on && parent.View().Command.Phase == PhaseExecuted
	})
	require.NoError(t, parent.Send(ctx, models.CommandStopVibrate))
	eventually(t, f.tree, func() bool {
		on, _ := motor.Vibrating()
		return !on
	})

	// Locate now publishes a fresh fix
	childFeed.Push(device.Fix{Lat: 0.001, Lng: 0})
	require.NoError(t, parent.Send(ctx, models.CommandRequestLocation))
	eventually(t, f.tree, func() bool {
		v := parent.View()
		return v.Command.Phase == PhaseExecuted && v.Command.Command.Type == models.CommandRequestLocation &&
			v.Child != nil && v.Child.Lat == 0.001
	})

	// No beacon on the parent
	assert.ErrorIs(t, parent.Send(ctx, models.CommandBuzzerOn), models.ErrNotConnected)

	// SOS raises one alarm and one notification, clearing silences it
	require.NoError(t, child.SetSos(ctx, true))
	eventually(t, f.tree, func() bool { return len(screen.Notifications()) == 1 && alerts.Load() > 0 })
	assert.True(t, parent.View().Status.SOS)
	require.NoError(t, child.SetSos(ctx, false))
	eventually(t, f.tree, func() bool { return !parent.View().Status.SOS && !parent.responder.alarm.Active() })
	assert.Len(t, screen.Notifications(), 1)

	titles := map[string]bool{}
	for _, e := range parent.View().Logs {
		titles[e.Title] = true
	}
	assert.True(t, titles["SOS triggered"])
	assert.True(t, titles["Command executed"])

	// Logging out marks the child offline
	require.NoError(t, child.Logout())
	eventually(t, f.tree, func() bool { return !parent.View().ChildOnline })
}

func TestSessionExpiresOnLoginElsewhere(t *testing.T) {
	f := newFamily(t)
	parent := startParent(t, f, Devices{})
	child, childConn := startChild(t, f, Devices{})
	drain(t, f.tree)

	other := newIdentity(connect(t, f.tree), &captureOperator{}, nil)
	_, err := other.Login(context.Background(), "alice", testPassword)
	require.NoError(t, err)

	select {
	case <-parent.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("parent session did not expire")
	}
	assert.ErrorIs(t, parent.Err(), models.ErrSessionExpired)
	assert.Error(t, parent.Send(context.Background(), models.CommandVibrate))

	// The child is a different account and keeps running
	assert.NoError(t, child.alive())

	// A child login elsewhere expires the child but leaves the online flag
	creds, err := other.ChildCredentials(context.Background(), f.parent.FamilyID)
	require.NoError(t, err)
	_, err = other.Login(context.Background(), creds.Username, creds.PIN)
	require.NoError(t, err)
	<-child.Done()
	assert.ErrorIs(t, child.Err(), models.ErrSessionExpired)
	assert.True(t, readStatus(t, childConn, f.parent.FamilyID).Online)
	assert.Zero(t, childConn.HookCount())
}

func TestStaleCommandIgnoredBySession(t *testing.T) {
	f := newFamily(t)
	motor := &device.Recorder{}
	conn := connect(t, f.tree)

	stale := models.Command{
		Type:      models.CommandVibrate,
		Status:    models.CommandPending,
		Timestamp: time.Now().Add(-45 * time.Second).UnixMilli(),
	}
	require.NoError(t, conn.Set(context.Background(), models.CommandPath(f.child.FamilyID), stale))

	child, _ := startChild(t, f, Devices{Vibrator: motor})
	drain(t, f.tree)
	_, starts := motor.Vibrating()
	assert.Zero(t, starts)
	assert.Nil(t, child.View().LastCommand)
}

// slowMotor records motor calls. Start spins up only once hold is released.
type slowMotor struct {
	hold    chan struct{}
	entered chan struct{}
	release sync.Once

	mu    sync.Mutex
	calls []string
	on    bool
}

func newSlowMotor() *slowMotor {
	return &slowMotor{hold: make(chan struct{}), entered: make(chan struct{}, 4)}
}

func (m *slowMotor) Start() {
	m.entered <- struct{}{}
	<-m.hold
	m.record("start", true)
}

func (m *slowMotor) Stop() { m.record("stop", false) }

func (m *slowMotor) spinUp() { m.release.Do(func() { close(m.hold) }) }

func (m *slowMotor) record(call string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	m.on = on
}

func (m *slowMotor) state() ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...), m.on
}

func (m *slowMotor) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-m.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("vibration never started")
	}
}

func TestChildRunsCommandsInOrder(t *testing.T) {
	f := newFamily(t)
	motor := newSlowMotor()
	startChild(t, f, Devices{Vibrator: motor})
	t.Cleanup(motor.spinUp) // before the session closes
	drain(t, f.tree)

	parent := NewCommandService(connect(t, f.tree), 30*time.Second, nil, nil)
	ctx := context.Background()
	_, err := parent.SendCommand(ctx, f.child.FamilyID, models.CommandVibrate)
	require.NoError(t, err)
	motor.waitEntered(t)

	// Sent while the motor is still spinning up
	_, err = parent.SendCommand(ctx, f.child.FamilyID, models.CommandStopVibrate)
	require.NoError(t, err)
	drain(t, f.tree)
	time.Sleep(10 * time.Millisecond)
	calls, _ := motor.state()
	assert.Empty(t, calls, "stop must wait for the running start")

	motor.spinUp()
	require.Eventually(t, func() bool {
		calls, _ := motor.state()
		return len(calls) == 2
	}, 2*time.Second, time.Millisecond)
	calls, on := motor.state()
	assert.Equal(t, []string{"start", "stop"}, calls)
	assert.False(t, on, "the motor ends stopped")

	reader := connect(t, f.tree)
	require.Eventually(t, func() bool {
		cmd := readCommand(t, reader, f.child.FamilyID)
		return cmd.Type == models.CommandStopVibrate && cmd.Status == models.CommandExecuted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestChildSkipsCommandReplacedWhileBusy(t *testing.T) {
	f := newFamily(t)
	motor := newSlowMotor()
	startChild(t, f, Devices{Vibrator: motor})
	t.Cleanup(motor.spinUp) // before the session closes
	drain(t, f.tree)

	parent := NewCommandService(connect(t, f.tree), 30*time.Second, nil, nil)
	ctx := context.Background()
	_, err := parent.SendCommand(ctx, f.child.FamilyID, models.CommandVibrate)
	require.NoError(t, err)
	motor.waitEntered(t)

	// Both land during the slow start; only the newer one may run
	_, err = parent.SendCommand(ctx, f.child.FamilyID, models.CommandStopVibrate)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = parent.SendCommand(ctx, f.child.FamilyID, models.CommandVibrate)
	require.NoError(t, err)
	drain(t, f.tree)

	motor.spinUp()
	require.Eventually(t, func() bool {
		calls, _ := motor.state()
		return len(calls) == 2
	}, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	calls, on := motor.state()
	assert.Equal(t, []string{"start", "start"}, calls)
	assert.True(t, on)
}

// fakeBeacon is the device end of a piped beacon link
type fakeBeacon struct {
	dev   net.Conn
	lines chan string
}

func pipeBeacon(t *testing.T) (*beacon.Adapter, *fakeBeacon) {
	t.Helper()
	host, dev := net.Pipe()
	link := beacon.NewStreamLink("bracelet", func(ctx context.Context) (io.ReadWriteCloser, error) {
		return host, nil
	}, nil)
	fb := &fakeBeacon{dev: dev, lines: make(chan string, 16)}
	go func() {
		defer close(fb.lines)
		scanner := bufio.NewScanner(dev)
		for scanner.Scan() {
			fb.lines <- scanner.Text()
		}
	}()
	t.Cleanup(func() {
		_ = dev.Close()
		for range fb.lines {
		}
	})
	return beacon.NewAdapter(link, nil), fb
}

func (b *fakeBeacon) say(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(b.dev, line+"\n")
	require.NoError(t, err)
}

func (b *fakeBeacon) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-b.lines:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("beacon never received %s", want)
	}
}

func TestChildBeaconFeedsStatusAndSOS(t *testing.T) {
	f := newFamily(t)
	adapter, bracelet := pipeBeacon(t)
	child, conn := startChild(t, f, Devices{Beacon: adapter})
	familyID := f.child.FamilyID

	eventually(t, f.tree, func() bool {
		st := child.View().Beacon
		return st != nil && st.Connected
	})

	bracelet.say(t, "BAT:80|SOS:1")
	eventually(t, f.tree, func() bool {
		s := readStatus(t, conn, familyID)
		return s.SOS && s.BeaconBattery == 80 && s.BeaconConnected
	})
	bracelet.expect(t, string(models.CommandBuzzerOn))
	eventually(t, f.tree, func() bool { return adapter.State().Buzzer.Phase == beacon.PhaseRequested })

	bracelet.say(t, "BUZ:1")
	eventually(t, f.tree, func() bool { return adapter.State().Buzzer.Phase == beacon.PhaseConfirmed })

	bracelet.say(t, "SOS:0")
	eventually(t, f.tree, func() bool { return !readStatus(t, conn, familyID).SOS })
	bracelet.expect(t, string(models.CommandBuzzerOff))
}

func TestParentRoutesBeaconCodesLocally(t *testing.T) {
	f := newFamily(t)
	adapter, bracelet := pipeBeacon(t)
	parent := startParent(t, f, Devices{Beacon: adapter})
	conn := connect(t, f.tree)

	require.NoError(t, parent.Send(context.Background(), models.CommandLEDOn))
	bracelet.expect(t, string(models.CommandLEDOn))

	snap, err := conn.Get(context.Background(), models.CommandPath(f.parent.FamilyID))
	require.NoError(t, err)
	assert.False(t, snap.Exists(), "beacon codes never touch the command slot")

	eventually(t, f.tree, func() bool {
		st := parent.View().Beacon
		return st != nil && st.LED.On && st.LED.Phase == beacon.PhaseRequested
	})
}
