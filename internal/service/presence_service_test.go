package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian/internal/device"
	"guardian/internal/models"
	"guardian/internal/store"
)

func readStatus(t *testing.T, conn store.Conn, familyID string) models.ChildStatus {
	t.Helper()
	snap, err := conn.Get(context.Background(), models.ChildStatusPath(familyID))
	require.NoError(t, err)
	var status models.ChildStatus
	require.NoError(t, snap.Decode(&status))
	return status
}

func TestMonitorTracksConnection(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	childConn := connect(t, tree)
	parentConn := connect(t, tree)
	presence := NewPresenceService(childConn, nil, nil)
	presence.SetClock(clk.Now)

	monitor := presence.Monitor("fam_1")
	drain(t, tree)
	status := readStatus(t, parentConn, "fam_1")
	assert.True(t, status.Online)
	assert.Equal(t, clk.Now().UnixMilli(), status.LastSeen)
	assert.Equal(t, 1, childConn.HookCount())

	clk.Advance(10 * time.Second)
	childConn.Drop()
	status = readStatus(t, parentConn, "fam_1")
	assert.False(t, status.Online, "the store wrote offline for the vanished client")
	assert.Equal(t, clk.Now().UnixMilli(), status.LastSeen, "lastSeen is the commit time")

	childConn.Reconnect()
	drain(t, tree)
	assert.True(t, readStatus(t, parentConn, "fam_1").Online)
	assert.Equal(t, 1, childConn.HookCount(), "the hook is re-armed on reconnect")

	monitor.Stop()
	monitor.Stop()
	assert.False(t, readStatus(t, parentConn, "fam_1").Online)
	assert.Zero(t, childConn.HookCount())
}

func TestMonitorDetachLeavesFlag(t *testing.T) {
	tree := newTestTree(t, nil)
	conn := connect(t, tree)
	presence := NewPresenceService(conn, nil, nil)

	monitor := presence.Monitor("fam_1")
	drain(t, tree)
	monitor.Detach()

	assert.True(t, readStatus(t, conn, "fam_1").Online, "the flag now belongs to another client")
	assert.Zero(t, conn.HookCount())
}

func TestConcurrentStatusWritesMerge(t *testing.T) {
	tree := newTestTree(t, nil)
	ctx := context.Background()
	phone := NewPresenceService(connect(t, tree), nil, nil)
	sos := NewPresenceService(connect(t, tree), nil, nil)
	beacon := NewPresenceService(connect(t, tree), nil, nil)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		assert.NoError(t, phone.SetBattery(ctx, "fam_1", 55))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, sos.SetSos(ctx, "fam_1", true))
	}()
	go func() {
		defer wg.Done()
		level, connected := 140, true
		assert.NoError(t, beacon.PatchStatus(ctx, "fam_1", StatusPatch{BeaconBattery: &level, BeaconConnected: &connected}))
	}()
	wg.Wait()

	status := readStatus(t, connect(t, tree), "fam_1")
	assert.Equal(t, 55, status.Battery)
	assert.True(t, status.SOS)
	assert.Equal(t, 100, status.BeaconBattery, "clamped")
	assert.True(t, status.BeaconConnected)
}

func TestSetSosLogsActivity(t *testing.T) {
	tree := newTestTree(t, nil)
	conn := connect(t, tree)
	activity := NewActivityService(conn, 20, nil)
	presence := NewPresenceService(conn, activity, nil)
	ctx := context.Background()

	require.NoError(t, presence.SetSos(ctx, "fam_1", true))
	require.NoError(t, presence.SetSos(ctx, "fam_1", false))

	entries, err := activity.List(ctx, "fam_1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.LogInfo, entries[0].Kind)
	assert.Equal(t, models.LogDanger, entries[1].Kind)
}

func TestWatchStatus(t *testing.T) {
	tree := newTestTree(t, nil)
	conn := connect(t, tree)
	presence := NewPresenceService(conn, nil, nil)

	var mu sync.Mutex
	var seen []bool
	stop := presence.WatchStatus("fam_1", func(s models.ChildStatus, exists bool) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, exists && s.Battery == 42)
	})
	defer stop()
	drain(t, tree)
	require.NoError(t, presence.SetBattery(context.Background(), "fam_1", 42))
	drain(t, tree)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true}, seen)
}

func TestBatteryPoller(t *testing.T) {
	tree := newTestTree(t, nil)
	conn := connect(t, tree)
	presence := NewPresenceService(conn, nil, nil)
	poller := NewBatteryPoller(presence, device.FixedBattery(73), "fam_1", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		poller.Run(ctx)
	}()

	eventually(t, tree, func() bool {
		snap, err := conn.Get(context.Background(), models.ChildStatusPath("fam_1"))
		return err == nil && snap.Child(models.StatusBattery).Value() == float64(73)
	})
	cancel()
	<-done
}

func TestAlarmRestartKeepsOneLoop(t *testing.T) {
	var impulses atomic.Int32
	alarm := NewAlarm(time.Millisecond, func() { impulses.Add(1) })
	defer alarm.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alarm.Start()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, alarm.loops())
	assert.True(t, alarm.Active())

	alarm.Stop()
	assert.Zero(t, alarm.loops())
	assert.False(t, alarm.Active())
	assert.Eventually(t, func() bool { return impulses.Load() > 0 }, time.Second, time.Millisecond,
		"the first impulse fires immediately")
}

func TestBlockedImpulseDoesNotHoldUpSOS(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	alarm := NewAlarm(time.Millisecond, func() {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	})
	responder := NewSOSResponder(alarm, &device.Recorder{}, testChild)
	defer close(gate)

	responder.Observe(models.ChildStatus{SOS: true})
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("alert never fired")
	}

	cleared := make(chan struct{})
	go func() {
		responder.Observe(models.ChildStatus{SOS: false})
		close(cleared)
	}()
	select {
	case <-cleared:
	case <-time.After(time.Second):
		t.Fatal("clearing SOS waited on a blocked alert")
	}
	assert.False(t, alarm.Active())
	assert.Zero(t, alarm.loops())
}

func TestSOSToggleNeverStacksAlarms(t *testing.T) {
	rec := &device.Recorder{}
	alarm := NewAlarm(time.Millisecond, func() {})
	responder := NewSOSResponder(alarm, rec, testChild)
	defer responder.Close()

	for i := 0; i < 50; i++ {
		responder.Observe(models.ChildStatus{SOS: i%2 == 0})
		assert.LessOrEqual(t, alarm.loops(), 1)
	}
	// Repeated raised snapshots are not new raises
	responder.Observe(models.ChildStatus{SOS: true})
	responder.Observe(models.ChildStatus{SOS: true, Battery: 10})
	assert.Equal(t, 1, alarm.loops())
	assert.True(t, responder.Raised())

	notes := rec.Notifications()
	assert.Len(t, notes, 26)
	assert.True(t, notes[0].RequireInteraction)
	assert.Contains(t, notes[0].Body, testChild)

	responder.Observe(models.ChildStatus{SOS: false})
	assert.Zero(t, alarm.loops())
	assert.False(t, alarm.Active())
}
