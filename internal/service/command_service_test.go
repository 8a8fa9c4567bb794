package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian/internal/models"
	"guardian/internal/store"
)

type commandLog struct {
	mu   sync.Mutex
	cmds []models.Command
}

func (l *commandLog) add(c models.Command) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmds = append(l.cmds, c)
}

func (l *commandLog) all() []models.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Command(nil), l.cmds...)
}

func newCommands(conn store.Conn, clk *fakeClock) *CommandService {
	s := NewCommandService(conn, 30*time.Second, nil, nil)
	s.SetClock(clk.Now)
	return s
}

func readCommand(t *testing.T, conn store.Conn, familyID string) models.Command {
	t.Helper()
	snap, err := conn.Get(context.Background(), models.CommandPath(familyID))
	require.NoError(t, err)
	var cmd models.Command
	require.NoError(t, snap.Decode(&cmd))
	return cmd
}

func TestSendCommandRejectsBeaconCodes(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	parent := newCommands(connect(t, tree), clk)

	for _, code := range []models.CommandType{models.CommandBuzzerOn, models.CommandLEDOff} {
		_, err := parent.SendCommand(context.Background(), "fam_1", code)
		assert.Error(t, err, code)
	}
	snap, err := tree.Get(models.CommandPath("fam_1"))
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestCommandRoundTrip(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	parentConn := connect(t, tree)
	parent := newCommands(parentConn, clk)
	child := newCommands(connect(t, tree), clk)
	ctx := context.Background()

	got := &commandLog{}
	stop := child.ListenForCommands("fam_1", got.add)
	defer stop()
	drain(t, tree)

	sent, err := parent.SendCommand(ctx, "fam_1", models.CommandVibrate)
	require.NoError(t, err)
	assert.Equal(t, models.CommandPending, sent.Status)
	assert.Equal(t, clk.Now().UnixMilli(), sent.Timestamp)
	drain(t, tree)

	require.Len(t, got.all(), 1)
	assert.True(t, got.all()[0].SameIssue(sent))

	clk.Advance(2 * time.Second)
	require.NoError(t, child.MarkExecuted(ctx, "fam_1", sent))
	drain(t, tree)

	cmd := readCommand(t, parentConn, "fam_1")
	assert.Equal(t, models.CommandExecuted, cmd.Status)
	assert.Equal(t, clk.Now().UnixMilli(), cmd.ExecutedAt)
	assert.Equal(t, sent.Timestamp, cmd.Timestamp)
	assert.Len(t, got.all(), 1, "executed status is not a new command")
}

func TestStaleCommandIsNeverActedOn(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	conn := connect(t, tree)
	child := newCommands(conn, clk)
	ctx := context.Background()

	stale := models.Command{
		Type:      models.CommandVibrate,
		Status:    models.CommandPending,
		Timestamp: clk.Now().Add(-30 * time.Second).UnixMilli(),
	}
	require.NoError(t, conn.Set(ctx, models.CommandPath("fam_1"), stale))

	got := &commandLog{}
	stop := child.ListenForCommands("fam_1", got.add)
	defer stop()
	drain(t, tree)

	assert.Empty(t, got.all())
	assert.Equal(t, models.CommandPending, readCommand(t, conn, "fam_1").Status, "stale commands stay pending")
}

func TestLastWriteWinsWhileChildOffline(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	parent := newCommands(connect(t, tree), clk)
	childConn := connect(t, tree)
	child := newCommands(childConn, clk)
	ctx := context.Background()

	got := &commandLog{}
	stop := child.ListenForCommands("fam_1", got.add)
	defer stop()
	drain(t, tree)

	childConn.Drop()
	first, err := parent.SendCommand(ctx, "fam_1", models.CommandVibrate)
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := parent.SendCommand(ctx, "fam_1", models.CommandRequestLocation)
	require.NoError(t, err)
	drain(t, tree)
	childConn.Reconnect()
	drain(t, tree)

	cmds := got.all()
	require.Len(t, cmds, 1)
	assert.True(t, cmds[0].SameIssue(second))
	assert.False(t, cmds[0].SameIssue(first), "the overwritten command is never executed")

	// The superseded one cannot be marked either
	require.NoError(t, child.MarkExecuted(ctx, "fam_1", first))
	assert.Equal(t, models.CommandPending, readCommand(t, childConn, "fam_1").Status)
}

func TestLastWriteWinsWhileChildOnline(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	parent := newCommands(connect(t, tree), clk)
	child := newCommands(connect(t, tree), clk)
	ctx := context.Background()

	got := &commandLog{}
	stop := child.ListenForCommands("fam_1", got.add)
	defer stop()
	drain(t, tree)

	// Hold deliveries back so both sends commit before the child hears either
	gate := make(chan struct{})
	tree.Post(func() { <-gate })
	first, err := parent.SendCommand(ctx, "fam_1", models.CommandVibrate)
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := parent.SendCommand(ctx, "fam_1", models.CommandRequestLocation)
	require.NoError(t, err)
	close(gate)
	drain(t, tree)

	cmds := got.all()
	require.Len(t, cmds, 1)
	assert.True(t, cmds[0].SameIssue(second))
	assert.False(t, cmds[0].SameIssue(first))
}

func TestExecutedCommandIsNotRedispatched(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	parent := newCommands(connect(t, tree), clk)
	child := newCommands(connect(t, tree), clk)
	ctx := context.Background()

	got := &commandLog{}
	stop := child.ListenForCommands("fam_1", got.add)
	defer stop()
	drain(t, tree)

	gate := make(chan struct{})
	tree.Post(func() { <-gate })
	sent, err := parent.SendCommand(ctx, "fam_1", models.CommandVibrate)
	require.NoError(t, err)
	require.NoError(t, child.MarkExecuted(ctx, "fam_1", sent))
	close(gate)
	drain(t, tree)

	assert.Empty(t, got.all(), "the pending delivery arrived after the slot was already executed")
}

func TestRedeliveryDispatchesOnce(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	parent := newCommands(connect(t, tree), clk)
	childConn := connect(t, tree)
	child := newCommands(childConn, clk)

	got := &commandLog{}
	stop := child.ListenForCommands("fam_1", got.add)
	defer stop()

	_, err := parent.SendCommand(context.Background(), "fam_1", models.CommandVibrate)
	require.NoError(t, err)
	drain(t, tree)

	childConn.Drop()
	childConn.Reconnect()
	drain(t, tree)

	assert.Len(t, got.all(), 1)
}

func TestCommandTrackerPhases(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	conn := connect(t, tree)
	parent := newCommands(conn, clk)
	child := newCommands(connect(t, tree), clk)
	ctx := context.Background()

	var mu sync.Mutex
	var phases []CommandPhase
	tracker := NewCommandTracker(parent, "fam_1", 5*time.Millisecond, func(s CommandState) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, s.Phase)
	})
	tracker.Start()
	defer tracker.Stop()
	drain(t, tree)
	assert.Equal(t, PhaseNone, tracker.State().Phase)

	sent, err := parent.SendCommand(ctx, "fam_1", models.CommandRequestLocation)
	require.NoError(t, err)
	eventually(t, tree, func() bool { return tracker.State().Phase == PhasePending })

	// No new write: the ticker alone moves it to expired
	clk.Advance(31 * time.Second)
	eventually(t, tree, func() bool { return tracker.State().Phase == PhaseExpired })

	require.NoError(t, child.MarkExecuted(ctx, "fam_1", sent))
	eventually(t, tree, func() bool { return tracker.State().Phase == PhaseExecuted })
	assert.Equal(t, models.CommandRequestLocation, tracker.State().Command.Type)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []CommandPhase{PhasePending, PhaseExpired, PhaseExecuted}, phases)
}
