package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian/internal/models"
	"guardian/internal/security"
	"guardian/internal/store"
)

const (
	testPassword = "hunter22!"
	testChild    = "Budi"
	testContact  = "081234567890"
)

func wrongCode(code string) string {
	if code[0] == '9' {
		return "0" + code[1:]
	}
	return string(code[0]+1) + code[1:]
}

func exists(t *testing.T, conn store.Conn, path string) bool {
	t.Helper()
	snap, err := conn.Get(context.Background(), path)
	require.NoError(t, err)
	return snap.Exists()
}

func registerFamily(t *testing.T, ids *IdentityService, op *captureOperator, username string) *models.Profile {
	t.Helper()
	ctx := context.Background()
	_, err := ids.Register(ctx, username, testPassword, testChild, testContact)
	require.NoError(t, err)
	profile, err := ids.ConfirmRegistration(ctx, username, op.last().Code)
	require.NoError(t, err)
	return profile
}

func TestRegisterAndConfirm(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	conn := connect(t, tree)
	op := &captureOperator{}
	ids := newIdentity(conn, op, clk)
	ctx := context.Background()

	ticket, err := ids.Register(ctx, " Alice ", testPassword, testChild, testContact)
	require.NoError(t, err)
	assert.Equal(t, "alice", ticket.UsernameKey)
	assert.Equal(t, clk.Now().Add(time.Minute), ticket.ExpiresAt)
	assert.True(t, strings.HasPrefix(ticket.OperatorLink, "https://wa.me/628123456789?text="))

	req := op.last()
	assert.Equal(t, "alice", req.Username)
	assert.Equal(t, testChild, req.ChildName)
	assert.Len(t, req.Code, 6)
	assert.NotContains(t, ticket.OperatorLink, req.Code, "the link never carries the code")

	var pending models.PendingRegistration
	snap, err := conn.Get(ctx, models.PendingPath("alice"))
	require.NoError(t, err)
	require.NoError(t, snap.Decode(&pending))
	assert.NotEqual(t, testPassword, pending.PasswordHash)
	assert.True(t, security.CheckPassword(testPassword, pending.PasswordHash))

	profile, err := ids.ConfirmRegistration(ctx, "ALICE", req.Code)
	require.NoError(t, err)
	assert.Equal(t, models.RoleParent, profile.Role)
	assert.Equal(t, DefaultParentName, profile.DisplayName)
	assert.True(t, strings.HasPrefix(profile.FamilyID, "fam_"))
	assert.NotEmpty(t, profile.SessionToken)

	assert.False(t, exists(t, conn, models.PendingPath("alice")))
	assert.True(t, exists(t, conn, models.UserPath("kids_alice")))

	creds, err := ids.ChildCredentials(ctx, profile.FamilyID)
	require.NoError(t, err)
	assert.Equal(t, "kids_alice", creds.Username)
	assert.Len(t, creds.PIN, 4)

	child, err := ids.Login(ctx, creds.Username, creds.PIN)
	require.NoError(t, err)
	assert.Equal(t, models.RoleChild, child.Role)
	assert.Equal(t, profile.FamilyID, child.FamilyID)
	assert.Equal(t, testChild, child.DisplayName)
	assert.Equal(t, testContact, child.Contact)

	var family models.Family
	snap, err = conn.Get(ctx, models.FamilyPath(profile.FamilyID))
	require.NoError(t, err)
	require.NoError(t, snap.Decode(&family))
	assert.Equal(t, "alice", family.ParentUsernameKey)
	assert.Equal(t, "kids_alice", family.ChildUsernameKey)
}

func TestRegisterValidation(t *testing.T) {
	tree := newTestTree(t, nil)
	ids := newIdentity(connect(t, tree), &captureOperator{}, nil)

	tests := []struct {
		name                               string
		username, password, child, contact string
	}{
		{"short username", "al", testPassword, testChild, testContact},
		{"reserved prefix", "kids_bob", testPassword, testChild, testContact},
		{"illegal character", "a.lice", testPassword, testChild, testContact},
		{"short password", "alice", "short", testChild, testContact},
		{"short child name", "alice", testPassword, "B", testContact},
		{"contact without 08", "alice", testPassword, testChild, "0712345678"},
		{"contact with letters", "alice", testPassword, testChild, "08123abc90"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ids.Register(context.Background(), tt.username, tt.password, tt.child, tt.contact)
			assert.Error(t, err)
		})
	}
}

func TestConfirmWithBadCodeLeavesPendingUntouched(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	conn := connect(t, tree)
	op := &captureOperator{}
	ids := newIdentity(conn, op, clk)
	ctx := context.Background()

	_, err := ids.Register(ctx, "alice", testPassword, testChild, testContact)
	require.NoError(t, err)
	before := tree.Export()

	_, err = ids.ConfirmRegistration(ctx, "alice", wrongCode(op.last().Code))
	assert.ErrorIs(t, err, models.ErrBadCode)
	assert.Equal(t, before, tree.Export(), "a rejected code writes nothing")

	_, err = ids.ConfirmRegistration(ctx, "alice", op.last().Code)
	assert.NoError(t, err, "the right code still works afterwards")
}

func TestConfirmExpired(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	conn := connect(t, tree)
	op := &captureOperator{}
	ids := newIdentity(conn, op, clk)
	ctx := context.Background()

	_, err := ids.Register(ctx, "alice", testPassword, testChild, testContact)
	require.NoError(t, err)

	clk.Advance(61 * time.Second)
	_, err = ids.ConfirmRegistration(ctx, "alice", op.last().Code)
	assert.ErrorIs(t, err, models.ErrExpired)
	assert.False(t, exists(t, conn, models.PendingPath("alice")))
	assert.False(t, exists(t, conn, models.UserPath("alice")))

	_, err = ids.ConfirmRegistration(ctx, "alice", op.last().Code)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestExpiredIsCheckedBeforeCode(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	op := &captureOperator{}
	ids := newIdentity(connect(t, tree), op, clk)
	ctx := context.Background()

	_, err := ids.Register(ctx, "alice", testPassword, testChild, testContact)
	require.NoError(t, err)
	clk.Advance(time.Minute)

	_, err = ids.ConfirmRegistration(ctx, "alice", wrongCode(op.last().Code))
	assert.ErrorIs(t, err, models.ErrExpired)
}

func TestPendingRegistrationHoldsUsername(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	op := &captureOperator{}
	ids := newIdentity(connect(t, tree), op, clk)
	ctx := context.Background()

	_, err := ids.Register(ctx, "alice", testPassword, testChild, testContact)
	require.NoError(t, err)
	first := op.last().Code

	_, err = ids.Register(ctx, "Alice", testPassword, "Sari", testContact)
	assert.ErrorIs(t, err, models.ErrDuplicateUsername)

	clk.Advance(2 * time.Minute)
	_, err = ids.Register(ctx, "alice", testPassword, "Sari", testContact)
	require.NoError(t, err, "an expired registration no longer holds the name")
	assert.Equal(t, "Sari", op.last().ChildName)

	if op.last().Code != first {
		_, err = ids.ConfirmRegistration(ctx, "alice", first)
		assert.ErrorIs(t, err, models.ErrBadCode, "the replaced code is dead")
	}
}

func TestRegisterTakenUsername(t *testing.T) {
	tree := newTestTree(t, nil)
	op := &captureOperator{}
	ids := newIdentity(connect(t, tree), op, nil)
	registerFamily(t, ids, op, "alice")

	_, err := ids.Register(context.Background(), "alice", testPassword, testChild, testContact)
	assert.ErrorIs(t, err, models.ErrDuplicateUsername)
}

func TestConfirmIsAllOrNothing(t *testing.T) {
	clk := newFakeClock()
	tree := newTestTree(t, clk)
	conn := connect(t, tree)
	op := &captureOperator{}
	ids := newIdentity(conn, op, clk)
	ctx := context.Background()

	_, err := ids.Register(ctx, "alice", testPassword, testChild, testContact)
	require.NoError(t, err)

	// A child account appearing out of band blocks the whole family
	require.NoError(t, conn.Set(ctx, models.UserPath("kids_alice"), map[string]any{"role": "child"}))

	_, err = ids.ConfirmRegistration(ctx, "alice", op.last().Code)
	assert.ErrorIs(t, err, models.ErrDuplicateUsername)
	assert.False(t, exists(t, conn, models.UserPath("alice")))
	assert.False(t, exists(t, conn, models.FamiliesRoot))
	assert.True(t, exists(t, conn, models.PendingPath("alice")))
}

func TestRegisterOperatorFailureWithdraws(t *testing.T) {
	tree := newTestTree(t, nil)
	conn := connect(t, tree)
	op := &captureOperator{err: errors.New("smtp down")}
	ids := newIdentity(conn, op, nil)

	_, err := ids.Register(context.Background(), "alice", testPassword, testChild, testContact)
	assert.Error(t, err)
	assert.False(t, exists(t, conn, models.PendingPath("alice")))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	tree := newTestTree(t, nil)
	op := &captureOperator{}
	ids := newIdentity(connect(t, tree), op, nil)
	registerFamily(t, ids, op, "alice")
	ctx := context.Background()

	_, err := ids.Login(ctx, "alice", "not-the-password")
	assert.ErrorIs(t, err, models.ErrBadCredentials)
	_, err = ids.Login(ctx, "nobody", testPassword)
	assert.ErrorIs(t, err, models.ErrBadCredentials)

	profile, err := ids.Login(ctx, "  ALICE", testPassword)
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.UsernameKey)
}

func TestSecondLoginExpiresFirstSessionExactlyOnce(t *testing.T) {
	tree := newTestTree(t, nil)
	op := &captureOperator{}
	setup := newIdentity(connect(t, tree), op, nil)
	registerFamily(t, setup, op, "alice")
	ctx := context.Background()

	// Two devices, each with its own connection
	deviceA := newIdentity(connect(t, tree), op, nil)
	deviceB := newIdentity(connect(t, tree), op, nil)

	a, err := deviceA.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	var expiredA atomic.Int32
	stopA := deviceA.WatchSession(a.UsernameKey, a.SessionToken, func() { expiredA.Add(1) })
	defer stopA()
	drain(t, tree)
	assert.Zero(t, expiredA.Load(), "own token never expires the session")

	b, err := deviceB.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	assert.NotEqual(t, a.SessionToken, b.SessionToken)
	var expiredB atomic.Int32
	stopB := deviceB.WatchSession(b.UsernameKey, b.SessionToken, func() { expiredB.Add(1) })
	defer stopB()
	drain(t, tree)

	assert.Equal(t, int32(1), expiredA.Load())
	assert.Zero(t, expiredB.Load())

	_, err = deviceA.Resume(ctx, a.SessionToken)
	assert.ErrorIs(t, err, models.ErrSessionExpired)
	resumed, err := deviceB.Resume(ctx, b.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, b.FamilyID, resumed.FamilyID)

	// A third login fires B once and never fires A again
	_, err = deviceA.Login(ctx, "alice", testPassword)
	require.NoError(t, err)
	drain(t, tree)
	assert.Equal(t, int32(1), expiredA.Load())
	assert.Equal(t, int32(1), expiredB.Load())
}

func TestWatchSessionIgnoresAbsentToken(t *testing.T) {
	tree := newTestTree(t, nil)
	conn := connect(t, tree)
	ids := newIdentity(conn, &captureOperator{}, nil)

	var fired atomic.Int32
	stop := ids.WatchSession("ghost", "tok", func() { fired.Add(1) })
	defer stop()
	drain(t, tree)
	assert.Zero(t, fired.Load())

	require.NoError(t, conn.Set(context.Background(), models.SessionTokenPath("ghost"), "other"))
	drain(t, tree)
	assert.Equal(t, int32(1), fired.Load())
}

func TestResumeRejectsForeignToken(t *testing.T) {
	tree := newTestTree(t, nil)
	ids := newIdentity(connect(t, tree), &captureOperator{}, nil)

	foreign, err := security.NewTokenIssuer("other-secret", "guardian-test").Mint("alice", "fam_1", models.RoleParent)
	require.NoError(t, err)
	_, err = ids.Resume(context.Background(), foreign)
	assert.ErrorIs(t, err, security.ErrInvalidToken)
}
