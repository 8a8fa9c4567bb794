package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"guardian/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) listen(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

func (r *recorder) last() Snapshot {
	all := r.all()
	if len(all) == 0 {
		return Snapshot{}
	}
	return all[len(all)-1]
}

func newTestTree(t *testing.T, opts ...Option) *Tree {
	t.Helper()
	tree, err := NewTree(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(tree.Close)
	return tree
}

func syncTree(t *testing.T, tree *Tree) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tree.Sync(ctx))
}

func TestSetGetRemove(t *testing.T) {
	tree := newTestTree(t)
	ctx := context.Background()

	require.NoError(t, tree.Set(ctx, "families/f1/childLocation", map[string]any{"lat": 1.5, "lng": 2}))

	snap, err := tree.Get("families/f1/childLocation/lat")
	require.NoError(t, err)
	assert.Equal(t, 1.5, snap.Value())

	require.NoError(t, tree.Remove(ctx, "families/f1/childLocation"))
	snap, err = tree.Get("families/f1")
	require.NoError(t, err)
	assert.False(t, snap.Exists(), "empty parents collapse")
}

func TestInvalidPaths(t *testing.T) {
	tree := newTestTree(t)
	tests := []string{".info/connected", "users/a.b", "x/$y", "a/[0]"}
	for _, p := range tests {
		t.Run(p, func(t *testing.T) {
			err := tree.Set(context.Background(), p, 1)
			assert.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestSubscribeFiresInitialAndOnRelatedWrites(t *testing.T) {
	tree := newTestTree(t)
	ctx := context.Background()
	rec := &recorder{}

	stop, err := tree.Watch("families/f1/childStatus", rec.listen)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, tree.Update(ctx, "families/f1/childStatus", map[string]any{"battery": 50}))
	require.NoError(t, tree.Set(ctx, "families/f1/commands", map[string]any{"type": "VIBRATE"}))
	require.NoError(t, tree.Remove(ctx, "families/f1"))
	syncTree(t, tree)

	snaps := rec.all()
	require.Len(t, snaps, 3, "initial, merge, ancestor removal; unrelated sibling skipped")
	assert.False(t, snaps[0].Exists())
	assert.Equal(t, float64(50), snaps[1].Child("battery").Value())
	assert.False(t, snaps[2].Exists())
}

func TestRewritingSameValueStillNotifies(t *testing.T) {
	tree := newTestTree(t)
	ctx := context.Background()
	rec := &recorder{}
	stop, err := tree.Watch("a", rec.listen)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, tree.Set(ctx, "a", "x"))
	require.NoError(t, tree.Set(ctx, "a", "x"))
	syncTree(t, tree)

	assert.Len(t, rec.all(), 3)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tree := newTestTree(t)
	rec := &recorder{}
	stop, err := tree.Watch("a", rec.listen)
	require.NoError(t, err)
	syncTree(t, tree)
	stop()
	stop()

	require.NoError(t, tree.Set(context.Background(), "a", 1))
	syncTree(t, tree)
	assert.Len(t, rec.all(), 1)
}

func TestConcurrentMergeWritesKeepBothFields(t *testing.T) {
	tree := newTestTree(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, tree.Update(ctx, "families/f1/childStatus", map[string]any{"battery": 50}))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, tree.Update(ctx, "families/f1/childStatus", map[string]any{"sos": true}))
	}()
	wg.Wait()

	snap, err := tree.Get("families/f1/childStatus")
	require.NoError(t, err)
	var status models.ChildStatus
	require.NoError(t, snap.Decode(&status))
	assert.Equal(t, 50, status.Battery)
	assert.True(t, status.SOS)
}

func TestMultiPathUpdateIsAtomic(t *testing.T) {
	tree := newTestTree(t)
	ctx := context.Background()
	rec := &recorder{}
	stop, err := tree.Watch("", rec.listen)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, tree.Set(ctx, "pending_registrations/bob", map[string]any{"code": "123456"}))
	require.NoError(t, tree.Update(ctx, "", map[string]any{
		"users/bob":                 map[string]any{"role": "parent"},
		"users/kids_bob":            map[string]any{"role": "child"},
		"families/f1":               map[string]any{"parentUsernameKey": "bob"},
		"pending_registrations/bob": nil,
	}))
	syncTree(t, tree)

	snaps := rec.all()
	require.Len(t, snaps, 3)
	final := snaps[2]
	assert.True(t, final.Child("users/bob").Exists())
	assert.True(t, final.Child("users/kids_bob").Exists())
	assert.True(t, final.Child("families/f1").Exists())
	assert.False(t, final.Child("pending_registrations").Exists())
}

func TestOverlappingUpdateRejected(t *testing.T) {
	tree := newTestTree(t)
	err := tree.Update(context.Background(), "a", map[string]any{"b": 1, "b/c": 2})
	assert.ErrorIs(t, err, ErrOverlappingKey)
}

func TestServerTimestampResolvedAtCommit(t *testing.T) {
	fixed := time.UnixMilli(1_700_000_000_000)
	tree := newTestTree(t, WithClock(func() time.Time { return fixed }))

	require.NoError(t, tree.Update(context.Background(), "s", map[string]any{"lastSeen": ServerTimestamp}))
	snap, err := tree.Get("s/lastSeen")
	require.NoError(t, err)
	assert.Equal(t, float64(fixed.UnixMilli()), snap.Value())
}

type failingPersister struct{}

func (failingPersister) Load(context.Context) (any, error) { return nil, nil }
func (failingPersister) Apply(context.Context, []Change) error {
	return errors.New("disk full")
}

func TestPersistFailureLeavesTreeUnchanged(t *testing.T) {
	tree := newTestTree(t, WithPersister(failingPersister{}))
	err := tree.Set(context.Background(), "a", 1)
	require.ErrorIs(t, err, models.ErrWriteError)

	snap, err := tree.Get("a")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestFlattenRoundTrip(t *testing.T) {
	in := map[string]any{
		"users": map[string]any{
			"bob": map[string]any{"role": "parent", "age": float64(40)},
		},
		"flag": true,
	}
	leaves := Flatten("", in)
	require.Len(t, leaves, 3)
	assert.Equal(t, "flag", leaves[0].Path)

	out, err := Unflatten(leaves)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
