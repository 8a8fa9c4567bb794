package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"guardian/internal/config"
	"guardian/internal/database"
	"guardian/internal/store"
)

func newNodeRepo(t *testing.T) *NodeRepository {
	t.Helper()
	db, err := database.Initialize(filepath.Join(t.TempDir(), "nodes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.RunMigrations(context.Background(), nil))
	return NewNodeRepository(db)
}

func newBadgerRepo(t *testing.T) *BadgerRepository {
	t.Helper()
	repo, err := OpenBadger(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func persisters(t *testing.T) map[string]store.Persister {
	return map[string]store.Persister{
		"sql":    newNodeRepo(t),
		"badger": newBadgerRepo(t),
	}
}

func TestPersisterRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, p := range persisters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Apply(ctx, []store.Change{
				{Path: "users/bob", Value: map[string]any{"role": "parent", "familyId": "fam_1"}},
				{Path: "users/kids_bob", Value: map[string]any{"role": "child", "familyId": "fam_1"}},
				{Path: "families/fam_1/childStatus/battery", Value: float64(80)},
			}))

			got, err := p.Load(ctx)
			require.NoError(t, err)
			want := map[string]any{
				"users": map[string]any{
					"bob":      map[string]any{"role": "parent", "familyId": "fam_1"},
					"kids_bob": map[string]any{"role": "child", "familyId": "fam_1"},
				},
				"families": map[string]any{
					"fam_1": map[string]any{"childStatus": map[string]any{"battery": float64(80)}},
				},
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPersisterReplacesSubtree(t *testing.T) {
	ctx := context.Background()
	for name, p := range persisters(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, p.Apply(ctx, []store.Change{
				{Path: "users/bob", Value: map[string]any{"role": "parent", "sessionToken": "a"}},
				{Path: "users/bobby", Value: map[string]any{"role": "parent"}},
			}))

			// Overwriting users/bob must not touch the sibling users/bobby
			require.NoError(t, p.Apply(ctx, []store.Change{
				{Path: "users/bob", Value: map[string]any{"role": "parent"}},
			}))
			got, err := p.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"users": map[string]any{
				"bob":   map[string]any{"role": "parent"},
				"bobby": map[string]any{"role": "parent"},
			}}, got)

			// A scalar ancestor gives way to a deeper write
			require.NoError(t, p.Apply(ctx, []store.Change{{Path: "flag", Value: true}}))
			require.NoError(t, p.Apply(ctx, []store.Change{{Path: "flag/inner", Value: "x"}}))
			got, err = p.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"inner": "x"}, got.(map[string]any)["flag"])

			// nil deletes
			require.NoError(t, p.Apply(ctx, []store.Change{{Path: "users/bob", Value: nil}}))
			got, err = p.Load(ctx)
			require.NoError(t, err)
			assert.NotContains(t, got.(map[string]any)["users"], "bob")

			// root replaces everything
			require.NoError(t, p.Apply(ctx, []store.Change{{Path: "", Value: map[string]any{"a": "b"}}}))
			got, err = p.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"a": "b"}, got)
		})
	}
}

func TestUnderscoreIsNotAWildcard(t *testing.T) {
	ctx := context.Background()
	repo := newNodeRepo(t)
	require.NoError(t, repo.Apply(ctx, []store.Change{
		{Path: "users/kids_bob/role", Value: "child"},
		{Path: "users/kidsXbob/role", Value: "parent"},
	}))
	require.NoError(t, repo.Apply(ctx, []store.Change{{Path: "users/kids_bob", Value: nil}}))

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTreeSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	repo, err := OpenBadger(dir, zap.NewNop())
	require.NoError(t, err)
	tree, err := store.NewTree(ctx, store.WithPersister(repo))
	require.NoError(t, err)
	require.NoError(t, tree.Set(ctx, "families/fam_1/childStatus", map[string]any{"online": true, "battery": 55}))
	tree.Close()
	require.NoError(t, repo.Close())

	repo, err = OpenBadger(dir, zap.NewNop())
	require.NoError(t, err)
	defer repo.Close()
	tree, err = store.NewTree(ctx, store.WithPersister(repo))
	require.NoError(t, err)
	defer tree.Close()

	snap, err := tree.Get("families/fam_1/childStatus/battery")
	require.NoError(t, err)
	assert.Equal(t, float64(55), snap.Value())
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tests := []struct {
		persistence string
		name        string
		persists    bool
	}{
		{"sql", "sql/sqlite", true},
		{"badger", "badger", true},
		{"memory", "memory", false},
	}
	for _, tt := range tests {
		t.Run(tt.persistence, func(t *testing.T) {
			cfg := config.Default()
			cfg.Persistence = tt.persistence
			cfg.DatabasePath = filepath.Join(dir, "open.db")
			cfg.BadgerDir = filepath.Join(dir, "badger")

			backend, err := Open(ctx, cfg, nil)
			require.NoError(t, err)
			defer backend.Close()
			assert.Equal(t, tt.name, backend.Name)
			assert.Equal(t, tt.persists, backend.Persister != nil)
		})
	}

	cfg := config.Default()
	cfg.Persistence = "etcd"
	_, err := Open(ctx, cfg, nil)
	assert.Error(t, err)
}
