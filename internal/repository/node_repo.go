package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"guardian/internal/database"
	"guardian/internal/store"
)

// NodeRepository persists the shared tree as one row per scalar leaf
type NodeRepository struct {
	db *database.DB
}

// NewNodeRepository creates a new node repository
func NewNodeRepository(db *database.DB) *NodeRepository {
	return &NodeRepository{db: db}
}

// Load reads every stored leaf and rebuilds the tree
func (r *NodeRepository) Load(ctx context.Context) (any, error) {
	leaves, err := r.leaves(ctx, r.db)
	if err != nil {
		return nil, err
	}
	root, err := store.Unflatten(leaves)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild tree: %w", err)
	}
	return root, nil
}

func (r *NodeRepository) leaves(ctx context.Context, q database.DBTX) ([]store.Leaf, error) {
	rows, err := q.QueryContext(ctx, "SELECT node_path, node_value FROM nodes ORDER BY node_path")
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var leaves []store.Leaf
	for rows.Next() {
		var path, raw string
		if err := rows.Scan(&path, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("node %q holds invalid JSON: %w", path, err)
		}
		leaves = append(leaves, store.Leaf{Path: path, Value: v})
	}
	return leaves, rows.Err()
}

// Apply replaces every changed subtree inside one transaction
func (r *NodeRepository) Apply(ctx context.Context, changes []store.Change) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range changes {
		if err := r.clear(ctx, tx, c.Path); err != nil {
			return err
		}
		for _, leaf := range store.Flatten(c.Path, c.Value) {
			raw, err := json.Marshal(leaf.Value)
			if err != nil {
				return fmt.Errorf("failed to encode %q: %w", leaf.Path, err)
			}
			if _, err := tx.ExecContext(ctx, tx.GetDialect().UpsertNodeQuery(), leaf.Path, string(raw)); err != nil {
				return fmt.Errorf("failed to insert node %q: %w", leaf.Path, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// clear removes the leaf at path, any leaf that used to sit on one of its
// ancestors, and everything below it.
func (r *NodeRepository) clear(ctx context.Context, tx *database.Tx, path string) error {
	if path == "" {
		if _, err := tx.ExecContext(ctx, "DELETE FROM nodes"); err != nil {
			return fmt.Errorf("failed to clear nodes: %w", err)
		}
		return nil
	}

	segs := strings.Split(path, "/")
	for i := 1; i <= len(segs); i++ {
		exact := strings.Join(segs[:i], "/")
		if _, err := tx.ExecContext(ctx, "DELETE FROM nodes WHERE node_path = ?", exact); err != nil {
			return fmt.Errorf("failed to delete node %q: %w", exact, err)
		}
	}

	// LIKE would treat '_' in keys such as kids_bob as a wildcard
	prefix := path + "/"
	query := "DELETE FROM nodes WHERE " + tx.GetDialect().PathPrefixCondition()
	if _, err := tx.ExecContext(ctx, query, utf8.RuneCountInString(prefix), prefix); err != nil {
		return fmt.Errorf("failed to delete subtree %q: %w", path, err)
	}
	return nil
}

// Count returns the number of stored leaves
func (r *NodeRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes").Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return n, nil
}
