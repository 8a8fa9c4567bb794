package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"

	"guardian/internal/store"
)

// BadgerRepository persists the shared tree in an embedded key-value store,
// one key per scalar leaf.
type BadgerRepository struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the key-value directory
func OpenBadger(dir string, logger *zap.Logger) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{logger.Sugar()}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	return &BadgerRepository{db: db}, nil
}

// Close flushes and closes the store
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}

// Load reads every stored leaf and rebuilds the tree
func (r *BadgerRepository) Load(ctx context.Context) (any, error) {
	var leaves []store.Leaf
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			path := string(item.KeyCopy(nil))
			err := item.Value(func(raw []byte) error {
				var v any
				if err := json.Unmarshal(raw, &v); err != nil {
					return fmt.Errorf("node %q holds invalid JSON: %w", path, err)
				}
				leaves = append(leaves, store.Leaf{Path: path, Value: v})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	root, err := store.Unflatten(leaves)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild tree: %w", err)
	}
	return root, nil
}

// Apply replaces every changed subtree inside one transaction
func (r *BadgerRepository) Apply(ctx context.Context, changes []store.Change) error {
	return r.db.Update(func(txn *badger.Txn) error {
		for _, c := range changes {
			for _, key := range staleKeys(txn, c.Path) {
				if err := txn.Delete(key); err != nil {
					return fmt.Errorf("failed to delete %q: %w", key, err)
				}
			}
			for _, leaf := range store.Flatten(c.Path, c.Value) {
				raw, err := json.Marshal(leaf.Value)
				if err != nil {
					return fmt.Errorf("failed to encode %q: %w", leaf.Path, err)
				}
				if err := txn.Set([]byte(leaf.Path), raw); err != nil {
					return fmt.Errorf("failed to write %q: %w", leaf.Path, err)
				}
			}
		}
		return nil
	})
}

// staleKeys lists the keys a write at path replaces: the path itself, its
// ancestors and every key below it. An empty path covers the whole store.
func staleKeys(txn *badger.Txn, path string) [][]byte {
	var keys [][]byte
	var prefix []byte
	if path != "" {
		segs := strings.Split(path, "/")
		for i := 1; i <= len(segs); i++ {
			keys = append(keys, []byte(strings.Join(segs[:i], "/")))
		}
		prefix = []byte(path + "/")
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// badgerLogger routes badger's printf-style logging through zap
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, args ...interface{})   { l.s.Errorf(f, args...) }
func (l badgerLogger) Warningf(f string, args ...interface{}) { l.s.Warnf(f, args...) }
func (l badgerLogger) Infof(f string, args ...interface{})    { l.s.Debugf(f, args...) }
func (l badgerLogger) Debugf(f string, args ...interface{})   { l.s.Debugf(f, args...) }
