package btree

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nativexml/nxdb/pkg/errors"
)

const (
	snapshotFile = "structural.snap"
	walFile      = "structural.wal"
)

// Store is the persistent ordered byte-key to int64-value map consumed by
// the structural index. Mutations go through the tree and the write-ahead
// log; Checkpoint folds the log into a fresh snapshot. The store performs no
// locking of its own: callers serialise access through the RWLock returned
// by Lock, holding it for the duration of a scan or a write batch.
type Store struct {
	tree   *Tree
	wal    *wal
	lock   RWLock
	dir    string
	logger *slog.Logger

	closeMu sync.Mutex
	closed  bool
}

// Open loads the store in dir, replaying any write-ahead log over the last
// snapshot.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	tree := NewTree(defaultOrder)
	if err := readSnapshot(filepath.Join(dir, snapshotFile), tree); err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	replayed, err := replayWAL(filepath.Join(dir, walFile), tree)
	if err != nil {
		return nil, fmt.Errorf("replaying wal: %w", err)
	}
	w, err := openWAL(filepath.Join(dir, walFile))
	if err != nil {
		return nil, err
	}
	s := &Store{
		tree:   tree,
		wal:    w,
		dir:    dir,
		logger: slog.Default().With("component", "store"),
	}
	s.logger.Info("store opened", "dir", dir, "entries", tree.Count(), "wal_records_replayed", replayed)
	return s, nil
}

// OpenEphemeral creates an in-memory store with no backing files, for tests
// and tools.
func OpenEphemeral() *Store {
	return &Store{
		tree:   NewTree(defaultOrder),
		logger: slog.Default().With("component", "store"),
	}
}

// Lock returns the store's read/write lock.
func (s *Store) Lock() *RWLock {
	return &s.lock
}

// Count returns the number of entries.
func (s *Store) Count() int {
	return s.tree.Count()
}

// Get returns the value for key. The caller must hold the read lock.
func (s *Store) Get(key []byte) (int64, bool) {
	return s.tree.Get(key)
}

// Put inserts or overwrites an entry. The caller must hold the write lock.
func (s *Store) Put(key []byte, value int64) error {
	if s.closed {
		return errors.ErrStoreClosed
	}
	if s.wal != nil {
		if err := s.wal.append(opPut, key, nil, value); err != nil {
			return err
		}
	}
	s.tree.Put(key, value)
	return nil
}

// Delete removes a single entry. The caller must hold the write lock.
func (s *Store) Delete(key []byte) error {
	if s.closed {
		return errors.ErrStoreClosed
	}
	if s.wal != nil {
		if err := s.wal.append(opDelete, key, nil, 0); err != nil {
			return err
		}
	}
	s.tree.Delete(key)
	return nil
}

// DeleteRange removes every entry with from <= key < to and returns the
// number removed. The caller must hold the write lock.
func (s *Store) DeleteRange(from, to []byte) (int, error) {
	if s.closed {
		return 0, errors.ErrStoreClosed
	}
	if s.wal != nil {
		if err := s.wal.append(opDeleteRange, from, to, 0); err != nil {
			return 0, err
		}
	}
	return s.tree.DeleteRange(from, to), nil
}

// RangeScan visits entries with from <= key < to in ascending key order,
// stopping early when fn returns false. The caller must hold the read lock;
// fn must not retain the key slice or re-enter the store.
func (s *Store) RangeScan(from, to []byte, fn func(key []byte, value int64) bool) error {
	if s.closed {
		return errors.ErrStoreClosed
	}
	s.tree.Range(from, to, fn)
	return nil
}

// Sync flushes the write-ahead log to disk.
func (s *Store) Sync() error {
	if s.wal == nil {
		return nil
	}
	return s.wal.sync()
}

// WALSize returns the current size of the write-ahead log in bytes.
func (s *Store) WALSize() int64 {
	if s.wal == nil {
		return 0
	}
	return s.wal.size
}

// Checkpoint writes a fresh snapshot of the tree and truncates the log. The
// caller must hold the write lock.
func (s *Store) Checkpoint() error {
	if s.wal == nil {
		return nil
	}
	if s.closed {
		return errors.ErrStoreClosed
	}
	path := filepath.Join(s.dir, snapshotFile)
	err := writeSnapshot(path, s.tree.Count(), func(fn func(key []byte, value int64) bool) {
		s.tree.Range(nil, nil, fn)
	})
	if err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := s.wal.reset(); err != nil {
		return err
	}
	s.logger.Info("checkpoint written", "entries", s.tree.Count())
	return nil
}

// Close checkpoints and closes the store. The store must not be used after.
func (s *Store) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	if s.wal != nil {
		s.lock.Acquire(LockWrite)
		err := s.Checkpoint()
		s.lock.Release(LockWrite)
		if err != nil {
			s.logger.Error("checkpoint on close failed", "error", err)
		}
		if err := s.wal.close(); err != nil {
			s.closed = true
			return err
		}
	}
	s.closed = true
	return nil
}
