package btree

import (
	"os"
	"path/filepath"
	"testing"
)

func put(t *testing.T, s *Store, k []byte, v int64) {
	t.Helper()
	s.Lock().Acquire(LockWrite)
	defer s.Lock().Release(LockWrite)
	if err := s.Put(k, v); err != nil {
		t.Fatal(err)
	}
}

func TestStoreWALReplay(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		put(t, s, key(i), int64(i))
	}
	s.Lock().Acquire(LockWrite)
	if err := s.Delete(key(50)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeleteRange(key(60), key(70)); err != nil {
		t.Fatal(err)
	}
	s.Lock().Release(LockWrite)
	if err := s.Sync(); err != nil {
		t.Fatal(err)
	}

	// reopen without a clean close: the snapshot is empty, so everything
	// must come back from the write-ahead log
	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.Count() != 89 {
		t.Fatalf("count after replay = %d, want 89", reopened.Count())
	}
	if _, ok := reopened.Get(key(50)); ok {
		t.Error("deleted key survived replay")
	}
	if _, ok := reopened.Get(key(65)); ok {
		t.Error("range-deleted key survived replay")
	}
	if v, ok := reopened.Get(key(99)); !ok || v != 99 {
		t.Errorf("Get(99) = (%d, %v)", v, ok)
	}
}

func TestStoreCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		put(t, s, key(i), int64(i*2))
	}
	s.Lock().Acquire(LockWrite)
	err = s.Checkpoint()
	s.Lock().Release(LockWrite)
	if err != nil {
		t.Fatal(err)
	}
	if s.WALSize() != walHeader {
		t.Errorf("wal size after checkpoint = %d, want bare header", s.WALSize())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.Count() != 50 {
		t.Fatalf("count after checkpoint reopen = %d, want 50", reopened.Count())
	}
	for i := 0; i < 50; i++ {
		if v, ok := reopened.Get(key(i)); !ok || v != int64(i*2) {
			t.Fatalf("Get(%d) = (%d, %v)", i, v, ok)
		}
	}
}

func TestStoreTornWALTail(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		put(t, s, key(i), int64(i))
	}
	if err := s.Sync(); err != nil {
		t.Fatal(err)
	}

	// chop bytes off the last record to simulate a crash mid-append
	walPath := filepath.Join(dir, walFile)
	info, err := os.Stat(walPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(walPath, info.Size()-5); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("torn tail should be tolerated, got %v", err)
	}
	defer reopened.Close()
	if reopened.Count() != 9 {
		t.Errorf("count = %d, want 9 (the torn record is dropped)", reopened.Count())
	}
}

func TestStoreEphemeral(t *testing.T) {
	s := OpenEphemeral()
	s.Lock().Acquire(LockWrite)
	if err := s.Put(key(1), 10); err != nil {
		t.Fatal(err)
	}
	s.Lock().Release(LockWrite)

	s.Lock().Acquire(LockRead)
	v, ok := s.Get(key(1))
	s.Lock().Release(LockRead)
	if !ok || v != 10 {
		t.Errorf("Get = (%d, %v)", v, ok)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
