// Package symbols interns local names and namespace URIs to 16-bit symbols.
// Symbols are assigned monotonically starting at 1 and are never reassigned:
// index keys embed them, so the table is strictly append-only. Durability
// comes from an append-only log file with CRC-protected records that is
// replayed on open.
package symbols

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nativexml/nxdb/pkg/errors"
)

const (
	logMagic   uint32 = 0x4E585359
	logVersion uint32 = 1
	headerSize        = 8

	kindName byte = 0x01
	kindNS   byte = 0x02

	// id 0 is reserved for the empty name / empty namespace.
	maxSymbol = 0xFFFF
)

// Table is the bidirectional symbol interner. All methods are safe for
// concurrent use.
type Table struct {
	mu      sync.RWMutex
	names   map[string]uint16
	nsURIs  map[string]uint16
	byName  []string
	byNS    []string
	file    *os.File
	path    string
	scratch []byte
}

// newTable returns an empty in-memory table with id 0 bound to "".
func newTable() *Table {
	return &Table{
		names:  map[string]uint16{"": 0},
		nsURIs: map[string]uint16{"": 0},
		byName: []string{""},
		byNS:   []string{""},
	}
}

// NewMemory creates an ephemeral table with no backing file. Intended for
// tests and tools that never restart.
func NewMemory() *Table {
	return newTable()
}

// Open loads (or creates) the symbol log at path and replays it.
func Open(path string) (*Table, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating symbol log directory: %w", err)
	}
	t := newTable()
	t.path = path

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening symbol log %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat symbol log: %w", err)
	}
	if info.Size() == 0 {
		header := make([]byte, headerSize)
		binary.LittleEndian.PutUint32(header[0:4], logMagic)
		binary.LittleEndian.PutUint32(header[4:8], logVersion)
		if _, err := f.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing symbol log header: %w", err)
		}
	} else {
		if err := t.replay(f); err != nil {
			f.Close()
			return nil, err
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking symbol log: %w", err)
	}
	t.file = f
	return t, nil
}

// replay reads the log from the start and rebuilds the in-memory maps.
func (t *Table) replay(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking symbol log: %w", err)
	}
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return errors.Newf(errors.ErrCorruptSnapshot, "symbol log header: %v", err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != logMagic {
		return errors.New(errors.ErrCorruptSnapshot, "bad symbol log magic")
	}
	fixed := make([]byte, 5)
	for {
		if _, err := io.ReadFull(f, fixed); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Newf(errors.ErrCorruptSnapshot, "symbol record header: %v", err)
		}
		kind := fixed[0]
		id := binary.LittleEndian.Uint16(fixed[1:3])
		nameLen := binary.LittleEndian.Uint16(fixed[3:5])
		rest := make([]byte, int(nameLen)+4)
		if _, err := io.ReadFull(f, rest); err != nil {
			return errors.Newf(errors.ErrCorruptSnapshot, "symbol record body: %v", err)
		}
		name := string(rest[:nameLen])
		sum := binary.LittleEndian.Uint32(rest[nameLen:])
		if crc32.ChecksumIEEE(append(fixed, rest[:nameLen]...)) != sum {
			return errors.Newf(errors.ErrCorruptSnapshot, "symbol record checksum mismatch for id %d", id)
		}
		switch kind {
		case kindName:
			if int(id) != len(t.byName) {
				return errors.Newf(errors.ErrCorruptSnapshot, "non-monotonic name symbol %d", id)
			}
			t.byName = append(t.byName, name)
			t.names[name] = id
		case kindNS:
			if int(id) != len(t.byNS) {
				return errors.Newf(errors.ErrCorruptSnapshot, "non-monotonic namespace symbol %d", id)
			}
			t.byNS = append(t.byNS, name)
			t.nsURIs[name] = id
		default:
			return errors.Newf(errors.ErrCorruptSnapshot, "unknown symbol record kind 0x%02x", kind)
		}
	}
}

// append writes one record and syncs. Caller holds the write lock.
func (t *Table) append(kind byte, id uint16, name string) error {
	if t.file == nil {
		return nil
	}
	rec := t.scratch[:0]
	rec = append(rec, kind)
	rec = binary.LittleEndian.AppendUint16(rec, id)
	rec = binary.LittleEndian.AppendUint16(rec, uint16(len(name)))
	rec = append(rec, name...)
	rec = binary.LittleEndian.AppendUint32(rec, crc32.ChecksumIEEE(rec))
	t.scratch = rec[:0]
	if _, err := t.file.Write(rec); err != nil {
		return fmt.Errorf("appending symbol record: %w", err)
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("syncing symbol log: %w", err)
	}
	return nil
}

// GetSymbol interns a local name, allocating a new symbol on first sight.
func (t *Table) GetSymbol(localName string) (uint16, error) {
	t.mu.RLock()
	sym, ok := t.names[localName]
	t.mu.RUnlock()
	if ok {
		return sym, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if sym, ok := t.names[localName]; ok {
		return sym, nil
	}
	if len(t.byName) > maxSymbol {
		return 0, errors.Newf(errors.ErrSymbolOverflow, "cannot intern %q", localName)
	}
	sym = uint16(len(t.byName))
	if err := t.append(kindName, sym, localName); err != nil {
		return 0, err
	}
	t.byName = append(t.byName, localName)
	t.names[localName] = sym
	return sym, nil
}

// GetNSSymbol interns a namespace URI, allocating a new symbol on first sight.
func (t *Table) GetNSSymbol(uri string) (uint16, error) {
	t.mu.RLock()
	sym, ok := t.nsURIs[uri]
	t.mu.RUnlock()
	if ok {
		return sym, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if sym, ok := t.nsURIs[uri]; ok {
		return sym, nil
	}
	if len(t.byNS) > maxSymbol {
		return 0, errors.Newf(errors.ErrSymbolOverflow, "cannot intern namespace %q", uri)
	}
	sym = uint16(len(t.byNS))
	if err := t.append(kindNS, sym, uri); err != nil {
		return 0, err
	}
	t.byNS = append(t.byNS, uri)
	t.nsURIs[uri] = sym
	return sym, nil
}

// GetName returns the local name bound to sym, or "" when unknown.
func (t *Table) GetName(sym uint16) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(sym) >= len(t.byName) {
		return ""
	}
	return t.byName[sym]
}

// GetNamespace returns the namespace URI bound to nsSym, or "" when unknown.
func (t *Table) GetNamespace(nsSym uint16) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(nsSym) >= len(t.byNS) {
		return ""
	}
	return t.byNS[nsSym]
}

// Counts returns the number of interned names and namespaces, excluding the
// reserved id 0.
func (t *Table) Counts() (names int, namespaces int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName) - 1, len(t.byNS) - 1
}

// Close syncs and closes the backing log.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	if err := t.file.Sync(); err != nil {
		t.file.Close()
		return fmt.Errorf("syncing symbol log: %w", err)
	}
	err := t.file.Close()
	t.file = nil
	return err
}
