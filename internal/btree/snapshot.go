package btree

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/nativexml/nxdb/pkg/errors"
)

// Snapshot file layout: a fixed header (magic, version, entry count),
// followed by length-prefixed entries in ascending key order, followed by a
// CRC32 of the entry section. Snapshots are written to a .tmp file and
// renamed into place.
const (
	snapMagic   uint32 = 0x4E585354
	snapVersion uint32 = 1
	snapHeader         = 16
)

func writeSnapshot(path string, count int, iterate func(fn func(key []byte, value int64) bool)) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	defer f.Close()

	header := make([]byte, snapHeader)
	binary.LittleEndian.PutUint32(header[0:4], snapMagic)
	binary.LittleEndian.PutUint32(header[4:8], snapVersion)
	binary.LittleEndian.PutUint64(header[8:16], uint64(count))
	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("writing snapshot header: %w", err)
	}

	crc := crc32.NewIEEE()
	w := bufio.NewWriter(io.MultiWriter(f, crc))
	var writeErr error
	iterate(func(key []byte, value int64) bool {
		rec := make([]byte, 0, 2+len(key)+8)
		rec = binary.LittleEndian.AppendUint16(rec, uint16(len(key)))
		rec = append(rec, key...)
		rec = binary.LittleEndian.AppendUint64(rec, uint64(value))
		if _, err := w.Write(rec); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	if writeErr != nil {
		return fmt.Errorf("writing snapshot entries: %w", writeErr)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flushing snapshot: %w", err)
	}
	footer := make([]byte, 4)
	binary.LittleEndian.PutUint32(footer, crc.Sum32())
	if _, err := f.Write(footer); err != nil {
		return fmt.Errorf("writing snapshot footer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}

func readSnapshot(path string, tree *Tree) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening snapshot file: %w", err)
	}
	defer f.Close()

	header := make([]byte, snapHeader)
	if _, err := io.ReadFull(f, header); err != nil {
		return errors.Newf(errors.ErrCorruptSnapshot, "snapshot header: %v", err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != snapMagic {
		return errors.New(errors.ErrCorruptSnapshot, "bad snapshot magic")
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != snapVersion {
		return errors.Newf(errors.ErrCorruptSnapshot, "unsupported snapshot version %d", v)
	}
	count := binary.LittleEndian.Uint64(header[8:16])

	crc := crc32.NewIEEE()
	r := bufio.NewReader(f)
	lenBuf := make([]byte, 2)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return errors.Newf(errors.ErrCorruptSnapshot, "snapshot entry %d: %v", i, err)
		}
		keyLen := binary.LittleEndian.Uint16(lenBuf)
		rec := make([]byte, int(keyLen)+8)
		if _, err := io.ReadFull(r, rec); err != nil {
			return errors.Newf(errors.ErrCorruptSnapshot, "snapshot entry %d: %v", i, err)
		}
		crc.Write(lenBuf)
		crc.Write(rec)
		value := int64(binary.LittleEndian.Uint64(rec[keyLen:]))
		tree.Put(rec[:keyLen], value)
	}
	sum := crc.Sum32()
	footer := make([]byte, 4)
	if _, err := io.ReadFull(r, footer); err != nil {
		return errors.Newf(errors.ErrCorruptSnapshot, "snapshot footer: %v", err)
	}
	if binary.LittleEndian.Uint32(footer) != sum {
		return errors.New(errors.ErrCorruptSnapshot, "snapshot checksum mismatch")
	}
	return nil
}
