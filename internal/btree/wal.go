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

// Write-ahead log: one CRC-protected record per mutation, appended between
// checkpoints and replayed over the snapshot on open. A torn final record
// (crash mid-append) is tolerated and discarded; corruption before the tail
// is an error.
const (
	walMagic   uint32 = 0x4E58574C
	walVersion uint32 = 1
	walHeader         = 8

	opPut         byte = 0x01
	opDelete      byte = 0x02
	opDeleteRange byte = 0x03
)

type wal struct {
	file *os.File
	path string
	size int64
}

func openWAL(path string) (*wal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening wal %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat wal: %w", err)
	}
	w := &wal{file: f, path: path, size: info.Size()}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking wal: %w", err)
	}
	return w, nil
}

func (w *wal) writeHeader() error {
	header := make([]byte, walHeader)
	binary.LittleEndian.PutUint32(header[0:4], walMagic)
	binary.LittleEndian.PutUint32(header[4:8], walVersion)
	if _, err := w.file.Write(header); err != nil {
		return fmt.Errorf("writing wal header: %w", err)
	}
	w.size = walHeader
	return nil
}

func (w *wal) append(op byte, key1 []byte, key2 []byte, value int64) error {
	rec := make([]byte, 0, 1+2+len(key1)+2+len(key2)+8)
	rec = append(rec, op)
	rec = binary.LittleEndian.AppendUint16(rec, uint16(len(key1)))
	rec = append(rec, key1...)
	rec = binary.LittleEndian.AppendUint16(rec, uint16(len(key2)))
	rec = append(rec, key2...)
	rec = binary.LittleEndian.AppendUint64(rec, uint64(value))
	rec = binary.LittleEndian.AppendUint32(rec, crc32.ChecksumIEEE(rec))
	if _, err := w.file.Write(rec); err != nil {
		return fmt.Errorf("appending wal record: %w", err)
	}
	w.size += int64(len(rec))
	return nil
}

func (w *wal) sync() error {
	return w.file.Sync()
}

// replay applies every intact record to the tree. Returns the number of
// records applied.
func replayWAL(path string, tree *Tree) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("opening wal: %w", err)
	}
	defer f.Close()

	header := make([]byte, walHeader)
	if _, err := io.ReadFull(f, header); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, errors.Newf(errors.ErrCorruptWAL, "wal header: %v", err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != walMagic {
		return 0, errors.New(errors.ErrCorruptWAL, "bad wal magic")
	}

	r := bufio.NewReader(f)
	applied := 0
	for {
		rec, err := readWALRecord(r)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			// torn tail from a crash mid-append
			return applied, nil
		}
		if err != nil {
			// a checksum mismatch on the last record is a torn tail
			if errors.Is(err, errors.ErrCorruptWAL) {
				if _, peekErr := r.Peek(1); peekErr == io.EOF {
					return applied, nil
				}
			}
			return applied, err
		}
		switch rec.op {
		case opPut:
			tree.Put(rec.key1, rec.value)
		case opDelete:
			tree.Delete(rec.key1)
		case opDeleteRange:
			tree.DeleteRange(rec.key1, rec.key2)
		default:
			return applied, errors.Newf(errors.ErrCorruptWAL, "unknown wal op 0x%02x", rec.op)
		}
		applied++
	}
}

type walRecord struct {
	op    byte
	key1  []byte
	key2  []byte
	value int64
}

func readWALRecord(r *bufio.Reader) (*walRecord, error) {
	head := make([]byte, 3)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	op := head[0]
	len1 := binary.LittleEndian.Uint16(head[1:3])
	key1 := make([]byte, len1)
	if _, err := io.ReadFull(r, key1); err != nil {
		return nil, err
	}
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	len2 := binary.LittleEndian.Uint16(lenBuf)
	tail := make([]byte, int(len2)+12)
	if _, err := io.ReadFull(r, tail); err != nil {
		return nil, err
	}
	key2 := tail[:len2]
	value := int64(binary.LittleEndian.Uint64(tail[len2 : len2+8]))
	sum := binary.LittleEndian.Uint32(tail[len2+8:])

	crc := crc32.NewIEEE()
	crc.Write(head)
	crc.Write(key1)
	crc.Write(lenBuf)
	crc.Write(tail[:len2+8])
	if crc.Sum32() != sum {
		return nil, errors.New(errors.ErrCorruptWAL, "wal record checksum mismatch")
	}
	return &walRecord{op: op, key1: key1, key2: key2, value: value}, nil
}

// reset truncates the log back to a bare header after a checkpoint.
func (w *wal) reset() error {
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating wal: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking wal: %w", err)
	}
	if err := w.writeHeader(); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *wal) close() error {
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("syncing wal: %w", err)
	}
	return w.file.Close()
}
