package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/btree"
)

// ───────────────────────────────────────────────────────────────────────────
// Write-ahead log
// ───────────────────────────────────────────────────────────────────────────
//
// The WAL file is an append-only stream of two record kinds, told apart
// by the first four bytes:
//
//   Insert: id (uint32 LE, non-zero) + the row tail in schema order.
//   Delete: four zero bytes + id (uint32 LE, non-zero). 8 bytes total.
//
// The file is mirrored in memory as an ordered map from id to either a
// pending tail or a tombstone. Reads consult this map before the pages;
// Sync folds it into the pages and truncates the file. A record cut
// short by a crash is tolerated: decoding stops cleanly at the
// truncated tail.

// walEntry is one pending mutation. A tombstone shadows any row with
// the same id living in the pages.
type walEntry struct {
	tail      []any
	tombstone bool
}

// walRecord is one decoded file record, in file order.
type walRecord struct {
	id     uint32
	tail   []any
	delete bool
}

// wal owns the append handle of the log file and the in-memory mirror.
type wal struct {
	f       *os.File
	path    string
	schema  []Kind
	records btree.Map[uint32, walEntry]
	log     *logrus.Entry
}

// openWAL opens (or creates) the log file in append mode, decodes any
// existing records, and replays them in file order: an insert sets the
// pending tail, a delete sets a tombstone.
func openWAL(path string, schema []Kind, log *logrus.Entry) (*wal, error) {
	buf, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read WAL: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL: %w", err)
	}

	w := &wal{f: f, path: path, schema: schema, log: log}

	recs, err := decodeWALRecords(buf, schema)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("replay WAL: %w", err)
	}
	for _, r := range recs {
		if r.delete {
			w.records.Set(r.id, walEntry{tombstone: true})
		} else {
			w.records.Set(r.id, walEntry{tail: r.tail})
		}
	}
	if len(recs) > 0 {
		log.WithField("records", len(recs)).Debug("replayed WAL")
	}
	return w, nil
}

// insert records a pending tail and appends an Insert record.
func (w *wal) insert(id uint32, tail []any) error {
	buf := binary.LittleEndian.AppendUint32(nil, id)
	buf, err := appendTail(buf, w.schema, tail)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("append insert record: %w", err)
	}
	w.records.Set(id, walEntry{tail: tail})
	return nil
}

// tombstone records a pending delete and appends a Delete record.
func (w *wal) tombstone(id uint32) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[4:], id)
	if _, err := w.f.Write(buf[:]); err != nil {
		return fmt.Errorf("append delete record: %w", err)
	}
	w.records.Set(id, walEntry{tombstone: true})
	return nil
}

// get returns the pending entry for id, if any.
func (w *wal) get(id uint32) (walEntry, bool) {
	return w.records.Get(id)
}

// len returns the number of pending entries, tombstones included.
func (w *wal) len() int {
	return w.records.Len()
}

// scan visits pending entries in ascending id order.
func (w *wal) scan(iter func(id uint32, e walEntry) bool) {
	w.records.Scan(iter)
}

// reset truncates the log file and clears the in-memory mirror.
func (w *wal) reset() error {
	if err := w.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate WAL: %w", err)
	}
	w.records = btree.Map[uint32, walEntry]{}
	return nil
}

func (w *wal) close() error {
	return w.f.Close()
}

// decodeWALRecords parses the log file image. A trailing remainder
// shorter than a whole record is left over from an interrupted append
// and is dropped; anything else malformed aborts recovery.
func decodeWALRecords(buf []byte, schema []Kind) ([]walRecord, error) {
	var recs []walRecord
	off := 0
	for len(buf[off:]) >= 4 {
		head := binary.LittleEndian.Uint32(buf[off : off+4])
		if head == 0 {
			if len(buf[off:]) < 8 {
				break // truncated delete record
			}
			id := binary.LittleEndian.Uint32(buf[off+4 : off+8])
			if id == 0 {
				return nil, fmt.Errorf("delete record at offset %d: %w", off, ErrZeroID)
			}
			recs = append(recs, walRecord{id: id, delete: true})
			off += 8
			continue
		}
		tail, n, err := decodeTail(buf[off+4:], schema)
		if errors.Is(err, errShortBuffer) {
			break // truncated insert record
		}
		if err != nil {
			return nil, fmt.Errorf("insert record at offset %d: %w", off, err)
		}
		recs = append(recs, walRecord{id: head, tail: tail})
		off += 4 + n
	}
	return recs, nil
}
