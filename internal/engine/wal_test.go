package engine

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l.WithField("db", "test")
}

func TestWAL_RecordRoundTrip(t *testing.T) {
	schema := []Kind{KindID, KindBytes, KindBool, KindU32}
	dir := t.TempDir()
	path := filepath.Join(dir, "t.1.wal")

	w, err := openWAL(path, schema, testLog())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.insert(36, []any{[]byte("example"), false, uint32(600)}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := w.tombstone(1); err != nil {
		t.Fatalf("tombstone: %v", err)
	}
	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// Insert: id + bytes(2+7) + bool(1) + u32(4); Delete: 8.
	if want := 4 + 9 + 1 + 4 + 8; len(buf) != want {
		t.Fatalf("file is %d bytes, want %d", len(buf), want)
	}

	recs, err := decodeWALRecords(buf, schema)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].delete || recs[0].id != 36 {
		t.Errorf("record 0 = %+v", recs[0])
	}
	if !bytes.Equal(recs[0].tail[0].([]byte), []byte("example")) {
		t.Errorf("record 0 tail = %v", recs[0].tail)
	}
	if !recs[1].delete || recs[1].id != 1 {
		t.Errorf("record 1 = %+v", recs[1])
	}
}

func TestWAL_ReplayShadowsAndTombstones(t *testing.T) {
	schema := u32Schema
	dir := t.TempDir()
	path := filepath.Join(dir, "t.1.wal")

	w, err := openWAL(path, schema, testLog())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w.insert(5, []any{uint32(50)})
	w.insert(5, []any{uint32(51)})
	w.insert(6, []any{uint32(60)})
	w.tombstone(6)
	w.close()

	w2, err := openWAL(path, schema, testLog())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.close()

	e, ok := w2.get(5)
	if !ok || e.tombstone || e.tail[0].(uint32) != 51 {
		t.Errorf("entry 5 = %+v ok=%v, want latest insert", e, ok)
	}
	e, ok = w2.get(6)
	if !ok || !e.tombstone {
		t.Errorf("entry 6 = %+v ok=%v, want tombstone", e, ok)
	}
}

func TestWAL_TruncatedTailTolerated(t *testing.T) {
	schema := []Kind{KindID, KindBytes}
	dir := t.TempDir()
	path := filepath.Join(dir, "t.1.wal")

	w, err := openWAL(path, schema, testLog())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w.insert(1, []any{[]byte("ok")})
	w.close()

	// Simulate a crash mid-append: a record head with its tail cut off.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Write([]byte{9, 0, 0, 0, 200}) // id=9, then one byte of the two-byte length prefix
	f.Close()

	w2, err := openWAL(path, schema, testLog())
	if err != nil {
		t.Fatalf("reopen with truncated tail: %v", err)
	}
	defer w2.close()
	if _, ok := w2.get(1); !ok {
		t.Error("intact record lost")
	}
	if _, ok := w2.get(9); ok {
		t.Error("truncated record must be dropped")
	}
}

func TestWAL_TruncatedDeleteTolerated(t *testing.T) {
	recs, err := decodeWALRecords([]byte{0, 0, 0, 0, 7}, u32Schema)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("got %d records from a truncated delete", len(recs))
	}
}

func TestWAL_ZeroIDDeleteFatal(t *testing.T) {
	buf := make([]byte, 8) // delete marker followed by id 0
	if _, err := decodeWALRecords(buf, u32Schema); !errors.Is(err, ErrZeroID) {
		t.Fatalf("got %v, want ErrZeroID", err)
	}
}

func TestWAL_Reset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.1.wal")
	w, err := openWAL(path, u32Schema, testLog())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.close()
	w.insert(1, []any{uint32(10)})
	if err := w.reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if w.len() != 0 {
		t.Errorf("pending = %d after reset", w.len())
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != 0 {
		t.Errorf("file is %d bytes after reset", fi.Size())
	}
}
