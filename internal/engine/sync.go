package engine

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// ───────────────────────────────────────────────────────────────────────────
// Recovery and sync
// ───────────────────────────────────────────────────────────────────────────
//
// Sync is the only place pages change. It folds every pending WAL
// entry into the owning page (splitting overflowing pages), serializes
// pages whose content or position changed, truncates the data file to
// the live page count, and resets the WAL. Open runs the same fold
// right after loading, which is what makes recovery after a crash
// deterministic: the surviving state is the data file plus the WAL
// file, and folding is idempotent.

// loadPages reads the whole data file and decodes it into the index,
// recording the slot each page came from. A file length that is not a
// multiple of the page size is fatal, as is any malformed page.
func (db *DB) loadPages() error {
	buf, err := os.ReadFile(db.dataPath)
	if err != nil {
		return fmt.Errorf("read data file: %w", err)
	}
	if len(buf)%db.pageSize != 0 {
		return fmt.Errorf("data file length %d is not a multiple of page size %d",
			len(buf), db.pageSize)
	}
	prevEnd := uint32(0)
	for i := 0; i*db.pageSize < len(buf); i++ {
		block := buf[i*db.pageSize : (i+1)*db.pageSize]
		p, err := DecodePage(block, db.schema, i)
		if err != nil {
			return err
		}
		if p.start <= prevEnd {
			return fmt.Errorf("page at slot %d: range [%d..%d] overlaps previous end %d",
				i, p.start, p.end, prevEnd)
		}
		prevEnd = p.end
		db.pages.Set(p)
	}
	return nil
}

// Sync folds the WAL into the pages, writes changed pages to the data
// file, truncates the file to the live page count, and clears the WAL.
// Callers must Sync before relying on durability of recent mutations
// beyond the WAL file itself.
func (db *DB) Sync() error {
	if db.closed {
		return ErrClosed
	}

	pending := make([]walRecord, 0, db.wal.len())
	db.wal.scan(func(id uint32, e walEntry) bool {
		pending = append(pending, walRecord{id: id, tail: e.tail, delete: e.tombstone})
		return true
	})
	for _, r := range pending {
		if r.delete {
			db.removeFromPage(r.id)
		} else {
			db.insertToPage(r.id, r.tail)
		}
	}

	if err := db.serialize(); err != nil {
		return err
	}
	if err := db.wal.reset(); err != nil {
		return err
	}
	if len(pending) > 0 {
		db.log.WithFields(logrus.Fields{
			"folded": len(pending),
			"pages":  db.pages.Len(),
		}).Debug("synced")
	}
	return nil
}

// insertToPage routes one row into the partition. Three shapes: the id
// precedes the first page, follows the last page, or lands in the
// first page whose end covers or follows it. The receiving page is
// popped before mutation so the index ordering never observes a page
// changing under it.
func (db *DB) insertToPage(id uint32, tail []any) {
	row := Row{ID: id, Tail: tail}

	if db.pages.Len() == 0 {
		db.pages.Set(NewDirtyPage(db.schema, []Row{row}))
		return
	}

	if first, ok := db.pages.Min(); ok && id < first.start {
		db.pages.Delete(first)
		first.Insert(row)
		db.placePage(first)
		return
	}
	if last, ok := db.pages.Max(); ok && id > last.end {
		db.pages.Delete(last)
		last.Insert(row)
		db.placePage(last)
		return
	}

	p := db.pageFor(id)
	db.pages.Delete(p)
	p.Insert(row)
	db.placePage(p)
}

// placePage inserts a page into the index, splitting as long as its
// encoded size exceeds the page size. Empty halves are discarded.
// Termination: every single row fits a page (Insert enforces it), and
// each split strictly shrinks the row count of both halves.
func (db *DB) placePage(p *Page) {
	if p.rows.Len() == 0 {
		return
	}
	if p.size <= db.pageSize || p.rows.Len() == 1 {
		db.pages.Set(p)
		return
	}
	head, tail := p.Split()
	db.log.WithFields(logrus.Fields{
		"head": fmt.Sprintf("[%d..%d]", head.start, head.end),
		"tail": fmt.Sprintf("[%d..%d]", tail.start, tail.end),
	}).Debug("split page")
	db.placePage(head)
	db.placePage(tail)
}

// removeFromPage applies one tombstone to the partition. A page that
// becomes empty is dropped from the index; its slot is reclaimed by
// the next serialize.
func (db *DB) removeFromPage(id uint32) {
	if db.pages.Len() == 0 {
		return
	}
	if first, ok := db.pages.Min(); ok && id < first.start {
		return
	}
	if last, ok := db.pages.Max(); ok && id > last.end {
		return
	}
	p := db.pageFor(id)
	if p == nil || id < p.start {
		return
	}
	db.pages.Delete(p)
	if _, ok := p.Remove(id); !ok {
		db.pages.Set(p)
		return
	}
	if p.rows.Len() > 0 {
		db.pages.Set(p)
	}
}

// serialize writes every page whose content changed or whose ordinal
// position moved, then truncates the file to the live page count so
// stale blocks from earlier images disappear.
func (db *DB) serialize() error {
	var err error
	i := 0
	db.pages.Scan(func(p *Page) bool {
		if p.dirty || p.slot != i {
			var block []byte
			block, err = p.Encode(db.pageSize)
			if err != nil {
				return false
			}
			if _, werr := db.file.WriteAt(block, int64(i)*int64(db.pageSize)); werr != nil {
				err = fmt.Errorf("write page slot %d: %w", i, werr)
				return false
			}
			p.dirty = false
			p.slot = i
		}
		i++
		return true
	})
	if err != nil {
		return err
	}
	if err := db.file.Truncate(int64(db.pages.Len()) * int64(db.pageSize)); err != nil {
		return fmt.Errorf("truncate data file: %w", err)
	}
	return nil
}
