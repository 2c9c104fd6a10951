package engine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tidwall/btree"
)

// ───────────────────────────────────────────────────────────────────────────
// Pages
// ───────────────────────────────────────────────────────────────────────────
//
// A page is a fixed-size block holding an ordered run of rows plus a
// 12-byte header. On disk:
//
//   Offset 0..4   end    (uint32 LE, non-zero)
//   Offset 4..8   start  (uint32 LE, non-zero)
//   Offset 8..12  count  (uint32 LE)
//   Offset 12..   count rows in ascending id order; each row is the
//                 4-byte id followed by the tail cells
//   Remainder     zero padding up to the page size
//
// start and end are the minimum and maximum id stored in the page, so
// the set of pages partitions the id space into disjoint ranges.

const (
	// DefaultPageSize is the default page size in bytes (4 KiB).
	// Files written at one page size must never be mixed with another.
	DefaultPageSize = 4096

	// pageHeaderSize is the encoded size of the page header.
	pageHeaderSize = 12

	// idSentinel is written as start/end of a page that holds no rows.
	// Such a page never reaches the index or the data file; the
	// sentinel only keeps the non-zero invariant during recompute.
	idSentinel uint32 = 1
)

// ErrPageOverflow reports a page whose encoded payload exceeds the page
// size. The split policy in the index layer prevents this upstream.
var ErrPageOverflow = errors.New("encoded page exceeds page size")

// Row pairs an id with its tail cells.
type Row struct {
	ID   uint32
	Tail []any
}

// Page holds an ordered run of rows. All mutations mark the page dirty;
// the index layer serializes dirty pages on Sync.
type Page struct {
	start  uint32
	end    uint32
	rows   btree.Map[uint32, []any]
	size   int // encoded byte size, header included
	dirty  bool
	slot   int // data-file slot the page was loaded from, -1 if none
	schema []Kind
}

// NewPage builds a clean page from rows.
func NewPage(schema []Kind, rows []Row) *Page {
	p := &Page{slot: -1, schema: schema, size: pageHeaderSize}
	for _, r := range rows {
		p.setRow(r.ID, r.Tail)
	}
	p.recompute()
	p.dirty = false
	return p
}

// NewDirtyPage builds a page that is already marked dirty. Split and
// mutation results use this form.
func NewDirtyPage(schema []Kind, rows []Row) *Page {
	p := NewPage(schema, rows)
	p.dirty = true
	return p
}

// Start returns the smallest id in the page.
func (p *Page) Start() uint32 { return p.start }

// End returns the largest id in the page.
func (p *Page) End() uint32 { return p.end }

// Count returns the number of rows.
func (p *Page) Count() int { return p.rows.Len() }

// Size returns the encoded byte size of the page, header included.
func (p *Page) Size() int { return p.size }

// Dirty reports whether the page differs from its on-disk image.
func (p *Page) Dirty() bool { return p.dirty }

// Slot returns the data-file slot the page was loaded from, or -1.
func (p *Page) Slot() int { return p.slot }

// Get returns the tail stored under id.
func (p *Page) Get(id uint32) ([]any, bool) {
	return p.rows.Get(id)
}

// Rows returns the rows in ascending id order.
func (p *Page) Rows() []Row {
	out := make([]Row, 0, p.rows.Len())
	p.rows.Scan(func(id uint32, tail []any) bool {
		out = append(out, Row{ID: id, Tail: tail})
		return true
	})
	return out
}

// setRow stores a tail and keeps the size tally current.
func (p *Page) setRow(id uint32, tail []any) {
	prev, replaced := p.rows.Set(id, tail)
	if replaced {
		p.size -= 4 + tailSize(p.schema, prev)
	}
	p.size += 4 + tailSize(p.schema, tail)
}

// recompute refreshes start/end from the row set. An empty page falls
// back to the sentinel id so the header stays non-zero.
func (p *Page) recompute() {
	minID, _, ok := p.rows.Min()
	if !ok {
		p.start, p.end = idSentinel, idSentinel
		return
	}
	maxID, _, _ := p.rows.Max()
	p.start, p.end = minID, maxID
}

// Insert stores a row, overwriting any previous tail under the same id,
// and marks the page dirty. The caller must not mutate a page while it
// sits in the index; pop it first.
func (p *Page) Insert(r Row) {
	p.setRow(r.ID, r.Tail)
	p.recompute()
	p.dirty = true
}

// Remove drops the row under id and returns its old tail. The page is
// marked dirty and its extent recomputed even when it becomes empty;
// empty pages must be discarded by the caller.
func (p *Page) Remove(id uint32) ([]any, bool) {
	tail, ok := p.rows.Delete(id)
	if !ok {
		return nil, false
	}
	p.size -= 4 + tailSize(p.schema, tail)
	p.recompute()
	p.dirty = true
	return tail, true
}

// Split partitions the rows at floor(count/2) into a head and a tail
// page, both dirty. With a single row the tail receives it and the head
// comes back empty; the caller discards the empty half.
func (p *Page) Split() (*Page, *Page) {
	mid := p.rows.Len() / 2
	head := make([]Row, 0, mid)
	tail := make([]Row, 0, p.rows.Len()-mid)
	i := 0
	p.rows.Scan(func(id uint32, t []any) bool {
		if i < mid {
			head = append(head, Row{ID: id, Tail: t})
		} else {
			tail = append(tail, Row{ID: id, Tail: t})
		}
		i++
		return true
	})
	return NewDirtyPage(p.schema, head), NewDirtyPage(p.schema, tail)
}

// Merge unions the rows of both pages into a new dirty page. On a
// duplicate id the other page's tail wins. Merges never run on the
// mutation path, so the result may exceed the page size; Encode rejects
// it in that case.
func (p *Page) Merge(other *Page) *Page {
	rows := p.Rows()
	rows = append(rows, other.Rows()...)
	return NewDirtyPage(p.schema, rows)
}

// Encode serializes the page into a block of exactly pageSize bytes,
// zero padded.
func (p *Page) Encode(pageSize int) ([]byte, error) {
	if p.size > pageSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPageOverflow, p.size, pageSize)
	}
	buf := make([]byte, pageHeaderSize, pageSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.end)
	binary.LittleEndian.PutUint32(buf[4:8], p.start)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.rows.Len()))

	var err error
	p.rows.Scan(func(id uint32, tail []any) bool {
		buf = binary.LittleEndian.AppendUint32(buf, id)
		buf, err = appendTail(buf, p.schema, tail)
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("encode page [%d..%d]: %w", p.start, p.end, err)
	}
	return buf[:pageSize], nil
}

// DecodePage parses one page block loaded from the given data-file
// slot. Any malformed content is fatal: recovery of the file aborts.
func DecodePage(block []byte, schema []Kind, slot int) (*Page, error) {
	if len(block) < pageHeaderSize {
		return nil, fmt.Errorf("page block of %d bytes is shorter than the header", len(block))
	}
	end := binary.LittleEndian.Uint32(block[0:4])
	start := binary.LittleEndian.Uint32(block[4:8])
	count := binary.LittleEndian.Uint32(block[8:12])
	if count == 0 {
		return nil, fmt.Errorf("page at slot %d has zero rows", slot)
	}
	if start == 0 || end == 0 {
		return nil, fmt.Errorf("page at slot %d: header id: %w", slot, ErrZeroID)
	}

	p := &Page{slot: slot, schema: schema, size: pageHeaderSize}
	off := pageHeaderSize
	for i := uint32(0); i < count; i++ {
		if len(block[off:]) < 4 {
			return nil, fmt.Errorf("page at slot %d: row %d: %w", slot, i, errShortBuffer)
		}
		id := binary.LittleEndian.Uint32(block[off : off+4])
		if id == 0 {
			return nil, fmt.Errorf("page at slot %d: row %d: %w", slot, i, ErrZeroID)
		}
		off += 4
		tail, n, err := decodeTail(block[off:], schema)
		if err != nil {
			return nil, fmt.Errorf("page at slot %d: row %d: %w", slot, i, err)
		}
		off += n
		p.setRow(id, tail)
	}
	p.recompute()
	if p.start != start || p.end != end {
		return nil, fmt.Errorf("page at slot %d: header [%d..%d] does not match rows [%d..%d]",
			slot, start, end, p.start, p.end)
	}
	return p, nil
}
