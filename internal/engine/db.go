package engine

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/btree"
)

// ───────────────────────────────────────────────────────────────────────────
// Database
// ───────────────────────────────────────────────────────────────────────────

// epoch is a version tag embedded in file names. Reserved for future
// rotation; always written literally as 1.
const epoch = 1

var (
	// ErrClosed reports an operation on a closed database.
	ErrClosed = errors.New("database is closed")

	// ErrRowTooLarge reports a row whose encoded size cannot fit a
	// page even alone. Rejected up front so the split policy never
	// faces an unsplittable page.
	ErrRowTooLarge = errors.New("row exceeds page size")
)

// Config configures Open.
type Config struct {
	// Path is the base name; the engine derives {Path}.{epoch}.db,
	// {Path}.{epoch}.wal and {Path}.{epoch}.schema from it.
	Path string

	// Schema is used when creating a new database. Ignored when the
	// schema file already exists.
	Schema []Kind

	// PageSize defaults to DefaultPageSize. Files written at one page
	// size must never be opened at another.
	PageSize int

	// Logger defaults to the logrus standard logger.
	Logger *logrus.Logger
}

// DB is a single-writer database handle. Pages are kept in a btree
// sorted by (end, start, count), so the page owning an id is the first
// one with end >= id. All mutations flow through the WAL; pages change
// only during Sync.
type DB struct {
	pages    *btree.BTreeG[*Page]
	file     *os.File
	wal      *wal
	schema   []Kind
	pageSize int

	dataPath   string
	walPath    string
	schemaPath string

	log    *logrus.Entry
	closed bool
}

func pageLess(a, b *Page) bool {
	if a.end != b.end {
		return a.end < b.end
	}
	if a.start != b.start {
		return a.start < b.start
	}
	return a.rows.Len() < b.rows.Len()
}

// Open opens or creates the database at cfg.Path and runs recovery:
// the schema is loaded (or written from cfg.Schema), pages are loaded
// from the data file with their slots recorded, the WAL is replayed
// into memory, and a Sync folds it into the pages.
func Open(cfg Config) (*DB, error) {
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize <= pageHeaderSize {
		return nil, fmt.Errorf("page size %d is too small", pageSize)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("db", cfg.Path)

	db := &DB{
		pages:      btree.NewBTreeG(pageLess),
		pageSize:   pageSize,
		dataPath:   fmt.Sprintf("%s.%d.db", cfg.Path, epoch),
		walPath:    fmt.Sprintf("%s.%d.wal", cfg.Path, epoch),
		schemaPath: fmt.Sprintf("%s.%d.schema", cfg.Path, epoch),
		log:        log,
	}

	schema, err := db.loadOrCreateSchema(cfg.Schema)
	if err != nil {
		return nil, err
	}
	db.schema = schema

	f, err := os.OpenFile(db.dataPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	db.file = f

	if err := db.loadPages(); err != nil {
		f.Close()
		return nil, err
	}

	w, err := openWAL(db.walPath, schema, log)
	if err != nil {
		f.Close()
		return nil, err
	}
	db.wal = w

	// Fold whatever the WAL held into the pages so the on-disk image
	// is consistent before the first mutation.
	if err := db.Sync(); err != nil {
		w.close()
		f.Close()
		return nil, fmt.Errorf("recovery sync: %w", err)
	}

	log.WithFields(logrus.Fields{
		"pages":     db.pages.Len(),
		"page_size": pageSize,
		"schema":    len(schema),
	}).Debug("opened database")
	return db, nil
}

// loadOrCreateSchema reads the schema file, or writes the caller's
// schema when the file does not exist yet.
func (db *DB) loadOrCreateSchema(fallback []Kind) ([]Kind, error) {
	buf, err := os.ReadFile(db.schemaPath)
	if err == nil {
		schema, derr := DecodeSchema(buf)
		if derr != nil {
			return nil, fmt.Errorf("schema file %s: %w", db.schemaPath, derr)
		}
		return schema, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	if verr := ValidateSchema(fallback); verr != nil {
		return nil, verr
	}
	if werr := os.WriteFile(db.schemaPath, EncodeSchema(fallback), 0644); werr != nil {
		return nil, fmt.Errorf("write schema file: %w", werr)
	}
	return fallback, nil
}

// writeSchema rewrites the schema file through a uniquely named temp
// file and a rename, so a crash mid-write cannot corrupt it.
func (db *DB) writeSchema() error {
	tmp := fmt.Sprintf("%s.%s.tmp", db.schemaPath, uuid.NewString())
	if err := os.WriteFile(tmp, EncodeSchema(db.schema), 0644); err != nil {
		return fmt.Errorf("write schema temp file: %w", err)
	}
	if err := os.Rename(tmp, db.schemaPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename schema file: %w", err)
	}
	return nil
}

// Schema returns the column kinds of this database.
func (db *DB) Schema() []Kind {
	out := make([]Kind, len(db.schema))
	copy(out, db.schema)
	return out
}

// PageSize returns the configured page size.
func (db *DB) PageSize() int { return db.pageSize }

// ── Mutations and lookups ─────────────────────────────────────────────────

// Insert stores a row tail under id, overwriting any previous value.
// The mutation lands in the WAL; pages are untouched until Sync.
func (db *DB) Insert(id uint32, tail []any) error {
	if db.closed {
		return ErrClosed
	}
	if id == 0 {
		return ErrZeroID
	}
	if err := ValidateTail(db.schema, tail); err != nil {
		return err
	}
	tail = normalizeTail(tail)
	if pageHeaderSize+4+tailSize(db.schema, tail) > db.pageSize {
		return fmt.Errorf("%w: %d bytes", ErrRowTooLarge, 4+tailSize(db.schema, tail))
	}
	return db.wal.insert(id, tail)
}

// Get returns the row tail stored under id. The WAL shadows the pages:
// a pending insert is visible and a pending delete hides the page row.
func (db *DB) Get(id uint32) ([]any, bool) {
	if db.closed || id == 0 {
		return nil, false
	}
	if e, ok := db.wal.get(id); ok {
		if e.tombstone {
			return nil, false
		}
		return e.tail, true
	}
	return db.lookupPages(id)
}

// Remove deletes the row under id and returns its old tail. The delete
// is recorded as a WAL tombstone; the owning page is rewritten at the
// next Sync. Removing an unknown id is not an error and appends
// nothing.
func (db *DB) Remove(id uint32) ([]any, bool, error) {
	if db.closed {
		return nil, false, ErrClosed
	}
	if id == 0 {
		return nil, false, nil
	}
	if e, ok := db.wal.get(id); ok {
		if e.tombstone {
			return nil, false, nil
		}
		if err := db.wal.tombstone(id); err != nil {
			return nil, false, err
		}
		return e.tail, true, nil
	}
	tail, ok := db.lookupPages(id)
	if !ok {
		return nil, false, nil
	}
	if err := db.wal.tombstone(id); err != nil {
		return nil, false, err
	}
	return tail, true, nil
}

// lookupPages finds id in the page partition, ignoring the WAL.
func (db *DB) lookupPages(id uint32) ([]any, bool) {
	p := db.pageFor(id)
	if p == nil || id < p.start {
		return nil, false
	}
	return p.Get(id)
}

// pageFor returns the first page whose end >= id, or nil. Because page
// ranges are disjoint, this is the only page that can cover id.
func (db *DB) pageFor(id uint32) *Page {
	var found *Page
	db.pages.Ascend(&Page{end: id}, func(p *Page) bool {
		found = p
		return false
	})
	return found
}

// ── Introspection ─────────────────────────────────────────────────────────

// PageInfo describes one page of the partition.
type PageInfo struct {
	Start uint32
	End   uint32
	Count int
	Size  int
	Slot  int
	Dirty bool
}

// Pages returns the partition in ascending order.
func (db *DB) Pages() []PageInfo {
	out := make([]PageInfo, 0, db.pages.Len())
	db.pages.Scan(func(p *Page) bool {
		out = append(out, PageInfo{
			Start: p.start,
			End:   p.end,
			Count: p.rows.Len(),
			Size:  p.size,
			Slot:  p.slot,
			Dirty: p.dirty,
		})
		return true
	})
	return out
}

// Pending returns the number of WAL entries not yet folded into pages,
// tombstones included.
func (db *DB) Pending() int {
	return db.wal.len()
}

// Close folds the WAL into the pages, serializes them, writes the
// schema file back, and closes all handles.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	syncErr := db.Sync()
	schemaErr := db.writeSchema()
	walErr := db.wal.close()
	fileErr := db.file.Close()
	db.closed = true
	return errors.Join(syncErr, schemaErr, walErr, fileErr)
}
