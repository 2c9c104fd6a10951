package benchmarks

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/pagedb/pagedb/internal/engine"
)

// Comparison benchmarks: pagedb's page-partitioned engine against
// SQLite (pure-Go modernc build) on the same workload — sequential
// inserts folded by a sync, then point lookups.

const benchRows = 2000

func openBenchDB(b *testing.B) *engine.DB {
	b.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	db, err := engine.Open(engine.Config{
		Path:   filepath.Join(b.TempDir(), "bench"),
		Schema: []engine.Kind{engine.KindID, engine.KindU32},
		Logger: logger,
	})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { db.Close() })
	return db
}

func openBenchSQLite(b *testing.B) *sql.DB {
	b.Helper()
	db, err := sql.Open("sqlite", filepath.Join(b.TempDir(), "bench.sqlite"))
	if err != nil {
		b.Fatal(err)
	}
	if _, err := db.Exec("CREATE TABLE kv (id INTEGER PRIMARY KEY, val INTEGER)"); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { db.Close() })
	return db
}

func BenchmarkInsertSync_PageDB(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		db := openBenchDB(b)
		b.StartTimer()
		for id := uint32(1); id <= benchRows; id++ {
			if err := db.Insert(id, []any{id}); err != nil {
				b.Fatal(err)
			}
		}
		if err := db.Sync(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkInsertSync_SQLite(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		db := openBenchSQLite(b)
		b.StartTimer()
		tx, err := db.Begin()
		if err != nil {
			b.Fatal(err)
		}
		for id := 1; id <= benchRows; id++ {
			if _, err := tx.Exec("INSERT INTO kv (id, val) VALUES (?, ?)", id, id); err != nil {
				b.Fatal(err)
			}
		}
		if err := tx.Commit(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPointGet_PageDB(b *testing.B) {
	db := openBenchDB(b)
	for id := uint32(1); id <= benchRows; id++ {
		if err := db.Insert(id, []any{id}); err != nil {
			b.Fatal(err)
		}
	}
	if err := db.Sync(); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := uint32(i%benchRows) + 1
		if _, ok := db.Get(id); !ok {
			b.Fatalf("id %d missing", id)
		}
	}
}

func BenchmarkPointGet_SQLite(b *testing.B) {
	db := openBenchSQLite(b)
	tx, err := db.Begin()
	if err != nil {
		b.Fatal(err)
	}
	for id := 1; id <= benchRows; id++ {
		if _, err := tx.Exec("INSERT INTO kv (id, val) VALUES (?, ?)", id, id); err != nil {
			b.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := i%benchRows + 1
		var val int
		if err := db.QueryRow("SELECT val FROM kv WHERE id = ?", id).Scan(&val); err != nil {
			b.Fatalf("id %d: %v", id, err)
		}
	}
}

func BenchmarkSplitHeavyInsert_PageDB(b *testing.B) {
	// Interleaved ids force mid-page splits instead of append-only growth.
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		db := openBenchDB(b)
		b.StartTimer()
		id := uint32(1)
		for n := 0; n < benchRows; n++ {
			id = id*48271%2147483647 + 1
			if err := db.Insert(id, []any{uint32(n)}); err != nil {
				b.Fatal(err)
			}
			if n%256 == 0 {
				if err := db.Sync(); err != nil {
					b.Fatal(err)
				}
			}
		}
		if err := db.Sync(); err != nil {
			b.Fatal(err)
		}
	}
}
