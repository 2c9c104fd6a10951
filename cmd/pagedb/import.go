package main

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/pagedb/pagedb/internal/engine"
)

// newImportCmd bulk-loads rows from a SQLite database. Columns map
// positionally onto the schema: the first selected column is the id,
// the rest are the tail. Rows flow through the normal WAL path and a
// single sync folds them at the end.
func newImportCmd() *cobra.Command {
	var (
		from  string
		table string
		query string
	)
	cmd := &cobra.Command{
		Use:   "import [database]",
		Short: "import rows from a SQLite database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" {
				return fmt.Errorf("--from is required")
			}
			if (table == "") == (query == "") {
				return fmt.Errorf("exactly one of --table or --query is required")
			}
			if query == "" {
				query = "SELECT * FROM " + table
			}

			db, err := openFromFlags(args)
			if err != nil {
				return err
			}
			defer db.Close()

			src, err := sql.Open("sqlite", from)
			if err != nil {
				return fmt.Errorf("open %s: %w", from, err)
			}
			defer src.Close()

			n, err := importRows(db, src, query)
			if err != nil {
				return err
			}
			if err := db.Sync(); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{"rows": n, "pages": len(db.Pages())}).Info("import done")
			fmt.Printf("imported %d rows into %d pages\n", n, len(db.Pages()))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "SQLite database file to read")
	cmd.Flags().StringVar(&table, "table", "", "table to import (all columns, in order)")
	cmd.Flags().StringVar(&query, "query", "", "query to import instead of a whole table")
	return cmd
}

func importRows(db *engine.DB, src *sql.DB, query string) (int, error) {
	rows, err := src.Query(query)
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	schema := db.Schema()
	if len(cols) != len(schema) {
		return 0, fmt.Errorf("query yields %d columns, schema has %d", len(cols), len(schema))
	}

	count := 0
	for rows.Next() {
		cells := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return count, fmt.Errorf("row %d: %w", count, err)
		}

		id, err := sqliteID(cells[0])
		if err != nil {
			return count, fmt.Errorf("row %d: %w", count, err)
		}
		tail := make([]any, len(cells)-1)
		for i, v := range cells[1:] {
			c, err := sqliteCell(schema[i+1], v)
			if err != nil {
				return count, fmt.Errorf("row %d, column %s: %w", count, cols[i+1], err)
			}
			tail[i] = c
		}
		if err := db.Insert(id, tail); err != nil {
			return count, fmt.Errorf("row %d (id %d): %w", count, id, err)
		}
		count++
	}
	return count, rows.Err()
}

func sqliteID(v any) (uint32, error) {
	n, err := sqliteU32(v)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("id must be non-zero")
	}
	return n, nil
}

func sqliteU32(v any) (uint32, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%T is not an integer", v)
	}
	if n < 0 || n > 0xFFFFFFFF {
		return 0, fmt.Errorf("%d out of u32 range", n)
	}
	return uint32(n), nil
}

// sqliteCell converts one scanned SQLite value into the cell kind the
// schema expects at that position.
func sqliteCell(k engine.Kind, v any) (any, error) {
	switch k {
	case engine.KindID:
		return sqliteID(v)
	case engine.KindU32:
		return sqliteU32(v)
	case engine.KindBytes:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		case nil:
			return []byte(nil), nil
		}
		return nil, fmt.Errorf("%T is not a byte string", v)
	case engine.KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		}
		return nil, fmt.Errorf("%T is not a bool", v)
	}
	return nil, fmt.Errorf("unknown kind %v", k)
}
