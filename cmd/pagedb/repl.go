package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pagedb/pagedb/internal/engine"
)

// historyFile collects every line typed into the REPL, in the working
// directory, wherever the database files live.
const historyFile = ".pagedb_history"

// runREPL reads commands from stdin until exit or EOF. Commands:
//
//	insert $id, $cells...   stage a row in the WAL
//	get $id                 print a row (WAL first, then pages)
//	delete $id              stage a tombstone
//	sync                    fold the WAL into pages and flush
//	show                    print the page partition
//	exit                    close the database and leave
//
// Dot commands: .help, .schema, .format table|json|yaml.
func runREPL(db *engine.DB, format string) error {
	interactive := false
	if fi, err := os.Stdin.Stat(); err == nil {
		interactive = (fi.Mode() & os.ModeCharDevice) != 0
	}

	if _, err := os.Stat(historyFile); os.IsNotExist(err) && interactive {
		fmt.Println("No previous history.")
	}
	hist, err := os.OpenFile(historyFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintln(os.Stderr, "history disabled:", err)
	} else {
		defer hist.Close()
	}

	if interactive {
		fmt.Println("pagedb REPL. Type '.help' for help, 'exit' to leave.")
	}

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024), 1024*1024)
	for {
		if interactive {
			fmt.Print(">> ")
		}
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if hist != nil {
			fmt.Fprintln(hist, line)
		}
		if line == "exit" {
			break
		}
		dispatch(db, line, &format)
	}
	return db.Close()
}

func dispatch(db *engine.DB, line string, format *string) {
	switch {
	case strings.HasPrefix(line, "insert "):
		id, tail, err := parseInsert(strings.TrimPrefix(line, "insert "), db.Schema())
		if err != nil {
			fmt.Println("ERR:", err)
			return
		}
		if err := db.Insert(id, tail); err != nil {
			fmt.Println("ERR:", err)
		}
	case strings.HasPrefix(line, "get "):
		id, err := parseID(strings.TrimPrefix(line, "get "))
		if err != nil {
			fmt.Println("ERR:", err)
			return
		}
		tail, ok := db.Get(id)
		if !ok {
			fmt.Printf("Key %d not found.\n", id)
			return
		}
		printRow(id, tail, *format)
	case strings.HasPrefix(line, "delete "):
		id, err := parseID(strings.TrimPrefix(line, "delete "))
		if err != nil {
			fmt.Println("ERR:", err)
			return
		}
		tail, ok, err := db.Remove(id)
		if err != nil {
			fmt.Println("ERR:", err)
			return
		}
		if !ok {
			fmt.Printf("Key %d not found.\n", id)
			return
		}
		fmt.Printf("removed: %s\n", strings.Join(cellStrings(tail), ", "))
	case line == "sync":
		if err := db.Sync(); err != nil {
			fmt.Println("ERR:", err)
		}
	case line == "show":
		printPages(db, *format)
	case line == ".help":
		printHelp()
	case line == ".schema":
		kinds := make([]string, 0, len(db.Schema()))
		for _, k := range db.Schema() {
			kinds = append(kinds, k.String())
		}
		fmt.Println(strings.Join(kinds, ", "))
	case strings.HasPrefix(line, ".format"):
		arg := strings.TrimSpace(strings.TrimPrefix(line, ".format"))
		switch arg {
		case "table", "json", "yaml":
			*format = arg
		case "":
			fmt.Println(*format)
		default:
			fmt.Println("ERR: unknown format", arg)
		}
	default:
		fmt.Println("ERR: unknown command (try '.help')")
	}
}

func printHelp() {
	fmt.Print(`commands:
  insert $id, $cells...  stage a row ("insert 7, 42, hello, true")
  get $id                look up a row
  delete $id             delete a row
  sync                   fold the WAL into pages and flush to disk
  show                   list pages and count pending WAL entries
  exit                   close the database and quit
  .help                  this help
  .schema                print the column kinds
  .format [f]            print or set the output format (table, json, yaml)
`)
}

// ── Command parsing ───────────────────────────────────────────────────────

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad id %q", s)
	}
	if n == 0 {
		return 0, fmt.Errorf("id must be non-zero")
	}
	return uint32(n), nil
}

// parseInsert splits "id, cell, cell, ..." and converts each cell to
// the kind the schema expects at that position.
func parseInsert(args string, schema []engine.Kind) (uint32, []any, error) {
	parts := strings.Split(args, ",")
	id, err := parseID(parts[0])
	if err != nil {
		return 0, nil, err
	}
	if len(parts)-1 != len(schema)-1 {
		return 0, nil, fmt.Errorf("schema has %d tail cells, got %d", len(schema)-1, len(parts)-1)
	}
	tail := make([]any, 0, len(parts)-1)
	for i, raw := range parts[1:] {
		v, err := parseCell(strings.TrimSpace(raw), schema[i+1])
		if err != nil {
			return 0, nil, fmt.Errorf("cell %d: %w", i, err)
		}
		tail = append(tail, v)
	}
	return id, tail, nil
}

func parseCell(s string, k engine.Kind) (any, error) {
	switch k {
	case engine.KindID:
		return parseID(s)
	case engine.KindU32:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad u32 %q", s)
		}
		return uint32(n), nil
	case engine.KindBytes:
		if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
			s = s[1 : len(s)-1]
		}
		return []byte(s), nil
	case engine.KindBool:
		switch strings.ToLower(s) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return nil, fmt.Errorf("bad bool %q", s)
	}
	return nil, fmt.Errorf("unknown kind %v", k)
}

// ── Output ────────────────────────────────────────────────────────────────

func cellStrings(tail []any) []string {
	out := make([]string, 0, len(tail))
	for _, v := range tail {
		switch c := v.(type) {
		case []byte:
			out = append(out, strconv.Quote(string(c)))
		default:
			out = append(out, fmt.Sprintf("%v", c))
		}
	}
	return out
}

// rowDoc is the JSON/YAML shape of one row.
type rowDoc struct {
	ID   uint32 `json:"id" yaml:"id"`
	Tail []any  `json:"tail" yaml:"tail"`
}

func printRow(id uint32, tail []any, format string) {
	switch format {
	case "json", "yaml":
		doc := rowDoc{ID: id, Tail: make([]any, len(tail))}
		for i, v := range tail {
			if b, ok := v.([]byte); ok {
				doc.Tail[i] = string(b)
			} else {
				doc.Tail[i] = v
			}
		}
		if format == "json" {
			b, _ := json.Marshal(doc)
			fmt.Println(string(b))
		} else {
			b, _ := yaml.Marshal(doc)
			fmt.Print(string(b))
		}
	default:
		cols := []string{strconv.FormatUint(uint64(id), 10)}
		cols = append(cols, cellStrings(tail)...)
		fmt.Println(strings.Join(cols, "  "))
	}
}

func printPages(db *engine.DB, format string) {
	infos := db.Pages()
	switch format {
	case "json":
		b, _ := json.Marshal(infos)
		fmt.Println(string(b))
	case "yaml":
		b, _ := yaml.Marshal(infos)
		fmt.Print(string(b))
	default:
		fmt.Printf("%-10s  %-10s  %-6s  %-6s  %-5s  %s\n",
			"START", "END", "COUNT", "SIZE", "SLOT", "DIRTY")
		for _, pi := range infos {
			fmt.Printf("%-10d  %-10d  %-6d  %-6d  %-5d  %v\n",
				pi.Start, pi.End, pi.Count, pi.Size, pi.Slot, pi.Dirty)
		}
	}
	fmt.Printf("%d pages, %d pending WAL entries\n", len(infos), db.Pending())
}
