package main

import (
	"bytes"
	"testing"

	"github.com/pagedb/pagedb/internal/engine"
)

func TestParseID(t *testing.T) {
	if id, err := parseID(" 42 "); err != nil || id != 42 {
		t.Errorf("got %d, %v", id, err)
	}
	for _, bad := range []string{"0", "-1", "abc", "", "4294967296"} {
		if _, err := parseID(bad); err == nil {
			t.Errorf("parseID(%q) succeeded", bad)
		}
	}
}

func TestParseInsert(t *testing.T) {
	schema := []engine.Kind{engine.KindID, engine.KindU32, engine.KindBytes, engine.KindBool}
	id, tail, err := parseInsert(`7, 42, "hi there", true`, schema)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id != 7 {
		t.Errorf("id = %d", id)
	}
	if tail[0].(uint32) != 42 {
		t.Errorf("u32 cell = %v", tail[0])
	}
	if !bytes.Equal(tail[1].([]byte), []byte("hi there")) {
		t.Errorf("bytes cell = %v", tail[1])
	}
	if tail[2].(bool) != true {
		t.Errorf("bool cell = %v", tail[2])
	}
}

func TestParseInsert_Errors(t *testing.T) {
	schema := []engine.Kind{engine.KindID, engine.KindU32}
	cases := []string{
		"0, 1",      // zero id
		"1",         // missing tail
		"1, 2, 3",   // too many cells
		"1, banana", // bad u32
	}
	for _, c := range cases {
		if _, _, err := parseInsert(c, schema); err == nil {
			t.Errorf("parseInsert(%q) succeeded", c)
		}
	}
}

func TestParseCell_Bool(t *testing.T) {
	for _, s := range []string{"true", "TRUE", "1"} {
		v, err := parseCell(s, engine.KindBool)
		if err != nil || v.(bool) != true {
			t.Errorf("parseCell(%q) = %v, %v", s, v, err)
		}
	}
	for _, s := range []string{"false", "0"} {
		v, err := parseCell(s, engine.KindBool)
		if err != nil || v.(bool) != false {
			t.Errorf("parseCell(%q) = %v, %v", s, v, err)
		}
	}
	if _, err := parseCell("yes", engine.KindBool); err == nil {
		t.Error("parseCell(yes) succeeded")
	}
}

func TestParseCell_BytesUnquoted(t *testing.T) {
	v, err := parseCell("hello", engine.KindBytes)
	if err != nil || !bytes.Equal(v.([]byte), []byte("hello")) {
		t.Errorf("got %v, %v", v, err)
	}
}

func TestCellStrings(t *testing.T) {
	got := cellStrings([]any{uint32(9), []byte("x"), true})
	want := []string{"9", `"x"`, "true"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cell %d: %q, want %q", i, got[i], want[i])
		}
	}
}
