package main

import (
	"bytes"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/BlueSageSolutions/db-maintenance/internal/session"
)

func TestOneLine(t *testing.T) {
	if got := oneLine("SELECT *\n  FROM t\tWHERE 1", 100); got != "SELECT * FROM t WHERE 1" {
		t.Errorf("unexpected %q", got)
	}
	if got := oneLine("abcdef", 3); got != "abc..." {
		t.Errorf("unexpected %q", got)
	}
}

func TestToSessionRows(t *testing.T) {
	recs := []session.Record{
		{TrxID: "42", ThreadID: 7, User: "app", Host: "10.0.0.1:5555", StartedAt: time.Unix(0, 0), Query: sql.NullString{String: "UPDATE t", Valid: true}},
		{TrxID: "43", ThreadID: 8, User: "etl"},
	}
	rows := toSessionRows(recs)
	if len(rows) != 2 || rows[0].Query != "UPDATE t" || rows[1].Query != "" {
		t.Fatalf("unexpected rows %+v", rows)
	}

	var buf bytes.Buffer
	printJSON(&buf, rows)
	out := buf.String()
	if !strings.Contains(out, `"thread_id": 7`) || strings.Count(out, `"query"`) != 1 {
		t.Errorf("unexpected JSON %s", out)
	}

	if got := toSessionRows(nil); got == nil || len(got) != 0 {
		t.Errorf("expected an empty slice, got %#v", got)
	}
}
