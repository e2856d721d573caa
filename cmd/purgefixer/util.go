package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BlueSageSolutions/db-maintenance/internal/config"
	"github.com/BlueSageSolutions/db-maintenance/internal/session"
)

// diagnosticApp builds an app for the one-shot commands: logs go to stderr
// only so stdout stays parseable.
func diagnosticApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	cfg.Log.File = ""
	return newApp(cfg, os.Stderr)
}

type sessionRow struct {
	ThreadID  uint64        `json:"thread_id"`
	TrxID     string        `json:"trx_id"`
	User      string        `json:"user"`
	Host      string        `json:"host"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Query     string        `json:"query,omitempty"`
}

func toSessionRows(recs []session.Record) []sessionRow {
	rows := make([]sessionRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, sessionRow{
			ThreadID:  r.ThreadID,
			TrxID:     r.TrxID,
			User:      r.User,
			Host:      r.Host,
			StartedAt: r.StartedAt,
			Elapsed:   r.Elapsed,
			Query:     r.Query.String,
		})
	}
	return rows
}

// oneLine collapses whitespace and cuts s to at most n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
