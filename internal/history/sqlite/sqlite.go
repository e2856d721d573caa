package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/BlueSageSolutions/db-maintenance/internal/history"
)

// Sink writes remediation events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases alive between calls
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + history.Table + `(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			pass_id TEXT NOT NULL,
			trx_id_counter INTEGER NOT NULL,
			purge_done_up_to INTEGER NOT NULL,
			history_list_length INTEGER NOT NULL,
			stall_count INTEGER NOT NULL,
			thread_id INTEGER NULL,
			trx_id TEXT NULL,
			db_user TEXT NULL,
			host TEXT NULL,
			query TEXT NULL,
			killed BOOLEAN NOT NULL,
			gone BOOLEAN NOT NULL,
			error TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_` + history.Table + `_pass ON ` + history.Table + `(pass_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(history.Columns)), ", ")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+history.Table+`(`+strings.Join(history.Columns, ", ")+`) VALUES(`+ph+`);`,
		e.Values()...)
	return err
}

// Count returns the number of stored events of type t for a pass.
func (s *Sink) Count(ctx context.Context, passID string, t history.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+history.Table+` WHERE pass_id = ? AND event = ?`, passID, string(t)).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
