package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/BlueSageSolutions/db-maintenance/internal/dbconn"
)

const blockingSessionsQuery = `SELECT t.trx_id, t.trx_started, t.trx_mysql_thread_id,
       p.USER, p.HOST, p.TIME, p.INFO
FROM information_schema.innodb_trx t
JOIN information_schema.processlist p ON t.trx_mysql_thread_id = p.ID`

// Finder lists sessions that own an active InnoDB transaction.
//
// innodb_trx and processlist are separate views read without a shared
// snapshot, so a transaction may finish between the two reads. Results are
// advisory.
type Finder struct {
	conn       dbconn.Acquirer
	excluded   map[string]struct{}
	users      []string
	timeout    time.Duration
	snippetLen int
}

// NewFinder builds a Finder that skips sessions owned by excludedUsers.
func NewFinder(conn dbconn.Acquirer, excludedUsers []string, timeout time.Duration, snippetLen int) *Finder {
	f := &Finder{
		conn:       conn,
		excluded:   make(map[string]struct{}, len(excludedUsers)),
		timeout:    timeout,
		snippetLen: snippetLen,
	}
	for _, u := range excludedUsers {
		if _, dup := f.excluded[u]; dup || u == "" {
			continue
		}
		f.excluded[u] = struct{}{}
		f.users = append(f.users, u)
	}
	return f
}

// Excluded reports whether user is one of the protected accounts.
func (f *Finder) Excluded(user string) bool {
	_, ok := f.excluded[user]
	return ok
}

func (f *Finder) query() (string, []any) {
	if len(f.users) == 0 {
		return blockingSessionsQuery, nil
	}
	args := make([]any, len(f.users))
	for i, u := range f.users {
		args[i] = u
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(f.users)), ", ")
	return blockingSessionsQuery + "\nWHERE p.USER NOT IN (" + ph + ")", args
}

// Find returns the sessions in the order the server produced them.
// No qualifying sessions yields an empty slice and a nil error.
func (f *Finder) Find(ctx context.Context) ([]Record, error) {
	ctx, cancel := dbconn.WithTimeout(ctx, f.timeout)
	defer cancel()

	conn, err := f.conn.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	defer func() { _ = conn.Close() }()

	q, args := f.query()
	rows, err := conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Record, 0)
	for rows.Next() {
		var (
			rec     Record
			started sql.NullTime
			user    sql.NullString
			host    sql.NullString
			elapsed sql.NullInt64
			info    sql.NullString
		)
		if err := rows.Scan(&rec.TrxID, &started, &rec.ThreadID, &user, &host, &elapsed, &info); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrQuery, err)
		}
		// excluded users are dropped here as well as in SQL
		if f.Excluded(user.String) {
			continue
		}
		rec.User = user.String
		rec.Host = host.String
		rec.StartedAt = started.Time
		rec.Elapsed = time.Duration(elapsed.Int64) * time.Second
		if info.Valid {
			rec.Query = sql.NullString{String: truncate(info.String, f.snippetLen), Valid: true}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	return out, nil
}
