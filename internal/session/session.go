package session

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQuery reports that the transaction/session introspection query failed.
	ErrQuery = errors.New("session query failed")
	// ErrTermination reports that a kill statement for one session failed.
	ErrTermination = errors.New("session termination failed")
)

// DefaultSnippetLen is how much of a session's running statement is kept for the audit log.
const DefaultSnippetLen = 500

// DefaultExcludedUsers are the RDS administrative accounts that are never killed.
var DefaultExcludedUsers = []string{"rdsadmin", "rdsrepladmin"}

// Record is one active InnoDB transaction joined to its owning session.
// It is read fresh for every remediation pass.
type Record struct {
	TrxID     string         `json:"trx_id"`
	ThreadID  uint64         `json:"thread_id"`
	User      string         `json:"user"`
	Host      string         `json:"host"`
	StartedAt time.Time      `json:"started_at"`
	Elapsed   time.Duration  `json:"elapsed"`
	Query     sql.NullString `json:"query"`
}

// Outcome is the result of terminating one session.
// Gone marks a session that had already ended before the kill arrived.
type Outcome struct {
	ThreadID uint64 `json:"thread_id"`
	TrxID    string `json:"trx_id"`
	Killed   bool   `json:"killed"`
	Gone     bool   `json:"gone"`
	Err      error  `json:"-"`
}

// Pass is one remediation run: the sessions found and what happened to each.
// Err is set when the sessions could not be listed at all.
type Pass struct {
	ID        uuid.UUID `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Sessions  []Record  `json:"sessions"`
	Outcomes  []Outcome `json:"outcomes"`
	Err       error     `json:"-"`
}

// Killed counts sessions that were terminated by this pass.
func (p Pass) Killed() int {
	n := 0
	for _, o := range p.Outcomes {
		if o.Killed {
			n++
		}
	}
	return n
}

// Failed counts kills that errored for a reason other than the session being gone.
func (p Pass) Failed() int {
	n := 0
	for _, o := range p.Outcomes {
		if o.Err != nil && !o.Gone {
			n++
		}
	}
	return n
}

func truncate(s string, n int) string {
	if n <= 0 {
		n = DefaultSnippetLen
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
