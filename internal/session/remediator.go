package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/BlueSageSolutions/db-maintenance/internal/dbconn"
)

// KillMode selects the statement used to terminate a session.
type KillMode string

const (
	// KillStatement issues KILL <id>.
	KillStatement KillMode = "kill"
	// KillRDS calls mysql.rds_kill, required on RDS/Aurora for other users' sessions.
	KillRDS KillMode = "rds"
)

// errUnknownThread is ER_NO_SUCH_THREAD.
const errUnknownThread = 1094

// ParseKillMode validates a configured kill mode; empty means KillStatement.
func ParseKillMode(s string) (KillMode, error) {
	switch KillMode(s) {
	case "", KillStatement:
		return KillStatement, nil
	case KillRDS:
		return KillRDS, nil
	}
	return "", fmt.Errorf("unknown kill mode %q (want %q or %q)", s, KillStatement, KillRDS)
}

func (m KillMode) statement(threadID uint64) string {
	if m == KillRDS {
		return fmt.Sprintf("CALL mysql.rds_kill(%d)", threadID)
	}
	return fmt.Sprintf("KILL %d", threadID)
}

// RemediatorOptions configures a Remediator.
type RemediatorOptions struct {
	Mode        KillMode
	KillTimeout time.Duration
	DryRun      bool
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Remediator terminates the sessions reported by a Finder.
// Every kill is independent: one failure never stops the rest.
type Remediator struct {
	conn   dbconn.Acquirer
	finder *Finder
	opts   RemediatorOptions
	log    *slog.Logger
	now    func() time.Time
}

func NewRemediator(conn dbconn.Acquirer, finder *Finder, opts RemediatorOptions) *Remediator {
	r := &Remediator{conn: conn, finder: finder, opts: opts, log: opts.Logger, now: opts.Clock}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.opts.Mode == "" {
		r.opts.Mode = KillStatement
	}
	return r
}

// Find exposes the underlying Finder for read-only callers.
func (r *Remediator) Find(ctx context.Context) ([]Record, error) { return r.finder.Find(ctx) }

// Run lists blocking sessions and kills each of them. If the list cannot be
// read the pass is aborted with Pass.Err set and no session is touched.
func (r *Remediator) Run(ctx context.Context) (Pass, error) {
	pass := Pass{ID: uuid.New(), StartedAt: r.now()}
	r.log.Info("looking for active InnoDB transactions to kill", "pass", pass.ID)

	recs, err := r.finder.Find(ctx)
	if err != nil {
		pass.Err = err
		return pass, err
	}
	pass.Sessions = recs
	if len(recs) == 0 {
		r.log.Info("no killable transactions found", "pass", pass.ID)
	}
	pass.Outcomes = r.Kill(ctx, recs)
	return pass, nil
}

// Kill terminates recs in order and returns one Outcome per record.
func (r *Remediator) Kill(ctx context.Context, recs []Record) []Outcome {
	out := make([]Outcome, 0, len(recs))
	for _, rec := range recs {
		out = append(out, r.killOne(ctx, rec))
	}
	return out
}

func (r *Remediator) killOne(ctx context.Context, rec Record) Outcome {
	o := Outcome{ThreadID: rec.ThreadID, TrxID: rec.TrxID}

	r.log.Warn(fmt.Sprintf("KILLING trx_id=%s, thread_id=%d, started=%s",
		rec.TrxID, rec.ThreadID, rec.StartedAt.Format(time.DateTime)),
		"user", rec.User, "host", rec.Host, "dry_run", r.opts.DryRun)
	if rec.Query.Valid {
		r.log.Info("  query: " + rec.Query.String)
	}
	if r.opts.DryRun {
		return o
	}

	if err := r.exec(ctx, r.opts.Mode.statement(rec.ThreadID)); err != nil {
		o.Err = fmt.Errorf("%w: thread %d: %v", ErrTermination, rec.ThreadID, err)
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == errUnknownThread {
			o.Gone = true
			r.log.Info(fmt.Sprintf("  thread %d already ended", rec.ThreadID))
			return o
		}
		r.log.Error(fmt.Sprintf("  failed to kill thread %d: %v", rec.ThreadID, err))
		return o
	}
	o.Killed = true
	r.log.Info(fmt.Sprintf("  successfully killed thread %d", rec.ThreadID))
	return o
}

func (r *Remediator) exec(ctx context.Context, stmt string) error {
	ctx, cancel := dbconn.WithTimeout(ctx, r.opts.KillTimeout)
	defer cancel()

	conn, err := r.conn.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	_, err = conn.ExecContext(ctx, stmt)
	return err
}
