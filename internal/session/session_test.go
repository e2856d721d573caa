package session

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BlueSageSolutions/db-maintenance/internal/dbconn"
)

var sessionColumns = []string{"trx_id", "trx_started", "trx_mysql_thread_id", "USER", "HOST", "TIME", "INFO"}

var started = time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)

type fixture struct {
	conn *dbconn.Connector
	mock sqlmock.Sqlmock
	logs *bytes.Buffer
	log  *slog.Logger
}

func newFixture(t interface {
	Helper()
	Fatalf(string, ...any)
	Cleanup(func())
}) *fixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	buf := &bytes.Buffer{}
	return &fixture{
		conn: dbconn.New(db),
		mock: mock,
		logs: buf,
		log:  slog.New(slog.NewTextHandler(buf, nil)),
	}
}

func (f *fixture) expectSessions(finder *Finder, rows *sqlmock.Rows) {
	q, args := finder.query()
	vals := make([]driver.Value, len(args))
	for i, a := range args {
		vals[i] = a
	}
	f.mock.ExpectQuery(q).WithArgs(vals...).WillReturnRows(rows)
}

func threeSessions() *sqlmock.Rows {
	return sqlmock.NewRows(sessionColumns).
		AddRow("1001", started, int64(11), "app", "10.0.0.1:5000", int64(900), "UPDATE orders SET state = 'x'").
		AddRow("1002", started.Add(time.Minute), int64(12), "etl", "10.0.0.2:5000", int64(840), nil).
		AddRow("1003", started.Add(2*time.Minute), int64(13), "app", "10.0.0.1:5001", int64(780), "SELECT SLEEP(1000)")
}

func TestFinder_QueryExcludesAdminUsers(t *testing.T) {
	f := NewFinder(nil, []string{"rdsadmin", "rdsrepladmin", "rdsadmin", ""}, time.Second, 0)
	q, args := f.query()
	assert.True(t, strings.HasSuffix(q, "WHERE p.USER NOT IN (?, ?)"), q)
	assert.Equal(t, []any{"rdsadmin", "rdsrepladmin"}, args)

	q, args = NewFinder(nil, nil, time.Second, 0).query()
	assert.Equal(t, blockingSessionsQuery, q)
	assert.Empty(t, args)
}

func TestFinder_Find(t *testing.T) {
	fx := newFixture(t)
	finder := NewFinder(fx.conn, DefaultExcludedUsers, time.Second, 10)
	fx.expectSessions(finder, threeSessions())

	recs, err := finder.Find(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "1001", recs[0].TrxID)
	assert.Equal(t, uint64(11), recs[0].ThreadID)
	assert.Equal(t, "app", recs[0].User)
	assert.Equal(t, started, recs[0].StartedAt)
	assert.Equal(t, 15*time.Minute, recs[0].Elapsed)
	assert.Equal(t, sql.NullString{String: "UPDATE ord", Valid: true}, recs[0].Query)
	assert.False(t, recs[1].Query.Valid)
	assert.Equal(t, uint64(13), recs[2].ThreadID)
	assert.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestFinder_Empty(t *testing.T) {
	fx := newFixture(t)
	finder := NewFinder(fx.conn, DefaultExcludedUsers, time.Second, 0)
	fx.expectSessions(finder, sqlmock.NewRows(sessionColumns))

	recs, err := finder.Find(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestFinder_QueryFailure(t *testing.T) {
	fx := newFixture(t)
	finder := NewFinder(fx.conn, DefaultExcludedUsers, time.Second, 0)
	q, _ := finder.query()
	fx.mock.ExpectQuery(q).WillReturnError(errors.New("lost connection"))

	_, err := finder.Find(context.Background())
	assert.ErrorIs(t, err, ErrQuery)
}

func TestFinder_ExcludesAdminRowsForAnyInput(t *testing.T) {
	users := []string{"rdsadmin", "rdsrepladmin", "app", "etl", "report", "rdsadmin2"}
	rapid.Check(t, func(rt *rapid.T) {
		fx := newFixture(t)
		finder := NewFinder(fx.conn, DefaultExcludedUsers, time.Second, 0)
		picked := rapid.SliceOfN(rapid.SampledFrom(users), 0, 20).Draw(rt, "users")
		rows := sqlmock.NewRows(sessionColumns)
		var want []uint64
		for i, u := range picked {
			rows.AddRow(fmt.Sprint(5000+i), started, int64(i+1), u, "h", int64(1), nil)
			if u != "rdsadmin" && u != "rdsrepladmin" {
				want = append(want, uint64(i+1))
			}
		}
		fx.expectSessions(finder, rows)

		recs, err := finder.Find(context.Background())
		if err != nil {
			rt.Fatalf("find: %v", err)
		}
		var got []uint64
		for _, r := range recs {
			if finder.Excluded(r.User) {
				rt.Fatalf("excluded user %q returned", r.User)
			}
			got = append(got, r.ThreadID)
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			rt.Fatalf("got threads %v want %v", got, want)
		}
	})
}

func TestRemediator_ContinuesAfterFailure(t *testing.T) {
	fx := newFixture(t)
	finder := NewFinder(fx.conn, DefaultExcludedUsers, time.Second, 0)
	fx.expectSessions(finder, threeSessions())
	fx.mock.ExpectExec("KILL 11").WillReturnResult(sqlmock.NewResult(0, 0))
	fx.mock.ExpectExec("KILL 12").WillReturnError(errors.New("You are not owner of thread 12"))
	fx.mock.ExpectExec("KILL 13").WillReturnResult(sqlmock.NewResult(0, 0))

	r := NewRemediator(fx.conn, finder, RemediatorOptions{Logger: fx.log, KillTimeout: time.Second})
	pass, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, pass.Outcomes, 3)

	assert.True(t, pass.Outcomes[0].Killed)
	assert.False(t, pass.Outcomes[1].Killed)
	assert.ErrorIs(t, pass.Outcomes[1].Err, ErrTermination)
	assert.False(t, pass.Outcomes[1].Gone)
	assert.True(t, pass.Outcomes[2].Killed)
	assert.Equal(t, 2, pass.Killed())
	assert.Equal(t, 1, pass.Failed())
	assert.NotEqual(t, uuid.Nil, pass.ID)
	assert.NoError(t, fx.mock.ExpectationsWereMet())

	logs := fx.logs.String()
	audit := strings.Index(logs, "KILLING trx_id=1003, thread_id=13, started=2025-06-03 09:02:00")
	done := strings.Index(logs, "successfully killed thread 13")
	require.GreaterOrEqual(t, audit, 0, logs)
	assert.Less(t, audit, done)
	assert.Contains(t, logs, "query: SELECT SLEEP(1000)")
}

func TestRemediator_UnknownThreadIsGone(t *testing.T) {
	fx := newFixture(t)
	fx.mock.ExpectExec("CALL mysql.rds_kill(42)").
		WillReturnError(&mysql.MySQLError{Number: 1094, Message: "Unknown thread id: 42"})

	r := NewRemediator(fx.conn, nil, RemediatorOptions{Mode: KillRDS, Logger: fx.log})
	out := r.Kill(context.Background(), []Record{{TrxID: "7", ThreadID: 42, StartedAt: started}})
	require.Len(t, out, 1)
	assert.True(t, out[0].Gone)
	assert.False(t, out[0].Killed)
	assert.ErrorIs(t, out[0].Err, ErrTermination)
	assert.Equal(t, 0, Pass{Outcomes: out}.Failed())
}

func TestRemediator_DryRunIssuesNothing(t *testing.T) {
	fx := newFixture(t)
	r := NewRemediator(fx.conn, nil, RemediatorOptions{DryRun: true, Logger: fx.log})
	out := r.Kill(context.Background(), []Record{{TrxID: "1", ThreadID: 1}, {TrxID: "2", ThreadID: 2}})
	require.Len(t, out, 2)
	for _, o := range out {
		assert.False(t, o.Killed)
		assert.NoError(t, o.Err)
	}
	assert.NoError(t, fx.mock.ExpectationsWereMet())
	assert.Contains(t, fx.logs.String(), "dry_run=true")
}

func TestRemediator_FinderFailureAbortsPass(t *testing.T) {
	fx := newFixture(t)
	finder := NewFinder(fx.conn, DefaultExcludedUsers, time.Second, 0)
	q, _ := finder.query()
	fx.mock.ExpectQuery(q).WillReturnError(errors.New("timeout"))

	pass, err := NewRemediator(fx.conn, finder, RemediatorOptions{Logger: fx.log}).Run(context.Background())
	assert.ErrorIs(t, err, ErrQuery)
	assert.ErrorIs(t, pass.Err, ErrQuery)
	assert.Empty(t, pass.Outcomes)
	assert.NoError(t, fx.mock.ExpectationsWereMet())
}

func TestParseKillMode(t *testing.T) {
	m, err := ParseKillMode("")
	require.NoError(t, err)
	assert.Equal(t, KillStatement, m)
	m, err = ParseKillMode("rds")
	require.NoError(t, err)
	assert.Equal(t, "CALL mysql.rds_kill(9)", m.statement(9))
	_, err = ParseKillMode("terminate")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "żó", truncate("żółw", 2))
	assert.Len(t, truncate(strings.Repeat("x", 600), 0), DefaultSnippetLen)
}
