package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*Connector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestFetch_ReturnsStatusColumn(t *testing.T) {
	c, mock := newMock(t)
	rows := sqlmock.NewRows([]string{"Type", "Name", "Status"}).
		AddRow("InnoDB", "", "Trx id counter 10\nHistory list length 2\n")
	mock.ExpectQuery(showInnoDBStatus).WillReturnRows(rows)

	text, err := NewStatusSource(c, time.Second).Fetch(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "Trx id counter 10")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetch_NoRow(t *testing.T) {
	c, mock := newMock(t)
	mock.ExpectQuery(showInnoDBStatus).WillReturnRows(sqlmock.NewRows([]string{"Type", "Name", "Status"}))

	_, err := NewStatusSource(c, time.Second).Fetch(context.Background())
	assert.ErrorIs(t, err, ErrStatusUnavailable)
}

func TestFetch_BlankStatus(t *testing.T) {
	c, mock := newMock(t)
	mock.ExpectQuery(showInnoDBStatus).WillReturnRows(
		sqlmock.NewRows([]string{"Type", "Name", "Status"}).AddRow("InnoDB", "", "  \n"))

	_, err := NewStatusSource(c, time.Second).Fetch(context.Background())
	assert.ErrorIs(t, err, ErrStatusUnavailable)
}

func TestFetch_QueryError(t *testing.T) {
	c, mock := newMock(t)
	mock.ExpectQuery(showInnoDBStatus).WillReturnError(errors.New("Access denied; you need the PROCESS privilege"))

	_, err := NewStatusSource(c, time.Second).Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatusUnavailable)
	assert.Contains(t, err.Error(), "PROCESS privilege")
}

type failingAcquirer struct{}

func (failingAcquirer) Acquire(context.Context) (*sql.Conn, error) {
	return nil, ErrConnection
}

func TestFetch_ConnectionError(t *testing.T) {
	_, err := NewStatusSource(failingAcquirer{}, time.Second).Fetch(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
}

func TestAcquire_CancelledContext(t *testing.T) {
	c, _ := newMock(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Acquire(ctx)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestOpen_Lazy(t *testing.T) {
	// sql.Open only validates the DSN; nothing is dialled yet
	c, err := Open("monitor:secret@tcp(127.0.0.1:1)/?parseTime=true")
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}

func TestOpenConfig(t *testing.T) {
	_, err := OpenConfig(nil)
	assert.Error(t, err)

	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = "127.0.0.1:1"
	mc.Timeout = 50 * time.Millisecond
	c, err := OpenConfig(mc)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
}

func TestWithTimeout_Default(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), 0)
	defer cancel()
	dl, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultQueryTimeout), dl, time.Second)
}
