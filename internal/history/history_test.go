package history

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlueSageSolutions/db-maintenance/internal/innodb"
	"github.com/BlueSageSolutions/db-maintenance/internal/session"
)

var snap = innodb.Snapshot{
	TrxIDCounter:      innodb.Some(9000),
	PurgeDoneUpTo:     innodb.Some(8000),
	HistoryListLength: innodb.Some(123456),
}

func TestPassEvents_Outcomes(t *testing.T) {
	id := uuid.New()
	pass := session.Pass{
		ID: id,
		Sessions: []session.Record{
			{TrxID: "1", ThreadID: 11, User: "app", Host: "h1", Query: sql.NullString{String: "SELECT 1", Valid: true}},
			{TrxID: "2", ThreadID: 12, User: "etl", Host: "h2"},
		},
		Outcomes: []session.Outcome{
			{ThreadID: 11, TrxID: "1", Killed: true},
			{ThreadID: 12, TrxID: "2", Gone: true, Err: errors.New("unknown thread")},
		},
	}
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	events := PassEvents(pass, snap, 3, at)
	require.Len(t, events, 3)

	assert.Equal(t, EventEscalation, events[0].Type)
	assert.Equal(t, id.String(), events[0].PassID)
	assert.Equal(t, uint64(8000), events[0].PurgeDoneUpTo)
	assert.Equal(t, uint32(3), events[0].StallCount)
	assert.Equal(t, time.UTC, events[0].OccurredAt.Location())

	assert.Equal(t, EventKill, events[1].Type)
	assert.True(t, events[1].Killed)
	assert.Equal(t, "app", events[1].User)
	assert.Equal(t, "SELECT 1", events[1].Query)

	assert.Equal(t, uint64(12), events[2].ThreadID)
	assert.True(t, events[2].Gone)
	assert.Equal(t, "unknown thread", events[2].Error)
}

func TestPassEvents_FailedPass(t *testing.T) {
	pass := session.Pass{ID: uuid.New(), Err: errors.New("query failed")}
	events := PassEvents(pass, snap, 3, time.Now())
	require.Len(t, events, 2)
	assert.Equal(t, EventPassFailed, events[1].Type)
	assert.Equal(t, "query failed", events[1].Error)
}

type recordingSink struct {
	got []Event
	err error
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	r.got = append(r.got, e)
	return r.err
}

func TestMulti(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("down")}
	c := &recordingSink{}
	err := Multi{a, b, c}.Send(context.Background(), Event{Type: EventKill})
	assert.EqualError(t, err, "down")
	assert.Len(t, a.got, 1)
	assert.Len(t, c.got, 1, "a failing sink must not stop later sinks")

	assert.NoError(t, Multi{}.Send(context.Background(), Event{}))
}
