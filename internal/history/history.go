package history

import (
	"context"
	"errors"
	"time"

	"github.com/BlueSageSolutions/db-maintenance/internal/innodb"
	"github.com/BlueSageSolutions/db-maintenance/internal/session"
)

// EventType defines the kind of remediation event.
type EventType string

const (
	EventEscalation EventType = "escalation"
	EventKill       EventType = "kill"
	EventPassFailed EventType = "pass_failed"
)

// Table is the default table (or index) name used by the sinks.
const Table = "purge_remediation_history"

// Event is one audit entry of a remediation pass. Only escalations and kill
// attempts are recorded; per-cycle metrics are not.
type Event struct {
	Type              EventType `json:"type"`
	OccurredAt        time.Time `json:"occurred_at"`
	PassID            string    `json:"pass_id"`
	TrxIDCounter      uint64    `json:"trx_id_counter"`
	PurgeDoneUpTo     uint64    `json:"purge_done_up_to"`
	HistoryListLength uint64    `json:"history_list_length"`
	StallCount        uint32    `json:"stall_count"`
	ThreadID          uint64    `json:"thread_id,omitempty"`
	TrxID             string    `json:"trx_id,omitempty"`
	User              string    `json:"user,omitempty"`
	Host              string    `json:"host,omitempty"`
	Query             string    `json:"query,omitempty"`
	Killed            bool      `json:"killed"`
	Gone              bool      `json:"gone"`
	Error             string    `json:"error,omitempty"`
}

// Sink is a destination for remediation events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// PassEvents flattens a remediation pass into one escalation event followed
// by one event per kill attempt, or a single pass_failed event when the
// sessions could not be listed.
func PassEvents(p session.Pass, snap innodb.Snapshot, stallCount uint32, at time.Time) []Event {
	base := Event{
		OccurredAt:        at.UTC(),
		PassID:            p.ID.String(),
		TrxIDCounter:      snap.TrxIDCounter.Value,
		PurgeDoneUpTo:     snap.PurgeDoneUpTo.Value,
		HistoryListLength: snap.HistoryListLength.Value,
		StallCount:        stallCount,
	}
	esc := base
	esc.Type = EventEscalation
	out := []Event{esc}

	if p.Err != nil {
		failed := base
		failed.Type = EventPassFailed
		failed.Error = p.Err.Error()
		return append(out, failed)
	}

	byThread := make(map[uint64]session.Record, len(p.Sessions))
	for _, r := range p.Sessions {
		byThread[r.ThreadID] = r
	}
	for _, o := range p.Outcomes {
		e := base
		e.Type = EventKill
		e.ThreadID = o.ThreadID
		e.TrxID = o.TrxID
		e.Killed = o.Killed
		e.Gone = o.Gone
		if o.Err != nil {
			e.Error = o.Err.Error()
		}
		if r, ok := byThread[o.ThreadID]; ok {
			e.User = r.User
			e.Host = r.Host
			e.Query = r.Query.String
		}
		out = append(out, e)
	}
	return out
}

// Multi fans an event out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Columns lists the SQL columns written by the relational sinks, in the order of Event.Values.
var Columns = []string{
	"occurred_at", "event", "pass_id", "trx_id_counter", "purge_done_up_to",
	"history_list_length", "stall_count", "thread_id", "trx_id", "db_user",
	"host", "query", "killed", "gone", "error",
}

// Values returns the event as SQL arguments matching Columns. Empty strings
// and a zero thread id are stored as NULL.
func (e Event) Values() []any {
	return []any{
		e.OccurredAt.UTC(), string(e.Type), e.PassID, int64(e.TrxIDCounter), int64(e.PurgeDoneUpTo),
		int64(e.HistoryListLength), int64(e.StallCount), nullUint(e.ThreadID), nullString(e.TrxID),
		nullString(e.User), nullString(e.Host), nullString(e.Query), e.Killed, e.Gone, nullString(e.Error),
	}
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullUint(v uint64) any {
	if v == 0 {
		return nil
	}
	return int64(v)
}
