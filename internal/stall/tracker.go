package stall

import (
	"github.com/BlueSageSolutions/db-maintenance/internal/innodb"
)

// DefaultThreshold is the number of consecutive stalled cycles that triggers remediation.
const DefaultThreshold uint32 = 3

// Kind classifies one polling cycle.
type Kind int

const (
	Inconclusive Kind = iota
	Progressing
	Stalled
)

func (k Kind) String() string {
	switch k {
	case Progressing:
		return "progressing"
	case Stalled:
		return "stalled"
	default:
		return "inconclusive"
	}
}

// MarshalText lets Kind render as its name in JSON status output.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// State is the cross-cycle memory of the tracker. The zero value is cold start.
// It is owned by the monitor loop and threaded through Update by value.
type State struct {
	LastTrxID         innodb.Metric `json:"last_trx_id"`
	LastPurgeDone     innodb.Metric `json:"last_purge_done"`
	ConsecutiveStalls uint32        `json:"consecutive_stalls"`
}

// ColdStart reports whether no complete snapshot has been observed yet.
func (s State) ColdStart() bool { return !s.LastPurgeDone.Valid }

// Remediated returns s with the stall count cleared. The loop applies it after
// every remediation pass whatever the pass achieved.
func (s State) Remediated() State {
	s.ConsecutiveStalls = 0
	return s
}

// Verdict is the outcome of one Update.
type Verdict struct {
	Kind       Kind   `json:"kind"`
	Count      uint32 `json:"count"`
	Escalate   bool   `json:"escalate"`
	DeltaTrx   int64  `json:"delta_trx"`
	DeltaPurge int64  `json:"delta_purge"`
	ColdStart  bool   `json:"cold_start"`
}

// Tracker decides, cycle over cycle, whether purge has stopped advancing.
// Only the purge-done delta drives the decision; the trx id delta is
// reported for logging.
type Tracker struct {
	Threshold uint32
}

// Limit is the stall count that escalates, DefaultThreshold when unset.
func (t Tracker) Limit() uint32 {
	if t.Threshold == 0 {
		return DefaultThreshold
	}
	return t.Threshold
}

// Update is the transition function. It has no side effects: equal inputs
// always produce equal outputs.
func (t Tracker) Update(s State, snap innodb.Snapshot) (State, Verdict) {
	if !snap.Complete() {
		return s, Verdict{Kind: Inconclusive, Count: s.ConsecutiveStalls, ColdStart: s.ColdStart()}
	}

	v := Verdict{ColdStart: s.ColdStart()}
	// a missing prior reading counts as no movement
	if s.LastTrxID.Valid {
		v.DeltaTrx = delta(snap.TrxIDCounter.Value, s.LastTrxID.Value)
	}
	if s.LastPurgeDone.Valid {
		v.DeltaPurge = delta(snap.PurgeDoneUpTo.Value, s.LastPurgeDone.Value)
	}

	next := s
	if v.DeltaPurge == 0 {
		next.ConsecutiveStalls++
		v.Kind = Stalled
	} else {
		next.ConsecutiveStalls = 0
		v.Kind = Progressing
	}
	next.LastTrxID = snap.TrxIDCounter
	next.LastPurgeDone = snap.PurgeDoneUpTo

	v.Count = next.ConsecutiveStalls
	v.Escalate = v.Kind == Stalled && next.ConsecutiveStalls >= t.Limit()
	return next, v
}

// delta returns cur-prev as a signed value, saturating at the int64 range.
func delta(cur, prev uint64) int64 {
	if cur >= prev {
		d := cur - prev
		if d > 1<<63-1 {
			return 1<<63 - 1
		}
		return int64(d)
	}
	d := prev - cur
	if d > 1<<63 {
		return -1 << 63
	}
	return -int64(d)
}
