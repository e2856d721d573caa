package client

import (
	"database/sql"
	"time"
)

// Metric is an optional counter; Valid is false when the status report lacked it.
type Metric struct {
	Value uint64 `json:"value"`
	Valid bool   `json:"valid"`
}

type Snapshot struct {
	TrxIDCounter      Metric    `json:"trx_id_counter"`
	PurgeDoneUpTo     Metric    `json:"purge_done_up_to"`
	HistoryListLength Metric    `json:"history_list_length"`
	ObservedAt        time.Time `json:"observed_at"`
}

type Verdict struct {
	Kind       string `json:"kind"`
	Count      uint32 `json:"count"`
	Escalate   bool   `json:"escalate"`
	DeltaTrx   int64  `json:"delta_trx"`
	DeltaPurge int64  `json:"delta_purge"`
	ColdStart  bool   `json:"cold_start"`
}

type State struct {
	LastTrxID         Metric `json:"last_trx_id"`
	LastPurgeDone     Metric `json:"last_purge_done"`
	ConsecutiveStalls uint32 `json:"consecutive_stalls"`
}

// Session is one blocking session as reported by the daemon.
type Session struct {
	TrxID     string         `json:"trx_id"`
	ThreadID  uint64         `json:"thread_id"`
	User      string         `json:"user"`
	Host      string         `json:"host"`
	StartedAt time.Time      `json:"started_at"`
	Elapsed   time.Duration  `json:"elapsed"`
	Query     sql.NullString `json:"query"`
}

type Outcome struct {
	ThreadID uint64 `json:"thread_id"`
	TrxID    string `json:"trx_id"`
	Killed   bool   `json:"killed"`
	Gone     bool   `json:"gone"`
	Error    string `json:"error,omitempty"`
}

// Pass summarizes the remediation pass run in a cycle, if any.
type Pass struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Sessions  []Session `json:"sessions"`
	Outcomes  []Outcome `json:"outcomes"`
	Killed    int       `json:"killed"`
	Failed    int       `json:"failed"`
	Error     string    `json:"error,omitempty"`
}

// StatusResponse is the body of GET {base}/status.
type StatusResponse struct {
	Cycle    uint64    `json:"cycle"`
	At       time.Time `json:"at"`
	Snapshot Snapshot  `json:"snapshot"`
	Verdict  Verdict   `json:"verdict"`
	State    State     `json:"state"`
	Pass     *Pass     `json:"pass,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// HealthResponse is the body of GET {base}/healthz.
type HealthResponse struct {
	OK        bool      `json:"ok"`
	Cycle     uint64    `json:"cycle,omitempty"`
	LastCycle time.Time `json:"last_cycle,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
