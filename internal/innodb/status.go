package innodb

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrMetricParseIncomplete reports that a status report lacked one or more
// of the counters needed to judge purge progress.
var ErrMetricParseIncomplete = errors.New("innodb status: required metrics missing")

// Metric is an optional counter read from the status report.
// Valid is false when the report did not contain it; that is not the same as zero.
type Metric struct {
	Value uint64 `json:"value"`
	Valid bool   `json:"valid"`
}

// Some returns a present Metric holding v.
func Some(v uint64) Metric { return Metric{Value: v, Valid: true} }

func (m Metric) String() string {
	if !m.Valid {
		return "n/a"
	}
	return strconv.FormatUint(m.Value, 10)
}

// Snapshot holds the purge-related counters from one SHOW ENGINE INNODB STATUS report.
type Snapshot struct {
	TrxIDCounter      Metric    `json:"trx_id_counter"`
	PurgeDoneUpTo     Metric    `json:"purge_done_up_to"`
	HistoryListLength Metric    `json:"history_list_length"`
	ObservedAt        time.Time `json:"observed_at"`
}

// Complete reports whether the counters required for stall tracking are present.
func (s Snapshot) Complete() bool {
	return s.TrxIDCounter.Valid && s.PurgeDoneUpTo.Valid
}

// Missing lists the names of absent counters in report order.
func (s Snapshot) Missing() []string {
	var out []string
	if !s.TrxIDCounter.Valid {
		out = append(out, "trx id counter")
	}
	if !s.PurgeDoneUpTo.Valid {
		out = append(out, "purge done")
	}
	if !s.HistoryListLength.Valid {
		out = append(out, "history list length")
	}
	return out
}

var (
	trxIDPattern     = regexp.MustCompile(`(?i)trx\s+id\s+counter\s+(\d+)`)
	purgeDonePattern = regexp.MustCompile(`(?i)purge\s+done\s+for\s+trx's\s+n:o\s*<\s*(\d+)`)
	historyPattern   = regexp.MustCompile(`(?i)history\s+list\s+length\s+(\d+)`)
)

// Parse extracts the trx id counter, purge progress marker and history list
// length from a raw status report. Lines are scanned top to bottom and the
// first occurrence of each counter wins; the TRANSACTIONS section may repeat
// labels further down. Parse never fails: counters it cannot find stay invalid.
func Parse(text string, at time.Time) Snapshot {
	snap := Snapshot{ObservedAt: at}
	for _, line := range strings.Split(text, "\n") {
		if snap.TrxIDCounter.Valid && snap.PurgeDoneUpTo.Valid && snap.HistoryListLength.Valid {
			break
		}
		if !snap.TrxIDCounter.Valid {
			snap.TrxIDCounter = match(trxIDPattern, line)
		}
		if !snap.PurgeDoneUpTo.Valid {
			snap.PurgeDoneUpTo = match(purgeDonePattern, line)
		}
		if !snap.HistoryListLength.Valid {
			snap.HistoryListLength = match(historyPattern, line)
		}
	}
	return snap
}

func match(re *regexp.Regexp, line string) Metric {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return Metric{}
	}
	// a value that overflows uint64 is not a usable counter; keep scanning
	v, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return Metric{}
	}
	return Some(v)
}
