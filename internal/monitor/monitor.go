package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BlueSageSolutions/db-maintenance/internal/dbconn"
	"github.com/BlueSageSolutions/db-maintenance/internal/history"
	"github.com/BlueSageSolutions/db-maintenance/internal/innodb"
	"github.com/BlueSageSolutions/db-maintenance/internal/metrics"
	"github.com/BlueSageSolutions/db-maintenance/internal/session"
	"github.com/BlueSageSolutions/db-maintenance/internal/stall"
)

// DefaultInterval is the pause between two cycles.
const DefaultInterval = 5 * time.Minute

// StatusFetcher returns the raw SHOW ENGINE INNODB STATUS text.
type StatusFetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// Remediator runs one remediation pass.
type Remediator interface {
	Run(ctx context.Context) (session.Pass, error)
}

// StallTracker is the pure stall transition function. Limit is the stall
// count at which it escalates.
type StallTracker interface {
	Update(s stall.State, snap innodb.Snapshot) (stall.State, stall.Verdict)
	Limit() uint32
}

type Options struct {
	Status      StatusFetcher
	Remediator  Remediator
	Tracker     StallTracker  // defaults to stall.Tracker{Threshold: Threshold}
	Threshold   uint32        // must match Tracker.Limit when both are set
	Interval    time.Duration // defaults to DefaultInterval
	Logger      *slog.Logger
	Sink        history.Sink  // optional remediation audit
	SinkTimeout time.Duration // per event; dbconn.DefaultQueryTimeout when unset
	Clock       func() time.Time
}

// Report describes one completed cycle.
type Report struct {
	Cycle    uint64          `json:"cycle"`
	At       time.Time       `json:"at"`
	Snapshot innodb.Snapshot `json:"snapshot"`
	Verdict  stall.Verdict   `json:"verdict"`
	State    stall.State     `json:"state"`
	Pass     *session.Pass   `json:"pass,omitempty"`
	Err      error           `json:"-"`
}

// Monitor polls the purge counters on a fixed interval and escalates to the
// Remediator once purge has been stalled for Threshold cycles. Cycles never
// overlap; the only state shared with other goroutines is the last Report.
type Monitor struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	cycles uint64

	mu   sync.Mutex
	last *Report
}

func New(opts Options) (*Monitor, error) {
	if opts.Status == nil {
		return nil, errors.New("monitor: status source is required")
	}
	if opts.Remediator == nil {
		return nil, errors.New("monitor: remediator is required")
	}
	if opts.Tracker == nil {
		opts.Tracker = stall.Tracker{Threshold: opts.Threshold}
	}
	limit := opts.Tracker.Limit()
	if opts.Threshold != 0 && opts.Threshold != limit {
		return nil, fmt.Errorf("monitor: threshold %d does not match tracker limit %d", opts.Threshold, limit)
	}
	opts.Threshold = limit
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	m := &Monitor{opts: opts, log: opts.Logger, now: opts.Clock}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Run cycles until ctx is cancelled and then returns nil. The state starts
// cold and lives only in this goroutine.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("purge monitor started", "interval", m.opts.Interval.String(), "threshold", m.opts.Threshold)
	var st stall.State
	for {
		st, _ = m.Cycle(ctx, st)

		t := time.NewTimer(m.opts.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			m.log.Info("purge monitor stopped")
			return nil
		case <-t.C:
		}
	}
}

// Cycle runs a single fetch, parse, evaluate and (optionally) remediate step.
// When the status cannot be fetched the tracker is not consulted and st is
// returned unchanged.
func (m *Monitor) Cycle(ctx context.Context, st stall.State) (stall.State, Report) {
	m.cycles++
	rep := Report{Cycle: m.cycles, At: m.now(), State: st}
	m.log.Info("--- InnoDB Purge Monitor ---", "cycle", rep.Cycle)

	began := time.Now()
	text, err := m.opts.Status.Fetch(ctx)
	metrics.ObserveFetchDuration(time.Since(began).Seconds())
	if err != nil {
		m.log.Error("could not fetch InnoDB status", "err", err)
		metrics.IncFetchError(fetchReason(err))
		rep.Err = err
		m.store(rep)
		return st, rep
	}

	snap := innodb.Parse(text, rep.At)
	rep.Snapshot = snap
	metrics.SetSnapshot(snap.TrxIDCounter.Value, snap.PurgeDoneUpTo.Value, snap.HistoryListLength.Value,
		snap.TrxIDCounter.Valid, snap.PurgeDoneUpTo.Valid, snap.HistoryListLength.Valid)

	next, v := m.opts.Tracker.Update(st, snap)
	rep.Verdict = v
	metrics.IncCycle(v.Kind.String())
	metrics.SetConsecutiveStalls(v.Count)

	m.log.Info(fmt.Sprintf("Trx ID: %s | Purge Done: %s | History List Length: %s",
		snap.TrxIDCounter, snap.PurgeDoneUpTo, snap.HistoryListLength))

	if !snap.Complete() {
		rep.Err = fmt.Errorf("%w: %s", innodb.ErrMetricParseIncomplete, strings.Join(snap.Missing(), ", "))
		m.log.Warn("could not parse required metrics from InnoDB status", "missing", strings.Join(snap.Missing(), ","))
		rep.State = next
		m.store(rep)
		return next, rep
	}

	m.log.Info(fmt.Sprintf("  Δ Trx ID: %d | Δ Purged: %d", v.DeltaTrx, v.DeltaPurge), "cold_start", v.ColdStart)
	if v.Kind == stall.Stalled {
		m.log.Warn(fmt.Sprintf("  purge may be stalled (%d/%d)", v.Count, m.opts.Threshold))
	}

	if v.Escalate {
		pass := m.remediate(ctx, snap, v.Count, rep.At)
		rep.Pass = &pass
		next = next.Remediated()
		metrics.SetConsecutiveStalls(next.ConsecutiveStalls)
	}

	rep.State = next
	m.store(rep)
	return next, rep
}

func (m *Monitor) remediate(ctx context.Context, snap innodb.Snapshot, count uint32, at time.Time) session.Pass {
	m.log.Warn("ALERT: purge stalled too long, killing blocking transactions", "stalls", count)
	metrics.IncEscalation()

	pass, err := m.opts.Remediator.Run(ctx)
	if err != nil {
		metrics.IncQueryFailure()
		m.log.Error("failed during transaction kill phase", "pass", pass.ID, "err", err)
	} else {
		for _, o := range pass.Outcomes {
			metrics.IncKill(outcomeLabel(o))
		}
		m.log.Info("remediation pass finished", "pass", pass.ID, "sessions", len(pass.Sessions),
			"killed", pass.Killed(), "failed", pass.Failed())
	}

	if m.opts.Sink != nil {
		for _, e := range history.PassEvents(pass, snap, count, at) {
			sctx, cancel := dbconn.WithTimeout(ctx, m.opts.SinkTimeout)
			serr := m.opts.Sink.Send(sctx, e)
			cancel()
			if serr != nil {
				m.log.Warn("history sink rejected event", "event", e.Type, "pass", pass.ID, "err", serr)
			}
		}
	}
	return pass
}

func (m *Monitor) store(r Report) {
	m.mu.Lock()
	m.last = &r
	m.mu.Unlock()
}

// Last returns the most recent cycle report, if any cycle has run.
func (m *Monitor) Last() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}

// Interval is the configured pause between cycles.
func (m *Monitor) Interval() time.Duration { return m.opts.Interval }

func fetchReason(err error) string {
	switch {
	case errors.Is(err, dbconn.ErrConnection):
		return "connection"
	case errors.Is(err, dbconn.ErrStatusUnavailable):
		return "status_unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	}
	return "other"
}

func outcomeLabel(o session.Outcome) string {
	switch {
	case o.Killed:
		return "killed"
	case o.Gone:
		return "gone"
	case o.Err != nil:
		return "failed"
	}
	return "skipped"
}
