package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "purgefixer"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	trxIDCounter = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "innodb",
			Name:      "trx_id_counter",
			Help:      "Last observed InnoDB transaction id counter.",
		},
	)
	purgeDoneUpTo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "innodb",
			Name:      "purge_done_trx_id",
			Help:      "Last observed transaction id below which purge has completed.",
		},
	)
	historyListLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "innodb",
			Name:      "history_list_length",
			Help:      "Last observed undo history list length.",
		},
	)
	consecutiveStalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "consecutive_stalls",
			Help:      "Number of consecutive cycles without purge progress.",
		},
	)
	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cycles_total",
			Help:      "Completed monitoring cycles by verdict.",
		}, []string{"verdict"},
	)
	fetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "fetch_errors_total",
			Help:      "Cycles skipped because the engine status could not be read.",
		}, []string{"reason"},
	)
	fetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "status_fetch_duration_seconds",
			Help:      "Time spent reading SHOW ENGINE INNODB STATUS.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "escalations_total",
			Help:      "Remediation passes started after a sustained stall.",
		},
	)
	kills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "kills_total",
			Help:      "Session termination attempts by outcome.",
		}, []string{"outcome"},
	)
	queryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "query_failures_total",
			Help:      "Remediation passes aborted because blocking sessions could not be listed.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		trxIDCounter, purgeDoneUpTo, historyListLength, consecutiveStalls,
		cycles, fetchErrors, fetchDuration, escalations, kills, queryFailures,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with the default registry
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by the monitor loop to record metrics.
// They no-op if Register hasn't been called.

// SetSnapshot publishes the parsed counters; absent values are left untouched.
func SetSnapshot(trxID, purgeDone, historyLen uint64, trxOK, purgeOK, historyOK bool) {
	if !regOK.Load() {
		return
	}
	if trxOK {
		trxIDCounter.Set(float64(trxID))
	}
	if purgeOK {
		purgeDoneUpTo.Set(float64(purgeDone))
	}
	if historyOK {
		historyListLength.Set(float64(historyLen))
	}
}

func SetConsecutiveStalls(n uint32) {
	if regOK.Load() {
		consecutiveStalls.Set(float64(n))
	}
}

func IncCycle(verdict string) {
	if regOK.Load() {
		cycles.WithLabelValues(verdict).Inc()
	}
}

func IncFetchError(reason string) {
	if regOK.Load() {
		fetchErrors.WithLabelValues(reason).Inc()
	}
}

func ObserveFetchDuration(seconds float64) {
	if regOK.Load() {
		fetchDuration.Observe(seconds)
	}
}

func IncEscalation() {
	if regOK.Load() {
		escalations.Inc()
	}
}

func IncKill(outcome string) {
	if regOK.Load() {
		kills.WithLabelValues(outcome).Inc()
	}
}

func IncQueryFailure() {
	if regOK.Load() {
		queryFailures.Inc()
	}
}
