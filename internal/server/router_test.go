package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlueSageSolutions/db-maintenance/internal/innodb"
	"github.com/BlueSageSolutions/db-maintenance/internal/metrics"
	"github.com/BlueSageSolutions/db-maintenance/internal/monitor"
	"github.com/BlueSageSolutions/db-maintenance/internal/session"
	"github.com/BlueSageSolutions/db-maintenance/internal/stall"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	rep      monitor.Report
	ok       bool
	interval time.Duration
}

func (f fakeProvider) Last() (monitor.Report, bool) { return f.rep, f.ok }
func (f fakeProvider) Interval() time.Duration      { return f.interval }

type fakeLister struct {
	recs []session.Record
	err  error
}

func (f fakeLister) Find(context.Context) ([]session.Record, error) { return f.recs, f.err }

func escalatedReport() monitor.Report {
	return monitor.Report{
		Cycle: 3,
		At:    now.Add(-time.Minute),
		Snapshot: innodb.Snapshot{
			TrxIDCounter:      innodb.Some(5200),
			PurgeDoneUpTo:     innodb.Some(1000),
			HistoryListLength: innodb.Some(30),
		},
		Verdict: stall.Verdict{Kind: stall.Stalled, Count: 3, Escalate: true, DeltaTrx: 100},
		State:   stall.State{LastTrxID: innodb.Some(5200), LastPurgeDone: innodb.Some(1000)},
		Pass: &session.Pass{
			ID:       uuid.New(),
			Sessions: []session.Record{{TrxID: "9", ThreadID: 90, User: "app"}, {TrxID: "10", ThreadID: 91, User: "etl"}},
			Outcomes: []session.Outcome{
				{TrxID: "9", ThreadID: 90, Killed: true},
				{TrxID: "10", ThreadID: 91, Err: fmt.Errorf("%w: denied", session.ErrTermination)},
			},
		},
	}
}

func setupRouter(t *testing.T, src StatusProvider, base string, opts ...RouterOption) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	opts = append(opts, WithClock(func() time.Time { return now }))
	return NewRouter(src, base, opts...).Handler()
}

func doReq(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus_NoCycleYet(t *testing.T) {
	h := setupRouter(t, fakeProvider{interval: time.Minute}, "/purge")
	rec := doReq(t, h, "/purge/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus_Report(t *testing.T) {
	h := setupRouter(t, fakeProvider{rep: escalatedReport(), ok: true, interval: time.Minute}, "purge/")
	rec := doReq(t, h, "/purge/status")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["cycle"])

	verdict := body["verdict"].(map[string]any)
	assert.Equal(t, "stalled", verdict["kind"])
	assert.Equal(t, true, verdict["escalate"])

	pass := body["pass"].(map[string]any)
	assert.Equal(t, float64(1), pass["killed"])
	assert.Equal(t, float64(1), pass["failed"])
	outcomes := pass["outcomes"].([]any)
	require.Len(t, outcomes, 2)
	assert.Contains(t, outcomes[1].(map[string]any)["error"], "denied")
}

func TestStatus_FetchError(t *testing.T) {
	rep := monitor.Report{Cycle: 1, At: now, Err: errors.New("status unavailable")}
	h := setupRouter(t, fakeProvider{rep: rep, ok: true, interval: time.Minute}, "")
	rec := doReq(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"status unavailable"`)
	assert.NotContains(t, rec.Body.String(), `"pass"`)
}

func TestHealthz(t *testing.T) {
	fresh := monitor.Report{Cycle: 4, At: now.Add(-2 * time.Minute)}
	stale := monitor.Report{Cycle: 4, At: now.Add(-20 * time.Minute)}

	h := setupRouter(t, fakeProvider{rep: fresh, ok: true, interval: 5 * time.Minute}, "")
	assert.Equal(t, http.StatusOK, doReq(t, h, "/healthz").Code)

	h = setupRouter(t, fakeProvider{rep: stale, ok: true, interval: 5 * time.Minute}, "")
	rec := doReq(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "20m0s old")

	h = setupRouter(t, fakeProvider{interval: 5 * time.Minute}, "")
	assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, "/healthz").Code)
}

func TestSessions(t *testing.T) {
	src := fakeProvider{interval: time.Minute}

	h := setupRouter(t, src, "")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, "/sessions").Code, "disabled without a lister")

	h = setupRouter(t, src, "", WithSessions(fakeLister{recs: []session.Record{{TrxID: "1", ThreadID: 2, User: "app"}}}))
	rec := doReq(t, h, "/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"thread_id":2`)

	h = setupRouter(t, src, "", WithSessions(fakeLister{err: session.ErrQuery}))
	assert.Equal(t, http.StatusBadGateway, doReq(t, h, "/sessions").Code)
}

func TestMetricsRoute(t *testing.T) {
	require.NoError(t, metrics.Register(prometheus.DefaultRegisterer))
	metrics.IncEscalation()

	h := setupRouter(t, fakeProvider{interval: time.Minute}, "/purge", WithMetrics())
	rec := doReq(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "purgefixer_remediation_escalations_total"))

	h = setupRouter(t, fakeProvider{interval: time.Minute}, "/purge")
	assert.Equal(t, http.StatusNotFound, doReq(t, h, "/metrics").Code)
}

func TestNewServer_Engines(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(fakeProvider{rep: escalatedReport(), ok: true, interval: time.Minute}, "/api", WithClock(func() time.Time { return now }))

	for _, engine := range []string{"gin", "echo", ""} {
		srv, err := NewServer(":0", engine, r)
		require.NoError(t, err)
		rec := doReq(t, srv.Handler, "/api/status")
		assert.Equal(t, http.StatusOK, rec.Code, "engine %q", engine)
		assert.Equal(t, http.StatusOK, doReq(t, srv.Handler, "/api/healthz").Code, "engine %q", engine)
	}

	_, err := NewServer(":0", "chi", r)
	assert.Error(t, err)
}
