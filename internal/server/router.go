package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/BlueSageSolutions/db-maintenance/internal/innodb"
	"github.com/BlueSageSolutions/db-maintenance/internal/metrics"
	"github.com/BlueSageSolutions/db-maintenance/internal/monitor"
	"github.com/BlueSageSolutions/db-maintenance/internal/session"
	"github.com/BlueSageSolutions/db-maintenance/internal/stall"
)

// StatusProvider exposes the monitor's last cycle. *monitor.Monitor satisfies it.
type StatusProvider interface {
	Last() (monitor.Report, bool)
	Interval() time.Duration
}

// SessionLister lists the sessions a remediation pass would target.
type SessionLister interface {
	Find(ctx context.Context) ([]session.Record, error)
}

// Router provides read-only HTTP handlers for the purge monitor.
// Endpoints:
//
//	GET {basePath}/status    last cycle report
//	GET {basePath}/healthz   503 when no cycle completed within three intervals
//	GET {basePath}/sessions  blocking sessions right now (when a lister is set)
//	GET /metrics             Prometheus exposition (when metrics are enabled)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src      StatusProvider
	sessions SessionLister
	basePath string
	metrics  bool
	now      func() time.Time
}

type RouterOption func(*Router)

// WithSessions enables GET {basePath}/sessions.
func WithSessions(l SessionLister) RouterOption { return func(r *Router) { r.sessions = l } }

// WithMetrics mounts the Prometheus handler on /metrics.
func WithMetrics() RouterOption { return func(r *Router) { r.metrics = true } }

// WithClock overrides time.Now for staleness checks.
func WithClock(now func() time.Time) RouterOption { return func(r *Router) { r.now = now } }

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(src StatusProvider, basePath string, opts ...RouterOption) *Router {
	r := &Router{src: src, basePath: sanitizeBase(basePath), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	if r.sessions != nil {
		group.GET("/sessions", r.handleSessions)
	}
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// EchoHandler mounts the gin handler inside an echo instance.
func (r *Router) EchoHandler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	h := echo.WrapHandler(r.Handler())
	e.Any("/", h)
	e.Any("/*", h)
	return e
}

// NewServer builds an HTTP server for addr using the given engine ("gin" or "echo").
// The caller runs ListenAndServe and Shutdown.
func NewServer(addr, engine string, r *Router) (*http.Server, error) {
	var h http.Handler
	switch engine {
	case "", "gin":
		h = r.Handler()
	case "echo":
		h = r.EchoHandler()
	default:
		return nil, fmt.Errorf("unknown server engine %q", engine)
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type outcomeResp struct {
	session.Outcome
	Error string `json:"error,omitempty"`
}

type passResp struct {
	ID        string           `json:"id"`
	StartedAt time.Time        `json:"started_at"`
	Sessions  []session.Record `json:"sessions"`
	Outcomes  []outcomeResp    `json:"outcomes"`
	Killed    int              `json:"killed"`
	Failed    int              `json:"failed"`
	Error     string           `json:"error,omitempty"`
}

type statusResp struct {
	Cycle    uint64          `json:"cycle"`
	At       time.Time       `json:"at"`
	Snapshot innodb.Snapshot `json:"snapshot"`
	Verdict  stall.Verdict   `json:"verdict"`
	State    stall.State     `json:"state"`
	Pass     *passResp       `json:"pass,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type healthResp struct {
	OK        bool      `json:"ok"`
	Cycle     uint64    `json:"cycle,omitempty"`
	LastCycle time.Time `json:"last_cycle,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func newStatusResp(rep monitor.Report) statusResp {
	out := statusResp{Cycle: rep.Cycle, At: rep.At, Snapshot: rep.Snapshot, Verdict: rep.Verdict, State: rep.State}
	if rep.Err != nil {
		out.Error = rep.Err.Error()
	}
	if p := rep.Pass; p != nil {
		pr := &passResp{ID: p.ID.String(), StartedAt: p.StartedAt, Sessions: p.Sessions, Killed: p.Killed(), Failed: p.Failed()}
		for _, o := range p.Outcomes {
			or := outcomeResp{Outcome: o}
			if o.Err != nil {
				or.Error = o.Err.Error()
			}
			pr.Outcomes = append(pr.Outcomes, or)
		}
		if p.Err != nil {
			pr.Error = p.Err.Error()
		}
		out.Pass = pr
	}
	return out
}

func (r *Router) handleStatus(c *gin.Context) {
	rep, ok := r.src.Last()
	if !ok {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "no cycle completed yet"})
		return
	}
	writeJSON(c, http.StatusOK, newStatusResp(rep))
}

func (r *Router) handleHealth(c *gin.Context) {
	rep, ok := r.src.Last()
	if !ok {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Error: "no cycle completed yet"})
		return
	}
	resp := healthResp{OK: true, Cycle: rep.Cycle, LastCycle: rep.At}
	if age := r.now().Sub(rep.At); age > 3*r.src.Interval() {
		resp.OK = false
		resp.Error = "last cycle is " + age.Truncate(time.Second).String() + " old"
		writeJSON(c, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleSessions(c *gin.Context) {
	recs, err := r.sessions.Find(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, recs)
}
