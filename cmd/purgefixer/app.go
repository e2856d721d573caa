package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/BlueSageSolutions/db-maintenance/internal/config"
	"github.com/BlueSageSolutions/db-maintenance/internal/dbconn"
	"github.com/BlueSageSolutions/db-maintenance/internal/history"
	"github.com/BlueSageSolutions/db-maintenance/internal/history/factory"
	"github.com/BlueSageSolutions/db-maintenance/internal/logger"
	"github.com/BlueSageSolutions/db-maintenance/internal/metrics"
	"github.com/BlueSageSolutions/db-maintenance/internal/monitor"
	"github.com/BlueSageSolutions/db-maintenance/internal/server"
	"github.com/BlueSageSolutions/db-maintenance/internal/session"
)

const shutdownTimeout = 5 * time.Second

// app holds the collaborators built from one loaded configuration.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	conn       *dbconn.Connector
	status     *dbconn.StatusSource
	finder     *session.Finder
	remediator *session.Remediator
	closers    []io.Closer
}

// newApp wires the logger and the MySQL side. The connection pool is lazy:
// nothing is dialed until the first Acquire.
func newApp(cfg *config.Config, stdout io.Writer) (*app, error) {
	log, logCloser := logger.New(cfg.Log, stdout)
	a := &app{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	mc, err := cfg.MySQL.DriverConfig()
	if err != nil {
		a.Close()
		return nil, err
	}
	conn, err := dbconn.OpenConfig(mc)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.conn = conn
	a.closers = append(a.closers, conn)

	mode, err := session.ParseKillMode(cfg.Monitor.KillMode)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.status = dbconn.NewStatusSource(conn, cfg.Monitor.QueryTimeout)
	a.finder = session.NewFinder(conn, cfg.Monitor.ExcludedUsers, cfg.Monitor.QueryTimeout, cfg.Monitor.SnippetLen)
	a.remediator = session.NewRemediator(conn, a.finder, session.RemediatorOptions{
		Mode:        mode,
		KillTimeout: cfg.Monitor.KillTimeout,
		DryRun:      cfg.Monitor.DryRun,
		Logger:      log,
	})
	return a, nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
	a.closers = nil
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// historySink opens every configured audit destination. It returns nil when
// none is configured.
func (a *app) historySink(ctx context.Context) (history.Sink, error) {
	var sinks history.Multi
	for _, dsn := range a.cfg.History.DSN {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		if c, ok := s.(io.Closer); ok {
			a.closers = append(a.closers, c)
		}
		if e, ok := s.(schemaEnsurer); ok {
			if err := e.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("history sink schema: %w", err)
			}
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

// serve runs the monitor loop plus the optional status and metrics
// listeners until ctx is cancelled or one of them fails.
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg

	sink, err := a.historySink(ctx)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	opts := monitor.Options{
		Status:      a.status,
		Remediator:  a.remediator,
		Threshold:   cfg.Monitor.StallThreshold,
		Interval:    cfg.Monitor.Interval,
		Logger:      a.log,
		Sink:        sink,
		SinkTimeout: cfg.History.Timeout,
	}
	mon, err := monitor.New(opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })

	// metrics share the status listener unless they have their own address
	separateMetrics := cfg.Metrics.Enabled && cfg.Metrics.Listen != "" && cfg.Metrics.Listen != cfg.Server.Listen

	if cfg.Server.Listen != "" {
		ropts := []server.RouterOption{server.WithSessions(a.remediator)}
		if cfg.Metrics.Enabled && !separateMetrics {
			ropts = append(ropts, server.WithMetrics())
		}
		srv, err := server.NewServer(cfg.Server.Listen, cfg.Server.Engine, server.NewRouter(mon, cfg.Server.BasePath, ropts...))
		if err != nil {
			return err
		}
		g.Go(func() error { return listenAndServe(gctx, srv, a.log, "status server") })
	}

	if separateMetrics {
		g.Go(func() error { return listenAndServe(gctx, metricsServer(cfg.Metrics.Listen), a.log, "metrics server") })
	}

	return g.Wait()
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// listenAndServe runs srv until ctx is done and then shuts it down gracefully.
func listenAndServe(ctx context.Context, srv *http.Server, log *slog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info(name+" listening", "addr", srv.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", name, err)
		}
		return nil
	}
}
