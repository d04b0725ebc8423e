// Package app assembles the server from one configuration and drives
// its lifecycle: logging redirection, the file cache, the session
// stores, the relay and HTTP listeners, the init hooks, signal
// handling and the ordered shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/nesta-server/nesta/internal/accesslog"
	"github.com/nesta-server/nesta/internal/cache"
	"github.com/nesta-server/nesta/internal/config"
	"github.com/nesta-server/nesta/internal/handler/http/health"
	"github.com/nesta-server/nesta/internal/handler/http/workers"
	"github.com/nesta-server/nesta/internal/httpd"
	"github.com/nesta-server/nesta/internal/monitor"
	"github.com/nesta-server/nesta/internal/relay"
	"github.com/nesta-server/nesta/internal/session"
	"github.com/nesta-server/nesta/pkg/logger"
)

const monitorShutdownTimeout = 10 * time.Second

// App owns every runtime component built from one configuration.
type App struct {
	cfg       *config.Config
	readiness *atomic.Bool

	fileCache *cache.FileCache
	accessLog *accesslog.Writer
	sessions  *session.Manager
	httpd     *httpd.Server
	relay     *relay.Server
	monitor   *monitor.Server

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewApp builds the components from the loaded configuration. Log
// redirection happens first so every later line already lands in the
// configured files.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg.HTTP.ErrorFile != "" {
		if err := logger.RedirectError(cfg.HTTP.ErrorFile); err != nil {
			return nil, err
		}
	}
	if cfg.HTTP.OutputFile != "" {
		if err := logger.RedirectOutput(cfg.HTTP.OutputFile); err != nil {
			return nil, err
		}
	}
	if cfg.HTTP.TraceFlag {
		logger.SetTrace(true)
	}

	a := &App{
		cfg:       cfg,
		readiness: atomic.NewBool(false),
		stopCh:    make(chan struct{}),
	}

	a.fileCache = cache.New(cfg.HTTP.FileCacheSize)
	if a.fileCache != nil {
		logger.Trace("file cache initialized (%d bytes).", cfg.HTTP.FileCacheSize)
	}

	w, err := accesslog.New(cfg.HTTP.AccessLogFname, cfg.HTTP.DailyLogFlag)
	if err != nil {
		return nil, err
	}
	a.accessLog = w

	a.sessions = session.NewManager(relayOptions(cfg))
	for _, z := range cfg.Zones {
		z.Sessions = a.sessions.AddZone(z.Name, z.MaxSession, z.SessionTimeout)
		if z.Sessions != nil {
			logger.Trace("zone %s: session store initialized.", z.Name)
		}
	}

	a.httpd = httpd.New(cfg, a.fileCache, a.accessLog)
	a.httpd.OnStop(a.initiateStop)
	logger.Trace("request queue initialized.")

	if cfg.HTTP.SessionRelay.Enabled() {
		a.relay = relay.NewServer(relay.ServerConfig{
			Host:    cfg.HTTP.SessionRelay.Host,
			Port:    cfg.HTTP.SessionRelay.Port,
			Backlog: cfg.HTTP.SessionRelay.Backlog,
			Workers: cfg.HTTP.SessionRelay.WorkerThread,
		}, a.sessions)
	}

	if cfg.HTTP.MonitorPort > 0 {
		a.monitor = monitor.New(cfg.HTTP.MonitorPort, a.readiness,
			health.NewHealthHandler(a.readiness),
			workers.NewWorkersHandler(a.httpd.Pool(), a.httpd.StartTime))
	}

	return a, nil
}

// relayOptions maps the configuration to the session manager's relay
// options, nil when the relay is not configured.
func relayOptions(cfg *config.Config) *session.RelayOptions {
	sr := cfg.HTTP.SessionRelay
	if !sr.Enabled() {
		return nil
	}
	return &session.RelayOptions{
		Self:          relay.Peer{Host: sr.Host, Port: sr.Port},
		CopySet:       cfg.CopyPeers,
		CheckInterval: time.Duration(sr.CheckIntervalTime) * time.Second,
	}
}

// Run executes the init hooks, starts the listeners and blocks until a
// signal, the stop command or a listener failure, then unwinds the
// components in order. It returns the first listener error, if any.
func (a *App) Run() error {
	for _, h := range a.cfg.InitHooks {
		if err := h.Func(a.cfg.UserParams); err != nil {
			return fmt.Errorf("init hook %s: %w", h.Name, err)
		}
		logger.Trace("init hook %s done.", h.Name)
	}

	a.sessions.Start()

	g, ctx := errgroup.WithContext(context.Background())
	// The relay listener opens before the HTTP port, matching the
	// startup order peers expect from a cluster member.
	if a.relay != nil {
		g.Go(a.relay.Serve)
	}
	g.Go(a.httpd.Serve)
	if a.monitor != nil {
		g.Go(a.monitor.Start)
	}
	a.readiness.Store(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("signal %v received, shutting down", sig)
	case <-a.stopCh:
		logger.Info("stop command received, shutting down")
	case <-ctx.Done():
		// A listener failed before any shutdown was requested.
	}

	a.unwind()
	err := g.Wait()
	logger.Info("terminated.")
	return err
}

// Stop triggers the same shutdown path as the stop command. It returns
// immediately; Run performs the actual teardown.
func (a *App) Stop() {
	a.initiateStop()
}

// initiateStop is the stop command callback. The command worker runs
// it after the response bytes are out, so it must not block on the
// worker pool itself.
func (a *App) initiateStop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// unwind stops the components in dependency order: no new traffic,
// drain the HTTP workers, stop the relay and the session sweepers, run
// the term hooks, release the access log, and finally the monitor so
// probes stay answerable through the drain.
func (a *App) unwind() {
	a.readiness.Store(false)

	a.httpd.Stop()
	if a.relay != nil {
		a.relay.Stop()
	}
	a.sessions.Stop()

	for _, h := range a.cfg.TermHooks {
		h.Func(a.cfg.UserParams)
		logger.Trace("term hook %s done.", h.Name)
	}

	a.accessLog.Close()

	if a.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), monitorShutdownTimeout)
		defer cancel()
		if err := a.monitor.Shutdown(ctx); err != nil {
			logger.Error("monitor shutdown: %v", err)
		}
	}
}
