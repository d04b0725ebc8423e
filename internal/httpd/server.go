// Package httpd is the boss/worker HTTP core: a single dispatcher
// accepts connections into a bounded queue, pooled workers drain it
// and drive the keep-alive loop, classifying each request as a
// loopback control command, a bound application handler, or a static
// document.
package httpd

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/nesta-server/nesta/internal/accesslog"
	"github.com/nesta-server/nesta/internal/cache"
	"github.com/nesta-server/nesta/internal/config"
	"github.com/nesta-server/nesta/internal/metrics"
	"github.com/nesta-server/nesta/internal/queue"
	"github.com/nesta-server/nesta/internal/worker"
	"github.com/nesta-server/nesta/internal/zone"
	"github.com/nesta-server/nesta/pkg/logger"
)

// Server owns the listener, the request queue and the worker pool.
type Server struct {
	cfg       *config.Config
	cache     *cache.FileCache
	accessLog *accesslog.Writer
	bindings  map[string]*zone.Binding

	queue *queue.Queue
	pool  *worker.Pool

	mu        sync.Mutex
	ln        net.Listener
	startTime time.Time

	shutdown *atomic.Bool
	stopOnce sync.Once
	onStop   func()
}

// New builds the server from the loaded configuration. fileCache and
// accessLog may be nil; both degrade to no-ops.
func New(cfg *config.Config, fileCache *cache.FileCache, accessLog *accesslog.Writer) *Server {
	s := &Server{
		cfg:       cfg,
		cache:     fileCache,
		accessLog: accessLog,
		bindings:  make(map[string]*zone.Binding, len(cfg.Bindings)),
		queue:     queue.New(cfg.HTTP.Backlog),
		shutdown:  atomic.NewBool(false),
	}
	for _, b := range cfg.Bindings {
		if _, ok := s.bindings[b.ContentName]; !ok {
			s.bindings[b.ContentName] = b
		}
	}
	s.pool = worker.NewPool(s.queue,
		cfg.MinWorkers(), cfg.MaxWorkers(),
		time.Duration(cfg.HTTP.WorkerThreadTimeout)*time.Second,
		time.Duration(cfg.HTTP.WorkerThreadCheckInterval)*time.Second,
		s.serveConn)
	return s
}

// OnStop registers the callback run after the stop command's response
// has been written. Set it before Serve.
func (s *Server) OnStop(fn func()) {
	s.onStop = fn
}

// Pool returns the worker pool for status snapshots.
func (s *Server) Pool() *worker.Pool {
	return s.pool
}

// Addr returns the bound listener address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// StartTime returns the time Serve began accepting.
func (s *Server) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// Serve listens on the configured port and runs the accept loop until
// Stop closes the listener. The elasticity rule runs after every
// accept: queued work plus a free elastic slot adds a worker.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HTTP.PortNo))
	if err != nil {
		return fmt.Errorf("httpd: listen port %d: %w", s.cfg.HTTP.PortNo, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.startTime = time.Now()
	s.mu.Unlock()

	s.pool.Start()
	logger.Trace("http port: %d on %s listening ... %d threads", listenPort(ln), localIP(), s.pool.Min())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("httpd: accept: %v", err)
			continue
		}
		if s.shutdown.Load() {
			conn.Close()
			return nil
		}

		it := queue.Item{Conn: conn, RemoteAddr: conn.RemoteAddr()}
		if err := s.queue.Push(it); err != nil {
			logger.Error("httpd: %s: request queue full, connection dropped", conn.RemoteAddr())
			errorPage(conn, http.StatusInternalServerError, 0, 0)
			conn.Close()
		} else {
			metrics.QueueDepthGauge.Set(float64(s.queue.Len()))
		}
		s.pool.Extend()
	}
}

// Stop closes the listener and drains the worker pool. Safe to call
// more than once and from a worker.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.shutdown.Store(true)
		s.mu.Lock()
		ln := s.ln
		s.mu.Unlock()
		if ln != nil {
			ln.Close()
		}
		s.pool.Stop()
		logger.Info("http server stopped")
	})
}

func listenPort(ln net.Listener) int {
	if a, ok := ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// localIP returns a non-loopback address of this host for the startup
// banner, falling back to 0.0.0.0.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "0.0.0.0"
}
