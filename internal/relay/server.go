package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/nesta-server/nesta/internal/metrics"
	"github.com/nesta-server/nesta/internal/queue"
	"github.com/nesta-server/nesta/pkg/logger"
)

const serverIOTimeout = 10 * time.Second

// ServerConfig carries the listener parameters of the relay side.
type ServerConfig struct {
	Host    string
	Port    int
	Backlog int
	Workers int
}

// Server accepts relay connections from cluster peers. Each connection
// carries exactly one command; accepted connections flow through a
// dedicated queue to a fixed set of workers, separate from the HTTP
// request path.
type Server struct {
	cfg     ServerConfig
	backend Backend
	queue   *queue.Queue

	ln       net.Listener
	shutdown *atomic.Bool
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates a relay server feeding commands into backend.
func NewServer(cfg ServerConfig, backend Backend) *Server {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Backlog < 1 {
		cfg.Backlog = 1
	}
	return &Server{
		cfg:      cfg,
		backend:  backend,
		queue:    queue.New(cfg.Backlog * 2),
		shutdown: atomic.NewBool(false),
	}
}

// Serve listens for relay connections and dispatches them to the
// workers. It returns when Stop closes the listener.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return fmt.Errorf("session relay: listen port %d: %w", s.cfg.Port, err)
	}
	s.ln = ln

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	logger.Trace("session relay port: %d on %s listening ... %d threads", s.cfg.Port, s.cfg.Host, s.cfg.Workers)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error("session relay: accept: %v", err)
			continue
		}
		if err := s.queue.Push(queue.Item{Conn: conn, RemoteAddr: conn.RemoteAddr()}); err != nil {
			logger.Error("session relay: queue full, dropping connection from %s", conn.RemoteAddr())
			conn.Close()
			continue
		}
		metrics.RelayQueueDepthGauge.Set(float64(s.queue.Len()))
	}
}

// Stop closes the listener and waits for the workers to drain the
// queue and exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.shutdown.Store(true)
		if s.ln != nil {
			s.ln.Close()
		}
		s.queue.Close()
	})
	s.wg.Wait()
}

func (s *Server) worker() {
	defer s.wg.Done()
	for {
		it, err := s.queue.Pop()
		if err != nil {
			return
		}
		metrics.RelayQueueDepthGauge.Set(float64(s.queue.Len()))
		s.handle(it.Conn)
	}
}

// handle runs one command conversation. Command failures close the
// connection without a reply; the peer treats the broken read as the
// error signal.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(serverIOTimeout))

	r := bufio.NewReader(conn)
	var cmd [2]byte
	if _, err := io.ReadFull(r, cmd[:]); err != nil {
		return
	}
	metrics.RelayCommandsTotal.Inc()

	var err error
	switch string(cmd[:]) {
	case CmdHello:
		_, err = conn.Write([]byte("OK"))
	case CmdRequestSession:
		err = s.handleRequestSession(r, conn)
	case CmdChangeOwner:
		err = s.handleChangeOwner(r)
	case CmdQueryTimestamp:
		err = s.handleQueryTimestamp(r, conn)
	case CmdDeleteSession:
		err = s.handleDeleteSession(r)
	case CmdCopySession:
		err = s.handleCopySession(r)
	default:
		logger.Error("session relay invalid command(%c%c).", cmd[0], cmd[1])
		metrics.RelayErrorsTotal.Inc()
		return
	}
	if err != nil {
		metrics.RelayErrorsTotal.Inc()
		if !errors.Is(err, ErrNotFound) {
			logger.Error("session relay: %c%c from %s: %v", cmd[0], cmd[1], conn.RemoteAddr(), err)
		}
	}
}

func readZoneKey(r io.Reader) (zone, key string, err error) {
	zone, err = readString(r, MaxZoneName)
	if err != nil {
		return "", "", err
	}
	key, err = readString(r, MaxSessionKey)
	if err != nil {
		return "", "", err
	}
	return zone, key, nil
}

func readOwner(r io.Reader) (Peer, []Peer, error) {
	host, err := readString(r, MaxHostname)
	if err != nil {
		return Peer{}, nil, err
	}
	port, err := readUint16(r)
	if err != nil {
		return Peer{}, nil, err
	}
	if port == 0 {
		return Peer{}, nil, fmt.Errorf("%w: owner port 0", ErrProtocol)
	}
	copySet, err := readCopySet(r)
	if err != nil {
		return Peer{}, nil, err
	}
	return Peer{Host: host, Port: int(port)}, copySet, nil
}

// handleRequestSession transfers session ownership to the requesting
// peer and replies with the full state.
func (s *Server) handleRequestSession(r io.Reader, conn net.Conn) error {
	zone, key, err := readZoneKey(r)
	if err != nil {
		return err
	}
	newOwner, copySet, err := readOwner(r)
	if err != nil {
		return err
	}

	snap, err := s.backend.RequestSession(zone, key, newOwner, copySet)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(conn)
	if err := writeInt64(w, snap.LastUpdate); err != nil {
		return err
	}
	if err := writeEntries(w, snap.Entries); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("session send error: %w", err)
	}
	return nil
}

func (s *Server) handleChangeOwner(r io.Reader) error {
	zone, key, err := readZoneKey(r)
	if err != nil {
		return err
	}
	newOwner, copySet, err := readOwner(r)
	if err != nil {
		return err
	}
	return s.backend.ChangeOwner(zone, key, newOwner, copySet)
}

func (s *Server) handleQueryTimestamp(r io.Reader, conn net.Conn) error {
	zone, key, err := readZoneKey(r)
	if err != nil {
		return err
	}
	ts, err := s.backend.QueryTimestamp(zone, key)
	if err != nil {
		return err
	}
	if err := writeInt64(conn, ts); err != nil {
		return fmt.Errorf("timestamp send error: %w", err)
	}
	return nil
}

func (s *Server) handleDeleteSession(r io.Reader) error {
	zone, key, err := readZoneKey(r)
	if err != nil {
		return err
	}
	return s.backend.DeleteSession(zone, key)
}

func (s *Server) handleCopySession(r io.Reader) error {
	zone, key, err := readZoneKey(r)
	if err != nil {
		return err
	}
	sid, err := readString(r, MaxSessionID)
	if err != nil {
		return err
	}
	owner, copySet, err := readOwner(r)
	if err != nil {
		return err
	}
	ts, err := readInt64(r)
	if err != nil {
		return err
	}
	entries, err := readEntries(r)
	if err != nil {
		return err
	}
	return s.backend.CopySession(zone, key, &Snapshot{
		ID:         sid,
		Owner:      owner,
		CopySet:    copySet,
		LastUpdate: ts,
		Entries:    entries,
	})
}
