package httpd

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nesta-server/nesta/internal/accesslog"
	"github.com/nesta-server/nesta/internal/api"
	"github.com/nesta-server/nesta/internal/metrics"
	"github.com/nesta-server/nesta/internal/queue"
	"github.com/nesta-server/nesta/internal/session"
	"github.com/nesta-server/nesta/internal/worker"
	"github.com/nesta-server/nesta/pkg/logger"
)

const readBufferSize = 8192

// serveConn drives one connection through the keep-alive loop: read a
// request, classify it as command, handler or document, respond, log,
// then either wait for the next request or close.
func (s *Server) serveConn(slot *worker.Slot, it queue.Item) {
	conn := it.Conn
	defer conn.Close()
	metrics.QueueDepthGauge.Set(float64(s.queue.Len()))

	br := bufio.NewReaderSize(conn, readBufferSize)
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	budget := s.cfg.HTTP.KeepAliveRequests
	for {
		keepAlive := false
		command := false
		slot.SetCommandFlag(false)

		req.Reset()
		if err := req.Read(br); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			status := http.StatusBadRequest
			// fasthttp signals an overlong request line through its
			// small read buffer error.
			if strings.Contains(err.Error(), "small read buffer") {
				status = http.StatusRequestURITooLong
			}
			errorPage(conn, status, 0, 0)
			return
		}
		start := time.Now()
		areq := api.NewRequest(req, it.RemoteAddr, start)

		var status, contentSize int
		switch {
		case areq.Method != http.MethodGet && areq.Method != http.MethodPost && areq.Method != http.MethodHead:
			logger.Error("httpd: %s: method not allowed (%s)", remoteIP(areq), areq.Method)
			status, contentSize = errorPage(conn, http.StatusMethodNotAllowed, 0, 0)
		case areq.Method == http.MethodHead:
			status, contentSize = sendHead(conn)
		case areq.ContentName == "":
			if s.isCommand(areq) {
				slot.SetCommandFlag(true)
				command = true
				status, contentSize = s.doCommand(conn, areq)
			} else {
				status, contentSize = errorPage(conn, http.StatusNotFound, 0, 0)
			}
		default:
			if strings.EqualFold(areq.Header("Connection"), "Keep-Alive") {
				keepAlive = true
			}
			kaBudget := 0
			if keepAlive {
				kaBudget = budget
			}
			status, contentSize, keepAlive = s.process(conn, areq, kaBudget)
		}

		if keepAlive && budget > 0 {
			budget--
		}

		if !command {
			s.logAccess(areq, status, contentSize, start)
			slot.Touch()
			metrics.RequestsTotal.Inc()
		}

		if keepAlive {
			if budget <= 0 {
				keepAlive = false
			}
			if keepAlive && !s.waitNextRequest(conn, br) {
				keepAlive = false
			}
		}
		if !keepAlive {
			return
		}
		metrics.KeepAliveReusesTotal.Inc()
	}
}

// process dispatches a non-command request: a registered handler when
// the content name is bound, the static document path otherwise.
// budget is the remaining keep-alive request budget, 0 when the client
// did not ask for keep-alive.
func (s *Server) process(conn net.Conn, req *api.Request, budget int) (int, int, bool) {
	b := s.bindings[req.ContentName]
	if b == nil {
		if !validPath(req.ContentName) {
			logger.Error("httpd: %s: file check error (%s)", remoteIP(req), req.ContentName)
			status, n := errorPage(conn, http.StatusNotFound, 0, 0)
			return status, n, false
		}
		if s.cfg.HTTP.DocumentRoot == "" {
			logger.Error("httpd: %s: document root is empty!", remoteIP(req))
			status, n := errorPage(conn, http.StatusNotFound, 0, 0)
			return status, n, false
		}
		status, n := s.sendDocument(conn, req, budget)
		return status, n, budget > 0
	}

	if store := b.Zone.Sessions; store != nil {
		var sess *session.Session
		if key := req.Cookie(session.CookieName); key != "" {
			sess = store.Get(key)
		}
		req.BindSessions(store, sess)
	}

	resp := api.NewResponse(conn)
	status := b.Handler(req, resp, s.cfg.UserParams)
	contentSize := resp.ContentSize()
	if !resp.HeaderSent() {
		// The handler produced no response of its own.
		if status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		status, contentSize = errorPage(conn, status, 0, 0)
	}
	if status >= http.StatusInternalServerError {
		logger.Error("httpd: handler %s returned %d", req.ContentName, status)
	}
	return status, contentSize, resp.KeepAlive() && budget > 0
}

// waitNextRequest blocks up to keep_alive_timeout seconds for the next
// byte on a kept-alive connection.
func (s *Server) waitNextRequest(conn net.Conn, br *bufio.Reader) bool {
	if br.Buffered() > 0 {
		return true
	}
	timeout := time.Duration(s.cfg.HTTP.KeepAliveTimeout) * time.Second
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, err := br.Peek(1)
	conn.SetReadDeadline(time.Time{})
	return err == nil
}

func (s *Server) logAccess(req *api.Request, status, contentSize int, start time.Time) {
	s.accessLog.Write(accesslog.Entry{
		RemoteAddr:   remoteIP(req),
		ForwardedFor: req.Header("X-Forwarded-For"),
		Method:       req.Method,
		URI:          req.URI,
		Protocol:     req.Protocol,
		UserAgent:    req.UserAgent(),
		Status:       status,
		ContentLen:   contentSize,
		Elapsed:      time.Since(start),
	})
}

func remoteIP(req *api.Request) string {
	if ip := req.RemoteIP(); ip != nil {
		return ip.String()
	}
	return ""
}
