package httpd

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nesta-server/nesta/internal/accesslog"
	"github.com/nesta-server/nesta/internal/api"
	"github.com/nesta-server/nesta/internal/config"
	"github.com/nesta-server/nesta/internal/session"
	"github.com/nesta-server/nesta/internal/zone"
	"github.com/nesta-server/nesta/pkg/logger"
)

func testConfig(root string) *config.Config {
	return &config.Config{
		HTTP: config.Options{
			PortNo:                    0,
			Backlog:                   10,
			WorkerThread:              2,
			ExtendWorkerThread:        2,
			WorkerThreadTimeout:       600,
			WorkerThreadCheckInterval: 1800,
			KeepAliveTimeout:          2,
			KeepAliveRequests:         5,
			DocumentRoot:              root,
		},
		UserParams: api.Params{},
	}
}

func writeDoc(t *testing.T, root, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

// startServer runs the server on an ephemeral port and returns its
// loopback address.
func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	go func() { _ = srv.Serve() }()
	for i := 0; i < 100; i++ {
		if srv.Addr() != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	addr := srv.Addr()
	if addr == nil {
		t.Fatal("server did not start listening")
	}
	t.Cleanup(srv.Stop)
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("bad listener address %q: %v", addr, err)
	}
	return "127.0.0.1:" + port
}

func dialServer(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func roundTrip(t *testing.T, conn net.Conn, br *bufio.Reader, lines ...string) *http.Response {
	t.Helper()
	raw := strings.Join(lines, "\r\n") + "\r\n\r\n"
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	return string(b)
}

// TestStaticDocument verifies the 200 path: content type by extension,
// exact Content-Length, Last-Modified present, close by default.
func TestStaticDocument(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "index.html", "hello, nesta!")

	srv := New(testConfig(root), nil, nil)
	addr := startServer(t, srv)
	conn, br := dialServer(t, addr)

	resp := roundTrip(t, conn, br, "GET /index.html HTTP/1.1", "Host: t")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html" {
		t.Errorf("expected Content-Type text/html, got %q", ct)
	}
	if resp.ContentLength != 13 {
		t.Errorf("expected Content-Length 13, got %d", resp.ContentLength)
	}
	if body != "hello, nesta!" {
		t.Errorf("unexpected body %q", body)
	}
	if lm := resp.Header.Get("Last-Modified"); lm == "" {
		t.Error("expected a Last-Modified header")
	}
	// http.ReadResponse strips a close token from the Connection
	// header and reports it through resp.Close instead.
	if !resp.Close {
		t.Error("expected Connection close without keep-alive")
	}
}

// TestStaticNotFound verifies a missing document gets the HTML error
// template.
func TestStaticNotFound(t *testing.T) {
	srv := New(testConfig(t.TempDir()), nil, nil)
	addr := startServer(t, srv)
	conn, br := dialServer(t, addr)

	resp := roundTrip(t, conn, br, "GET /missing.html HTTP/1.1", "Host: t")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "404 Not Found") {
		t.Errorf("expected the error template body, got %q", body)
	}
}

// TestPathEscapeRejected verifies a traversal attempt is a 404 that
// closes the connection even when the client asked for keep-alive.
func TestPathEscapeRejected(t *testing.T) {
	srv := New(testConfig(t.TempDir()), nil, nil)
	addr := startServer(t, srv)
	conn, br := dialServer(t, addr)

	resp := roundTrip(t, conn, br, "GET /../etc/passwd HTTP/1.1", "Host: t", "Connection: Keep-Alive")
	readBody(t, resp)

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	// http.ReadResponse strips a close token from the Connection
	// header and reports it through resp.Close instead.
	if !resp.Close {
		t.Error("expected Connection close on a rejected path")
	}
	if _, err := http.ReadResponse(br, nil); err == nil {
		t.Error("expected the connection to be closed after a rejected path")
	}
}

// TestConditionalGet verifies the exact-match If-Modified-Since
// contract: matching value gets a bodyless 304, anything else a 200.
func TestConditionalGet(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "a.html", "<p>a</p>")

	srv := New(testConfig(root), nil, nil)
	addr := startServer(t, srv)

	conn, br := dialServer(t, addr)
	resp := roundTrip(t, conn, br, "GET /a.html HTTP/1.1", "Host: t")
	readBody(t, resp)
	lastModified := resp.Header.Get("Last-Modified")
	if lastModified == "" {
		t.Fatal("expected a Last-Modified header")
	}

	conn2, br2 := dialServer(t, addr)
	resp2 := roundTrip(t, conn2, br2, "GET /a.html HTTP/1.1", "Host: t",
		"If-Modified-Since: "+lastModified)
	body2 := readBody(t, resp2)
	if resp2.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", resp2.StatusCode)
	}
	if len(body2) != 0 {
		t.Errorf("expected an empty 304 body, got %d bytes", len(body2))
	}

	conn3, br3 := dialServer(t, addr)
	resp3 := roundTrip(t, conn3, br3, "GET /a.html HTTP/1.1", "Host: t",
		"If-Modified-Since: Mon, 01 Jan 1990 00:00:00 GMT")
	readBody(t, resp3)
	if resp3.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on a stale If-Modified-Since, got %d", resp3.StatusCode)
	}
}

// TestHeadRequest verifies HEAD gets headers only.
func TestHeadRequest(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "index.html", "hello, nesta!")

	srv := New(testConfig(root), nil, nil)
	addr := startServer(t, srv)
	conn, br := dialServer(t, addr)

	resp := roundTrip(t, conn, br, "HEAD /index.html HTTP/1.1", "Host: t")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(body) != 0 {
		t.Errorf("expected no body on HEAD, got %d bytes", len(body))
	}
}

// TestMethodNotAllowed verifies unsupported methods get 405.
func TestMethodNotAllowed(t *testing.T) {
	srv := New(testConfig(t.TempDir()), nil, nil)
	addr := startServer(t, srv)
	conn, br := dialServer(t, addr)

	resp := roundTrip(t, conn, br, "PUT /x HTTP/1.1", "Host: t", "Content-Length: 0")
	readBody(t, resp)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

// TestKeepAliveReuse drives three requests over one connection and
// watches the advertised budget count down. The missing-document 404
// in the middle keeps the connection alive: only path rejections close
// it.
func TestKeepAliveReuse(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "index.html", "hello, nesta!")

	srv := New(testConfig(root), nil, nil)
	addr := startServer(t, srv)
	conn, br := dialServer(t, addr)

	resp := roundTrip(t, conn, br, "GET /index.html HTTP/1.1", "Host: t", "Connection: Keep-Alive")
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", resp.StatusCode)
	}
	if ka := resp.Header.Get("Keep-Alive"); ka != "timeout=2, max=5" {
		t.Errorf("first request: expected Keep-Alive timeout=2, max=5, got %q", ka)
	}

	resp = roundTrip(t, conn, br, "GET /missing.html HTTP/1.1", "Host: t", "Connection: Keep-Alive")
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second request: expected 404, got %d", resp.StatusCode)
	}
	if ka := resp.Header.Get("Keep-Alive"); ka != "timeout=2, max=4" {
		t.Errorf("second request: expected Keep-Alive timeout=2, max=4, got %q", ka)
	}

	resp = roundTrip(t, conn, br, "GET /index.html HTTP/1.1", "Host: t", "Connection: Keep-Alive")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || body != "hello, nesta!" {
		t.Fatalf("third request: expected 200 with body, got %d %q", resp.StatusCode, body)
	}
	if ka := resp.Header.Get("Keep-Alive"); ka != "timeout=2, max=3" {
		t.Errorf("third request: expected Keep-Alive timeout=2, max=3, got %q", ka)
	}
}

// TestKeepAliveBudget verifies the connection closes once the request
// budget is spent.
func TestKeepAliveBudget(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "index.html", "hello, nesta!")

	cfg := testConfig(root)
	cfg.HTTP.KeepAliveRequests = 1
	srv := New(cfg, nil, nil)
	addr := startServer(t, srv)
	conn, br := dialServer(t, addr)

	resp := roundTrip(t, conn, br, "GET /index.html HTTP/1.1", "Host: t", "Connection: Keep-Alive")
	readBody(t, resp)
	if ka := resp.Header.Get("Keep-Alive"); ka != "timeout=2, max=1" {
		t.Errorf("expected Keep-Alive timeout=2, max=1, got %q", ka)
	}

	if _, err := conn.Write([]byte("GET /index.html HTTP/1.1\r\nHost: t\r\nConnection: Keep-Alive\r\n\r\n")); err == nil {
		if _, err := http.ReadResponse(br, nil); err == nil {
			t.Error("expected the connection to close after the budget was spent")
		}
	}
}

// TestKeepAliveDisabled verifies keep_alive_requests = 0 wins over the
// request header.
func TestKeepAliveDisabled(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "index.html", "hello, nesta!")

	cfg := testConfig(root)
	cfg.HTTP.KeepAliveRequests = 0
	srv := New(cfg, nil, nil)
	addr := startServer(t, srv)
	conn, br := dialServer(t, addr)

	resp := roundTrip(t, conn, br, "GET /index.html HTTP/1.1", "Host: t", "Connection: Keep-Alive")
	readBody(t, resp)
	// http.ReadResponse strips a close token from the Connection
	// header and reports it through resp.Close instead.
	if !resp.Close {
		t.Error("expected Connection close with a zero budget")
	}
	if ka := resp.Header.Get("Keep-Alive"); ka != "" {
		t.Errorf("expected no Keep-Alive header, got %q", ka)
	}
}

// TestControlCommands verifies status, trace and unknown commands.
func TestControlCommands(t *testing.T) {
	srv := New(testConfig(t.TempDir()), nil, nil)
	addr := startServer(t, srv)

	conn, br := dialServer(t, addr)
	resp := roundTrip(t, conn, br, "POST /?cmd=status HTTP/1.1", "Host: t", "Content-Length: 0")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", resp.StatusCode)
	}
	if !strings.HasPrefix(body, "start ") || !strings.Contains(body, "[thread info]") {
		t.Errorf("status: unexpected body:\n%s", body)
	}
	if !strings.Contains(body, "    1 sleep ") {
		t.Errorf("status: expected the executing worker to report sleep:\n%s", body)
	}

	conn, br = dialServer(t, addr)
	resp = roundTrip(t, conn, br, "POST /?cmd=trace_on HTTP/1.1", "Host: t", "Content-Length: 0")
	if body := readBody(t, resp); body != "trace mode on.\n" {
		t.Errorf("trace_on: unexpected body %q", body)
	}
	if !logger.TraceEnabled() {
		t.Error("trace_on: expected the trace flag to be set")
	}

	conn, br = dialServer(t, addr)
	resp = roundTrip(t, conn, br, "POST /?cmd=trace_off HTTP/1.1", "Host: t", "Content-Length: 0")
	if body := readBody(t, resp); body != "trace mode off.\n" {
		t.Errorf("trace_off: unexpected body %q", body)
	}
	if logger.TraceEnabled() {
		t.Error("trace_off: expected the trace flag to be cleared")
	}

	conn, br = dialServer(t, addr)
	resp = roundTrip(t, conn, br, "POST /?cmd=bogus HTTP/1.1", "Host: t", "Content-Length: 0")
	if body := readBody(t, resp); body != "" {
		t.Errorf("unknown command: expected an empty body, got %q", body)
	}

	// Two query parameters fail the command gate; the empty content
	// name then falls through to 404.
	conn, br = dialServer(t, addr)
	resp = roundTrip(t, conn, br, "POST /?cmd=stop&x=1 HTTP/1.1", "Host: t", "Content-Length: 0")
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("extra parameter: expected 404, got %d", resp.StatusCode)
	}
}

// TestControlStop verifies the stop command acknowledges before the
// listener exits.
func TestControlStop(t *testing.T) {
	srv := New(testConfig(t.TempDir()), nil, nil)
	srv.OnStop(func() { go srv.Stop() })

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()
	for i := 0; i < 100 && srv.Addr() == nil; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	addr := srv.Addr()
	if addr == nil {
		t.Fatal("server did not start listening")
	}
	_, port, _ := net.SplitHostPort(addr.String())

	conn, br := dialServer(t, "127.0.0.1:"+port)
	resp := roundTrip(t, conn, br, "POST /?cmd=stop HTTP/1.1", "Host: t", "Content-Length: 0")
	if body := readBody(t, resp); body != "stopped.\n" {
		t.Fatalf("expected body %q, got %q", "stopped.\n", body)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v after stop", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("listener did not exit after the stop command")
	}
	srv.Stop()
}

// TestHandlerDispatch verifies handler binding, user parameters and
// the cookie session round trip.
func TestHandlerDispatch(t *testing.T) {
	mgr := session.NewManager(nil)
	st := mgr.AddZone("demo", 10, 60)
	z := &zone.Zone{Name: "demo", MaxSession: 10, SessionTimeout: 60, Sessions: st}

	h := func(req *api.Request, resp *api.Response, params api.Params) int {
		if params.Get("app.greeting") != "hi" {
			return http.StatusInternalServerError
		}
		sess := req.Session
		if sess == nil {
			var err error
			sess, err = req.Sessions.Create()
			if err != nil {
				return http.StatusInternalServerError
			}
			sess.PutString("visits", "1")
		} else {
			n, _ := strconv.Atoi(sess.GetString("visits"))
			sess.PutString("visits", strconv.Itoa(n+1))
		}
		body := "visits=" + sess.GetString("visits")
		hdr := api.NewHeader()
		hdr.SetContentType("text/plain")
		hdr.SetContentLength(len(body))
		hdr.SetSession(sess)
		if err := resp.SendHeader(hdr); err != nil {
			return http.StatusInternalServerError
		}
		resp.WriteString(body)
		return http.StatusOK
	}

	cfg := testConfig(t.TempDir())
	cfg.Zones = []*zone.Zone{z}
	cfg.Bindings = []*zone.Binding{{ContentName: "hello", Zone: z, Handler: h}}
	cfg.UserParams = api.Params{"app.greeting": "hi"}

	srv := New(cfg, nil, nil)
	addr := startServer(t, srv)

	conn, br := dialServer(t, addr)
	resp := roundTrip(t, conn, br, "GET /hello HTTP/1.1", "Host: t")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || body != "visits=1" {
		t.Fatalf("first visit: got %d %q", resp.StatusCode, body)
	}
	var key string
	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName {
			key = c.Value
		}
	}
	if key == "" {
		t.Fatal("expected a session cookie on the first visit")
	}

	conn, br = dialServer(t, addr)
	resp = roundTrip(t, conn, br, "GET /hello HTTP/1.1", "Host: t",
		"Cookie: "+session.CookieName+"="+key)
	body = readBody(t, resp)
	if body != "visits=2" {
		t.Errorf("second visit: expected visits=2, got %q", body)
	}
	if st.Count() != 1 {
		t.Errorf("expected 1 live session, got %d", st.Count())
	}
}

// TestHandlerErrorPage verifies the core answers for handlers that
// return without writing a response.
func TestHandlerErrorPage(t *testing.T) {
	z := &zone.Zone{Name: "demo"}
	h := func(req *api.Request, resp *api.Response, params api.Params) int {
		return http.StatusServiceUnavailable
	}

	cfg := testConfig(t.TempDir())
	cfg.Zones = []*zone.Zone{z}
	cfg.Bindings = []*zone.Binding{{ContentName: "down", Zone: z, Handler: h}}

	srv := New(cfg, nil, nil)
	addr := startServer(t, srv)
	conn, br := dialServer(t, addr)

	resp := roundTrip(t, conn, br, "GET /down HTTP/1.1", "Host: t")
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, "503 Service Unavailable") {
		t.Errorf("expected the error template, got %q", body)
	}
}

// TestHandlerKeepAlive verifies a handler can opt into keep-alive
// through its response header.
func TestHandlerKeepAlive(t *testing.T) {
	z := &zone.Zone{Name: "demo"}
	h := func(req *api.Request, resp *api.Response, params api.Params) int {
		body := "ok"
		hdr := api.NewHeader()
		hdr.SetContentType("text/plain")
		hdr.SetContentLength(len(body))
		if strings.EqualFold(req.Header("Connection"), "Keep-Alive") {
			hdr.SetKeepAlive(2, 5)
		}
		if err := resp.SendHeader(hdr); err != nil {
			return http.StatusInternalServerError
		}
		resp.WriteString(body)
		return http.StatusOK
	}

	cfg := testConfig(t.TempDir())
	cfg.Zones = []*zone.Zone{z}
	cfg.Bindings = []*zone.Binding{{ContentName: "app", Zone: z, Handler: h}}

	srv := New(cfg, nil, nil)
	addr := startServer(t, srv)
	conn, br := dialServer(t, addr)

	for i := 0; i < 2; i++ {
		resp := roundTrip(t, conn, br, "GET /app HTTP/1.1", "Host: t", "Connection: Keep-Alive")
		if body := readBody(t, resp); body != "ok" {
			t.Fatalf("request %d: unexpected body %q", i+1, body)
		}
		if c := resp.Header.Get("Connection"); !strings.EqualFold(c, "Keep-Alive") {
			t.Fatalf("request %d: expected Connection Keep-Alive, got %q", i+1, c)
		}
	}
}

// TestAccessLog verifies one line per handled request, no line for
// control commands, and the X-Forwarded-For override.
func TestAccessLog(t *testing.T) {
	root := t.TempDir()
	writeDoc(t, root, "index.html", "hello, nesta!")
	logPath := filepath.Join(t.TempDir(), "access.log")

	w, err := accesslog.New(logPath, false)
	if err != nil {
		t.Fatalf("failed to open access log: %v", err)
	}
	t.Cleanup(w.Close)

	srv := New(testConfig(root), nil, w)
	addr := startServer(t, srv)

	conn, br := dialServer(t, addr)
	readBody(t, roundTrip(t, conn, br, "GET /index.html HTTP/1.1", "Host: t"))

	conn, br = dialServer(t, addr)
	readBody(t, roundTrip(t, conn, br, "POST /?cmd=status HTTP/1.1", "Host: t", "Content-Length: 0"))

	conn, br = dialServer(t, addr)
	readBody(t, roundTrip(t, conn, br, "GET /missing.html HTTP/1.1", "Host: t",
		"X-Forwarded-For: 1.2.3.4"))

	time.Sleep(100 * time.Millisecond)
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read access log: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 access log lines, got %d:\n%s", len(lines), data)
	}
	if !strings.Contains(lines[0], `"GET /index.html HTTP/1.1"`) || !strings.Contains(lines[0], " 200 13 ") {
		t.Errorf("unexpected first line: %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], "1.2.3.4 [") {
		t.Errorf("expected the forwarded address first, got: %s", lines[1])
	}
	if !strings.Contains(lines[1], " 404 ") {
		t.Errorf("expected a 404 line, got: %s", lines[1])
	}
}
