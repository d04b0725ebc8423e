package api

import (
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nesta-server/nesta/internal/session"
)

// Request carries one parsed HTTP request through the handler surface.
// The scalar fields are fixed at construction; header, query and
// cookie lookups go through to the parsed request.
type Request struct {
	// Method, URI and Protocol come from the request line as sent.
	Method   string
	URI      string
	Protocol string

	// ContentName is the request path without the leading slash and
	// without the query string. Handlers are bound to content names.
	ContentName string

	// Start is the time the request was read off the connection.
	Start time.Time

	// Session is the session identified by the request cookie, nil
	// when the zone runs without sessions or no cookie matched.
	Session *session.Session

	// Sessions is the session store of the zone the handler belongs
	// to, nil when the zone runs without sessions.
	Sessions *session.Store

	fh     *fasthttp.Request
	remote net.Addr
}

// NewRequest wraps a parsed request. remote is the peer address of the
// connection it arrived on.
func NewRequest(fh *fasthttp.Request, remote net.Addr, start time.Time) *Request {
	path := string(fh.URI().PathOriginal())
	return &Request{
		Method:      string(fh.Header.Method()),
		URI:         string(fh.Header.RequestURI()),
		Protocol:    string(fh.Header.Protocol()),
		ContentName: strings.TrimPrefix(path, "/"),
		Start:       start,
		fh:          fh,
		remote:      remote,
	}
}

// BindSessions attaches the zone store and the session resolved from
// the request cookie before the handler runs.
func (r *Request) BindSessions(store *session.Store, s *session.Session) {
	r.Sessions = store
	r.Session = s
}

// Header returns the value of a request header, or "" when absent.
func (r *Request) Header(name string) string {
	return string(r.fh.Header.Peek(name))
}

// UserAgent returns the User-Agent request header.
func (r *Request) UserAgent() string {
	return string(r.fh.Header.UserAgent())
}

// Query returns the value of a query parameter, or "" when absent.
func (r *Request) Query(name string) string {
	return string(r.fh.URI().QueryArgs().Peek(name))
}

// HasQuery reports whether the query string carries the parameter.
func (r *Request) HasQuery(name string) bool {
	return r.fh.URI().QueryArgs().Has(name)
}

// QueryCount returns the number of query parameters.
func (r *Request) QueryCount() int {
	return r.fh.URI().QueryArgs().Len()
}

// Cookie returns the value of a request cookie, or "" when absent.
func (r *Request) Cookie(name string) string {
	return string(r.fh.Header.Cookie(name))
}

// Body returns the request body. It is valid until the connection
// reads the next request.
func (r *Request) Body() []byte {
	return r.fh.Body()
}

// RemoteAddr returns the peer address of the connection.
func (r *Request) RemoteAddr() net.Addr {
	return r.remote
}

// RemoteIP returns the peer IP, or nil when it cannot be derived.
func (r *Request) RemoteIP() net.IP {
	if r.remote == nil {
		return nil
	}
	if a, ok := r.remote.(*net.TCPAddr); ok {
		return a.IP
	}
	host, _, err := net.SplitHostPort(r.remote.String())
	if err != nil {
		return net.ParseIP(r.remote.String())
	}
	return net.ParseIP(host)
}
