package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nesta-server/nesta/internal/session"
)

// ErrHeaderSent is returned when a handler sends a second header block
// on the same response.
var ErrHeaderSent = errors.New("response header already sent")

type headerField struct {
	name  string
	value string
}

// Header collects the status and the header fields of a response
// before they go out. Fields keep the order they were set in.
type Header struct {
	Status    int
	fields    []headerField
	keepAlive bool
}

// NewHeader returns a header with status 200.
func NewHeader() *Header {
	return &Header{Status: http.StatusOK}
}

// Set stores a header field, replacing an earlier value of the same
// name.
func (h *Header) Set(name, value string) {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].name, name) {
			h.fields[i].value = value
			return
		}
	}
	h.fields = append(h.fields, headerField{name: name, value: value})
}

// SetContentType sets the Content-Type field.
func (h *Header) SetContentType(ct string) {
	h.Set("Content-Type", ct)
}

// SetContentLength sets the Content-Length field.
func (h *Header) SetContentLength(n int) {
	h.Set("Content-Length", strconv.Itoa(n))
}

// SetSession adds the Set-Cookie field that hands the session key to
// the client.
func (h *Header) SetSession(s *session.Session) {
	if s == nil {
		return
	}
	h.Set("Set-Cookie", session.CookieName+"="+s.Key()+"; Path=/")
}

// SetKeepAlive marks the response keep-alive and adds the Keep-Alive
// and Connection fields. timeout is in seconds, max the remaining
// request budget of the connection.
func (h *Header) SetKeepAlive(timeout, max int) {
	h.Set("Keep-Alive", fmt.Sprintf("timeout=%d, max=%d", timeout, max))
	h.Set("Connection", "Keep-Alive")
	h.keepAlive = true
}

// KeepAlive reports whether SetKeepAlive was called.
func (h *Header) KeepAlive() bool {
	return h.keepAlive
}

// Response writes one HTTP response to the connection. The header
// block goes out through SendHeader, body bytes follow through Write.
// The core reads ContentSize for the access log after the handler
// returns.
type Response struct {
	w           io.Writer
	now         func() time.Time
	headerSent  bool
	keepAlive   bool
	contentSize int
}

// NewResponse returns a response writing to w.
func NewResponse(w io.Writer) *Response {
	return &Response{w: w, now: time.Now}
}

// SendHeader writes the status line and the header block. Date and
// Server go out first, then the fields of h in order.
func (r *Response) SendHeader(h *Header) error {
	if r.headerSent {
		return ErrHeaderSent
	}
	r.headerSent = true
	r.keepAlive = h.KeepAlive()

	status := h.Status
	if status == 0 {
		status = http.StatusOK
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&b, "Date: %s\r\n", r.now().UTC().Format(http.TimeFormat))
	fmt.Fprintf(&b, "Server: %s\r\n", ServerVersion)
	for _, f := range h.fields {
		fmt.Fprintf(&b, "%s: %s\r\n", f.name, f.value)
	}
	b.WriteString("\r\n")
	_, err := r.w.Write(b.Bytes())
	return err
}

// Write sends body bytes. SendHeader must have been called first.
func (r *Response) Write(p []byte) (int, error) {
	if !r.headerSent {
		return 0, errors.New("response body before header")
	}
	n, err := r.w.Write(p)
	r.contentSize += n
	return n, err
}

// WriteString sends a body string.
func (r *Response) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// ContentSize returns the number of body bytes written so far.
func (r *Response) ContentSize() int {
	return r.contentSize
}

// HeaderSent reports whether the header block went out.
func (r *Response) HeaderSent() bool {
	return r.headerSent
}

// KeepAlive reports whether the handler opted into keep-alive through
// the header it sent.
func (r *Response) KeepAlive() bool {
	return r.keepAlive
}
