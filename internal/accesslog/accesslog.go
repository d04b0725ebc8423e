// Package accesslog writes one line per served request, with optional
// daily file rotation.
//
// Output format:
//
//	ipaddr [DATE TIME] "method uri protocol" "user-agent" status content-length time(us)
//
// When an X-Forwarded-For header is present the first address in it is
// recorded instead of the peer address.
package accesslog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const maxForwardedLen = 255

// Entry carries the fields of one access log line.
type Entry struct {
	RemoteAddr   string // peer IP address, numeric form
	ForwardedFor string // X-Forwarded-For header value, may be empty
	Method       string
	URI          string
	Protocol     string
	UserAgent    string
	Status       int
	ContentLen   int
	Elapsed      time.Duration
}

// Writer appends formatted entries to the access log file. In daily
// mode the file name carries the current date and is swapped when the
// date changes; the check happens on every write under the lock.
// A nil Writer discards everything, which is how a configuration
// without an access log file behaves.
type Writer struct {
	mu       sync.Mutex
	file     *os.File
	daily    bool
	basename string
	extname  string // includes the leading dot
	curDate  string

	now func() time.Time
}

// New opens the access log. In daily mode fname is split at its last
// dot into base and extension and the active file becomes
// base_YYYY-MM-DD.ext. An empty fname disables logging and New returns
// a nil Writer.
func New(fname string, daily bool) (*Writer, error) {
	if fname == "" {
		return nil, nil
	}
	w := &Writer{daily: daily, now: time.Now}
	if daily {
		if i := strings.LastIndexByte(fname, '.'); i >= 0 {
			w.basename = fname[:i]
			w.extname = fname[i:]
		} else {
			w.basename = fname
		}
		w.curDate = w.now().Format("2006-01-02")
	} else {
		w.basename = fname
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	name := w.basename
	if w.daily {
		name = w.basename + "_" + w.curDate + w.extname
	}
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("log file can't open: %w", err)
	}
	w.file = f
	return nil
}

// Write formats and appends one entry. Rotation in daily mode is
// re-checked here so long-running servers switch files at midnight.
func (w *Writer) Write(e Entry) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}

	now := w.now()
	if w.daily {
		date := now.Format("2006-01-02")
		if date != w.curDate {
			w.file.Close()
			w.curDate = date
			if err := w.open(); err != nil {
				w.file = nil
				return
			}
		}
	}

	line := fmt.Sprintf("%s [%s] \"%s %s %s\" \"%s\" %d %d %d\n",
		clientAddr(e),
		now.Format("2006/01/02 15:04:05"),
		orDash(e.Method), orDash(e.URI), orDash(e.Protocol),
		orDash(e.UserAgent),
		e.Status, e.ContentLen, int(e.Elapsed.Microseconds()))
	w.file.WriteString(line)
}

// Close flushes and closes the log file.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}

// clientAddr picks the logged address: the first X-Forwarded-For entry
// when the request came through a proxy, the peer address otherwise.
func clientAddr(e Entry) string {
	if e.ForwardedFor == "" {
		return e.RemoteAddr
	}
	first := e.ForwardedFor
	if i := strings.IndexByte(first, ','); i >= 0 {
		first = first[:i]
	}
	if len(first) > maxForwardedLen {
		return "unknown"
	}
	return strings.TrimSpace(first)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
