package httpd

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nesta-server/nesta/internal/api"
	"github.com/nesta-server/nesta/internal/worker"
	"github.com/nesta-server/nesta/pkg/logger"
)

const statusTimeFormat = "2006/01/02 15:04:05"

// isCommand reports whether the request is an administrative command:
// loopback peer, empty content name and exactly one query parameter
// named cmd.
func (s *Server) isCommand(req *api.Request) bool {
	ip := req.RemoteIP()
	if ip == nil || !ip.IsLoopback() {
		return false
	}
	if req.ContentName != "" {
		return false
	}
	return req.QueryCount() == 1 && req.HasQuery("cmd")
}

// doCommand executes one control command and writes its response. The
// stop command triggers the registered shutdown callback after the
// response bytes are out, so the issuing client always sees the
// acknowledgement.
func (s *Server) doCommand(conn net.Conn, req *api.Request) (int, int) {
	var body string
	stop := false

	switch cmd := req.Query("cmd"); cmd {
	case "stop":
		stop = true
		body = "stopped.\n"
	case "status":
		rows, total := s.pool.Snapshot()
		body = statusText(s.StartTime(), total, rows)
	case "trace_on":
		logger.SetTrace(true)
		body = "trace mode on.\n"
	case "trace_off":
		logger.SetTrace(false)
		body = "trace mode off.\n"
	default:
		body = ""
	}

	n := writeCommandResponse(conn, body)
	if stop && s.onStop != nil {
		s.onStop()
	}
	return http.StatusOK, n
}

// statusText renders the status command body: the start time, the
// total request count and one row per worker slot.
func statusText(start time.Time, total uint64, rows []worker.SlotStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "start %s  total %d requests.\n\n", start.Format(statusTimeFormat), total)
	b.WriteString("[thread info]\n")
	b.WriteString("   No status last-access              count\n")
	b.WriteString("----- ------ ------------------- ----------\n")
	for _, r := range rows {
		last := "N/A"
		if r.Used && r.LastAccess > 0 {
			last = time.UnixMicro(r.LastAccess).Format(statusTimeFormat)
		}
		count := "         -"
		if r.Used {
			count = fmt.Sprintf("%10d", r.Count)
		}
		fmt.Fprintf(&b, "%5d %-6s %-19s %s\n", r.No, r.State, last, count)
	}
	return b.String()
}
