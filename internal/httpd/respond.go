package httpd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nesta-server/nesta/internal/api"
)

// Responses are written from fixed templates, field order matching the
// static document headers: Date, Server, content fields, then the
// connection disposition. kaTimeout and budget select the Keep-Alive
// variant; a zero budget emits Connection: close.

func httpDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

func writeConnectionFields(b *bytes.Buffer, kaTimeout, budget int) {
	if budget > 0 {
		fmt.Fprintf(b, "Keep-Alive: timeout=%d, max=%d\r\n", kaTimeout, budget)
		b.WriteString("Connection: Keep-Alive\r\n")
	} else {
		b.WriteString("Connection: close\r\n")
	}
}

// errorPage sends the HTML error template for status and returns the
// status and body size for the access log.
func errorPage(w io.Writer, status, kaTimeout, budget int) (int, int) {
	text := http.StatusText(status)
	body := fmt.Sprintf("<html>\n<head><title>%d %s</title></head>\n<body>\n<h1>%d %s</h1>\n</body>\n</html>\n",
		status, text, status, text)

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, text)
	fmt.Fprintf(&b, "Date: %s\r\n", httpDate(time.Now()))
	fmt.Fprintf(&b, "Server: %s\r\n", api.ServerVersion)
	b.WriteString("Content-Type: text/html\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	writeConnectionFields(&b, kaTimeout, budget)
	b.WriteString("\r\n")
	b.WriteString(body)
	w.Write(b.Bytes())
	return status, len(body)
}

// send304 answers a matching If-Modified-Since with a bodyless 304.
func send304(w io.Writer, kaTimeout, budget int) (int, int) {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 304 Not Modified\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", httpDate(time.Now()))
	fmt.Fprintf(&b, "Server: %s\r\n", api.ServerVersion)
	writeConnectionFields(&b, kaTimeout, budget)
	b.WriteString("\r\n")
	w.Write(b.Bytes())
	return http.StatusNotModified, 0
}

// sendHead answers a HEAD request with headers only.
func sendHead(w io.Writer) (int, int) {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", httpDate(time.Now()))
	fmt.Fprintf(&b, "Server: %s\r\n", api.ServerVersion)
	b.WriteString("Content-Length: 0\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")
	w.Write(b.Bytes())
	return http.StatusOK, 0
}

// writeCommandResponse sends a control command's plain-text body and
// returns the body size.
func writeCommandResponse(w io.Writer, body string) int {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", httpDate(time.Now()))
	fmt.Fprintf(&b, "Server: %s\r\n", api.ServerVersion)
	b.WriteString("Content-Type: text/plain\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	w.Write(b.Bytes())
	return len(body)
}

// staticHeader builds the 200 header block for a document response.
func staticHeader(mimeType string, length int, lastModified string, kaTimeout, budget int) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(&b, "Date: %s\r\n", httpDate(time.Now()))
	fmt.Fprintf(&b, "Server: %s\r\n", api.ServerVersion)
	fmt.Fprintf(&b, "Content-Type: %s\r\n", mimeType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", length)
	fmt.Fprintf(&b, "Last-Modified: %s\r\n", lastModified)
	writeConnectionFields(&b, kaTimeout, budget)
	b.WriteString("\r\n")
	return b.Bytes()
}
