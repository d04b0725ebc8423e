package httpd

import (
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/nesta-server/nesta/internal/api"
	"github.com/nesta-server/nesta/internal/mime"
	"github.com/nesta-server/nesta/pkg/logger"
)

// validPath walks the request path segments and rejects any traversal
// that would climb above the document root: ".." decrements the depth,
// a normal segment increments it, and a negative depth at any point is
// a rejection. Segments starting with a dot do not count either way.
func validPath(name string) bool {
	if name == "" {
		return false
	}
	base := 0
	for _, seg := range strings.Split(name, "/") {
		switch {
		case seg == "":
		case seg == "..":
			base--
			if base < 0 {
				return false
			}
		case seg[0] == '.':
		default:
			base++
		}
	}
	return true
}

// sendDocument serves the request path from the document root: 404 on
// missing or directory targets, 304 when If-Modified-Since matches the
// file's Last-Modified exactly, 200 with the file bytes otherwise. The
// file cache is consulted before the disk.
func (s *Server) sendDocument(conn net.Conn, req *api.Request, budget int) (int, int) {
	kaTimeout := s.cfg.HTTP.KeepAliveTimeout
	fpath := filepath.Join(s.cfg.HTTP.DocumentRoot, filepath.FromSlash(req.ContentName))

	fi, err := os.Stat(fpath)
	if err != nil {
		logger.Error("httpd: %s: fstat error (%s): %v", remoteIP(req), req.ContentName, err)
		return errorPage(conn, http.StatusNotFound, kaTimeout, budget)
	}
	if fi.IsDir() {
		return errorPage(conn, http.StatusNotFound, kaTimeout, budget)
	}

	lastModified := httpDate(fi.ModTime())
	if ims := req.Header("If-Modified-Since"); ims != "" && ims == lastModified {
		return send304(conn, kaTimeout, budget)
	}

	data, ok := s.cache.Get(fpath, fi.ModTime(), fi.Size())
	if !ok {
		data, err = os.ReadFile(fpath)
		if err != nil {
			logger.Error("httpd: %s: request file can't open (%s): %v", remoteIP(req), req.ContentName, err)
			return errorPage(conn, http.StatusNotFound, kaTimeout, budget)
		}
		s.cache.Set(fpath, fi.ModTime(), fi.Size(), data)
	}

	if _, err := conn.Write(staticHeader(mime.TypeByName(fpath), len(data), lastModified, kaTimeout, budget)); err != nil {
		logger.Error("httpd: %s: document send error (%s): %v", remoteIP(req), req.ContentName, err)
		return http.StatusOK, 0
	}
	n, err := conn.Write(data)
	if err != nil {
		logger.Error("httpd: %s: document send error (%s): %v", remoteIP(req), req.ContentName, err)
	}
	return http.StatusOK, n
}
