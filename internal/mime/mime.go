// Package mime maps file extensions to the Content-Type values used by
// the static document responder.
package mime

import "strings"

var mimeTable = map[string]string{
	"html": "text/html",
	"htm":  "text/html",
	"hdml": "text/x-hdml",
	"css":  "text/css",
	"txt":  "text/plain",
	"gif":  "image/gif",
	"jpe":  "image/jpeg",
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"png":  "image/png",
	"xbm":  "image/x-bitmap",
	"au":   "audio/basic",
	"snd":  "audio/basic",
	"wav":  "audio/x-wav",
	"aif":  "audio/aiff",
	"aiff": "audio/aiff",
	"mp2":  "audio/x-mpeg",
	"mp3":  "audio/mpeg",
	"ram":  "audio/x-pn-realaudio",
	"rm":   "audio/x-pn-realaudio",
	"ra":   "audio/x-pn-realaudio",
	"qt":   "video/quicktime",
	"mov":  "video/quicktime",
	"mpeg": "video/mpeg",
	"mpg":  "video/mpeg",
	"mpe":  "video/mpeg",
	"avi":  "video/x-msvideo",
	"pdf":  "application/vnd.pdf",
	"fdf":  "application/vnd.fdf",
	"json": "text/plain",
}

// TypeByExtension returns the Content-Type for a file extension given
// without the leading dot. Unknown extensions fall back to
// "application/<ext>".
func TypeByExtension(ext string) string {
	if t, ok := mimeTable[ext]; ok {
		return t
	}
	return "application/" + ext
}

// TypeByName returns the Content-Type for a file name. Names without an
// extension are served as text/plain.
func TypeByName(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return "text/plain"
	}
	return TypeByExtension(name[i+1:])
}
