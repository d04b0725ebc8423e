// Package api defines the surface between the server core and the
// request handlers an embedding program registers: the parsed request,
// the response writer and the user-parameter map from the
// configuration file.
package api

// ServerVersion appears in the Server response header and in the
// -version output.
const ServerVersion = "nesta/1.0"

// Handler serves one request bound to a content name and returns the
// HTTP status recorded in the access log.
type Handler func(req *Request, resp *Response, params Params) int

// InitFunc runs once at startup before the listeners open. A non-nil
// error aborts the start.
type InitFunc func(params Params) error

// TermFunc runs once during shutdown.
type TermFunc func(params Params)

// Params holds the user parameters from the configuration file. Names
// are looked up verbatim, exactly as they appeared in the file.
type Params map[string]string

// Get returns the value of a user parameter, or "" when absent.
func (p Params) Get(name string) string {
	return p[name]
}
