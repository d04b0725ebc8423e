// Package zone holds the application zone descriptors from the
// configuration and the registry that resolves configured handler
// names to functions registered in code.
package zone

import (
	"github.com/nesta-server/nesta/internal/api"
	"github.com/nesta-server/nesta/internal/session"
)

// Zone is a named namespace grouping URL handlers with an optional
// session store.
type Zone struct {
	Name string

	// MaxSession caps the store: 0 disables sessions for the zone,
	// -1 removes the cap.
	MaxSession int

	// SessionTimeout is the idle eviction time in seconds, -1 for
	// no timeout.
	SessionTimeout int

	// Sessions is attached at startup for zones with sessions
	// enabled, nil otherwise.
	Sessions *session.Store
}

// SessionsEnabled reports whether the zone is configured to carry
// sessions.
func (z *Zone) SessionsEnabled() bool {
	return z.MaxSession != 0
}

// Binding maps one content name to a handler inside a zone.
type Binding struct {
	ContentName string
	Zone        *Zone
	Handler     api.Handler
}

// Registry maps the func,lib name pairs used in the configuration file
// to handlers registered before startup. It replaces the dynamic
// library loading of the configuration format: a lib name is just a
// namespace here and handlers link in at build time.
//
// Registration happens before Load reads the configuration and is not
// safe for concurrent use.
type Registry struct {
	handlers map[string]api.Handler
	inits    map[string]api.InitFunc
	terms    map[string]api.TermFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]api.Handler),
		inits:    make(map[string]api.InitFunc),
		terms:    make(map[string]api.TermFunc),
	}
}

func hookKey(funcName, libName string) string {
	return funcName + "," + libName
}

// RegisterHandler makes a request handler resolvable as
// "funcName,libName" in ZONE.api lines.
func (r *Registry) RegisterHandler(funcName, libName string, h api.Handler) {
	r.handlers[hookKey(funcName, libName)] = h
}

// RegisterInit makes an init hook resolvable in ZONE.init_api lines.
func (r *Registry) RegisterInit(funcName, libName string, f api.InitFunc) {
	r.inits[hookKey(funcName, libName)] = f
}

// RegisterTerm makes a term hook resolvable in ZONE.term_api lines.
func (r *Registry) RegisterTerm(funcName, libName string, f api.TermFunc) {
	r.terms[hookKey(funcName, libName)] = f
}

// LookupHandler resolves a request handler by its func,lib names.
func (r *Registry) LookupHandler(funcName, libName string) (api.Handler, bool) {
	h, ok := r.handlers[hookKey(funcName, libName)]
	return h, ok
}

// LookupInit resolves an init hook by its func,lib names.
func (r *Registry) LookupInit(funcName, libName string) (api.InitFunc, bool) {
	f, ok := r.inits[hookKey(funcName, libName)]
	return f, ok
}

// LookupTerm resolves a term hook by its func,lib names.
func (r *Registry) LookupTerm(funcName, libName string) (api.TermFunc, bool) {
	f, ok := r.terms[hookKey(funcName, libName)]
	return f, ok
}
