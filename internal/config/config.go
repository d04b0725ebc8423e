// Package config loads the line-based nesta configuration file:
// name=value pairs with # comments, case-insensitive known names,
// recursive include, application zones and a session relay copy-set.
// Unknown names become user parameters handed to the handlers.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/nesta-server/nesta/internal/api"
	"github.com/nesta-server/nesta/internal/relay"
	"github.com/nesta-server/nesta/internal/zone"
	"github.com/nesta-server/nesta/pkg/logger"
)

const (
	maxNameSize      = 256
	maxValueSize     = 1024
	maxUserParams    = 256
	maxIncludeDepth  = 16
	defaultRelayPort = 9080
)

// RelayOptions mirrors the http.session_relay.* block. The relay is
// enabled when a host is configured.
type RelayOptions struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Backlog           int    `mapstructure:"backlog"`
	WorkerThread      int    `mapstructure:"worker_thread"`
	CheckIntervalTime int    `mapstructure:"check_interval_time"`
}

// Enabled reports whether the session relay listener should start.
func (r RelayOptions) Enabled() bool {
	return r.Host != "" && r.Port > 0
}

// Options mirrors the http.* block of the configuration file.
type Options struct {
	Daemon                    bool         `mapstructure:"daemon"`
	Username                  string       `mapstructure:"username"`
	PortNo                    int          `mapstructure:"port_no"`
	Backlog                   int          `mapstructure:"backlog"`
	WorkerThread              int          `mapstructure:"worker_thread"`
	ExtendWorkerThread        int          `mapstructure:"extend_worker_thread"`
	WorkerThreadTimeout       int          `mapstructure:"worker_thread_timeout"`
	WorkerThreadCheckInterval int          `mapstructure:"worker_thread_check_interval"`
	KeepAliveTimeout          int          `mapstructure:"keep_alive_timeout"`
	KeepAliveRequests         int          `mapstructure:"keep_alive_requests"`
	DocumentRoot              string       `mapstructure:"document_root"`
	FileCacheSize             int64        `mapstructure:"file_cache_size"`
	AccessLogFname            string       `mapstructure:"access_log_fname"`
	DailyLogFlag              bool         `mapstructure:"daily_log_flag"`
	ErrorFile                 string       `mapstructure:"error_file"`
	OutputFile                string       `mapstructure:"output_file"`
	TraceFlag                 bool         `mapstructure:"trace_flag"`
	MonitorPort               int          `mapstructure:"monitor_port"`
	SessionRelay              RelayOptions `mapstructure:"session_relay"`
}

// InitHook pairs a resolved init hook with its configured name for
// startup logging.
type InitHook struct {
	Name string
	Func api.InitFunc
}

// TermHook pairs a resolved term hook with its configured name.
type TermHook struct {
	Name string
	Func api.TermFunc
}

// Config is the fully assembled server configuration.
type Config struct {
	HTTP Options

	// Zones in declaration order.
	Zones []*zone.Zone

	// Bindings maps content names to handlers, in configuration
	// order. Content names are unique; a duplicate keeps the first
	// binding.
	Bindings []*zone.Binding

	// InitHooks and TermHooks in configuration order.
	InitHooks []InitHook
	TermHooks []TermHook

	// UserParams holds every unrecognized name verbatim.
	UserParams api.Params

	// CopyPeers is the session relay copy-set with this server's own
	// host already excluded.
	CopyPeers []relay.Peer

	// File is the absolute path of the top-level configuration file.
	File string
}

// MinWorkers returns the pre-spawned worker count.
func (c *Config) MinWorkers() int {
	return c.HTTP.WorkerThread
}

// MaxWorkers returns the worker count ceiling including the elastic
// slots.
func (c *Config) MaxWorkers() int {
	return c.HTTP.WorkerThread + c.HTTP.ExtendWorkerThread
}

// loader carries the scan state across the include recursion.
type loader struct {
	v         *viper.Viper
	reg       *zone.Registry
	zones     []*zone.Zone
	bindings  []*zone.Binding
	inits     []InitHook
	terms     []TermHook
	params    api.Params
	copyHosts []string
	copyPorts map[string]int
	depth     int
}

// Load reads the configuration file and assembles the server
// configuration. reg resolves ZONE.api and hook names; a nil reg skips
// handler resolution and the effective-value report, which is how the
// client commands load just the port number.
func Load(path string, reg *zone.Registry) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	// Count pass sizes the handler tables before the effective pass.
	nAPI, err := CountNames(abs, ".api")
	if err != nil {
		return nil, err
	}
	nInit, _ := CountNames(abs, ".init_api")
	nTerm, _ := CountNames(abs, ".term_api")

	l := &loader{
		v:         newViper(),
		reg:       reg,
		bindings:  make([]*zone.Binding, 0, nAPI),
		inits:     make([]InitHook, 0, nInit),
		terms:     make([]TermHook, 0, nTerm),
		params:    make(api.Params),
		copyPorts: make(map[string]int),
	}
	if err := l.scan(abs); err != nil {
		return nil, err
	}

	var raw struct {
		HTTP Options `mapstructure:"http"`
	}
	err = l.v.Unmarshal(&raw, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	})
	if err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg := &Config{
		HTTP:       raw.HTTP,
		Zones:      l.zones,
		Bindings:   l.bindings,
		InitHooks:  l.inits,
		TermHooks:  l.terms,
		UserParams: l.params,
		File:       abs,
	}
	if cfg.HTTP.DocumentRoot != "" {
		if p, err := filepath.Abs(cfg.HTTP.DocumentRoot); err == nil {
			cfg.HTTP.DocumentRoot = p
		}
	}
	cfg.CopyPeers = l.assembleCopySet(cfg.HTTP.SessionRelay)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if reg != nil {
		cfg.report()
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("http.daemon", false)
	v.SetDefault("http.username", "")
	v.SetDefault("http.port_no", 8080)
	v.SetDefault("http.backlog", 50)
	v.SetDefault("http.worker_thread", 10)
	v.SetDefault("http.extend_worker_thread", 0)
	v.SetDefault("http.worker_thread_timeout", 600)
	v.SetDefault("http.worker_thread_check_interval", 1800)
	v.SetDefault("http.keep_alive_timeout", 3)
	v.SetDefault("http.keep_alive_requests", 5)
	v.SetDefault("http.document_root", "")
	v.SetDefault("http.file_cache_size", 0)
	v.SetDefault("http.access_log_fname", "")
	v.SetDefault("http.daily_log_flag", false)
	v.SetDefault("http.error_file", "")
	v.SetDefault("http.output_file", "")
	v.SetDefault("http.trace_flag", false)
	v.SetDefault("http.monitor_port", 0)
	v.SetDefault("http.session_relay.host", "")
	v.SetDefault("http.session_relay.port", defaultRelayPort)
	v.SetDefault("http.session_relay.backlog", 5)
	v.SetDefault("http.session_relay.worker_thread", 1)
	v.SetDefault("http.session_relay.check_interval_time", 300)
	return v
}

func (l *loader) scan(path string) error {
	if l.depth >= maxIncludeDepth {
		return fmt.Errorf("config: include nesting deeper than %d at %s", maxIncludeDepth, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			return fmt.Errorf("config: %s:%d: malformed line", path, lineNo)
		}
		name := strings.TrimSpace(line[:eq])
		value := strings.TrimSpace(line[eq+1:])
		if name == "" {
			return fmt.Errorf("config: %s:%d: malformed line", path, lineNo)
		}
		if len(name) > maxNameSize {
			return fmt.Errorf("config: %s:%d: parameter name too large", path, lineNo)
		}
		if len(value) > maxValueSize {
			return fmt.Errorf("config: %s:%d: parameter value too large", path, lineNo)
		}
		if err := l.apply(path, lineNo, name, value); err != nil {
			return err
		}
	}
	return sc.Err()
}

// apply routes one name=value pair. The checks follow the recognition
// order of the original format: exact http names, the per-host copy
// port form, zone declarations, zone-suffixed options, include, and
// finally the user parameters.
func (l *loader) apply(path string, lineNo int, name, value string) error {
	lower := strings.ToLower(name)
	switch lower {
	case "http.document_root", "http.username", "http.access_log_fname",
		"http.error_file", "http.output_file", "http.session_relay.host":
		l.v.Set(lower, value)
		return nil
	case "http.port_no", "http.backlog", "http.worker_thread",
		"http.extend_worker_thread", "http.worker_thread_timeout",
		"http.worker_thread_check_interval", "http.keep_alive_timeout",
		"http.keep_alive_requests", "http.monitor_port",
		"http.session_relay.port", "http.session_relay.backlog",
		"http.session_relay.worker_thread",
		"http.session_relay.check_interval_time":
		l.v.Set(lower, atoi(value))
		return nil
	case "http.daemon", "http.daily_log_flag", "http.trace_flag":
		l.v.Set(lower, atoi(value) != 0)
		return nil
	case "http.file_cache_size":
		// The file value is KiB.
		l.v.Set(lower, int64(atoi(value))*1024)
		return nil
	case "http.session_relay.copy.host":
		if len(l.copyHosts) >= relay.MaxCopyPeers {
			return fmt.Errorf("config: %s:%d: more than %d copy hosts", path, lineNo, relay.MaxCopyPeers)
		}
		l.copyHosts = append(l.copyHosts, value)
		return nil
	case "http.appzone":
		if l.findZone(value) == nil {
			l.zones = append(l.zones, &zone.Zone{
				Name:           value,
				SessionTimeout: -1,
			})
		}
		return nil
	case "include":
		inc, err := filepath.Abs(value)
		if err != nil {
			return fmt.Errorf("config: %s:%d: include %s: %w", path, lineNo, value, err)
		}
		l.depth++
		err = l.scan(inc)
		l.depth--
		return err
	}

	switch {
	case strings.Contains(lower, ".session_relay.copy.port"):
		host := name[:strings.Index(lower, ".session_relay.copy.port")]
		for _, h := range l.copyHosts {
			if strings.EqualFold(h, host) {
				l.copyPorts[strings.ToLower(h)] = atoi(value)
				break
			}
		}
		return nil
	case strings.Contains(lower, ".max_session"):
		z, err := l.zoneOf(path, lineNo, name)
		if err != nil {
			return err
		}
		z.MaxSession = atoi(value)
		return nil
	case strings.Contains(lower, ".session_timeout"):
		z, err := l.zoneOf(path, lineNo, name)
		if err != nil {
			return err
		}
		z.SessionTimeout = atoi(value)
		return nil
	case strings.Contains(lower, ".init_api"):
		z, err := l.zoneOf(path, lineNo, name)
		if err != nil {
			return err
		}
		return l.bindInit(path, lineNo, z, value)
	case strings.Contains(lower, ".term_api"):
		z, err := l.zoneOf(path, lineNo, name)
		if err != nil {
			return err
		}
		return l.bindTerm(path, lineNo, z, value)
	case strings.Contains(lower, ".api"):
		z, err := l.zoneOf(path, lineNo, name)
		if err != nil {
			return err
		}
		return l.bindHandler(path, lineNo, z, value)
	}

	if len(l.params) >= maxUserParams {
		return fmt.Errorf("config: %s:%d: more than %d user parameters", path, lineNo, maxUserParams)
	}
	l.params[name] = value
	return nil
}

func (l *loader) findZone(name string) *zone.Zone {
	for _, z := range l.zones {
		if strings.EqualFold(z.Name, name) {
			return z
		}
	}
	return nil
}

// zoneOf resolves a zone-suffixed option name by stripping its last
// dot segment. The zone must have been declared earlier.
func (l *loader) zoneOf(path string, lineNo int, name string) (*zone.Zone, error) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return nil, fmt.Errorf("config: %s:%d: undefined appzone name: %s", path, lineNo, name)
	}
	z := l.findZone(name[:i])
	if z == nil {
		return nil, fmt.Errorf("config: %s:%d: undefined appzone name: %s", path, lineNo, name)
	}
	return z, nil
}

func (l *loader) bindHandler(path string, lineNo int, z *zone.Zone, value string) error {
	parts := splitList(value)
	if len(parts) != 3 {
		return fmt.Errorf("config: %s:%d: illegal '%s.api' parameter: %s", path, lineNo, z.Name, value)
	}
	content, funcName, libName := parts[0], parts[1], parts[2]
	if l.reg == nil {
		return nil
	}
	h, ok := l.reg.LookupHandler(funcName, libName)
	if !ok {
		return fmt.Errorf("config: %s:%d: unresolved handler %s,%s for %s.api", path, lineNo, funcName, libName, z.Name)
	}
	for _, b := range l.bindings {
		if b.ContentName == content {
			logger.Warn("config: %s:%d: duplicate binding for %q ignored", path, lineNo, content)
			return nil
		}
	}
	l.bindings = append(l.bindings, &zone.Binding{ContentName: content, Zone: z, Handler: h})
	return nil
}

func (l *loader) bindInit(path string, lineNo int, z *zone.Zone, value string) error {
	parts := splitList(value)
	if len(parts) != 2 {
		return fmt.Errorf("config: %s:%d: illegal '%s.init_api' parameter: %s", path, lineNo, z.Name, value)
	}
	if l.reg == nil {
		return nil
	}
	f, ok := l.reg.LookupInit(parts[0], parts[1])
	if !ok {
		return fmt.Errorf("config: %s:%d: unresolved init hook %s for %s.init_api", path, lineNo, value, z.Name)
	}
	l.inits = append(l.inits, InitHook{Name: value, Func: f})
	return nil
}

func (l *loader) bindTerm(path string, lineNo int, z *zone.Zone, value string) error {
	parts := splitList(value)
	if len(parts) != 2 {
		return fmt.Errorf("config: %s:%d: illegal '%s.term_api' parameter: %s", path, lineNo, z.Name, value)
	}
	if l.reg == nil {
		return nil
	}
	f, ok := l.reg.LookupTerm(parts[0], parts[1])
	if !ok {
		return fmt.Errorf("config: %s:%d: unresolved term hook %s for %s.term_api", path, lineNo, value, z.Name)
	}
	l.terms = append(l.terms, TermHook{Name: value, Func: f})
	return nil
}

// assembleCopySet resolves the copy.host lines to peers, filling the
// default port and dropping this server's own host.
func (l *loader) assembleCopySet(opts RelayOptions) []relay.Peer {
	if !opts.Enabled() || len(l.copyHosts) == 0 {
		return nil
	}
	peers := make([]relay.Peer, 0, len(l.copyHosts))
	for _, h := range l.copyHosts {
		if strings.EqualFold(h, opts.Host) {
			continue
		}
		port := l.copyPorts[strings.ToLower(h)]
		if port == 0 {
			port = defaultRelayPort
		}
		peers = append(peers, relay.Peer{Host: h, Port: port})
	}
	return peers
}

func (c *Config) validate() error {
	h := &c.HTTP
	if h.PortNo < 0 || h.PortNo > 65535 {
		return fmt.Errorf("config: http.port_no out of range: %d", h.PortNo)
	}
	if h.Backlog < 1 {
		return fmt.Errorf("config: http.backlog must be positive: %d", h.Backlog)
	}
	if h.WorkerThread < 1 {
		return fmt.Errorf("config: http.worker_thread must be positive: %d", h.WorkerThread)
	}
	if h.ExtendWorkerThread < 0 {
		return fmt.Errorf("config: http.extend_worker_thread must not be negative: %d", h.ExtendWorkerThread)
	}
	if h.KeepAliveTimeout < 0 || h.KeepAliveRequests < 0 {
		return fmt.Errorf("config: keep-alive settings must not be negative")
	}
	if h.FileCacheSize < 0 {
		return fmt.Errorf("config: http.file_cache_size must not be negative: %d", h.FileCacheSize)
	}
	if h.MonitorPort < 0 || h.MonitorPort > 65535 {
		return fmt.Errorf("config: http.monitor_port out of range: %d", h.MonitorPort)
	}
	if h.SessionRelay.Enabled() {
		r := &h.SessionRelay
		if r.Port < 1 || r.Port > 65535 {
			return fmt.Errorf("config: http.session_relay.port out of range: %d", r.Port)
		}
		if r.WorkerThread < 1 {
			return fmt.Errorf("config: http.session_relay.worker_thread must be positive: %d", r.WorkerThread)
		}
	}
	if h.Daemon {
		logger.Warn("config: http.daemon is not supported on this runtime and is ignored")
	}
	if h.Username != "" {
		logger.Warn("config: http.username is not supported on this runtime and is ignored")
	}
	return nil
}

func (c *Config) report() {
	h := &c.HTTP
	logger.Info("configuration loaded from %s", c.File)
	logger.Info("  http.port_no: %d", h.PortNo)
	logger.Info("  http.backlog: %d", h.Backlog)
	logger.Info("  http.worker_thread: %d (max %d)", h.WorkerThread, c.MaxWorkers())
	logger.Info("  http.worker_thread_timeout: %ds (check every %ds)", h.WorkerThreadTimeout, h.WorkerThreadCheckInterval)
	logger.Info("  http.keep_alive_timeout: %ds", h.KeepAliveTimeout)
	logger.Info("  http.keep_alive_requests: %d", h.KeepAliveRequests)
	if h.DocumentRoot != "" {
		logger.Info("  http.document_root: %s", h.DocumentRoot)
	}
	if h.FileCacheSize > 0 {
		logger.Info("  http.file_cache_size: %d bytes", h.FileCacheSize)
	}
	if h.AccessLogFname != "" {
		logger.Info("  http.access_log_fname: %s (daily=%v)", h.AccessLogFname, h.DailyLogFlag)
	}
	if h.MonitorPort > 0 {
		logger.Info("  http.monitor_port: %d", h.MonitorPort)
	}
	for _, z := range c.Zones {
		logger.Info("  zone %s: max_session=%d session_timeout=%d", z.Name, z.MaxSession, z.SessionTimeout)
	}
	if h.SessionRelay.Enabled() {
		logger.Info("  session relay: %s:%d (workers=%d, check every %ds)",
			h.SessionRelay.Host, h.SessionRelay.Port, h.SessionRelay.WorkerThread, h.SessionRelay.CheckIntervalTime)
		for _, p := range c.CopyPeers {
			logger.Info("  copy session to %s:%d", p.Host, p.Port)
		}
	}
	if len(c.UserParams) > 0 {
		logger.Info("  user parameters: %d", len(c.UserParams))
	}
}

// CountNames reports how many parameter names in the file and its
// includes contain the fragment. The loader runs it before the
// effective pass to size the handler tables.
func CountNames(path, fragment string) (int, error) {
	return countNames(path, strings.ToLower(fragment), 0)
}

func countNames(path, fragment string, depth int) (int, error) {
	if depth >= maxIncludeDepth {
		return 0, fmt.Errorf("config: include nesting deeper than %d at %s", maxIncludeDepth, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	count := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(line[:eq]))
		if name == "include" {
			inc, err := filepath.Abs(strings.TrimSpace(line[eq+1:]))
			if err != nil {
				continue
			}
			n, err := countNames(inc, fragment, depth+1)
			if err != nil {
				return 0, err
			}
			count += n
			continue
		}
		if strings.Contains(name, fragment) {
			count++
		}
	}
	return count, sc.Err()
}

// atoi converts the leading decimal digits of s, tolerating a sign and
// trailing garbage the way the file format always has.
func atoi(s string) int {
	s = strings.TrimSpace(s)
	i := 0
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	n := 0
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
	}
	if neg {
		return -n
	}
	return n
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
