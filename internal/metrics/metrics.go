package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepthGauge tracks the current depth of the HTTP request queue
	QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nesta",
		Name:      "request_queue_depth",
		Help:      "Current number of accepted connections waiting in the request queue",
	})

	// RelayQueueDepthGauge tracks the current depth of the session relay queue
	RelayQueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nesta",
		Name:      "relay_queue_depth",
		Help:      "Current number of relay connections waiting in the relay queue",
	})

	// WorkerThreadsGauge tracks the number of live worker slots (sleeping or running)
	WorkerThreadsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nesta",
		Name:      "worker_threads",
		Help:      "Current number of live worker threads, including idle ones",
	})

	// ActiveWorkersGauge tracks the number of workers currently serving a connection
	ActiveWorkersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nesta",
		Name:      "active_workers",
		Help:      "Current number of workers actively serving a connection",
	})

	// RequestsTotal counts requests that completed and were access-logged
	RequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nesta",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests served",
	})

	// KeepAliveReusesTotal counts additional requests served on kept-alive connections
	KeepAliveReusesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nesta",
		Name:      "keep_alive_reuses_total",
		Help:      "Total number of times a kept-alive connection carried another request",
	})

	// CacheHitsTotal counts static documents served from the file cache
	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nesta",
		Name:      "file_cache_hits_total",
		Help:      "Total number of static documents served from the file cache",
	})

	// CacheMissesTotal counts static documents read from disk
	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nesta",
		Name:      "file_cache_misses_total",
		Help:      "Total number of static documents that had to be read from disk",
	})

	// CacheBytesGauge tracks the bytes currently held by the file cache
	CacheBytesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nesta",
		Name:      "file_cache_bytes",
		Help:      "Bytes of file content currently held by the file cache",
	})

	// SessionsGauge tracks the number of live sessions across all zones
	SessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "nesta",
		Name:      "active_sessions",
		Help:      "Current number of live sessions across all zones",
	})

	// RelayCommandsTotal counts session relay commands handled by this peer
	RelayCommandsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nesta",
		Name:      "relay_commands_total",
		Help:      "Total number of session relay commands handled",
	})

	// RelayErrorsTotal counts session relay commands that failed
	RelayErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nesta",
		Name:      "relay_errors_total",
		Help:      "Total number of session relay commands that failed (protocol or peer errors)",
	})
)
