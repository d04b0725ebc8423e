package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
)

// TestCollectors_Exposed verifies the collectors live in the default
// registry and appear on a scrape with their set values.
func TestCollectors_Exposed(t *testing.T) {
	QueueDepthGauge.Set(3)
	WorkerThreadsGauge.Set(5)
	ActiveWorkersGauge.Set(1)
	SessionsGauge.Set(2)
	CacheBytesGauge.Set(4096)
	RelayQueueDepthGauge.Set(0)
	RequestsTotal.Inc()
	KeepAliveReusesTotal.Inc()
	CacheHitsTotal.Inc()
	CacheMissesTotal.Inc()
	RelayCommandsTotal.Inc()
	RelayErrorsTotal.Inc()

	e := echo.New()
	e.GET("/metrics", echoprometheus.NewHandler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}

	body := rec.Body.String()
	for _, series := range []string{
		"nesta_request_queue_depth 3",
		"nesta_worker_threads 5",
		"nesta_active_workers 1",
		"nesta_active_sessions 2",
		"nesta_file_cache_bytes 4096",
		"nesta_relay_queue_depth 0",
		"nesta_http_requests_total 1",
		"nesta_keep_alive_reuses_total 1",
		"nesta_file_cache_hits_total 1",
		"nesta_file_cache_misses_total 1",
		"nesta_relay_commands_total 1",
		"nesta_relay_errors_total 1",
	} {
		if !strings.Contains(body, series) {
			t.Errorf("scrape is missing %q", series)
		}
	}
}

// TestCollectors_GaugeMoves verifies a gauge tracks updates across
// scrapes.
func TestCollectors_GaugeMoves(t *testing.T) {
	e := echo.New()
	e.GET("/metrics", echoprometheus.NewHandler())

	scrape := func() string {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Body.String()
	}

	WorkerThreadsGauge.Set(2)
	if body := scrape(); !strings.Contains(body, "nesta_worker_threads 2") {
		t.Error("expected nesta_worker_threads 2 after Set(2)")
	}

	WorkerThreadsGauge.Set(7)
	if body := scrape(); !strings.Contains(body, "nesta_worker_threads 7") {
		t.Error("expected nesta_worker_threads 7 after Set(7)")
	}
}
