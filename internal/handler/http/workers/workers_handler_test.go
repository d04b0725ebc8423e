package workers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nesta-server/nesta/internal/worker"
)

// fakePool serves a canned worker table.
type fakePool struct {
	rows  []worker.SlotStatus
	total uint64
	live  int
	min   int
	max   int
}

func (p *fakePool) Snapshot() ([]worker.SlotStatus, uint64) { return p.rows, p.total }
func (p *fakePool) Live() int                               { return p.live }
func (p *fakePool) Min() int                                { return p.min }
func (p *fakePool) Max() int                                { return p.max }

func TestWorkersHandler_Report(t *testing.T) {
	stamp := time.Date(2026, 8, 25, 10, 15, 42, 0, time.Local)
	pool := &fakePool{
		rows: []worker.SlotStatus{
			{No: 1, State: "sleep", LastAccess: stamp.UnixMicro(), Count: 12, Used: true},
			{No: 2, State: "run", LastAccess: stamp.UnixMicro(), Count: 3, Used: true},
			{No: 3, State: "unuse"},
		},
		total: 15,
		live:  2,
		min:   2,
		max:   3,
	}
	start := time.Date(2026, 8, 25, 9, 0, 0, 0, time.Local)
	handler := NewWorkersHandler(pool, func() time.Time { return start })

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/workers", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := handler.HandleWorkers(c); err != nil {
		t.Fatalf("HandleWorkers returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var report workersReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.Start != "2026/08/25 09:00:00" {
		t.Errorf("unexpected start %q", report.Start)
	}
	if report.Total != 15 {
		t.Errorf("expected total 15, got %d", report.Total)
	}
	if report.LiveThreads != 2 || report.MinThreads != 2 || report.MaxThreads != 3 {
		t.Errorf("unexpected thread counts: live=%d min=%d max=%d",
			report.LiveThreads, report.MinThreads, report.MaxThreads)
	}
	if len(report.Workers) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(report.Workers))
	}
	if report.Workers[0].Status != "sleep" || report.Workers[0].Count != 12 {
		t.Errorf("unexpected first row: %+v", report.Workers[0])
	}
	if report.Workers[0].LastAccess != "2026/08/25 10:15:42" {
		t.Errorf("unexpected last access %q", report.Workers[0].LastAccess)
	}
	if report.Workers[2].Status != "unuse" || report.Workers[2].LastAccess != "N/A" || report.Workers[2].Count != 0 {
		t.Errorf("unexpected unused row: %+v", report.Workers[2])
	}
}

// TestWorkersHandler_NoStartTime verifies the report before the server
// has begun accepting.
func TestWorkersHandler_NoStartTime(t *testing.T) {
	pool := &fakePool{min: 1, max: 1}
	handler := NewWorkersHandler(pool, func() time.Time { return time.Time{} })

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/workers", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := handler.HandleWorkers(c); err != nil {
		t.Fatalf("HandleWorkers returned error: %v", err)
	}

	var report workersReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.Start != "N/A" {
		t.Errorf("expected start N/A, got %q", report.Start)
	}
}

// TestWorkersHandler_SetupRoutes verifies the route is mounted.
func TestWorkersHandler_SetupRoutes(t *testing.T) {
	pool := &fakePool{}
	handler := NewWorkersHandler(pool, time.Now)

	e := echo.New()
	handler.SetupRoutes(e)

	req := httptest.NewRequest(http.MethodGet, "/workers", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected /workers to return 200, got %d", rec.Code)
	}
}
