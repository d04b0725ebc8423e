// Package workers serves the worker table on the monitor listener: the
// same information as the status control command, as JSON.
package workers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nesta-server/nesta/internal/worker"
)

const timeFormat = "2006/01/02 15:04:05"

// Pool is the view of the worker pool the endpoint renders.
type Pool interface {
	Snapshot() ([]worker.SlotStatus, uint64)
	Live() int
	Min() int
	Max() int
}

// WorkersHandler renders the worker table of one pool.
type WorkersHandler struct {
	pool  Pool
	start func() time.Time
}

// NewWorkersHandler creates the handler around the pool and the
// server's start-time accessor.
func NewWorkersHandler(pool Pool, start func() time.Time) *WorkersHandler {
	return &WorkersHandler{
		pool:  pool,
		start: start,
	}
}

type workerRow struct {
	No         int    `json:"no"`
	Status     string `json:"status"`
	LastAccess string `json:"last_access"`
	Count      uint64 `json:"count"`
}

type workersReport struct {
	Start       string      `json:"start"`
	Total       uint64      `json:"total"`
	LiveThreads int         `json:"live_threads"`
	MinThreads  int         `json:"min_threads"`
	MaxThreads  int         `json:"max_threads"`
	Workers     []workerRow `json:"workers"`
}

// HandleWorkers handles GET /workers with a snapshot of every slot.
func (h *WorkersHandler) HandleWorkers(c echo.Context) error {
	rows, total := h.pool.Snapshot()

	report := workersReport{
		Start:       "N/A",
		Total:       total,
		LiveThreads: h.pool.Live(),
		MinThreads:  h.pool.Min(),
		MaxThreads:  h.pool.Max(),
		Workers:     make([]workerRow, 0, len(rows)),
	}
	if start := h.start(); !start.IsZero() {
		report.Start = start.Format(timeFormat)
	}
	for _, r := range rows {
		row := workerRow{
			No:         r.No,
			Status:     r.State,
			LastAccess: "N/A",
		}
		if r.Used {
			row.Count = r.Count
			if r.LastAccess > 0 {
				row.LastAccess = time.UnixMicro(r.LastAccess).Format(timeFormat)
			}
		}
		report.Workers = append(report.Workers, row)
	}
	return c.JSON(http.StatusOK, report)
}
